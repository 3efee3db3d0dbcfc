package models

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

// User represents a registered user. The core only ever reads users;
// they are owned by the auth service.
type User struct {
	ID       string `json:"_id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// UserRef is the normalized sender/receiver shape used on the wire.
// Messages never leave the realtime channel with a bare id where a
// UserRef is expected.
type UserRef struct {
	ID       string `json:"_id"`
	Username string `json:"username"`
}

func (u User) Ref() UserRef {
	return UserRef{ID: u.ID, Username: u.Username}
}

// Conversation is a two-party message thread keyed by the unordered
// pair of participant ids. At most one conversation exists per pair.
type Conversation struct {
	ID            string    `json:"_id"`
	Participants  []UserRef `json:"participants"`
	LastMessage   *Message  `json:"lastMessage,omitempty"`
	LastMessageAt time.Time `json:"lastMessageAt"`
}

// Other returns the participant that is not userID. Falls back to the
// first participant if userID is not part of the conversation.
func (c Conversation) Other(userID string) UserRef {
	for _, p := range c.Participants {
		if p.ID != userID {
			return p
		}
	}
	if len(c.Participants) > 0 {
		return c.Participants[0]
	}
	return UserRef{}
}

func (c Conversation) Has(userID string) bool {
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// Image is a stored message attachment: an opaque URL plus the storage
// key it was saved under.
type Image struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

// Message is immutable after creation. ClientID echoes the temporary id
// generated by the sending client so it can reconcile its optimistic
// copy with an exact match instead of a heuristic.
type Message struct {
	ID             string    `json:"_id"`
	ClientID       string    `json:"clientId,omitempty"`
	ConversationID string    `json:"conversationId"`
	Sender         UserRef   `json:"sender"`
	Receiver       UserRef   `json:"receiver"`
	Body           string    `json:"message"`
	// HTML is the markdown-rendered body, computed when the message is
	// served, never stored.
	HTML      string    `json:"html,omitempty"`
	Images    []Image   `json:"images,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Notification is the lightweight event sent to the receiver only,
// carrying a server-computed preview of the message body.
type Notification struct {
	From           string `json:"from"`
	FromUsername   string `json:"fromUsername"`
	ConversationID string `json:"conversationId"`
	MessagePreview string `json:"messagePreview"`
}

// TypingEvent is relayed to the recipient's room only.
type TypingEvent struct {
	To   string `json:"to"`
	From string `json:"from"`
}

type ClientEventType string

const (
	ClientEventPrivateMessage ClientEventType = "private_message"
	ClientEventTyping         ClientEventType = "typing"
	ClientEventStopTyping     ClientEventType = "stop_typing"
)

// ClientEvent is what a connected client sends over the websocket.
// Images carry raw attachment bytes (base64 on the wire); the
// dispatcher persists them before the message is created.
type ClientEvent struct {
	Type           ClientEventType `json:"type"`
	To             string          `json:"to,omitempty"`
	Body           string          `json:"message,omitempty"`
	Images         [][]byte        `json:"images,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	ClientID       string          `json:"clientId,omitempty"`
}

type ServerEventType string

const (
	ServerEventPrivateMessage ServerEventType = "private_message"
	ServerEventNotification   ServerEventType = "notification"
	ServerEventTyping         ServerEventType = "typing"
	ServerEventStopTyping     ServerEventType = "stop_typing"
	ServerEventOnlineUsers    ServerEventType = "online_users"
	ServerEventError          ServerEventType = "error"
)

// ServerEvent is the envelope pushed to connected clients. Exactly one
// payload field is set depending on Type.
type ServerEvent struct {
	Type         ServerEventType `json:"type"`
	Message      *Message        `json:"payload,omitempty"`
	Notification *Notification   `json:"notification,omitempty"`
	Typing       *TypingEvent    `json:"typing,omitempty"`
	OnlineUsers  []string        `json:"onlineUsers,omitempty"`
	Error        string          `json:"error,omitempty"`
}
