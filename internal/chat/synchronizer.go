// Package chat keeps a client's view of its conversations consistent.
// The Synchronizer owns the ordered message list of the active
// conversation and reconciles three input streams into it: history
// loads, optimistic local sends, and incoming realtime events.
package chat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"parley/internal/models"

	"github.com/google/uuid"
)

type Status string

const (
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

const (
	DefaultTypingIdle = 2 * time.Second

	// reconcileWindow bounds the timestamp drift tolerated when matching
	// an echoed message to a local temp entry without a client id.
	reconcileWindow = 2 * time.Second
)

// LocalMessage is the client's working copy of a message. TempID and
// Status exist only until the server-confirmed message replaces it.
type LocalMessage struct {
	models.Message
	TempID string
	Status Status
}

// OutgoingMessage is what the Synchronizer hands to the Store for
// persistence.
type OutgoingMessage struct {
	ReceiverID     string
	Body           string
	Attachments    [][]byte
	ConversationID string
	ClientID       string
}

// Store is the persistence collaborator, usually backed by the HTTP
// API.
type Store interface {
	FindOrCreateConversation(ctx context.Context, receiverID string) (models.Conversation, error)
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	SendMessage(ctx context.Context, msg OutgoingMessage) (models.Message, error)
	DeleteConversation(ctx context.Context, conversationID string) error
}

// Emitter sends outbound realtime signals.
type Emitter interface {
	EmitTyping(to string)
	EmitStopTyping(to string)
}

type Config struct {
	Self       models.User
	Store      Store
	Emitter    Emitter
	TypingIdle time.Duration

	// OnChange is called after every state mutation, outside the
	// internal lock. Used by the UI to re-render.
	OnChange func()
}

type Synchronizer struct {
	cfg Config

	mux sync.Mutex

	conversations []models.Conversation
	active        *models.Conversation
	activePeer    models.UserRef

	messages []LocalMessage
	loading  bool
	loadErr  error

	// generation invalidates in-flight history loads when the active
	// conversation changes before they resolve.
	generation uint64

	online map[string]bool
	unread map[string]int

	typingPeers map[string]bool
	typingTimer *time.Timer

	now func() time.Time
}

func New(cfg Config) *Synchronizer {
	if cfg.TypingIdle == 0 {
		cfg.TypingIdle = DefaultTypingIdle
	}
	return &Synchronizer{
		cfg:         cfg,
		online:      make(map[string]bool),
		unread:      make(map[string]int),
		typingPeers: make(map[string]bool),
		now:         time.Now,
	}
}

func (s *Synchronizer) notify() {
	if s.cfg.OnChange != nil {
		s.cfg.OnChange()
	}
}

// LoadConversations fetches the conversation list from the Store and
// replaces the local one.
func (s *Synchronizer) LoadConversations(ctx context.Context) error {
	convs, err := s.cfg.Store.ListConversations(ctx)
	if err != nil {
		return err
	}

	s.mux.Lock()
	s.conversations = convs
	s.sortConversations()
	s.mux.Unlock()

	s.notify()
	return nil
}

// SelectConversation makes an existing conversation active and starts
// an async history load. Only the message list suspends; the selection
// itself is immediate.
func (s *Synchronizer) SelectConversation(ctx context.Context, conv models.Conversation) {
	s.mux.Lock()
	s.cancelTypingTimer()
	active := conv
	s.active = &active
	s.activePeer = conv.Other(s.cfg.Self.ID)
	delete(s.unread, conv.ID)
	s.loadHistory(ctx, conv.ID)
	s.mux.Unlock()

	s.notify()
}

// SelectPeer activates the conversation with the given user. If one is
// already known locally it is adopted. Otherwise a pending placeholder
// without an id is created and no history is fetched.
func (s *Synchronizer) SelectPeer(ctx context.Context, peer models.UserRef) {
	s.mux.Lock()
	for _, conv := range s.conversations {
		if conv.Has(peer.ID) && conv.Has(s.cfg.Self.ID) {
			s.mux.Unlock()
			s.SelectConversation(ctx, conv)
			return
		}
	}

	s.cancelTypingTimer()
	s.generation++
	s.active = &models.Conversation{
		Participants: []models.UserRef{s.cfg.Self.Ref(), peer},
	}
	s.activePeer = peer
	s.messages = nil
	s.loading = false
	s.loadErr = nil
	s.mux.Unlock()

	s.notify()
}

// loadHistory must be called with the lock held.
func (s *Synchronizer) loadHistory(ctx context.Context, conversationID string) {
	s.generation++
	gen := s.generation
	s.messages = nil
	s.loading = true
	s.loadErr = nil

	go func() {
		msgs, err := s.cfg.Store.ListMessages(ctx, conversationID)

		s.mux.Lock()
		if gen != s.generation {
			// The user switched away while the fetch was in flight.
			s.mux.Unlock()
			return
		}
		s.loading = false
		if err != nil {
			s.messages = nil
			s.loadErr = err
		} else {
			// Events merged and sends issued while the fetch was in
			// flight postdate the snapshot; fold them back in instead
			// of letting the snapshot wipe them.
			live := s.messages
			local := make([]LocalMessage, len(msgs))
			for i, m := range msgs {
				local[i] = LocalMessage{Message: m, Status: StatusSent}
			}
			s.messages = local
			for _, m := range live {
				if !s.containsEntry(m) {
					s.insertSorted(m)
				}
			}
		}
		s.mux.Unlock()

		s.notify()
	}()
}

// containsEntry must be called with the lock held. It reports whether
// the list already carries the entry, by durable id or by the temp id a
// confirmed copy echoes back as its client id.
func (s *Synchronizer) containsEntry(m LocalMessage) bool {
	for _, e := range s.messages {
		if m.ID != "" && e.ID == m.ID {
			return true
		}
		if m.TempID != "" && (e.TempID == m.TempID || e.ClientID == m.TempID) {
			return true
		}
	}
	return false
}

// SendMessage inserts an optimistic local entry and persists it in the
// background. An empty body with no attachments is a no-op. On failure
// the entry stays visible with a failed status.
func (s *Synchronizer) SendMessage(ctx context.Context, body string, attachments [][]byte) {
	if strings.TrimSpace(body) == "" && len(attachments) == 0 {
		return
	}

	s.mux.Lock()
	if s.active == nil {
		s.mux.Unlock()
		return
	}
	peer := s.activePeer
	conversationID := s.active.ID

	tempID := "temp-" + uuid.New().String()
	local := LocalMessage{
		Message: models.Message{
			ConversationID: conversationID,
			Sender:         s.cfg.Self.Ref(),
			Receiver:       peer,
			Body:           body,
			CreatedAt:      s.now(),
		},
		TempID: tempID,
		Status: StatusSending,
	}
	s.insertSorted(local)

	s.cancelTypingTimer()
	s.mux.Unlock()

	s.cfg.Emitter.EmitStopTyping(peer.ID)
	s.notify()

	go s.persist(ctx, tempID, peer.ID, body, attachments, conversationID)
}

func (s *Synchronizer) persist(ctx context.Context, tempID, receiverID, body string, attachments [][]byte, conversationID string) {
	if conversationID == "" {
		conv, err := s.cfg.Store.FindOrCreateConversation(ctx, receiverID)
		if err != nil {
			s.markFailed(tempID)
			return
		}
		conversationID = conv.ID

		s.mux.Lock()
		if s.active != nil && s.active.ID == "" && s.activePeer.ID == receiverID {
			s.active.ID = conv.ID
			s.active.Participants = conv.Participants
		}
		for i := range s.messages {
			if s.messages[i].TempID == tempID {
				s.messages[i].ConversationID = conv.ID
			}
		}
		s.upsertConversation(conv)
		s.mux.Unlock()
		s.notify()
	}

	msg, err := s.cfg.Store.SendMessage(ctx, OutgoingMessage{
		ReceiverID:     receiverID,
		Body:           body,
		Attachments:    attachments,
		ConversationID: conversationID,
		ClientID:       tempID,
	})
	if err != nil {
		s.markFailed(tempID)
		return
	}

	s.mux.Lock()
	replaced := false
	for i := range s.messages {
		if s.messages[i].TempID == tempID {
			s.messages[i] = LocalMessage{Message: msg, Status: StatusSent}
			replaced = true
			break
		}
	}
	if replaced {
		s.resortMessages()
	}
	s.applySummary(msg)
	s.mux.Unlock()

	s.notify()
}

func (s *Synchronizer) markFailed(tempID string) {
	s.mux.Lock()
	for i := range s.messages {
		if s.messages[i].TempID == tempID {
			s.messages[i].Status = StatusFailed
			break
		}
	}
	s.mux.Unlock()

	s.notify()
}

// HandleIncomingMessage reconciles a private_message event. The
// conversation summary is always updated; the message itself is merged
// into the ordered list only when its conversation is active.
func (s *Synchronizer) HandleIncomingMessage(msg models.Message) {
	s.mux.Lock()
	s.applySummary(msg)

	if s.active == nil || s.active.ID != msg.ConversationID {
		// Unread counting is driven by the notification event, which
		// the server sends to the receiver only.
		s.mux.Unlock()
		s.notify()
		return
	}

	delete(s.typingPeers, msg.Sender.ID)

	if i := s.findDuplicate(msg); i >= 0 {
		// Replace in place. The echoed copy of an own optimistic send
		// carries the durable id.
		s.messages[i] = LocalMessage{Message: msg, Status: StatusSent}
		s.resortMessages()
	} else {
		s.insertSorted(LocalMessage{Message: msg, Status: StatusSent})
	}
	s.mux.Unlock()

	s.notify()
}

// findDuplicate must be called with the lock held. It returns the index
// of an existing entry the incoming message supersedes, or -1.
func (s *Synchronizer) findDuplicate(msg models.Message) int {
	for i, m := range s.messages {
		if m.ID != "" && m.ID == msg.ID {
			return i
		}
		if msg.ClientID != "" && m.TempID == msg.ClientID {
			return i
		}
	}
	if msg.Sender.ID != s.cfg.Self.ID {
		return -1
	}
	// Fallback for echoes sent before the client id round trip existed:
	// a temp entry with the same body within the tolerance window.
	for i, m := range s.messages {
		if m.TempID == "" || m.ID != "" {
			continue
		}
		if m.Body != msg.Body || m.Sender.ID != msg.Sender.ID {
			continue
		}
		delta := msg.CreatedAt.Sub(m.CreatedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta <= reconcileWindow {
			return i
		}
	}
	return -1
}

// NotifyTyping reports a keystroke in the active conversation. The
// first call emits a typing signal; a 2 second idle timer emits the
// stop signal unless another keystroke resets it first.
func (s *Synchronizer) NotifyTyping() {
	s.mux.Lock()
	if s.active == nil || s.activePeer.ID == "" {
		s.mux.Unlock()
		return
	}
	peer := s.activePeer.ID

	starting := s.typingTimer == nil
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(s.cfg.TypingIdle, func() {
		s.mux.Lock()
		if s.typingTimer != timer {
			// Lost the race against a keystroke that re-armed the
			// debounce while this timer was firing.
			s.mux.Unlock()
			return
		}
		s.typingTimer = nil
		s.mux.Unlock()
		s.cfg.Emitter.EmitStopTyping(peer)
	})
	s.typingTimer = timer
	s.mux.Unlock()

	if starting {
		s.cfg.Emitter.EmitTyping(peer)
	}
}

// cancelTypingTimer must be called with the lock held. The recipient's
// typing flag expires on its own server side, so no stop signal is
// sent.
func (s *Synchronizer) cancelTypingTimer() {
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
}

func (s *Synchronizer) HandleTyping(ev models.TypingEvent) {
	s.mux.Lock()
	s.typingPeers[ev.From] = true
	s.mux.Unlock()
	s.notify()
}

func (s *Synchronizer) HandleStopTyping(ev models.TypingEvent) {
	s.mux.Lock()
	delete(s.typingPeers, ev.From)
	s.mux.Unlock()
	s.notify()
}

func (s *Synchronizer) HandleOnlineUsers(ids []string) {
	online := make(map[string]bool, len(ids))
	for _, id := range ids {
		online[id] = true
	}

	s.mux.Lock()
	s.online = online
	s.mux.Unlock()
	s.notify()
}

// HandleNotification counts unread activity for conversations that are
// not currently open.
func (s *Synchronizer) HandleNotification(n models.Notification) {
	s.mux.Lock()
	if s.active == nil || s.active.ID != n.ConversationID {
		s.unread[n.ConversationID]++
	}
	s.mux.Unlock()
	s.notify()
}

// RemoveConversation deletes a conversation from the Store and the
// local list. A matching active selection is cleared.
func (s *Synchronizer) RemoveConversation(ctx context.Context, conversationID string) error {
	if err := s.cfg.Store.DeleteConversation(ctx, conversationID); err != nil {
		return err
	}

	s.mux.Lock()
	kept := s.conversations[:0]
	for _, conv := range s.conversations {
		if conv.ID != conversationID {
			kept = append(kept, conv)
		}
	}
	s.conversations = kept
	delete(s.unread, conversationID)

	if s.active != nil && s.active.ID == conversationID {
		s.cancelTypingTimer()
		s.generation++
		s.active = nil
		s.activePeer = models.UserRef{}
		s.messages = nil
		s.loading = false
		s.loadErr = nil
	}
	s.mux.Unlock()

	s.notify()
	return nil
}

// applySummary must be called with the lock held.
func (s *Synchronizer) applySummary(msg models.Message) {
	m := msg
	for i := range s.conversations {
		if s.conversations[i].ID == msg.ConversationID {
			s.conversations[i].LastMessage = &m
			s.conversations[i].LastMessageAt = msg.CreatedAt
			s.sortConversations()
			return
		}
	}

	// First message of a conversation this client has never listed.
	s.conversations = append(s.conversations, models.Conversation{
		ID:            msg.ConversationID,
		Participants:  []models.UserRef{msg.Sender, msg.Receiver},
		LastMessage:   &m,
		LastMessageAt: msg.CreatedAt,
	})
	s.sortConversations()
}

// upsertConversation must be called with the lock held.
func (s *Synchronizer) upsertConversation(conv models.Conversation) {
	for i := range s.conversations {
		if s.conversations[i].ID == conv.ID {
			return
		}
	}
	s.conversations = append(s.conversations, conv)
	s.sortConversations()
}

// sortConversations must be called with the lock held. Most recent
// activity first.
func (s *Synchronizer) sortConversations() {
	sort.SliceStable(s.conversations, func(i, j int) bool {
		return s.conversations[i].LastMessageAt.After(s.conversations[j].LastMessageAt)
	})
}

// insertSorted must be called with the lock held. Ascending by creation
// time, stable for equal timestamps.
func (s *Synchronizer) insertSorted(m LocalMessage) {
	i := sort.Search(len(s.messages), func(i int) bool {
		return s.messages[i].CreatedAt.After(m.CreatedAt)
	})
	s.messages = append(s.messages, LocalMessage{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = m
}

// resortMessages must be called with the lock held. Used after an
// in-place replacement may have changed a timestamp.
func (s *Synchronizer) resortMessages() {
	sort.SliceStable(s.messages, func(i, j int) bool {
		return s.messages[i].CreatedAt.Before(s.messages[j].CreatedAt)
	})
}

// Conversations returns a copy of the conversation list, most recent
// first.
func (s *Synchronizer) Conversations() []models.Conversation {
	s.mux.Lock()
	defer s.mux.Unlock()
	return append([]models.Conversation(nil), s.conversations...)
}

// Active returns the active conversation, which may be a pending
// placeholder without an id.
func (s *Synchronizer) Active() (models.Conversation, bool) {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.active == nil {
		return models.Conversation{}, false
	}
	return *s.active, true
}

// Messages returns a copy of the active conversation's ordered message
// list.
func (s *Synchronizer) Messages() []LocalMessage {
	s.mux.Lock()
	defer s.mux.Unlock()
	return append([]LocalMessage(nil), s.messages...)
}

// Loading reports whether a history load is in flight.
func (s *Synchronizer) Loading() bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.loading
}

// Err returns the error of the last failed history load, if any.
func (s *Synchronizer) Err() error {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.loadErr
}

func (s *Synchronizer) IsOnline(userID string) bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.online[userID]
}

// PeerTyping reports whether the active conversation's other
// participant is typing.
func (s *Synchronizer) PeerTyping() bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.typingPeers[s.activePeer.ID]
}

// Unread returns the unread count for a conversation.
func (s *Synchronizer) Unread(conversationID string) int {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.unread[conversationID]
}
