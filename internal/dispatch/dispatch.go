// Package dispatch is the single server-side entry point that turns a
// validated send request into a persisted message and a fan-out event.
// Both the HTTP send route and inbound websocket events land here.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"parley/internal/content"
	"parley/internal/models"
)

// ErrValidation marks errors caused by the request itself. They are
// surfaced to the caller and never logged as system faults.
var ErrValidation = errors.New("invalid send request")

const previewRunes = 64

type Store interface {
	FindOrCreateConversation(a, b string) (models.Conversation, error)
	CreateMessage(conversationID, senderID, receiverID, body, clientID string, images []models.Image) (models.Message, error)
	GetConversation(id string) (models.Conversation, error)
}

type Uploader interface {
	Upload(userID string, data []byte) (models.Image, error)
}

// EventSender is the realtime channel as seen from the dispatcher.
type EventSender interface {
	SendToUser(userID string, ev models.ServerEvent)
}

// OfflineNotifier receives the notification payload when the receiver
// has no live connection. Best effort; failures are logged, not
// returned.
type OfflineNotifier interface {
	Notify(userID string, notif models.Notification) error
}

type PresenceChecker interface {
	IsOnline(userID string) bool
}

type Config struct {
	Store    Store
	Uploader Uploader
	Events   EventSender
	Presence PresenceChecker
	// Offline may be nil when push is not configured.
	Offline OfflineNotifier
}

type Dispatcher struct {
	cfg Config
}

func New(cfg Config) *Dispatcher {
	return &Dispatcher{cfg: cfg}
}

// SendRequest is a validated-on-entry message send.
type SendRequest struct {
	SenderID       string
	ReceiverID     string
	Body           string
	Attachments    [][]byte
	ConversationID string
	ClientID       string
}

// Send persists and fans out one message:
//
//  1. validate, resolving the conversation if no id was supplied
//  2. upload attachments (failure aborts before any message exists)
//  3. create the message and update the conversation pointer atomically
//  4. push private_message to both participants, notification to the
//     receiver only
//
// The persisted message is returned to the caller regardless of
// delivery outcome; channel delivery never rolls back persistence.
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) (models.Message, error) {
	if req.SenderID == "" || req.ReceiverID == "" {
		return models.Message{}, fmt.Errorf("%w: missing sender or receiver", ErrValidation)
	}
	if req.SenderID == req.ReceiverID {
		return models.Message{}, fmt.Errorf("%w: cannot message yourself", ErrValidation)
	}

	body := strings.TrimSpace(content.Sanitize(req.Body))
	if body == "" && len(req.Attachments) == 0 {
		return models.Message{}, fmt.Errorf("%w: empty message", ErrValidation)
	}

	conv, err := d.resolveConversation(req)
	if err != nil {
		return models.Message{}, err
	}

	images := make([]models.Image, 0, len(req.Attachments))
	for _, data := range req.Attachments {
		img, err := d.cfg.Uploader.Upload(req.SenderID, data)
		if err != nil {
			return models.Message{}, fmt.Errorf("attachment upload failed: %w", err)
		}
		images = append(images, img)
	}

	msg, err := d.cfg.Store.CreateMessage(conv.ID, req.SenderID, req.ReceiverID, body, req.ClientID, images)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to persist message: %w", err)
	}

	if html, err := content.RenderMarkdown(msg.Body); err == nil {
		msg.HTML = html
	}

	d.fanOut(msg)
	return msg, nil
}

func (d *Dispatcher) resolveConversation(req SendRequest) (models.Conversation, error) {
	if req.ConversationID == "" {
		conv, err := d.cfg.Store.FindOrCreateConversation(req.SenderID, req.ReceiverID)
		if err != nil {
			return models.Conversation{}, fmt.Errorf("failed to resolve conversation: %w", err)
		}
		return conv, nil
	}

	conv, err := d.cfg.Store.GetConversation(req.ConversationID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.Conversation{}, fmt.Errorf("%w: unknown conversation %s", ErrValidation, req.ConversationID)
		}
		// A store outage is a persistence failure, not bad input.
		return models.Conversation{}, fmt.Errorf("failed to load conversation: %w", err)
	}
	if !conv.Has(req.SenderID) || !conv.Has(req.ReceiverID) {
		return models.Conversation{}, fmt.Errorf("%w: sender or receiver not in conversation", ErrValidation)
	}
	return conv, nil
}

// fanOut happens strictly after successful persistence.
func (d *Dispatcher) fanOut(msg models.Message) {
	ev := models.ServerEvent{Type: models.ServerEventPrivateMessage, Message: &msg}
	d.cfg.Events.SendToUser(msg.Sender.ID, ev)
	d.cfg.Events.SendToUser(msg.Receiver.ID, ev)

	preview := content.Preview(msg.Body, previewRunes)
	if preview == "" && len(msg.Images) > 0 {
		preview = "📷 Image"
	}
	notif := models.Notification{
		From:           msg.Sender.ID,
		FromUsername:   msg.Sender.Username,
		ConversationID: msg.ConversationID,
		MessagePreview: preview,
	}
	d.cfg.Events.SendToUser(msg.Receiver.ID, models.ServerEvent{
		Type:         models.ServerEventNotification,
		Notification: &notif,
	})

	if d.cfg.Offline != nil && !d.cfg.Presence.IsOnline(msg.Receiver.ID) {
		if err := d.cfg.Offline.Notify(msg.Receiver.ID, notif); err != nil {
			slog.Warn("offline notification failed",
				"receiver", msg.Receiver.ID, "error", err)
		}
	}
}
