package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"parley/internal/models"
)

type fakeStore struct {
	convs     map[string]models.Conversation
	nextSeq   int
	created   []models.Message
	createErr error
	getErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{convs: make(map[string]models.Conversation)}
}

func pairID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "conv-" + a + "-" + b
}

func (f *fakeStore) FindOrCreateConversation(a, b string) (models.Conversation, error) {
	id := pairID(a, b)
	if conv, ok := f.convs[id]; ok {
		return conv, nil
	}
	conv := models.Conversation{
		ID: id,
		Participants: []models.UserRef{
			{ID: a, Username: "user-" + a},
			{ID: b, Username: "user-" + b},
		},
	}
	f.convs[id] = conv
	return conv, nil
}

func (f *fakeStore) GetConversation(id string) (models.Conversation, error) {
	if f.getErr != nil {
		return models.Conversation{}, f.getErr
	}
	conv, ok := f.convs[id]
	if !ok {
		return models.Conversation{}, models.ErrNotFound
	}
	return conv, nil
}

func (f *fakeStore) CreateMessage(conversationID, senderID, receiverID, body, clientID string, images []models.Image) (models.Message, error) {
	if f.createErr != nil {
		return models.Message{}, f.createErr
	}
	f.nextSeq++
	msg := models.Message{
		ID:             fmt.Sprintf("m-%d", f.nextSeq),
		ClientID:       clientID,
		ConversationID: conversationID,
		Sender:         models.UserRef{ID: senderID, Username: "user-" + senderID},
		Receiver:       models.UserRef{ID: receiverID, Username: "user-" + receiverID},
		Body:           body,
		Images:         images,
		CreatedAt:      time.Now(),
	}
	f.created = append(f.created, msg)
	return msg, nil
}

type fakeUploader struct {
	err   error
	count int
}

func (f *fakeUploader) Upload(userID string, data []byte) (models.Image, error) {
	if f.err != nil {
		return models.Image{}, f.err
	}
	f.count++
	key := fmt.Sprintf("img-%d", f.count)
	return models.Image{URL: "/images/" + key, Filename: key}, nil
}

type fakeEvents struct {
	sent map[string][]models.ServerEvent
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{sent: make(map[string][]models.ServerEvent)}
}

func (f *fakeEvents) SendToUser(userID string, ev models.ServerEvent) {
	f.sent[userID] = append(f.sent[userID], ev)
}

type fakePresence map[string]bool

func (f fakePresence) IsOnline(userID string) bool { return f[userID] }

type fakePush struct {
	notified []models.Notification
	err      error
}

func (f *fakePush) Notify(userID string, notif models.Notification) error {
	if f.err != nil {
		return f.err
	}
	f.notified = append(f.notified, notif)
	return nil
}

func newDispatcher(store *fakeStore, up *fakeUploader, events *fakeEvents, online fakePresence, push *fakePush) *Dispatcher {
	var offline OfflineNotifier
	if push != nil {
		offline = push
	}
	return New(Config{
		Store:    store,
		Uploader: up,
		Events:   events,
		Presence: online,
		Offline:  offline,
	})
}

func countType(evs []models.ServerEvent, t models.ServerEventType) int {
	n := 0
	for _, ev := range evs {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func TestSendFirstMessage(t *testing.T) {
	store := newFakeStore()
	events := newFakeEvents()
	d := newDispatcher(store, &fakeUploader{}, events, fakePresence{"u1": true, "u2": true}, nil)

	msg, err := d.Send(context.Background(), SendRequest{
		SenderID:   "u1",
		ReceiverID: "u2",
		Body:       "hello",
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	// Conversation created lazily for the pair.
	if msg.ConversationID != pairID("u1", "u2") {
		t.Errorf("unexpected conversation id %s", msg.ConversationID)
	}
	if msg.Body != "hello" || msg.Sender.ID != "u1" {
		t.Errorf("unexpected message %+v", msg)
	}

	// Both participants get the private_message with the same conversation.
	for _, uid := range []string{"u1", "u2"} {
		if countType(events.sent[uid], models.ServerEventPrivateMessage) != 1 {
			t.Errorf("%s did not receive exactly one private_message", uid)
		}
		for _, ev := range events.sent[uid] {
			if ev.Type == models.ServerEventPrivateMessage && ev.Message.ConversationID != msg.ConversationID {
				t.Errorf("conversation id mismatch for %s", uid)
			}
		}
	}

	// Only the receiver gets the notification, with the preview.
	if countType(events.sent["u1"], models.ServerEventNotification) != 0 {
		t.Error("sender received a notification")
	}
	if countType(events.sent["u2"], models.ServerEventNotification) != 1 {
		t.Fatal("receiver did not receive a notification")
	}
	for _, ev := range events.sent["u2"] {
		if ev.Type == models.ServerEventNotification {
			if ev.Notification.MessagePreview != "hello" {
				t.Errorf("expected preview 'hello', got %q", ev.Notification.MessagePreview)
			}
			if ev.Notification.From != "u1" {
				t.Errorf("expected notification from u1, got %s", ev.Notification.From)
			}
		}
	}
}

func TestSendValidation(t *testing.T) {
	store := newFakeStore()
	d := newDispatcher(store, &fakeUploader{}, newFakeEvents(), fakePresence{}, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		req  SendRequest
	}{
		{"MissingSender", SendRequest{ReceiverID: "u2", Body: "hi"}},
		{"MissingReceiver", SendRequest{SenderID: "u1", Body: "hi"}},
		{"SelfMessage", SendRequest{SenderID: "u1", ReceiverID: "u1", Body: "hi"}},
		{"EmptyBody", SendRequest{SenderID: "u1", ReceiverID: "u2", Body: "   "}},
		{"UnknownConversation", SendRequest{SenderID: "u1", ReceiverID: "u2", Body: "hi", ConversationID: "nope"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := d.Send(ctx, tc.req); !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}

	if len(store.created) != 0 {
		t.Errorf("invalid requests persisted messages: %d", len(store.created))
	}

	t.Run("ForeignConversation", func(t *testing.T) {
		conv, _ := store.FindOrCreateConversation("a", "b")
		_, err := d.Send(ctx, SendRequest{SenderID: "u1", ReceiverID: "u2", Body: "hi", ConversationID: conv.ID})
		if !errors.Is(err, ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
	})

	// A store outage while resolving the conversation is a persistence
	// failure, never reported as bad input.
	t.Run("StoreOutage", func(t *testing.T) {
		store.getErr = errors.New("store down")
		defer func() { store.getErr = nil }()

		_, err := d.Send(ctx, SendRequest{SenderID: "u1", ReceiverID: "u2", Body: "hi", ConversationID: "c1"})
		if err == nil {
			t.Fatal("expected error")
		}
		if errors.Is(err, ErrValidation) {
			t.Errorf("store outage misreported as validation error: %v", err)
		}
	})
}

func TestSendSanitizesBody(t *testing.T) {
	store := newFakeStore()
	d := newDispatcher(store, &fakeUploader{}, newFakeEvents(), fakePresence{}, nil)

	msg, err := d.Send(context.Background(), SendRequest{
		SenderID:   "u1",
		ReceiverID: "u2",
		Body:       "<script>alert(1)</script>hello",
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if msg.Body != "hello" {
		t.Errorf("body not sanitized: %q", msg.Body)
	}

	// Body that is nothing but markup collapses to an empty message.
	if _, err := d.Send(context.Background(), SendRequest{
		SenderID:   "u1",
		ReceiverID: "u2",
		Body:       "<script>alert(1)</script>",
	}); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestSendAttachments(t *testing.T) {
	store := newFakeStore()
	up := &fakeUploader{}
	d := newDispatcher(store, up, newFakeEvents(), fakePresence{}, nil)

	msg, err := d.Send(context.Background(), SendRequest{
		SenderID:    "u1",
		ReceiverID:  "u2",
		Attachments: [][]byte{{1}, {2}},
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(msg.Images) != 2 {
		t.Fatalf("expected 2 images, got %d", len(msg.Images))
	}
	if msg.Body != "" {
		t.Errorf("expected empty body, got %q", msg.Body)
	}

	t.Run("UploadFailureAborts", func(t *testing.T) {
		up.err = errors.New("storage down")
		before := len(store.created)
		_, err := d.Send(context.Background(), SendRequest{
			SenderID:    "u1",
			ReceiverID:  "u2",
			Body:        "with attachment",
			Attachments: [][]byte{{3}},
		})
		if err == nil {
			t.Fatal("expected upload error")
		}
		if len(store.created) != before {
			t.Error("message created despite failed upload")
		}
	})
}

func TestSendClientIDEcho(t *testing.T) {
	store := newFakeStore()
	events := newFakeEvents()
	d := newDispatcher(store, &fakeUploader{}, events, fakePresence{}, nil)

	msg, err := d.Send(context.Background(), SendRequest{
		SenderID:   "u1",
		ReceiverID: "u2",
		Body:       "hi",
		ClientID:   "temp-123",
	})
	if err != nil {
		t.Fatal(err)
	}
	if msg.ClientID != "temp-123" {
		t.Errorf("clientId not echoed: %q", msg.ClientID)
	}
}

func TestPersistenceFailure(t *testing.T) {
	store := newFakeStore()
	store.createErr = errors.New("db closed")
	events := newFakeEvents()
	d := newDispatcher(store, &fakeUploader{}, events, fakePresence{}, nil)

	if _, err := d.Send(context.Background(), SendRequest{SenderID: "u1", ReceiverID: "u2", Body: "hi"}); err == nil {
		t.Fatal("expected persistence error")
	}
	// No fan-out before successful persistence.
	if len(events.sent) != 0 {
		t.Errorf("events sent despite persistence failure: %+v", events.sent)
	}
}

func TestOfflinePush(t *testing.T) {
	store := newFakeStore()
	push := &fakePush{}
	d := newDispatcher(store, &fakeUploader{}, newFakeEvents(), fakePresence{"u1": true}, push)

	if _, err := d.Send(context.Background(), SendRequest{SenderID: "u1", ReceiverID: "u2", Body: "ping"}); err != nil {
		t.Fatal(err)
	}
	if len(push.notified) != 1 {
		t.Fatalf("expected 1 push notification, got %d", len(push.notified))
	}
	if push.notified[0].MessagePreview != "ping" {
		t.Errorf("unexpected push payload %+v", push.notified[0])
	}

	// Online receiver: no push.
	push.notified = nil
	d2 := newDispatcher(store, &fakeUploader{}, newFakeEvents(), fakePresence{"u1": true, "u2": true}, push)
	if _, err := d2.Send(context.Background(), SendRequest{SenderID: "u1", ReceiverID: "u2", Body: "pong"}); err != nil {
		t.Fatal(err)
	}
	if len(push.notified) != 0 {
		t.Error("push sent to online receiver")
	}

	// Push failure does not fail the send.
	push.err = errors.New("push endpoint gone")
	if _, err := d.Send(context.Background(), SendRequest{SenderID: "u1", ReceiverID: "u2", Body: "again"}); err != nil {
		t.Errorf("send failed because of push error: %v", err)
	}
}
