package ws

import (
	"context"
	"slices"
	"testing"
	"time"

	"parley/internal/models"
	"parley/internal/presence"
)

func newTestHub(t *testing.T, typingExpiry time.Duration) *Hub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewHub(ctx, presence.NewRegistry(), typingExpiry)
}

// drain pulls events until one of the wanted type arrives.
func drain(t *testing.T, ch chan models.ServerEvent, want models.ServerEventType) models.ServerEvent {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", want)
		}
	}
}

func TestHub_PresenceLifecycle(t *testing.T) {
	h := newTestHub(t, 0)

	s1 := h.Join("u1")
	ev := drain(t, s1.Events, models.ServerEventOnlineUsers)
	if !slices.Equal(ev.OnlineUsers, []string{"u1"}) {
		t.Errorf("expected [u1] online, got %v", ev.OnlineUsers)
	}

	s2 := h.Join("u2")
	ev = drain(t, s1.Events, models.ServerEventOnlineUsers)
	got := slices.Clone(ev.OnlineUsers)
	slices.Sort(got)
	if !slices.Equal(got, []string{"u1", "u2"}) {
		t.Errorf("expected [u1 u2] online, got %v", got)
	}

	h.Leave(s2)
	ev = drain(t, s1.Events, models.ServerEventOnlineUsers)
	if !slices.Equal(ev.OnlineUsers, []string{"u1"}) {
		t.Errorf("expected [u1] after leave, got %v", ev.OnlineUsers)
	}

	// Closed session channel after leave.
	if _, ok := <-s2.Events; ok {
		// Drain broadcasts until closed.
		for range s2.Events {
		}
	}

	h.Leave(s1)
}

func TestHub_MultipleSessionsPerUser(t *testing.T) {
	h := newTestHub(t, 0)

	s1 := h.Join("u1")
	s2 := h.Join("u1")
	observer := h.Join("u2")

	msg := models.Message{ID: "m-1", Body: "hi"}
	h.SendToUser("u1", models.ServerEvent{Type: models.ServerEventPrivateMessage, Message: &msg})

	for _, s := range []*Session{s1, s2} {
		ev := drain(t, s.Events, models.ServerEventPrivateMessage)
		if ev.Message.ID != "m-1" {
			t.Errorf("unexpected message %+v", ev.Message)
		}
	}

	// First session leaving keeps the user online.
	h.Leave(s1)
	ev := drain(t, observer.Events, models.ServerEventOnlineUsers)
	if !slices.Contains(ev.OnlineUsers, "u1") {
		t.Error("u1 went offline while a session remained")
	}

	h.Leave(s2)
	ev = drain(t, observer.Events, models.ServerEventOnlineUsers)
	if slices.Contains(ev.OnlineUsers, "u1") {
		t.Error("u1 still online after last session left")
	}
}

func TestHub_SendToOfflineUserIsNoop(t *testing.T) {
	h := newTestHub(t, 0)
	// Must not panic or block.
	h.SendToUser("ghost", models.ServerEvent{Type: models.ServerEventNotification})
}

func TestHub_TypingRelay(t *testing.T) {
	h := newTestHub(t, 0)
	sender := h.Join("u1")
	receiver := h.Join("u2")
	bystander := h.Join("u3")

	h.Typing("u1", "u2", true)

	ev := drain(t, receiver.Events, models.ServerEventTyping)
	if ev.Typing.From != "u1" || ev.Typing.To != "u2" {
		t.Errorf("unexpected typing event %+v", ev.Typing)
	}
	if !h.IsTyping("u1", "u2") {
		t.Error("typing state not recorded")
	}

	h.Typing("u1", "u2", false)
	ev = drain(t, receiver.Events, models.ServerEventStopTyping)
	if ev.Typing.From != "u1" {
		t.Errorf("unexpected stop_typing event %+v", ev.Typing)
	}
	if h.IsTyping("u1", "u2") {
		t.Error("typing state survived stop_typing")
	}

	// The sender's own room and third parties never see typing events.
	for _, s := range []*Session{sender, bystander} {
	loop:
		for {
			select {
			case ev := <-s.Events:
				if ev.Type == models.ServerEventTyping || ev.Type == models.ServerEventStopTyping {
					t.Errorf("typing event leaked to %s", s.UserID)
				}
			default:
				break loop
			}
		}
	}

	// Self-typing is dropped.
	h.Typing("u1", "u1", true)
	if h.IsTyping("u1", "u1") {
		t.Error("self typing recorded")
	}
}

func TestHub_TypingExpiry(t *testing.T) {
	h := newTestHub(t, 50*time.Millisecond)
	h.Join("u2")

	h.Typing("u1", "u2", true)
	if !h.IsTyping("u1", "u2") {
		t.Fatal("typing state not set")
	}

	time.Sleep(80 * time.Millisecond)
	if h.IsTyping("u1", "u2") {
		t.Error("typing state did not expire")
	}
}
