package ws

import (
	"context"
	"sync"
	"time"

	"parley/internal/models"
	"parley/internal/presence"

	"github.com/c-pro/geche"
)

const sessionBuffer = 100

// Session is one live connection's delivery target. A user may hold
// several sessions at once (multiple tabs, reconnects); they all live
// in the same user-id room and receive the same events.
type Session struct {
	UserID string
	Events chan models.ServerEvent

	id uint64
}

// Hub routes server events to rooms keyed by user id and owns the
// ephemeral realtime state: the presence registry and the typing map.
type Hub struct {
	registry     *presence.Registry
	typing       geche.Geche[string, string]
	typingExpiry time.Duration

	mu     sync.RWMutex
	rooms  map[string]map[uint64]*Session
	nextID uint64
}

func NewHub(ctx context.Context, registry *presence.Registry, typingExpiry time.Duration) *Hub {
	if typingExpiry <= 0 {
		typingExpiry = 2 * time.Second
	}
	return &Hub{
		registry:     registry,
		typing:       geche.NewMapTTLCache[string, string](ctx, typingExpiry, time.Second),
		typingExpiry: typingExpiry,
		rooms:        make(map[string]map[uint64]*Session),
	}
}

// Join registers a session in the user's room, marks the user online
// and broadcasts the updated online-user list to everyone.
func (h *Hub) Join(userID string) *Session {
	h.mu.Lock()
	h.nextID++
	s := &Session{
		UserID: userID,
		Events: make(chan models.ServerEvent, sessionBuffer),
		id:     h.nextID,
	}
	room, ok := h.rooms[userID]
	if !ok {
		room = make(map[uint64]*Session)
		h.rooms[userID] = room
	}
	room[s.id] = s
	h.mu.Unlock()

	h.registry.Add(userID)
	h.broadcastOnlineUsers()
	return s
}

// Leave removes the session. The user goes offline only when their last
// session is gone; either way the online list is re-broadcast.
func (h *Hub) Leave(s *Session) {
	h.mu.Lock()
	room, ok := h.rooms[s.UserID]
	if ok {
		if _, ok := room[s.id]; ok {
			delete(room, s.id)
			close(s.Events)
		}
		if len(room) == 0 {
			delete(h.rooms, s.UserID)
		}
	}
	last := len(room) == 0
	h.mu.Unlock()

	if last {
		h.registry.Remove(s.UserID)
	}
	h.broadcastOnlineUsers()
}

// SendToUser delivers an event to every session in the user's room.
// Offline users are simply skipped: presence is best-effort and the
// message is observed on the next history load.
func (h *Hub) SendToUser(userID string, ev models.ServerEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.rooms[userID] {
		select {
		case s.Events <- ev:
		default:
			// Slow consumer, drop rather than block the hub.
		}
	}
}

// Typing relays a typing state change to the recipient's room only.
// The sender's own room is never echoed, and self-typing is ignored.
func (h *Hub) Typing(from, to string, active bool) {
	if from == to || from == "" || to == "" {
		return
	}

	key := from + "|" + to
	evType := models.ServerEventTyping
	if active {
		h.typing.Set(key, from)
	} else {
		_ = h.typing.Del(key)
		evType = models.ServerEventStopTyping
	}

	h.SendToUser(to, models.ServerEvent{
		Type:   evType,
		Typing: &models.TypingEvent{To: to, From: from},
	})
}

// IsTyping reports whether from is currently typing to to. Entries
// expire on their own after the typing window.
func (h *Hub) IsTyping(from, to string) bool {
	_, err := h.typing.Get(from + "|" + to)
	return err == nil
}

func (h *Hub) broadcastOnlineUsers() {
	online := h.registry.List()
	if online == nil {
		online = []string{}
	}
	ev := models.ServerEvent{Type: models.ServerEventOnlineUsers, OnlineUsers: online}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, room := range h.rooms {
		for _, s := range room {
			select {
			case s.Events <- ev:
			default:
			}
		}
	}
}
