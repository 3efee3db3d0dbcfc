package ws

import (
	"log/slog"
	"net/http"

	"parley/internal/auth"

	"github.com/gorilla/websocket"
)

type Server struct {
	auth       *auth.AuthService
	hub        *Hub
	dispatcher messageDispatcher
	upgrader   *websocket.Upgrader
}

func NewServer(authService *auth.AuthService, hub *Hub, dispatcher messageDispatcher) *Server {
	return &Server{
		auth:       authService,
		hub:        hub,
		dispatcher: dispatcher,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // same-origin is enforced by the cookie token
			},
		},
	}
}

// HandleConnections upgrades the request and runs the connection until
// it drops. Identity is resolved once, before any registration; an
// unresolvable session is terminated immediately.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.UserID(tokenFromRequest(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	c := NewConnection(s.hub, s.dispatcher, conn, userID)
	if err := c.Handle(r.Context()); err != nil {
		slog.Debug("connection closed", "user_id", userID, "error", err)
	}
}

func tokenFromRequest(r *http.Request) string {
	if token := r.Header.Get("token"); token != "" {
		return token
	}
	if c, err := r.Cookie("token"); err == nil {
		return c.Value
	}
	return ""
}
