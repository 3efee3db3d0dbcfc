package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"parley/internal/api"
	"parley/internal/auth"
	"parley/internal/dispatch"
	"parley/internal/filestore"
	"parley/internal/push"
	"parley/internal/storage"
	"parley/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(
	authService *auth.AuthService,
	hub *ws.Hub,
	dispatcher *dispatch.Dispatcher,
	files filestore.FileStore,
	store *storage.BboltStorage,
	notifier *push.Notifier,
	addr string,
) *APIServer {
	wsServer := ws.NewServer(authService, hub, dispatcher)
	handlers := api.New(authService, store, dispatcher, files, notifier)

	mux := http.NewServeMux()

	// User endpoints
	mux.HandleFunc("POST /user/register", handlers.RegisterHandler)
	mux.HandleFunc("POST /user/login", handlers.LoginHandler)
	mux.HandleFunc("POST /user/logout", handlers.LogoutHandler)
	mux.HandleFunc("GET /user/me", handlers.MeHandler)
	mux.HandleFunc("GET /user/search", handlers.RequireAuth(handlers.SearchUsersHandler))

	// Conversation and message endpoints
	mux.HandleFunc("GET /messages/history/{userId}", handlers.RequireAuth(handlers.HistoryHandler))
	mux.HandleFunc("GET /messages/{conversationId}", handlers.RequireAuth(handlers.MessagesHandler))
	mux.HandleFunc("POST /messages/send", handlers.RequireAuth(handlers.SendMessageHandler))
	mux.HandleFunc("POST /messages/conversation", handlers.RequireAuth(handlers.CreateConversationHandler))
	mux.HandleFunc("DELETE /messages/conversation/{conversationId}", handlers.RequireAuth(handlers.DeleteConversationHandler))

	// Attachments and push
	mux.HandleFunc("GET /images/{id}", handlers.GetImageHandler)
	mux.HandleFunc("POST /push/subscribe", handlers.RequireAuth(handlers.SubscribePushHandler))

	// WebSocket endpoint
	mux.HandleFunc("GET /ws", wsServer.HandleConnections)

	if addr == "" {
		addr = ":8000"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *APIServer) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
