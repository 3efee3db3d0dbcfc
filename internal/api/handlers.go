package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"parley/internal/auth"
	"parley/internal/content"
	"parley/internal/dispatch"
	"parley/internal/filestore"
	"parley/internal/models"
	"parley/internal/push"
	"parley/internal/storage"
)

type API struct {
	auth       *auth.AuthService
	store      *storage.BboltStorage
	dispatcher *dispatch.Dispatcher
	files      filestore.FileStore
	push       *push.Notifier
}

func New(authService *auth.AuthService, store *storage.BboltStorage, dispatcher *dispatch.Dispatcher, files filestore.FileStore, notifier *push.Notifier) *API {
	return &API{
		auth:       authService,
		store:      store,
		dispatcher: dispatcher,
		files:      files,
		push:       notifier,
	}
}

func (a *API) getToken(r *http.Request) string {
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	return token
}

type authedHandler func(w http.ResponseWriter, r *http.Request, userID string)

// RequireAuth resolves the request token to a user id and rejects the
// request with 401 when it cannot.
func (a *API) RequireAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.auth.UserID(a.getToken(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, userID)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func (a *API) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	user, err := a.auth.Register(req)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, auth.ErrUserExists) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}

	writeJSON(w, user)
}

func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest

	// Support both JSON and form encoding.
	if r.Header.Get("Content-Type") == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Failed to parse form", http.StatusBadRequest)
			return
		}
		req.Username = r.FormValue("username")
		req.Password = r.FormValue("password")
	}

	loginResp := a.auth.Login(req)
	if !loginResp.Success {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		if err := json.NewEncoder(w).Encode(loginResp); err != nil {
			log.Printf("failed to encode login response: %v", err)
		}
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    loginResp.Token,
		HttpOnly: true,
		Path:     "/",
		Expires:  time.Unix(loginResp.TokenExpiry, 0),
	})

	writeJSON(w, loginResp)
}

func (a *API) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	if token := a.getToken(r); token != "" {
		_ = a.auth.Logoff(token)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})

	w.WriteHeader(http.StatusOK)
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request) {
	user, err := a.auth.User(a.getToken(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	writeJSON(w, user)
}

func (a *API) SearchUsersHandler(w http.ResponseWriter, r *http.Request, userID string) {
	query := r.URL.Query().Get("username")
	if query == "" {
		writeJSON(w, []models.User{})
		return
	}

	found, err := a.store.SearchUsers(query)
	if err != nil {
		http.Error(w, "Search failed", http.StatusInternalServerError)
		return
	}

	// Never offer the caller themselves as a chat partner.
	users := make([]models.User, 0, len(found))
	for _, u := range found {
		if u.ID != userID {
			users = append(users, u)
		}
	}

	writeJSON(w, users)
}

func (a *API) HistoryHandler(w http.ResponseWriter, r *http.Request, userID string) {
	if r.PathValue("userId") != userID {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	conversations, err := a.store.ListConversations(userID)
	if err != nil {
		http.Error(w, "Failed to load conversations", http.StatusInternalServerError)
		return
	}

	writeJSON(w, conversations)
}

func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request, userID string) {
	conversationID := r.PathValue("conversationId")

	conv, err := a.store.GetConversation(conversationID)
	if err != nil || !conv.Has(userID) {
		// Hide conversations the caller is not part of.
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	messages, err := a.store.ListMessages(conversationID)
	if err != nil {
		http.Error(w, "Failed to load messages", http.StatusInternalServerError)
		return
	}

	for i := range messages {
		if html, err := content.RenderMarkdown(messages[i].Body); err == nil {
			messages[i].HTML = html
		}
	}

	writeJSON(w, messages)
}

func (a *API) SendMessageHandler(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		ReceiverID     string   `json:"receiverId"`
		Message        string   `json:"message"`
		Images         [][]byte `json:"images"`
		ConversationID string   `json:"conversationId"`
		ClientID       string   `json:"clientId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	msg, err := a.dispatcher.Send(r.Context(), dispatch.SendRequest{
		SenderID:       userID,
		ReceiverID:     req.ReceiverID,
		Body:           req.Message,
		Attachments:    req.Images,
		ConversationID: req.ConversationID,
		ClientID:       req.ClientID,
	})
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrValidation), errors.Is(err, filestore.ErrNotAnImage):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, models.ErrNotFound):
			http.Error(w, "Not found", http.StatusNotFound)
		default:
			log.Printf("failed to send message: %v", err)
			http.Error(w, "Failed to send message", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, msg)
}

func (a *API) CreateConversationHandler(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		ReceiverID string `json:"receiverId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	conv, err := a.store.FindOrCreateConversation(userID, req.ReceiverID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, conv)
}

func (a *API) DeleteConversationHandler(w http.ResponseWriter, r *http.Request, userID string) {
	conversationID := r.PathValue("conversationId")

	conv, err := a.store.GetConversation(conversationID)
	if err != nil || !conv.Has(userID) {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	if err := a.store.DeleteConversation(conversationID); err != nil {
		http.Error(w, "Failed to delete conversation", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (a *API) SubscribePushHandler(w http.ResponseWriter, r *http.Request, userID string) {
	var sub storage.PushSubscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := a.push.Subscribe(userID, sub); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (a *API) GetImageHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	meta, err := a.store.GetFileMetadata(id)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	file, err := a.files.Get(id)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", meta.MimeType)
	w.Header().Set("Cache-Control", "private, max-age=86400")
	if _, err := io.Copy(w, file); err != nil {
		log.Printf("failed to serve image %s: %v", id, err)
	}
}
