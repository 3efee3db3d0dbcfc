// Package client talks to a parley server over its HTTP API and
// websocket. It implements the Store and Emitter collaborators of the
// chat package.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"parley/internal/auth"
	"parley/internal/chat"
	"parley/internal/models"

	"github.com/gorilla/websocket"
)

type Client struct {
	baseURL string
	http    *http.Client

	mux   sync.Mutex
	token string
	user  models.User
	conn  *websocket.Conn
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// User returns the authenticated user. Zero value before Login.
func (c *Client) User() models.User {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.user
}

func (c *Client) getToken() string {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.token
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.getToken(); token != "" {
		req.Header.Set("token", token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) Register(ctx context.Context, username, email, password string) (models.User, error) {
	var user models.User
	err := c.doJSON(ctx, http.MethodPost, "/user/register", auth.RegisterRequest{
		Username: username,
		Email:    email,
		Password: password,
	}, &user)
	return user, err
}

func (c *Client) Login(ctx context.Context, username, password string) error {
	var resp auth.LoginResponse
	err := c.doJSON(ctx, http.MethodPost, "/user/login", auth.LoginRequest{
		Username: username,
		Password: password,
	}, &resp)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("login rejected: %s", resp.Message)
	}

	c.mux.Lock()
	c.token = resp.Token
	c.user = resp.User
	c.mux.Unlock()
	return nil
}

func (c *Client) Logout(ctx context.Context) error {
	err := c.doJSON(ctx, http.MethodPost, "/user/logout", nil, nil)

	c.mux.Lock()
	c.token = ""
	c.user = models.User{}
	c.mux.Unlock()
	return err
}

func (c *Client) SearchUsers(ctx context.Context, query string) ([]models.User, error) {
	var users []models.User
	path := "/user/search?username=" + url.QueryEscape(query)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (c *Client) FindOrCreateConversation(ctx context.Context, receiverID string) (models.Conversation, error) {
	var conv models.Conversation
	err := c.doJSON(ctx, http.MethodPost, "/messages/conversation", map[string]string{
		"receiverId": receiverID,
	}, &conv)
	return conv, err
}

func (c *Client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var convs []models.Conversation
	path := "/messages/history/" + url.PathEscape(c.User().ID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var msgs []models.Message
	path := "/messages/" + url.PathEscape(conversationID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *Client) SendMessage(ctx context.Context, msg chat.OutgoingMessage) (models.Message, error) {
	var sent models.Message
	err := c.doJSON(ctx, http.MethodPost, "/messages/send", map[string]any{
		"receiverId":     msg.ReceiverID,
		"message":        msg.Body,
		"images":         msg.Attachments,
		"conversationId": msg.ConversationID,
		"clientId":       msg.ClientID,
	}, &sent)
	return sent, err
}

func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/messages/conversation/"+url.PathEscape(conversationID), nil, nil)
}
