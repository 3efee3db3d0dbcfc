package client

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"parley/internal/models"

	"github.com/gorilla/websocket"
)

// EventHandlers receives the decoded server events. Nil handlers are
// skipped.
type EventHandlers struct {
	OnMessage     func(models.Message)
	OnNotify      func(models.Notification)
	OnTyping      func(models.TypingEvent)
	OnStopTyping  func(models.TypingEvent)
	OnOnlineUsers func([]string)
	OnError       func(string)
}

// Connect dials the websocket endpoint with the session token. Login
// must have succeeded first.
func (c *Client) Connect(ctx context.Context) error {
	token := c.getToken()
	if token == "" {
		return fmt.Errorf("not logged in")
	}

	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/ws"
	header := http.Header{"token": []string{token}}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket dial: %s: %w", resp.Status, err)
		}
		return fmt.Errorf("websocket dial: %w", err)
	}
	if resp != nil {
		resp.Body.Close()
	}

	c.mux.Lock()
	c.conn = conn
	c.mux.Unlock()
	return nil
}

// Listen reads server events until the connection drops or ctx is
// cancelled. It blocks; run it on its own goroutine.
func (c *Client) Listen(ctx context.Context, handlers EventHandlers) error {
	c.mux.Lock()
	conn := c.conn
	c.mux.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var event models.ServerEvent
		if err := conn.ReadJSON(&event); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		switch event.Type {
		case models.ServerEventPrivateMessage:
			if handlers.OnMessage != nil && event.Message != nil {
				handlers.OnMessage(*event.Message)
			}
		case models.ServerEventNotification:
			if handlers.OnNotify != nil && event.Notification != nil {
				handlers.OnNotify(*event.Notification)
			}
		case models.ServerEventTyping:
			if handlers.OnTyping != nil && event.Typing != nil {
				handlers.OnTyping(*event.Typing)
			}
		case models.ServerEventStopTyping:
			if handlers.OnStopTyping != nil && event.Typing != nil {
				handlers.OnStopTyping(*event.Typing)
			}
		case models.ServerEventOnlineUsers:
			if handlers.OnOnlineUsers != nil {
				handlers.OnOnlineUsers(event.OnlineUsers)
			}
		case models.ServerEventError:
			if handlers.OnError != nil {
				handlers.OnError(event.Error)
			}
		}
	}
}

func (c *Client) emit(event models.ClientEvent) {
	c.mux.Lock()
	defer c.mux.Unlock()
	if c.conn == nil {
		return
	}
	// Best effort. A dropped typing signal is invisible; the read loop
	// reports the broken connection.
	_ = c.conn.WriteJSON(event)
}

func (c *Client) EmitTyping(to string) {
	c.emit(models.ClientEvent{Type: models.ClientEventTyping, To: to})
}

func (c *Client) EmitStopTyping(to string) {
	c.emit(models.ClientEvent{Type: models.ClientEventStopTyping, To: to})
}

// Close tears down the websocket connection if one is open.
func (c *Client) Close() error {
	c.mux.Lock()
	defer c.mux.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
