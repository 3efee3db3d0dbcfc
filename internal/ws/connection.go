package ws

import (
	"context"
	"errors"
	"sync"

	"parley/internal/dispatch"
	"parley/internal/models"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type messageDispatcher interface {
	Send(ctx context.Context, req dispatch.SendRequest) (models.Message, error)
}

type eventHub interface {
	Join(userID string) *Session
	Leave(s *Session)
	Typing(from, to string, active bool)
}

// Connection glues one websocket to the hub: a read pump feeding client
// events and a main loop multiplexing them with the session's outbound
// events.
type Connection struct {
	ws         wsConnection
	hub        eventHub
	dispatcher messageDispatcher
	userID     string
	session    *Session
	fromClient chan models.ClientEvent
	errorCh    chan error
}

func NewConnection(
	hub eventHub,
	dispatcher messageDispatcher,
	ws wsConnection,
	userID string,
) *Connection {
	return &Connection{
		ws:         ws,
		hub:        hub,
		dispatcher: dispatcher,
		userID:     userID,
		session:    hub.Join(userID),
		fromClient: make(chan models.ClientEvent),
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		c.hub.Leave(c.session)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpEvents(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpEvents(ctx context.Context) error {
	for {
		var ev models.ClientEvent
		if err := c.ws.ReadJSON(&ev); err != nil {
			return err
		}
		select {
		case c.fromClient <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case ev := <-c.fromClient:
			if err := c.processClientEvent(ctx, ev); err != nil {
				return err
			}
		case ev := <-c.session.Events:
			if err := c.ws.WriteJSON(ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) processClientEvent(ctx context.Context, ev models.ClientEvent) error {
	switch ev.Type {
	case models.ClientEventPrivateMessage:
		_, err := c.dispatcher.Send(ctx, dispatch.SendRequest{
			SenderID:       c.userID,
			ReceiverID:     ev.To,
			Body:           ev.Body,
			Attachments:    ev.Images,
			ConversationID: ev.ConversationID,
			ClientID:       ev.ClientID,
		})
		if err != nil {
			// Report to this client only; the connection stays up.
			return c.ws.WriteJSON(models.ServerEvent{
				Type:  models.ServerEventError,
				Error: "Failed to send message",
			})
		}
	case models.ClientEventTyping:
		c.hub.Typing(c.userID, ev.To, true)
	case models.ClientEventStopTyping:
		c.hub.Typing(c.userID, ev.To, false)
	}

	return nil
}
