// Command client is a line-oriented terminal client for a parley
// server. It drives the chat synchronizer the same way a UI would:
// commands select conversations, plain lines send messages, and server
// events stream in over the websocket.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"parley/internal/chat"
	"parley/internal/client"
	"parley/internal/models"
)

func run(ctx context.Context) error {
	server := flag.String("server", "http://localhost:8000", "Server base URL")
	username := flag.String("user", "", "Username")
	password := flag.String("pass", "", "Password")
	register := flag.Bool("register", false, "Register a new account before logging in")
	email := flag.String("email", "", "Email address (only used with -register)")
	flag.Parse()

	if *username == "" || *password == "" {
		return errors.New("both -user and -pass are required")
	}

	c := client.New(*server)

	if *register {
		if _, err := c.Register(ctx, *username, *email, *password); err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}
		fmt.Println("Account created.")
	}

	if err := c.Login(ctx, *username, *password); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	defer func() { _ = c.Logout(context.Background()) }()

	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer c.Close()

	state := chat.New(chat.Config{
		Self:    c.User(),
		Store:   c,
		Emitter: c,
	})

	if err := state.LoadConversations(ctx); err != nil {
		return fmt.Errorf("failed to load conversations: %w", err)
	}

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- c.Listen(ctx, client.EventHandlers{
			OnMessage: func(msg models.Message) {
				state.HandleIncomingMessage(msg)
				if active, ok := state.Active(); ok && active.ID == msg.ConversationID {
					printMessage(c.User().ID, chat.LocalMessage{Message: msg, Status: chat.StatusSent})
				}
			},
			OnNotify: func(n models.Notification) {
				state.HandleNotification(n)
				if active, ok := state.Active(); !ok || active.ID != n.ConversationID {
					fmt.Printf("* %s: %s\n", n.FromUsername, n.MessagePreview)
				}
			},
			OnTyping: func(ev models.TypingEvent) {
				state.HandleTyping(ev)
				if state.PeerTyping() {
					fmt.Println("* typing...")
				}
			},
			OnStopTyping: func(ev models.TypingEvent) {
				state.HandleStopTyping(ev)
			},
			OnOnlineUsers: func(ids []string) {
				state.HandleOnlineUsers(ids)
			},
			OnError: func(msg string) {
				fmt.Printf("! server error: %s\n", msg)
			},
		})
	}()

	fmt.Printf("Logged in as %s. Type /help for commands.\n", c.User().Username)

	input := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			input <- scanner.Text()
		}
		close(input)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-listenErr:
			return fmt.Errorf("connection lost: %w", err)
		case line, ok := <-input:
			if !ok {
				return nil
			}
			if done, err := handleLine(ctx, c, state, line); err != nil {
				fmt.Printf("! %v\n", err)
			} else if done {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, c *client.Client, state *chat.Synchronizer, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}

	if !strings.HasPrefix(line, "/") {
		if _, ok := state.Active(); !ok {
			return false, errors.New("no conversation open, use /open <username>")
		}
		state.SendMessage(ctx, line, nil)
		return false, nil
	}

	cmd, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "help":
		fmt.Println(`/users <query>   search users
/chats           list conversations
/open <username> open the conversation with a user
/history         reprint the open conversation
/delete          delete the open conversation
/quit            exit`)

	case "users":
		users, err := c.SearchUsers(ctx, arg)
		if err != nil {
			return false, err
		}
		if len(users) == 0 {
			fmt.Println("No users found.")
		}
		for _, u := range users {
			marker := ""
			if state.IsOnline(u.ID) {
				marker = " (online)"
			}
			fmt.Printf("  %s%s\n", u.Username, marker)
		}

	case "chats":
		for _, conv := range state.Conversations() {
			peer := conv.Other(c.User().ID)
			last := ""
			if conv.LastMessage != nil {
				last = conv.LastMessage.Body
			}
			unread := ""
			if n := state.Unread(conv.ID); n > 0 {
				unread = fmt.Sprintf(" [%d new]", n)
			}
			fmt.Printf("  %s%s: %s\n", peer.Username, unread, last)
		}

	case "open":
		if arg == "" {
			return false, errors.New("usage: /open <username>")
		}
		peer, err := findUser(ctx, c, state, arg)
		if err != nil {
			return false, err
		}
		state.SelectPeer(ctx, peer)
		waitForHistory(state)
		if err := state.Err(); err != nil {
			return false, fmt.Errorf("history load failed: %w", err)
		}
		fmt.Printf("--- %s ---\n", peer.Username)
		for _, m := range state.Messages() {
			printMessage(c.User().ID, m)
		}

	case "history":
		for _, m := range state.Messages() {
			printMessage(c.User().ID, m)
		}

	case "delete":
		active, ok := state.Active()
		if !ok || active.ID == "" {
			return false, errors.New("no conversation open")
		}
		if err := state.RemoveConversation(ctx, active.ID); err != nil {
			return false, err
		}
		fmt.Println("Conversation deleted.")

	case "quit", "exit":
		return true, nil

	default:
		return false, fmt.Errorf("unknown command /%s", cmd)
	}
	return false, nil
}

// findUser resolves a username to a peer, preferring participants of
// known conversations so opening an existing chat needs no search
// round trip.
func findUser(ctx context.Context, c *client.Client, state *chat.Synchronizer, username string) (models.UserRef, error) {
	for _, conv := range state.Conversations() {
		peer := conv.Other(c.User().ID)
		if strings.EqualFold(peer.Username, username) {
			return peer, nil
		}
	}

	users, err := c.SearchUsers(ctx, username)
	if err != nil {
		return models.UserRef{}, err
	}
	for _, u := range users {
		if strings.EqualFold(u.Username, username) {
			return u.Ref(), nil
		}
	}
	return models.UserRef{}, fmt.Errorf("no user named %q", username)
}

func waitForHistory(state *chat.Synchronizer) {
	for state.Loading() {
		time.Sleep(20 * time.Millisecond)
	}
}

func printMessage(selfID string, m chat.LocalMessage) {
	who := m.Sender.Username
	if m.Sender.ID == selfID {
		who = "you"
	}
	suffix := ""
	switch m.Status {
	case chat.StatusSending:
		suffix = " (sending)"
	case chat.StatusFailed:
		suffix = " (failed)"
	}
	body := m.Body
	for _, img := range m.Images {
		body += " [image: " + img.URL + "]"
	}
	fmt.Printf("%s %s: %s%s\n", m.CreatedAt.Format("15:04"), who, body, suffix)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Client error: %v", err)
	}
}
