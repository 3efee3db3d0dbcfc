// Package push delivers notifications to offline recipients through
// Web Push. Delivery is best effort: a dead endpoint is dropped, never
// retried.
package push

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"parley/internal/models"
	"parley/internal/storage"

	"github.com/SherClockHolmes/webpush-go"
)

type subscriptionStore interface {
	ListPushSubscriptions(userID string) ([]storage.PushSubscription, error)
	UpsertPushSubscription(userID string, sub storage.PushSubscription) error
	DeletePushSubscription(userID, endpoint string) error
}

type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
}

// Enabled reports whether VAPID keys are configured. Without them the
// server simply runs without push.
func (c Config) Enabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

type Notifier struct {
	cfg   Config
	store subscriptionStore

	// send is swapped out in tests.
	send func(message []byte, s *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

func NewNotifier(cfg Config, store subscriptionStore) *Notifier {
	return &Notifier{cfg: cfg, store: store, send: webpush.SendNotification}
}

// Subscribe records a browser push subscription for the user.
func (n *Notifier) Subscribe(userID string, sub storage.PushSubscription) error {
	if sub.Endpoint == "" {
		return fmt.Errorf("subscription missing endpoint")
	}
	return n.store.UpsertPushSubscription(userID, sub)
}

// Notify pushes the notification payload to every subscription the
// user has registered. Gone endpoints (404/410) are pruned.
func (n *Notifier) Notify(userID string, notif models.Notification) error {
	subs, err := n.store.ListPushSubscriptions(userID)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	payload, err := json.Marshal(notif)
	if err != nil {
		return err
	}

	for _, sub := range subs {
		resp, err := n.send(payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.P256dh, Auth: sub.Auth},
		}, &webpush.Options{
			Subscriber:      n.cfg.Subscriber,
			VAPIDPublicKey:  n.cfg.VAPIDPublicKey,
			VAPIDPrivateKey: n.cfg.VAPIDPrivateKey,
			TTL:             60,
		})
		if err != nil {
			slog.Warn("push delivery failed", "user_id", userID, "error", err)
			continue
		}
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			_ = n.store.DeletePushSubscription(userID, sub.Endpoint)
		}
		_ = resp.Body.Close()
	}
	return nil
}
