package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"firebase.google.com/go/v4/messaging"

	"github.com/lavka-market/api/internal/services"
)

// MessagingClient is the slice of the FCM client the notifier depends on.
type MessagingClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMPushNotifier delivers push notifications through Firebase Cloud
// Messaging. Devices subscribe to a topic named after their user id, so a
// user-level notification is a topic send.
type FCMPushNotifier struct {
	client MessagingClient
}

// NewFCMPushNotifier constructs an FCM backed push notifier.
func NewFCMPushNotifier(client MessagingClient) (*FCMPushNotifier, error) {
	if client == nil {
		return nil, errors.New("fcm push notifier: messaging client is required")
	}
	return &FCMPushNotifier{client: client}, nil
}

// Notify sends a notification to every device subscribed to the user's topic.
func (n *FCMPushNotifier) Notify(ctx context.Context, userID string, title string, body string, data map[string]string) error {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return errors.New("fcm push notifier: user id is required")
	}

	badge := 1
	msg := &messaging.Message{
		Topic: uid,
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Data: data,
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Badge: &badge,
					Sound: "default",
				},
			},
		},
	}

	if _, err := n.client.Send(ctx, msg); err != nil {
		return fmt.Errorf("send push to user %s: %w", uid, err)
	}
	return nil
}

var _ services.PushNotifier = (*FCMPushNotifier)(nil)
