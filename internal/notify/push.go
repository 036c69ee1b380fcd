package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// Sender is satisfied by *messaging.Client.
type Sender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// NewMessagingClient builds an FCM client from a service account file.
func NewMessagingClient(ctx context.Context, credentialsFile string) (*messaging.Client, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firebase messaging: %w", err)
	}
	return client, nil
}

// PushNotifier sends intents through Firebase Cloud Messaging. Each contact's
// devices subscribe to the topic sos-<phone digits>.
type PushNotifier struct {
	sender Sender
	logger *slog.Logger
}

// NewPushNotifier returns a notifier sending through sender.
func NewPushNotifier(sender Sender, logger *slog.Logger) *PushNotifier {
	return &PushNotifier{sender: sender, logger: logger}
}

// Notify implements Notifier.
func (p *PushNotifier) Notify(ctx context.Context, intent Intent) error {
	topic := PushTopic(intent.Phone)
	if topic == "" {
		return fmt.Errorf("%w: contact %s has no routable phone", ErrDispatch, intent.ContactID)
	}

	body := intent.Message
	if intent.Location != "" {
		body += "\nLocation: " + intent.Location
	}

	msg := &messaging.Message{
		Topic: topic,
		Notification: &messaging.Notification{
			Title: intent.AlertType + " from your emergency contact",
			Body:  body,
		},
		Data: map[string]string{
			"alert_id":  intent.AlertID,
			"type":      intent.AlertType,
			"location":  intent.Location,
			"timestamp": intent.Timestamp,
		},
		Android: &messaging.AndroidConfig{Priority: "high"},
	}

	id, err := p.sender.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("%w: fcm topic %s: %v", ErrDispatch, topic, err)
	}

	p.logger.Debug("push notification sent", "topic", topic, "message_id", id)
	return nil
}

// PushTopic derives the FCM topic for a phone number.
func PushTopic(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "sos-" + b.String()
}
