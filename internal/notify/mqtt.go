package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher is the part of the paho client needed to publish intents.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTNotifier publishes each intent to contacts/<contact id>/notify with QoS 1.
type MQTTNotifier struct {
	client Publisher
}

// NewMQTTNotifier returns a notifier publishing through client.
func NewMQTTNotifier(client Publisher) *MQTTNotifier {
	return &MQTTNotifier{client: client}
}

// Notify implements Notifier.
func (n *MQTTNotifier) Notify(ctx context.Context, intent Intent) error {
	data, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("%w: encode intent: %v", ErrDispatch, err)
	}

	topic := fmt.Sprintf("contacts/%s/notify", intent.ContactID)
	token := n.client.Publish(topic, 1, false, data)

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("%w: publish %s: %v", ErrDispatch, topic, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: publish %s: %v", ErrDispatch, topic, ctx.Err())
	case <-time.After(10 * time.Second):
		return fmt.Errorf("%w: publish %s timed out", ErrDispatch, topic)
	}
}
