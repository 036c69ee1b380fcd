package location

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"sosguard/go-sos-server/internal/model"
)

// MQTTClient is the subset of the paho client used by the location feed.
type MQTTClient interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

const mqttWait = 5 * time.Second

type samplePayload struct {
	Latitude   *float64  `json:"latitude"`
	Longitude  *float64  `json:"longitude"`
	CapturedAt time.Time `json:"captured_at"`
}

// MQTTSource is a Source fed by a device publishing over MQTT:
//
//	devices/<id>/location            JSON sample
//	devices/<id>/permission          "granted" | "denied" (retained)
//	devices/<id>/permission/request  published by us to prompt the device
type MQTTSource struct {
	client   MQTTClient
	deviceID string
	logger   *slog.Logger
	now      func() time.Time

	mu         sync.Mutex
	permission Permission
	changed    chan struct{}
	latest     *model.LocationSample
	watchers   map[int]chan model.LocationSample
	nextID     int
}

// NewMQTTSource returns a source for deviceID. Call Start before use.
func NewMQTTSource(client MQTTClient, deviceID string, logger *slog.Logger) *MQTTSource {
	return &MQTTSource{
		client:     client,
		deviceID:   deviceID,
		logger:     logger,
		now:        time.Now,
		permission: PermissionUndetermined,
		changed:    make(chan struct{}),
		watchers:   make(map[int]chan model.LocationSample),
	}
}

func (s *MQTTSource) locationTopic() string   { return fmt.Sprintf("devices/%s/location", s.deviceID) }
func (s *MQTTSource) permissionTopic() string { return fmt.Sprintf("devices/%s/permission", s.deviceID) }
func (s *MQTTSource) requestTopic() string {
	return fmt.Sprintf("devices/%s/permission/request", s.deviceID)
}

// Start subscribes to the device topics.
func (s *MQTTSource) Start(ctx context.Context) error {
	subs := map[string]mqtt.MessageHandler{
		s.locationTopic():   func(_ mqtt.Client, msg mqtt.Message) { s.handleLocation(msg) },
		s.permissionTopic(): func(_ mqtt.Client, msg mqtt.Message) { s.handlePermission(msg) },
	}

	for topic, handler := range subs {
		if err := waitToken(ctx, s.client.Subscribe(topic, 1, handler)); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		s.logger.Info("subscribed to device topic", "topic", topic)
	}
	return nil
}

// Stop unsubscribes and ends every open watch.
func (s *MQTTSource) Stop() {
	token := s.client.Unsubscribe(s.locationTopic(), s.permissionTopic())
	if !token.WaitTimeout(mqttWait) {
		s.logger.Warn("unsubscribe timed out")
	} else if err := token.Error(); err != nil {
		s.logger.Warn("unsubscribe failed", "error", err)
	}

	s.mu.Lock()
	s.closeWatchersLocked()
	s.mu.Unlock()
}

// RequestPermission returns the known answer or prompts the device and waits for one.
func (s *MQTTSource) RequestPermission(ctx context.Context) (Permission, error) {
	s.mu.Lock()
	perm, changed := s.permission, s.changed
	s.mu.Unlock()

	if perm != PermissionUndetermined {
		return perm, nil
	}

	if err := waitToken(ctx, s.client.Publish(s.requestTopic(), 1, false, []byte("request"))); err != nil {
		return PermissionUndetermined, fmt.Errorf("publish permission request: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return PermissionUndetermined, ctx.Err()
		case <-changed:
		}

		s.mu.Lock()
		perm, changed = s.permission, s.changed
		s.mu.Unlock()
		if perm != PermissionUndetermined {
			return perm, nil
		}
	}
}

// Current returns the last received sample.
func (s *MQTTSource) Current(context.Context) (model.LocationSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.permission == PermissionDenied {
		return model.LocationSample{}, ErrPermissionDenied
	}
	if s.latest == nil {
		return model.LocationSample{}, ErrNoFix
	}
	return *s.latest, nil
}

// Watch streams incoming samples until ctx is done or permission is revoked.
func (s *MQTTSource) Watch(ctx context.Context) (<-chan model.LocationSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.permission == PermissionDenied {
		return nil, ErrPermissionDenied
	}

	id := s.nextID
	s.nextID++
	ch := make(chan model.LocationSample, 8)
	s.watchers[id] = ch

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if w, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(w)
		}
	}()

	return ch, nil
}

func (s *MQTTSource) handleLocation(msg mqtt.Message) {
	var payload samplePayload
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
		s.logger.Warn("location payload decode failed", "topic", msg.Topic(), "error", err)
		return
	}
	if payload.Latitude == nil || payload.Longitude == nil || !validCoordinates(*payload.Latitude, *payload.Longitude) {
		s.logger.Warn("location payload validation failed", "topic", msg.Topic())
		return
	}

	sample := model.LocationSample{
		Latitude:   *payload.Latitude,
		Longitude:  *payload.Longitude,
		CapturedAt: payload.CapturedAt,
	}
	if sample.CapturedAt.IsZero() {
		sample.CapturedAt = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.latest = &sample
	for id, ch := range s.watchers {
		select {
		case ch <- sample:
		default:
			s.logger.Debug("dropping location sample for slow watcher", "watcher", id)
		}
	}
}

func (s *MQTTSource) handlePermission(msg mqtt.Message) {
	var perm Permission
	switch strings.ToLower(strings.TrimSpace(string(msg.Payload()))) {
	case string(PermissionGranted):
		perm = PermissionGranted
	case string(PermissionDenied):
		perm = PermissionDenied
	default:
		s.logger.Warn("unknown permission payload", "topic", msg.Topic(), "payload", string(msg.Payload()))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if perm == s.permission {
		return
	}
	s.permission = perm
	close(s.changed)
	s.changed = make(chan struct{})

	if perm == PermissionDenied {
		s.closeWatchersLocked()
	}
	s.logger.Info("location permission updated", "permission", perm)
}

func (s *MQTTSource) closeWatchersLocked() {
	for id, ch := range s.watchers {
		delete(s.watchers, id)
		close(ch)
	}
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(mqttWait):
		return fmt.Errorf("mqtt operation timed out after %s", mqttWait)
	}
}
