// Package sos runs the emergency alert lifecycle: the arming countdown, the
// safety-check timer and the fire path that records an alert and notifies
// every emergency contact.
package sos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"sosguard/go-sos-server/internal/model"
	"sosguard/go-sos-server/internal/notify"
)

var (
	// ErrNoContacts aborts a fire when there is nobody to notify. No alert is recorded.
	ErrNoContacts = errors.New("no emergency contacts configured")
	// ErrAlreadyArmed is returned when a timer is started twice.
	ErrAlreadyArmed = errors.New("countdown already armed")
)

const (
	// EmergencyMessage is the fixed text of every SOS alert.
	EmergencyMessage = "EMERGENCY: I need help immediately!"
	// UnsafeMessage is the default text of a manual "Alert".
	UnsafeMessage = "I feel unsafe in this area"

	DefaultCountdownSeconds = 5

	backendTimeout = 10 * time.Second
)

// Store is the state the controller reads and mutates.
type Store interface {
	Contacts() []model.Contact
	Settings() model.Settings
	AppendAlert(ctx context.Context, alert model.Alert) error
	UpdateAlertStatus(ctx context.Context, id string, status model.AlertStatus) (model.Alert, error)
	DeleteAlert(ctx context.Context, id string) error
}

// LocationReader exposes the most recent location fix.
type LocationReader interface {
	Latest() (model.LocationSample, bool)
}

// AlertSink mirrors recorded alerts to a remote backend.
type AlertSink interface {
	InsertAlert(ctx context.Context, alert model.Alert) error
}

// Trigger names what caused an alert to fire.
type Trigger string

const (
	TriggerCountdown   Trigger = "countdown"
	TriggerHold        Trigger = "hold"
	TriggerSafetyCheck Trigger = "safety_check"
	TriggerManual      Trigger = "manual"
)

// Options configure a Controller.
type Options struct {
	CountdownSeconds int
	NotifyTimeout    time.Duration
	NewTicker        TickerFactory
	Now              func() time.Time
	// Backend is optional; nil disables the remote mirror.
	Backend AlertSink
}

// DispatchFailure records a contact that could not be notified.
type DispatchFailure struct {
	ContactID string `json:"contact_id"`
	Error     string `json:"error"`
}

// FireResult describes one fired alert.
type FireResult struct {
	Alert    model.Alert       `json:"alert"`
	Trigger  Trigger           `json:"trigger"`
	Notified int               `json:"notified"`
	Failures []DispatchFailure `json:"failures,omitempty"`
}

// Status is a snapshot of both timers.
type Status struct {
	Armed                bool `json:"armed"`
	Remaining            int  `json:"remaining"`
	CountdownSeconds     int  `json:"countdown_seconds"`
	SafetyCheckArmed     bool `json:"safety_check_armed"`
	SafetyCheckRemaining int  `json:"safety_check_remaining"`
}

// Controller owns the SOS countdown and the safety-check timer. The two timers
// never share state.
type Controller struct {
	store    Store
	location LocationReader
	notifier notify.Notifier
	opts     Options
	logger   *slog.Logger

	sos    *Countdown
	safety *Countdown
	ids    idSource
	events *emitter

	closeOnce sync.Once
}

// NewController wires a controller. A nil notifier falls back to logging only.
func NewController(store Store, location LocationReader, notifier notify.Notifier, opts Options, logger *slog.Logger) *Controller {
	if opts.CountdownSeconds <= 0 {
		opts.CountdownSeconds = DefaultCountdownSeconds
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if notifier == nil {
		notifier = notify.LogNotifier{Logger: logger}
	}

	return &Controller{
		store:    store,
		location: location,
		notifier: notifier,
		opts:     opts,
		logger:   logger,
		sos:      NewCountdown(opts.NewTicker),
		safety:   NewCountdown(opts.NewTicker),
		events:   newEmitter(),
	}
}

// Subscribe registers fn for lifecycle events and returns a function removing it.
// fn runs on the controller's goroutines and must not block.
func (c *Controller) Subscribe(fn func(Event)) func() {
	return c.events.add(fn)
}

// Status returns the state of both timers.
func (c *Controller) Status() Status {
	armed, remaining := c.sos.Status()
	safetyArmed, safetyRemaining := c.safety.Status()
	return Status{
		Armed:                armed,
		Remaining:            remaining,
		CountdownSeconds:     c.opts.CountdownSeconds,
		SafetyCheckArmed:     safetyArmed,
		SafetyCheckRemaining: safetyRemaining,
	}
}

// Arm starts the SOS countdown. When it reaches zero the alert fires.
func (c *Controller) Arm() error {
	n := c.opts.CountdownSeconds
	err := c.sos.Start(n,
		func(remaining int) {
			c.emit(Event{Type: EventTick, Remaining: remaining})
		},
		func() {
			c.fireInBackground(TriggerCountdown)
		},
	)
	if err != nil {
		return err
	}

	c.logger.Info("sos countdown armed", "seconds", n)
	c.emit(Event{Type: EventArmed, Remaining: n})
	return nil
}

// Cancel stops the SOS countdown. It reports whether a countdown was running.
func (c *Controller) Cancel() bool {
	if !c.sos.Cancel() {
		return false
	}
	c.logger.Info("sos countdown cancelled")
	c.emit(Event{Type: EventCancelled})
	return true
}

// Toggle arms an idle countdown or cancels a running one, like pressing the
// SOS button twice. It returns whether the countdown is armed afterwards.
func (c *Controller) Toggle() (bool, error) {
	if c.Cancel() {
		return false, nil
	}
	if err := c.Arm(); err != nil {
		if errors.Is(err, ErrAlreadyArmed) {
			return true, nil
		}
		return false, err
	}
	return true, nil
}

// TriggerNow fires immediately without a countdown, as the hold-to-activate
// gesture does. A running countdown is cancelled so the gesture fires once.
func (c *Controller) TriggerNow(ctx context.Context) (FireResult, error) {
	c.Cancel()
	return c.fire(ctx, TriggerHold, model.AlertTypeSOS, EmergencyMessage)
}

// Report records and dispatches a lighter "Alert" with a custom message.
func (c *Controller) Report(ctx context.Context, message string) (FireResult, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		message = UnsafeMessage
	}
	return c.fire(ctx, TriggerManual, model.AlertTypeAlert, message)
}

// StartSafetyCheck arms the unattended timer for the given number of minutes.
// On expiry an SOS fires without further confirmation.
func (c *Controller) StartSafetyCheck(minutes int) error {
	if minutes <= 0 {
		return fmt.Errorf("%w: minutes must be positive", model.ErrInvalidInput)
	}

	seconds := minutes * 60
	err := c.safety.Start(seconds,
		func(remaining int) {
			c.emit(Event{Type: EventSafetyTick, Remaining: remaining})
		},
		func() {
			c.fireInBackground(TriggerSafetyCheck)
		},
	)
	if err != nil {
		return err
	}

	c.logger.Info("safety check armed", "minutes", minutes)
	c.emit(Event{Type: EventSafetyArmed, Remaining: seconds})
	return nil
}

// CancelSafetyCheck stops the safety-check timer. Nothing is recorded.
func (c *Controller) CancelSafetyCheck() bool {
	if !c.safety.Cancel() {
		return false
	}
	c.logger.Info("safety check cancelled")
	c.emit(Event{Type: EventSafetyCancelled})
	return true
}

// UpdateAlertStatus moves an alert forward in its lifecycle.
func (c *Controller) UpdateAlertStatus(ctx context.Context, id string, status model.AlertStatus) (model.Alert, error) {
	alert, err := c.store.UpdateAlertStatus(ctx, id, status)
	if err != nil {
		return model.Alert{}, err
	}
	c.emit(Event{Type: EventStatusChanged, Alert: &alert})
	return alert, nil
}

// DeleteAlert removes an alert. Unknown ids are not an error.
func (c *Controller) DeleteAlert(ctx context.Context, id string) error {
	if err := c.store.DeleteAlert(ctx, id); err != nil {
		return err
	}
	c.emit(Event{Type: EventDeleted, AlertID: id})
	return nil
}

// Close cancels both timers.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.Cancel()
		c.CancelSafetyCheck()
	})
}

func (c *Controller) fireInBackground(trigger Trigger) {
	if _, err := c.fire(context.Background(), trigger, model.AlertTypeSOS, EmergencyMessage); err != nil {
		c.logger.Error("sos fire failed", "trigger", trigger, "error", err)
	}
}

// fire validates preconditions, records the alert and then notifies every
// contact. The alert is committed before any dispatch is attempted. Once it is
// committed, dispatch no longer follows ctx: each contact gets its own
// NotifyTimeout.
func (c *Controller) fire(ctx context.Context, trigger Trigger, kind model.AlertType, message string) (FireResult, error) {
	contacts := c.store.Contacts()
	if len(contacts) == 0 {
		c.logger.Warn("alert aborted: no contacts", "trigger", trigger)
		c.emit(Event{Type: EventAborted, Trigger: trigger, Error: ErrNoContacts.Error()})
		return FireResult{}, ErrNoContacts
	}

	now := c.opts.Now()
	alert := model.Alert{
		ID:        c.ids.next(now),
		Type:      kind,
		Message:   message,
		Location:  c.currentLocation(),
		Timestamp: now.UTC().Format(model.TimestampLayout),
		Status:    model.AlertStatusSent,
	}

	if err := c.store.AppendAlert(ctx, alert); err != nil {
		c.emit(Event{Type: EventAborted, Trigger: trigger, Error: err.Error()})
		return FireResult{}, fmt.Errorf("record alert: %w", err)
	}

	c.logger.Info("alert recorded", "id", alert.ID, "type", alert.Type, "trigger", trigger, "contacts", len(contacts))

	dctx := context.WithoutCancel(ctx)

	errs := make([]error, len(contacts))
	var wg sync.WaitGroup
	for i, contact := range contacts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.notifyContact(dctx, alert, contact)
		}()
	}
	wg.Wait()

	result := FireResult{Alert: alert, Trigger: trigger}
	for i, err := range errs {
		if err != nil {
			c.logger.Warn("contact notification failed", "alert", alert.ID, "contact", contacts[i].ID, "error", err)
			result.Failures = append(result.Failures, DispatchFailure{ContactID: contacts[i].ID, Error: err.Error()})
			continue
		}
		result.Notified++
	}

	if len(result.Failures) > 0 {
		c.emit(Event{Type: EventDispatchFailed, Trigger: trigger, Alert: &alert,
			Error: fmt.Sprintf("%d of %d contacts not notified", len(result.Failures), len(contacts))})
	}

	if c.opts.Backend != nil {
		bctx, cancel := context.WithTimeout(dctx, backendTimeout)
		if err := c.opts.Backend.InsertAlert(bctx, alert); err != nil {
			c.logger.Warn("backend alert insert failed", "alert", alert.ID, "error", err)
		}
		cancel()
	}

	c.emit(Event{Type: EventFired, Trigger: trigger, Alert: &alert, Notified: result.Notified})
	return result, nil
}

func (c *Controller) notifyContact(ctx context.Context, alert model.Alert, contact model.Contact) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.NotifyTimeout)
	defer cancel()

	location := model.LocationUnavailable
	if alert.Location != nil {
		location = *alert.Location
	}

	return c.notifier.Notify(ctx, notify.Intent{
		AlertID:     alert.ID,
		AlertType:   string(alert.Type),
		ContactID:   contact.ID,
		ContactName: contact.Name,
		Phone:       contact.Phone,
		Message:     alert.Message,
		Location:    location,
		Timestamp:   alert.Timestamp,
	})
}

func (c *Controller) currentLocation() *string {
	loc := model.LocationUnavailable
	if c.location != nil && c.store.Settings().LocationTracking {
		if sample, ok := c.location.Latest(); ok {
			loc = sample.Format()
		}
	}
	return &loc
}

func (c *Controller) emit(e Event) {
	if e.At.IsZero() {
		e.At = c.opts.Now().UTC()
	}
	c.events.emit(e)
}

// idSource hands out millisecond timestamps, bumped when two alerts land in
// the same millisecond.
type idSource struct {
	mu   sync.Mutex
	last int64
}

func (s *idSource) next(now time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms := now.UnixMilli()
	if ms <= s.last {
		ms = s.last + 1
	}
	s.last = ms
	return strconv.FormatInt(ms, 10)
}
