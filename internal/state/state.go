// Package state holds the in-process application state: contacts, alert
// history, settings and the signed-in user.
//
// Every mutation is a named action that copies the affected slice, writes it
// through the Persister and only then commits it, so a failed write leaves the
// container untouched.
package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"sosguard/go-sos-server/internal/model"
)

var (
	// ErrPersistence is returned when a mutation could not be written durably.
	// The mutation is not committed.
	ErrPersistence = errors.New("persistence failure")
	// ErrNotFound is returned when an update targets an unknown id.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when an alert status would move backwards.
	ErrInvalidTransition = errors.New("invalid alert status transition")
)

// Snapshot is the durable part of the state as loaded at startup.
type Snapshot struct {
	User     *model.User
	Contacts []model.Contact
	Alerts   []model.Alert
	Settings *model.Settings
}

// Persister writes state slices to durable storage.
type Persister interface {
	Load(ctx context.Context) (Snapshot, error)
	SaveUser(ctx context.Context, user *model.User) error
	SaveContacts(ctx context.Context, contacts []model.Contact) error
	SaveAlerts(ctx context.Context, alerts []model.Alert) error
	SaveSettings(ctx context.Context, settings model.Settings) error
}

// Options tunes which slices are durable.
type Options struct {
	// PersistAlerts writes alert history through the Persister. When false,
	// alert history lives only for the process lifetime.
	PersistAlerts bool
}

// Container is the single source of truth shared by the HTTP API, the SOS
// controller and the sync jobs.
type Container struct {
	mu        sync.RWMutex
	persister Persister
	opts      Options

	user     *model.User
	contacts []model.Contact
	alerts   []model.Alert
	settings model.Settings
}

// New returns an empty container with default settings.
func New(p Persister, opts Options) *Container {
	return &Container{
		persister: p,
		opts:      opts,
		settings:  model.DefaultSettings(),
	}
}

// Rehydrate loads the persisted snapshot. It is meant to run once at startup.
func (c *Container) Rehydrate(ctx context.Context) error {
	if c.persister == nil {
		return nil
	}

	snap, err := c.persister.Load(ctx)
	if err != nil {
		return fmt.Errorf("rehydrate state: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.user = snap.User
	c.contacts = append([]model.Contact(nil), snap.Contacts...)
	if c.opts.PersistAlerts {
		c.alerts = cloneAlerts(snap.Alerts)
	}
	if snap.Settings != nil {
		c.settings = *snap.Settings
	}
	return nil
}

// User returns the signed-in user, if any.
func (c *Container) User() (model.User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.user == nil {
		return model.User{}, false
	}
	return *c.user, true
}

// SetUser stores the signed-in user profile.
func (c *Container) SetUser(ctx context.Context, user model.User) error {
	if err := user.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.save(ctx, func(p Persister) error { return p.SaveUser(ctx, &user) }); err != nil {
		return err
	}
	c.user = &user
	return nil
}

// ClearUser forgets the signed-in user.
func (c *Container) ClearUser(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.save(ctx, func(p Persister) error { return p.SaveUser(ctx, nil) }); err != nil {
		return err
	}
	c.user = nil
	return nil
}

// Contacts returns a copy of the contact list.
func (c *Container) Contacts() []model.Contact {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]model.Contact(nil), c.contacts...)
}

// AddContact validates and appends a contact, assigning an id when none is given.
func (c *Container) AddContact(ctx context.Context, contact model.Contact) (model.Contact, error) {
	contact = contact.Normalize()
	if err := contact.Validate(); err != nil {
		return model.Contact{}, err
	}
	if contact.ID == "" {
		contact.ID = uuid.NewString()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if indexOfContact(c.contacts, contact.ID) >= 0 {
		return model.Contact{}, fmt.Errorf("%w: contact %q already exists", model.ErrInvalidInput, contact.ID)
	}

	next := append(append([]model.Contact(nil), c.contacts...), contact)
	if err := c.save(ctx, func(p Persister) error { return p.SaveContacts(ctx, next) }); err != nil {
		return model.Contact{}, err
	}
	c.contacts = next
	return contact, nil
}

// UpdateContact replaces the contact with the same id.
func (c *Container) UpdateContact(ctx context.Context, contact model.Contact) (model.Contact, error) {
	contact = contact.Normalize()
	if err := contact.Validate(); err != nil {
		return model.Contact{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	idx := indexOfContact(c.contacts, contact.ID)
	if idx < 0 {
		return model.Contact{}, fmt.Errorf("contact %q: %w", contact.ID, ErrNotFound)
	}

	next := append([]model.Contact(nil), c.contacts...)
	next[idx] = contact
	if err := c.save(ctx, func(p Persister) error { return p.SaveContacts(ctx, next) }); err != nil {
		return model.Contact{}, err
	}
	c.contacts = next
	return contact, nil
}

// DeleteContact removes a contact. Unknown ids are ignored.
func (c *Container) DeleteContact(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := indexOfContact(c.contacts, id)
	if idx < 0 {
		return nil
	}

	next := make([]model.Contact, 0, len(c.contacts)-1)
	next = append(next, c.contacts[:idx]...)
	next = append(next, c.contacts[idx+1:]...)
	if err := c.save(ctx, func(p Persister) error { return p.SaveContacts(ctx, next) }); err != nil {
		return err
	}
	c.contacts = next
	return nil
}

// MergeContacts appends the valid contacts whose ids are not known locally and
// returns how many were added.
func (c *Container) MergeContacts(ctx context.Context, incoming []model.Contact) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := append([]model.Contact(nil), c.contacts...)
	added := 0
	for _, contact := range incoming {
		contact = contact.Normalize()
		if contact.ID == "" || indexOfContact(next, contact.ID) >= 0 {
			continue
		}
		if err := contact.Validate(); err != nil {
			continue
		}
		next = append(next, contact)
		added++
	}
	if added == 0 {
		return 0, nil
	}

	if err := c.save(ctx, func(p Persister) error { return p.SaveContacts(ctx, next) }); err != nil {
		return 0, err
	}
	c.contacts = next
	return added, nil
}

// Alerts returns the alert history, newest first.
func (c *Container) Alerts() []model.Alert {
	c.mu.RLock()
	out := cloneAlerts(c.alerts)
	c.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp > out[j].Timestamp
	})
	return out
}

// Alert returns a single alert by id.
func (c *Container) Alert(id string) (model.Alert, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	idx := indexOfAlert(c.alerts, id)
	if idx < 0 {
		return model.Alert{}, false
	}
	return c.alerts[idx].Clone(), true
}

// AppendAlert records a new alert.
func (c *Container) AppendAlert(ctx context.Context, alert model.Alert) error {
	if alert.ID == "" || !alert.Type.Valid() || !alert.Status.Valid() {
		return fmt.Errorf("%w: malformed alert", model.ErrInvalidInput)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if indexOfAlert(c.alerts, alert.ID) >= 0 {
		return fmt.Errorf("%w: alert %q already exists", model.ErrInvalidInput, alert.ID)
	}

	next := append(cloneAlerts(c.alerts), alert.Clone())
	if err := c.saveAlerts(ctx, next); err != nil {
		return err
	}
	c.alerts = next
	return nil
}

// UpdateAlertStatus moves an alert forward along sent -> delivered -> resolved.
// Setting the current status again is a no-op.
func (c *Container) UpdateAlertStatus(ctx context.Context, id string, status model.AlertStatus) (model.Alert, error) {
	if !status.Valid() {
		return model.Alert{}, fmt.Errorf("%w: unknown status %q", model.ErrInvalidInput, status)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	idx := indexOfAlert(c.alerts, id)
	if idx < 0 {
		return model.Alert{}, fmt.Errorf("alert %q: %w", id, ErrNotFound)
	}

	current := c.alerts[idx]
	if current.Status == status {
		return current.Clone(), nil
	}
	if !current.Status.CanTransition(status) {
		return model.Alert{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, status)
	}

	next := cloneAlerts(c.alerts)
	next[idx].Status = status
	if err := c.saveAlerts(ctx, next); err != nil {
		return model.Alert{}, err
	}
	c.alerts = next
	return next[idx].Clone(), nil
}

// DeleteAlert removes an alert. Unknown ids are ignored.
func (c *Container) DeleteAlert(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := indexOfAlert(c.alerts, id)
	if idx < 0 {
		return nil
	}

	next := make([]model.Alert, 0, len(c.alerts)-1)
	next = append(next, c.alerts[:idx]...)
	next = append(next, c.alerts[idx+1:]...)
	if err := c.saveAlerts(ctx, next); err != nil {
		return err
	}
	c.alerts = next
	return nil
}

// ClearHistory drops every alert and contact. Settings and the user survive.
func (c *Container) ClearHistory(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.save(ctx, func(p Persister) error { return p.SaveContacts(ctx, nil) }); err != nil {
		return err
	}
	c.contacts = nil

	if err := c.saveAlerts(ctx, nil); err != nil {
		return err
	}
	c.alerts = nil
	return nil
}

// Settings returns the current settings.
func (c *Container) Settings() model.Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

// UpdateSettings applies a partial update.
func (c *Container) UpdateSettings(ctx context.Context, patch model.SettingsPatch) (model.Settings, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, err := patch.Apply(c.settings)
	if err != nil {
		return model.Settings{}, err
	}
	if err := c.save(ctx, func(p Persister) error { return p.SaveSettings(ctx, next) }); err != nil {
		return model.Settings{}, err
	}
	c.settings = next
	return next, nil
}

// ResetSettings restores the defaults.
func (c *Container) ResetSettings(ctx context.Context) (model.Settings, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := model.DefaultSettings()
	if err := c.save(ctx, func(p Persister) error { return p.SaveSettings(ctx, next) }); err != nil {
		return model.Settings{}, err
	}
	c.settings = next
	return next, nil
}

func (c *Container) saveAlerts(ctx context.Context, alerts []model.Alert) error {
	if !c.opts.PersistAlerts {
		return nil
	}
	return c.save(ctx, func(p Persister) error { return p.SaveAlerts(ctx, alerts) })
}

func (c *Container) save(ctx context.Context, fn func(Persister) error) error {
	if c.persister == nil {
		return nil
	}
	if err := fn(c.persister); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

func indexOfContact(contacts []model.Contact, id string) int {
	for i := range contacts {
		if contacts[i].ID == id {
			return i
		}
	}
	return -1
}

func indexOfAlert(alerts []model.Alert, id string) int {
	for i := range alerts {
		if alerts[i].ID == id {
			return i
		}
	}
	return -1
}

func cloneAlerts(alerts []model.Alert) []model.Alert {
	if alerts == nil {
		return nil
	}
	out := make([]model.Alert, len(alerts))
	for i, a := range alerts {
		out[i] = a.Clone()
	}
	return out
}
