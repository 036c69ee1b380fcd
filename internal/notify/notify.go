// Package notify delivers alert notifications to emergency contacts.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrDispatch wraps every delivery failure. A failed dispatch never undoes the
// alert it belongs to.
var ErrDispatch = errors.New("notification dispatch failed")

// Intent is one notification addressed to one contact.
type Intent struct {
	AlertID     string `json:"alert_id"`
	AlertType   string `json:"alert_type"`
	ContactID   string `json:"contact_id"`
	ContactName string `json:"contact_name"`
	Phone       string `json:"phone"`
	Message     string `json:"message"`
	Location    string `json:"location"`
	Timestamp   string `json:"timestamp"`
}

// Notifier sends a single Intent.
type Notifier interface {
	Notify(ctx context.Context, intent Intent) error
}

// Multi tries every channel and succeeds when at least one of them does.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, intent Intent) error {
	if len(m) == 0 {
		return fmt.Errorf("%w: no channels configured", ErrDispatch)
	}

	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, intent); err != nil {
			errs = append(errs, err)
			continue
		}
		return nil
	}
	return errors.Join(errs...)
}

// LogNotifier only logs the intent. It stands in when no transport is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (l LogNotifier) Notify(_ context.Context, intent Intent) error {
	l.Logger.Warn("emergency notification (no transport configured)",
		"alert", intent.AlertID,
		"contact", intent.ContactID,
		"phone", intent.Phone,
		"location", intent.Location,
	)
	return nil
}
