package location

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"sosguard/go-sos-server/internal/model"
)

// Tracker keeps the most recent accepted sample and forwards samples to listeners.
type Tracker struct {
	provider    *Provider
	minInterval time.Duration
	minDistance float64
	retry       time.Duration
	logger      *slog.Logger

	latest     atomic.Pointer[model.LocationSample]
	permission atomic.Value

	mu        sync.Mutex
	listeners map[int]func(model.LocationSample)
	nextID    int
}

// NewTracker builds a tracker subscribing through p with the given debounce thresholds.
func NewTracker(p *Provider, minInterval time.Duration, minDistance float64, logger *slog.Logger) *Tracker {
	t := &Tracker{
		provider:    p,
		minInterval: minInterval,
		minDistance: minDistance,
		retry:       10 * time.Second,
		logger:      logger,
		listeners:   make(map[int]func(model.LocationSample)),
	}
	t.permission.Store(PermissionUndetermined)
	return t
}

// Latest returns the most recent sample, if any.
func (t *Tracker) Latest() (model.LocationSample, bool) {
	s := t.latest.Load()
	if s == nil {
		return model.LocationSample{}, false
	}
	return *s, true
}

// Current returns the held sample, or asks the provider for a fresh fix when
// none has been recorded yet. A fix obtained that way is recorded.
func (t *Tracker) Current(ctx context.Context) (model.LocationSample, error) {
	if s, ok := t.Latest(); ok {
		return s, nil
	}

	sample, err := t.provider.GetCurrentSample(ctx)
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			t.permission.Store(PermissionDenied)
		}
		return model.LocationSample{}, err
	}
	t.Record(sample)
	return sample, nil
}

// Permission returns the last known permission answer.
func (t *Tracker) Permission() Permission {
	return t.permission.Load().(Permission)
}

// Record stores sample unless a newer one is already held. It reports whether
// the slot was updated.
func (t *Tracker) Record(sample model.LocationSample) bool {
	next := sample
	for {
		cur := t.latest.Load()
		if cur != nil && cur.CapturedAt.After(sample.CapturedAt) {
			return false
		}
		if t.latest.CompareAndSwap(cur, &next) {
			break
		}
	}

	t.mu.Lock()
	fns := make([]func(model.LocationSample), 0, len(t.listeners))
	for _, fn := range t.listeners {
		fns = append(fns, fn)
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(sample)
	}
	return true
}

// OnSample registers fn for every recorded sample and returns a function removing it.
func (t *Tracker) OnSample(fn func(model.LocationSample)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextID
	t.nextID++
	t.listeners[id] = fn

	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// Run requests permission and keeps a subscription alive until ctx is done.
// A denied permission or an ended stream is retried after a pause.
func (t *Tracker) Run(ctx context.Context) error {
	for {
		if err := t.runOnce(ctx); err != nil && ctx.Err() == nil {
			t.logger.Warn("location tracking interrupted", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(t.retry):
		}
	}
}

func (t *Tracker) runOnce(ctx context.Context) error {
	perm, err := t.provider.RequestPermission(ctx)
	if err != nil {
		return err
	}
	t.permission.Store(perm)
	if perm != PermissionGranted {
		return ErrPermissionDenied
	}

	sub, err := t.provider.Subscribe(ctx, t.minInterval, t.minDistance)
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			t.permission.Store(PermissionDenied)
		}
		return err
	}
	defer sub.Unsubscribe()

	t.logger.Info("location tracking started")
	for sample := range sub.C() {
		t.Record(sample)
	}
	if ctx.Err() != nil {
		return nil
	}
	return errors.New("location stream ended")
}
