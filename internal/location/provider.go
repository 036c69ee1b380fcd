package location

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sosguard/go-sos-server/internal/model"
)

// Provider wraps a Source with permission handling and debounced subscriptions.
type Provider struct {
	src    Source
	logger *slog.Logger
}

// NewProvider returns a Provider reading from src.
func NewProvider(src Source, logger *slog.Logger) *Provider {
	return &Provider{src: src, logger: logger}
}

// RequestPermission asks the device for location access.
func (p *Provider) RequestPermission(ctx context.Context) (Permission, error) {
	perm, err := p.src.RequestPermission(ctx)
	if err != nil {
		return PermissionUndetermined, fmt.Errorf("request permission: %w", err)
	}
	return perm, nil
}

// GetCurrentSample returns the latest fix from the source. It fails with
// ErrPermissionDenied when access was refused and ErrNoFix when nothing has
// arrived yet. A provider without a source never has a fix.
func (p *Provider) GetCurrentSample(ctx context.Context) (model.LocationSample, error) {
	if p.src == nil {
		return model.LocationSample{}, ErrNoFix
	}
	return p.src.Current(ctx)
}

// Subscribe starts a debounced stream. A sample is emitted when it is the
// first one, when minInterval has elapsed since the last emission, or when the
// device moved at least minDistance meters. Unsubscribe releases the watch;
// calling Subscribe again restarts it.
func (p *Provider) Subscribe(ctx context.Context, minInterval time.Duration, minDistance float64) (*Subscription, error) {
	watchCtx, cancel := context.WithCancel(ctx)

	raw, err := p.src.Watch(watchCtx)
	if err != nil {
		cancel()
		return nil, err
	}

	sub := &Subscription{
		out:    make(chan model.LocationSample, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	d := debouncer{minInterval: minInterval, minDistance: minDistance}

	go func() {
		defer close(sub.done)
		defer close(sub.out)

		for {
			select {
			case <-watchCtx.Done():
				return
			case sample, ok := <-raw:
				if !ok {
					return
				}
				if !d.accept(sample) {
					continue
				}
				select {
				case sub.out <- sample:
				case <-watchCtx.Done():
					return
				}
			}
		}
	}()

	p.logger.Debug("location subscription started", "min_interval", minInterval, "min_distance_m", minDistance)
	return sub, nil
}

// Subscription is a running debounced stream.
type Subscription struct {
	out    chan model.LocationSample
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// C returns the sample channel. It is closed when the stream ends.
func (s *Subscription) C() <-chan model.LocationSample {
	return s.out
}

// Unsubscribe stops the stream and waits until the underlying watch is released.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

type debouncer struct {
	minInterval time.Duration
	minDistance float64

	last    model.LocationSample
	hasLast bool
}

func (d *debouncer) accept(sample model.LocationSample) bool {
	if !d.hasLast ||
		sample.CapturedAt.Sub(d.last.CapturedAt) >= d.minInterval ||
		Distance(d.last, sample) >= d.minDistance {
		d.last = sample
		d.hasLast = true
		return true
	}
	return false
}
