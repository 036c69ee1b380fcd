package sos

import (
	"fmt"
	"sync"
	"time"
)

// Ticker delivers one value per countdown step.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory creates a Ticker firing every d.
type TickerFactory func(d time.Duration) Ticker

type timeTicker struct {
	t *time.Ticker
}

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// NewTimeTicker is the wall-clock TickerFactory.
func NewTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

// Countdown is a cancellable one-second countdown. Each Start opens a new
// session; ticks from an older session are discarded, so Cancel always wins
// over a tick that is already in flight.
type Countdown struct {
	newTicker TickerFactory
	step      time.Duration

	mu        sync.Mutex
	session   uint64
	active    bool
	remaining int
	total     int
	stop      chan struct{}
}

// NewCountdown returns an idle countdown driven by tickers from newTicker.
func NewCountdown(newTicker TickerFactory) *Countdown {
	if newTicker == nil {
		newTicker = NewTimeTicker
	}
	return &Countdown{newTicker: newTicker, step: time.Second}
}

// Start arms the countdown for n ticks. onTick runs after every non-final
// tick and onExpire once after the n-th.
func (c *Countdown) Start(n int, onTick func(remaining int), onExpire func()) error {
	if n <= 0 {
		return fmt.Errorf("countdown must be positive, got %d", n)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active {
		return ErrAlreadyArmed
	}

	c.session++
	c.active = true
	c.remaining = n
	c.total = n
	c.stop = make(chan struct{})

	go c.run(c.session, c.newTicker(c.step), c.stop, onTick, onExpire)
	return nil
}

// Cancel stops an armed countdown and reports whether one was running.
func (c *Countdown) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active {
		return false
	}
	c.session++
	c.active = false
	c.remaining = c.total
	close(c.stop)
	c.stop = nil
	return true
}

// Status reports whether the countdown is armed and how many ticks remain.
func (c *Countdown) Status() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return false, 0
	}
	return true, c.remaining
}

func (c *Countdown) run(session uint64, t Ticker, stop <-chan struct{}, onTick func(int), onExpire func()) {
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-t.C():
		}

		c.mu.Lock()
		if c.session != session || !c.active {
			c.mu.Unlock()
			return
		}
		c.remaining--
		if remaining := c.remaining; remaining > 0 {
			c.mu.Unlock()
			if onTick != nil {
				onTick(remaining)
			}
			continue
		}
		c.active = false
		c.stop = nil
		c.mu.Unlock()

		if onExpire != nil {
			onExpire()
		}
		return
	}
}
