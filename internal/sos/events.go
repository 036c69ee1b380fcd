package sos

import (
	"sync"
	"time"

	"sosguard/go-sos-server/internal/model"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventArmed           EventType = "sos.armed"
	EventTick            EventType = "sos.tick"
	EventCancelled       EventType = "sos.cancelled"
	EventFired           EventType = "sos.fired"
	EventAborted         EventType = "sos.aborted"
	EventDispatchFailed  EventType = "sos.dispatch_failed"
	EventSafetyArmed     EventType = "safety.armed"
	EventSafetyTick      EventType = "safety.tick"
	EventSafetyCancelled EventType = "safety.cancelled"
	EventStatusChanged   EventType = "alert.status"
	EventDeleted         EventType = "alert.deleted"
)

// Event is published for every lifecycle step.
type Event struct {
	Type      EventType    `json:"type"`
	Trigger   Trigger      `json:"trigger,omitempty"`
	Remaining int          `json:"remaining,omitempty"`
	Alert     *model.Alert `json:"alert,omitempty"`
	AlertID   string       `json:"alert_id,omitempty"`
	Notified  int          `json:"notified,omitempty"`
	Error     string       `json:"error,omitempty"`
	At        time.Time    `json:"at"`
}

type emitter struct {
	mu        sync.RWMutex
	listeners map[int]func(Event)
	nextID    int
}

func newEmitter() *emitter {
	return &emitter{listeners: make(map[int]func(Event))}
}

func (e *emitter) add(fn func(Event)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++
	e.listeners[id] = fn

	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

func (e *emitter) emit(ev Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, fn := range e.listeners {
		fn(ev)
	}
}
