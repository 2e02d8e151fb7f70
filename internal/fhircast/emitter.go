package fhircast

import (
	"sync"

	"go-fhircast/internal/infrastructure/logger"
)

// EventType names a session lifecycle event.
type EventType string

const (
	EventConnect    EventType = "connect"
	EventMessage    EventType = "message"
	EventDisconnect EventType = "disconnect"
	// EventError carries a *DecodeError or a *ConnectionError in Event.Err.
	EventError EventType = "error"
)

// Event is delivered to listeners. Payload is set for EventMessage only, Err for
// EventError only.
type Event struct {
	Type    EventType
	Payload *MessageEnvelope
	Err     error
}

// Listener receives session events.
type Listener func(Event)

type listenerEntry struct {
	id uint64
	fn Listener
}

// Emitter is a per-session publish/subscribe registry. Listeners of one event type run
// synchronously on Emit, in registration order.
type Emitter struct {
	mu        sync.RWMutex
	listeners map[EventType][]listenerEntry
	nextID    uint64

	logger logger.Logger
}

// NewEmitter creates an empty Emitter. A nil log discards output.
func NewEmitter(log logger.Logger) *Emitter {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Emitter{
		listeners: make(map[EventType][]listenerEntry),
		logger:    log.WithField("component", "fhircast-emitter"),
	}
}

// On registers fn for events of type t and returns a function that removes it.
// The returned function is safe to call more than once.
func (e *Emitter) On(t EventType, fn Listener) (unsubscribe func()) {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners[t] = append(e.listeners[t], listenerEntry{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { e.off(t, id) })
	}
}

func (e *Emitter) off(t EventType, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entries := e.listeners[t]
	for i, entry := range entries {
		if entry.id == id {
			kept := make([]listenerEntry, 0, len(entries)-1)
			kept = append(kept, entries[:i]...)
			kept = append(kept, entries[i+1:]...)
			e.listeners[t] = kept
			return
		}
	}
}

// ListenerCount returns the number of listeners registered for t.
func (e *Emitter) ListenerCount(t EventType) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[t])
}

// Emit delivers ev to every listener registered for ev.Type. A panicking listener is
// logged and does not stop delivery to the rest.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	entries := e.listeners[ev.Type]
	e.mu.RUnlock()

	for _, entry := range entries {
		e.invoke(entry.fn, ev)
	}
}

func (e *Emitter) invoke(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorf("listener for %s event panicked: %v", ev.Type, r)
		}
	}()
	fn(ev)
}
