package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go-fhircast/internal/fhircast"
	"go-fhircast/internal/infrastructure/logger"
)

// Relay fans session events out to local subscribers.
type Relay struct {
	subscribers   map[string]Subscriber
	subscribersMu sync.RWMutex

	running   bool
	runningMu sync.RWMutex

	logger logger.Logger

	register   chan Subscriber
	unregister chan string
	broadcast  chan *Notification

	ctx    context.Context
	cancel context.CancelFunc
}

func New(log logger.Logger) *Relay {
	return &Relay{
		subscribers: make(map[string]Subscriber),
		logger:      log.WithField("component", "relay"),
		register:    make(chan Subscriber, 100),
		unregister:  make(chan string, 100),
		broadcast:   make(chan *Notification, 1000),
	}
}

func (r *Relay) Start(ctx context.Context) error {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()

	if r.running {
		return fmt.Errorf("relay is already running")
	}

	r.ctx, r.cancel = context.WithCancel(ctx)
	r.running = true

	go r.run()

	r.logger.Info("Relay started")
	return nil
}

// Stop ends the run loop and closes every subscriber.
func (r *Relay) Stop(ctx context.Context) error {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()

	if !r.running {
		return nil
	}

	r.cancel()

	r.subscribersMu.Lock()
	for _, sub := range r.subscribers {
		if err := sub.Close(); err != nil {
			r.logger.Errorf("Failed to close subscriber %s: %v", sub.ID(), err)
		}
	}
	r.subscribers = make(map[string]Subscriber)
	r.subscribersMu.Unlock()

	r.running = false
	r.logger.Info("Relay stopped")
	return nil
}

func (r *Relay) IsRunning() bool {
	r.runningMu.RLock()
	defer r.runningMu.RUnlock()
	return r.running
}

func (r *Relay) Register(sub Subscriber) error {
	if !r.IsRunning() {
		return fmt.Errorf("relay is not running")
	}

	select {
	case r.register <- sub:
		return nil
	case <-r.ctx.Done():
		return fmt.Errorf("relay is shutting down")
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout registering subscriber")
	}
}

func (r *Relay) Unregister(id string) error {
	if !r.IsRunning() {
		return fmt.Errorf("relay is not running")
	}

	select {
	case r.unregister <- id:
		return nil
	case <-r.ctx.Done():
		return fmt.Errorf("relay is shutting down")
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout unregistering subscriber")
	}
}

func (r *Relay) SubscriberCount() int {
	r.subscribersMu.RLock()
	defer r.subscribersMu.RUnlock()
	return len(r.subscribers)
}

// Publish queues n for delivery to every subscriber.
func (r *Relay) Publish(ctx context.Context, n *Notification) error {
	if !r.IsRunning() {
		return fmt.Errorf("relay is not running")
	}

	select {
	case r.broadcast <- n:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return fmt.Errorf("relay is shutting down")
	}
}

// Forward is a fhircast.Listener that relays session events. It never blocks the
// session: when the queue is full the event is dropped and logged.
func (r *Relay) Forward(ev fhircast.Event) {
	n := &Notification{Type: string(ev.Type)}
	switch ev.Type {
	case fhircast.EventMessage:
		if ev.Payload != nil {
			n.ID = ev.Payload.ID
			n.Data = ev.Payload
		}
	case fhircast.EventError:
		if ev.Err != nil {
			n.Data = map[string]string{"error": ev.Err.Error()}
		}
	}

	if !r.IsRunning() {
		return
	}
	select {
	case r.broadcast <- n:
	default:
		r.logger.Warnf("Relay queue full, dropping %s event", ev.Type)
	}
}

func (r *Relay) run() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case sub := <-r.register:
			r.handleRegister(sub)

		case id := <-r.unregister:
			r.handleUnregister(id)

		case n := <-r.broadcast:
			r.handleBroadcast(n)

		case <-ticker.C:
			r.cleanupClosed()

		case <-r.ctx.Done():
			r.logger.Info("Relay run loop stopped")
			return
		}
	}
}

func (r *Relay) handleRegister(sub Subscriber) {
	r.subscribersMu.Lock()
	r.subscribers[sub.ID()] = sub
	r.subscribersMu.Unlock()

	r.logger.Infof("Subscriber %s registered", sub.ID())

	go func() {
		select {
		case <-sub.Context().Done():
			_ = r.Unregister(sub.ID())
		case <-r.ctx.Done():
		}
	}()
}

func (r *Relay) handleUnregister(id string) {
	r.subscribersMu.Lock()
	sub, exists := r.subscribers[id]
	if exists {
		delete(r.subscribers, id)
	}
	r.subscribersMu.Unlock()

	if exists {
		_ = sub.Close()
		r.logger.Infof("Subscriber %s unregistered", id)
	}
}

func (r *Relay) handleBroadcast(n *Notification) {
	r.subscribersMu.RLock()
	subs := make([]Subscriber, 0, len(r.subscribers))
	for _, sub := range r.subscribers {
		subs = append(subs, sub)
	}
	r.subscribersMu.RUnlock()

	for _, sub := range subs {
		ctx, cancel := context.WithTimeout(r.ctx, 10*time.Second)
		err := sub.Send(ctx, n)
		cancel()
		if err != nil {
			r.logger.Errorf("Failed to relay %s event to %s: %v", n.Type, sub.ID(), err)
			go r.Unregister(sub.ID())
		}
	}

	r.logger.Debugf("Relayed %s event to %d subscribers", n.Type, len(subs))
}

func (r *Relay) cleanupClosed() {
	r.subscribersMu.Lock()
	defer r.subscribersMu.Unlock()

	for id, sub := range r.subscribers {
		if sub.IsClosed() {
			delete(r.subscribers, id)
			r.logger.Infof("Cleaned up closed subscriber %s", id)
		}
	}
}
