package fhircast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go-fhircast/internal/infrastructure/logger"
)

// Conn is an open real-time channel to a hub.
//
// ReadMessage blocks for the next text frame and returns io.EOF once the peer has
// closed the channel normally. WriteMessage may be called concurrently with
// ReadMessage. Close must be safe to call more than once.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens channels to hub endpoints.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// State is the lifecycle state of a Session.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Option configures a Session.
type Option func(*Session)

// WithListener registers fn before the channel is opened, so that no connect event can
// be missed.
func WithListener(t EventType, fn Listener) Option {
	return func(s *Session) {
		s.emitter.On(t, fn)
	}
}

// WithClock overrides the clock used to stamp acknowledgements.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

// Session owns one channel bound to a subscription's endpoint.
//
// The channel is dialed as soon as the session is created. Every notification received
// is emitted as a message event and then acknowledged on the same channel. A closed
// session is never reopened; create a new one instead.
type Session struct {
	request SubscriptionRequest
	dialer  Dialer
	emitter *Emitter
	logger  logger.Logger
	now     func() time.Time

	mu                sync.Mutex
	state             State
	conn              Conn
	err               error
	disconnectPending bool

	// dispatchMu is held while events are delivered so that a state check and the
	// delivery that depends on it are not split by a concurrent close.
	dispatchMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSession validates that req carries an endpoint and starts dialing it in the
// background. It fails synchronously, before any channel is opened, when the endpoint
// or dialer is missing. A nil log discards output.
func NewSession(req SubscriptionRequest, dialer Dialer, log logger.Logger, opts ...Option) (*Session, error) {
	if req.Endpoint == "" {
		return nil, ErrMissingEndpoint
	}
	if dialer == nil {
		return nil, fmt.Errorf("%w: dialer is required", ErrInvalidArgument)
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	req.Events = append([]EventName(nil), req.Events...)
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		request: req,
		dialer:  dialer,
		logger: log.WithFields(logger.Fields{
			"component": "fhircast-session",
			"topic":     req.Topic,
			"endpoint":  req.Endpoint,
		}),
		now:    time.Now,
		state:  StateConnecting,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.emitter = NewEmitter(log)
	for _, opt := range opts {
		opt(s)
	}

	go s.run()

	return s, nil
}

// On registers a listener; see Emitter.On.
func (s *Session) On(t EventType, fn Listener) (unsubscribe func()) {
	return s.emitter.On(t, fn)
}

// Request returns the subscription the session was created from.
func (s *Session) Request() SubscriptionRequest {
	req := s.request
	req.Events = append([]EventName(nil), s.request.Events...)
	return req
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the *ConnectionError that terminated the session, or nil if it is still
// running or was closed gracefully.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the session has stopped reading from its channel.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Disconnect closes the channel and emits a single disconnect event. Calls after the
// first are no-ops, including concurrent ones.
//
// The disconnect event is always the last one the session emits. If another event is
// being delivered when Disconnect is called, including from inside a listener, the
// disconnect event follows it and may be delivered after Disconnect returns.
func (s *Session) Disconnect() error {
	closed, err := s.close(nil)
	if !closed {
		return nil
	}
	s.logger.Info("FHIRcast session disconnected by owner")

	s.mu.Lock()
	s.disconnectPending = true
	s.mu.Unlock()
	s.flushDisconnect()
	return err
}

func (s *Session) run() {
	defer close(s.done)

	conn, err := s.dialer.Dial(s.ctx, s.request.Endpoint)
	if err != nil {
		cause := &ConnectionError{Endpoint: s.request.Endpoint, Err: err}
		if closed, _ := s.close(cause); closed {
			s.logger.Errorf("Failed to open FHIRcast channel: %v", err)
			s.emitClosing(Event{Type: EventError, Err: cause})
		}
		return
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.state = StateOpen
	s.mu.Unlock()

	s.logger.Info("FHIRcast channel open")
	if !s.emitOpen(Event{Type: EventConnect}) {
		return
	}

	s.readLoop(conn)
}

func (s *Session) readLoop(conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			s.handleReadError(err)
			return
		}
		s.handleFrame(conn, data)
	}
}

func (s *Session) handleFrame(conn Conn, data []byte) {
	frame, err := Decode(data)
	if err != nil {
		s.logger.Warnf("Dropping undecodable frame: %v", err)
		s.emitOpen(Event{Type: EventError, Err: err})
		return
	}

	envelope, ok := frame.(*MessageEnvelope)
	if !ok {
		s.logger.Debug("Discarding subscription confirmation")
		return
	}

	s.logger.Debugf("Received %s notification %s", envelope.Event.Event, envelope.ID)
	if !s.emitOpen(Event{Type: EventMessage, Payload: envelope}) {
		return
	}
	if s.State() == StateClosed {
		s.logger.Debugf("Session closed by a listener, not acknowledging %s", envelope.ID)
		return
	}

	ack, err := encodeAck(envelope.ID, s.now())
	if err != nil {
		s.logger.Errorf("Failed to encode ack for %s: %v", envelope.ID, err)
		return
	}
	if err := conn.WriteMessage(ack); err != nil {
		s.logger.Warnf("Failed to send ack for %s: %v", envelope.ID, err)
	}
}

func (s *Session) handleReadError(err error) {
	var cause error
	if !errors.Is(err, io.EOF) {
		cause = &ConnectionError{Endpoint: s.request.Endpoint, Err: err}
	}

	closed, _ := s.close(cause)
	if !closed {
		// Disconnect already ran and emitted.
		return
	}

	if cause != nil {
		s.logger.Errorf("FHIRcast channel failed: %v", err)
		s.emitClosing(Event{Type: EventError, Err: cause}, Event{Type: EventDisconnect})
		return
	}
	s.logger.Info("FHIRcast channel closed by hub")
	s.emitClosing(Event{Type: EventDisconnect})
}

// emitOpen delivers ev if the session is still open and reports whether it did.
func (s *Session) emitOpen(ev Event) bool {
	s.dispatchMu.Lock()
	open := s.State() == StateOpen
	if open {
		s.emitter.Emit(ev)
	}
	s.dispatchMu.Unlock()

	s.flushDisconnect()
	return open
}

// emitClosing delivers the events of a close performed by the read side.
func (s *Session) emitClosing(events ...Event) {
	s.dispatchMu.Lock()
	for _, ev := range events {
		s.emitter.Emit(ev)
	}
	s.dispatchMu.Unlock()

	s.flushDisconnect()
}

// flushDisconnect emits a disconnect requested by Disconnect. When dispatchMu is busy
// the current holder flushes it after its own delivery.
func (s *Session) flushDisconnect() {
	for {
		if !s.dispatchMu.TryLock() {
			return
		}
		s.mu.Lock()
		pending := s.disconnectPending
		s.disconnectPending = false
		s.mu.Unlock()

		if pending {
			s.emitter.Emit(Event{Type: EventDisconnect})
		}
		s.dispatchMu.Unlock()

		s.mu.Lock()
		pending = s.disconnectPending
		s.mu.Unlock()
		if !pending {
			return
		}
	}
}

// close moves the session to StateClosed and releases the channel. It reports whether
// this call performed the transition.
func (s *Session) close(cause error) (bool, error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return false, nil
	}
	s.state = StateClosed
	s.err = cause
	conn := s.conn
	s.mu.Unlock()

	s.cancel()
	if conn == nil {
		return true, nil
	}
	if err := conn.Close(); err != nil {
		return true, fmt.Errorf("close channel: %w", err)
	}
	return true, nil
}
