package relay

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/sse"

	"go-fhircast/internal/infrastructure/logger"
)

// SSESubscriber streams relayed events to one Server-Sent-Events client.
type SSESubscriber struct {
	id     string
	writer http.ResponseWriter

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	closed   bool
	closedMu sync.RWMutex

	keepAliveInterval time.Duration

	logger logger.Logger
}

var _ Subscriber = (*SSESubscriber)(nil)

// NewSSESubscriber prepares w for streaming and starts the keep-alive loop. The
// subscriber is bound to ctx, normally the request context.
func NewSSESubscriber(
	ctx context.Context,
	id string,
	w http.ResponseWriter,
	keepAliveInterval time.Duration,
	log logger.Logger,
) *SSESubscriber {
	rctx, cancel := context.WithCancel(ctx)

	sub := &SSESubscriber{
		id:                id,
		writer:            w,
		ctx:               rctx,
		cancel:            cancel,
		keepAliveInterval: keepAliveInterval,
		logger:            log.WithField("subscriber_id", id),
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	if keepAliveInterval > 0 {
		go sub.keepAlive()
	}

	return sub
}

func (s *SSESubscriber) ID() string {
	return s.id
}

// Send writes n as an SSE event named after its type.
func (s *SSESubscriber) Send(ctx context.Context, n *Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.write(sse.Event{
		Id:    n.ID,
		Event: n.Type,
		Data:  n,
	})
	if err != nil {
		_ = s.Close()
	}
	return err
}

// Close stops the subscriber and waits for an in-flight write to finish. No write
// reaches the ResponseWriter once Close has returned.
func (s *SSESubscriber) Close() error {
	s.closedMu.Lock()
	if s.closed {
		s.closedMu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()
	s.closedMu.Unlock()

	// Wait out a write that passed the context check before cancel.
	s.writeMu.Lock()
	s.writeMu.Unlock() //nolint:staticcheck

	s.logger.Debug("SSE subscriber closed")
	return nil
}

func (s *SSESubscriber) IsClosed() bool {
	s.closedMu.RLock()
	defer s.closedMu.RUnlock()
	return s.closed
}

func (s *SSESubscriber) Context() context.Context {
	return s.ctx
}

// write fails once the subscriber is closed or its request has ended.
func (s *SSESubscriber) write(ev sse.Event) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.ctx.Err(); err != nil {
		return fmt.Errorf("subscriber is closed: %w", err)
	}
	if err := sse.Encode(s.writer, ev); err != nil {
		s.logger.Errorf("Failed to write SSE event: %v", err)
		return err
	}
	if flusher, ok := s.writer.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

func (s *SSESubscriber) keepAlive() {
	ticker := time.NewTicker(s.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.write(sse.Event{Event: "keepalive", Data: time.Now().Unix()}); err != nil {
				_ = s.Close()
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}
