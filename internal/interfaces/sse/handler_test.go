package sse

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-fhircast/internal/fhircast"
	"go-fhircast/internal/infrastructure/logger"
	"go-fhircast/internal/infrastructure/relay"
)

func TestStream_RelaysSessionEvents(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log := logger.NewNopLogger()

	r := relay.New(log)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop(context.Background())

	router := gin.New()
	InitSSERouter(log, r, 0, router.Group(""))
	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 32)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	nextEvent := func() string {
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					t.Fatal("stream ended")
				}
				if strings.HasPrefix(line, "event:") {
					return strings.TrimPrefix(line, "event:")
				}
			case <-time.After(2 * time.Second):
				t.Fatal("timed out waiting for SSE event")
			}
		}
	}

	assert.Equal(t, "subscribed", nextEvent())
	require.Eventually(t, func() bool { return r.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)

	r.Forward(fhircast.Event{
		Type:    fhircast.EventMessage,
		Payload: &fhircast.MessageEnvelope{ID: "xyz", Event: fhircast.NotificationPayload{Topic: "abc", Event: "patient-open"}},
	})
	assert.Equal(t, "message", nextEvent())

	cancel()
	assert.Eventually(t, func() bool { return r.SubscriberCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStream_RelayStopped(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log := logger.NewNopLogger()

	router := gin.New()
	InitSSERouter(log, relay.New(log), 0, router.Group(""))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// trackingWriter counts writes that arrive after the handler has returned.
type trackingWriter struct {
	*httptest.ResponseRecorder

	mu       sync.Mutex
	returned bool
	late     int
}

func (w *trackingWriter) track() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.returned {
		w.late++
	}
}

func (w *trackingWriter) Write(b []byte) (int, error) {
	w.track()
	return w.ResponseRecorder.Write(b)
}

func (w *trackingWriter) WriteString(s string) (int, error) {
	w.track()
	return w.ResponseRecorder.WriteString(s)
}

func (w *trackingWriter) markReturned() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.returned = true
}

func (w *trackingWriter) lateWrites() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.late
}

// markerSubscriber reports every notification type it receives.
type markerSubscriber struct {
	ctx  context.Context
	seen chan string
}

func (m *markerSubscriber) ID() string { return "marker" }

func (m *markerSubscriber) Send(_ context.Context, n *relay.Notification) error {
	m.seen <- n.Type
	return nil
}

func (m *markerSubscriber) Close() error             { return nil }
func (m *markerSubscriber) IsClosed() bool           { return false }
func (m *markerSubscriber) Context() context.Context { return m.ctx }

func TestStream_NoWritesAfterReturn(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log := logger.NewNopLogger()

	r := relay.New(log)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop(context.Background())

	marker := &markerSubscriber{ctx: context.Background(), seen: make(chan string, 64)}
	require.NoError(t, r.Register(marker))

	w := &trackingWriter{ResponseRecorder: httptest.NewRecorder()}
	c, _ := gin.CreateTestContext(w)
	ctx, cancel := context.WithCancel(context.Background())
	c.Request = httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)

	h := NewServerSentEventHandler(r, 0, log)
	done := make(chan struct{})
	go func() {
		h.Stream(c)
		w.markReturned()
		close(done)
	}()

	require.Eventually(t, func() bool { return r.SubscriberCount() == 2 }, time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stream did not return after the request ended")
	}

	for i := 0; i < 20; i++ {
		r.Forward(fhircast.Event{Type: fhircast.EventConnect})
	}
	r.Forward(fhircast.Event{Type: fhircast.EventDisconnect})

	// Broadcasts are delivered one at a time, so once the marker has seen the last one
	// the stream subscriber has been offered all of them.
	deadline := time.After(2 * time.Second)
	for seen := ""; seen != string(fhircast.EventDisconnect); {
		select {
		case seen = <-marker.seen:
		case <-deadline:
			t.Fatal("relay did not deliver the events")
		}
	}

	assert.Zero(t, w.lateWrites())
	assert.Contains(t, w.Body.String(), "event:subscribed")
}
