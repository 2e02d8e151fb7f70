package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPServer_StartStop(t *testing.T) {
	srv := NewHTTPServer(Config{Addr: "127.0.0.1:0", ReadTimeout: time.Second}, http.NotFoundHandler())

	done := make(chan error, 1)
	go func() { done <- srv.Start(context.Background()) }()

	// Give ListenAndServe a moment; Shutdown before it starts also yields ErrServerClosed.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, srv.Stop(context.Background()))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
