package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// Config holds listen address and timeouts for the local API server.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type HTTPServer struct {
	srv *http.Server
}

var _ Server = (*HTTPServer)(nil)

func NewHTTPServer(cfg Config, handler http.Handler) *HTTPServer {
	return &HTTPServer{
		srv: &http.Server{
			Addr:         cfg.Addr,
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}
}

// Start serves until Stop is called. A clean shutdown returns nil.
func (h *HTTPServer) Start(ctx context.Context) error {
	// Request contexts end with ctx so that long-lived SSE streams unwind on shutdown.
	h.srv.BaseContext = func(net.Listener) context.Context { return ctx }
	err := h.srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (h *HTTPServer) Stop(ctx context.Context) error {
	return h.srv.Shutdown(ctx)
}
