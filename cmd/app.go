package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"go-fhircast/internal/fhircast"
	"go-fhircast/internal/infrastructure/channel"
	"go-fhircast/internal/infrastructure/config"
	"go-fhircast/internal/infrastructure/hubclient"
	"go-fhircast/internal/infrastructure/logger"
	"go-fhircast/internal/infrastructure/relay"
	"go-fhircast/internal/infrastructure/server"
)

const shutdownTimeout = 10 * time.Second

// errSessionClosed ends Run when the hub closes the channel normally.
var errSessionClosed = errors.New("session closed by hub")

// Application holds one subscription on the hub and serves the local API.
type Application struct {
	cfg    *config.Config
	logger logger.Logger

	hub    *hubclient.Client
	dialer fhircast.Dialer
	relay  *relay.Relay
	server server.Server

	mu      sync.RWMutex
	session *fhircast.Session
}

func newApplication(cfg *config.Config) (*Application, error) {
	log := logger.NewLogrusLogger(&cfg.Log)

	hub, err := hubclient.New(cfg.Hub.URL, cfg.RequestTimeout(), log)
	if err != nil {
		return nil, err
	}

	app := &Application{
		cfg:    cfg,
		logger: log.WithField("component", "application"),
		hub:    hub,
		dialer: channel.NewWebSocketDialer(cfg.ChannelSettings(), log),
		relay:  relay.New(log),
	}

	router := InitRouter(app, app.relay, time.Duration(cfg.Server.KeepAlive)*time.Second, log)
	app.server = server.NewHTTPServer(server.Config{
		Addr:         cfg.Server.ListenAddr,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}, router)

	return app, nil
}

// Current returns the live session, or nil before the subscription is established.
func (a *Application) Current() *fhircast.Session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.session
}

// Run subscribes, holds the session and serves the API until ctx is cancelled or the
// session ends. A session closed normally by the hub is not an error.
func (a *Application) Run(ctx context.Context) error {
	if err := a.relay.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Infof("Local API listening on %s", a.cfg.Server.ListenAddr)
		return a.server.Start(gctx)
	})

	g.Go(func() error {
		return a.holdSession(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})

	err := g.Wait()
	if errors.Is(err, errSessionClosed) {
		return nil
	}
	return err
}

func (a *Application) holdSession(ctx context.Context) error {
	req := a.cfg.SubscriptionRequest()

	endpoint, err := a.hub.Subscribe(ctx, req)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", req.Topic, err)
	}
	req.Endpoint = endpoint
	a.logger.WithFields(logger.Fields{
		"topic":    req.Topic,
		"endpoint": endpoint,
	}).Info("Subscribed to hub")

	opts := []fhircast.Option{
		fhircast.WithListener(fhircast.EventMessage, a.logNotification),
	}
	for _, t := range []fhircast.EventType{
		fhircast.EventConnect,
		fhircast.EventMessage,
		fhircast.EventDisconnect,
		fhircast.EventError,
	} {
		opts = append(opts, fhircast.WithListener(t, a.relay.Forward))
	}

	session, err := fhircast.NewSession(req, a.dialer, a.logger, opts...)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.session = session
	a.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil
	case <-session.Done():
	}

	if err := session.Err(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}
	return errSessionClosed
}

func (a *Application) logNotification(ev fhircast.Event) {
	a.logger.WithFields(logger.Fields{
		"id":       ev.Payload.ID,
		"event":    ev.Payload.Event.Event,
		"contexts": len(ev.Payload.Event.Context),
	}).Info("Context change received")
}

// shutdown disconnects the session, removes the subscription from the hub and stops the
// local services. Every step runs even if an earlier one fails.
func (a *Application) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error

	if session := a.Current(); session != nil {
		if err := session.Disconnect(); err != nil {
			errs = append(errs, err)
		}
		if err := a.hub.Unsubscribe(ctx, session.Request()); err != nil {
			a.logger.Warnf("Failed to unsubscribe: %v", err)
		}
	}

	if err := a.relay.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.server.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop server: %w", err))
	}

	a.logger.Info("Shutdown complete")
	return errors.Join(errs...)
}
