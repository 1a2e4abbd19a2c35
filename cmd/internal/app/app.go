// Package app wires the tandem server runtime: config, logging, stores, HTTP routes
// and the realtime gateway.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"tandem/cmd/identity"
	"tandem/cmd/internal/api"
	"tandem/cmd/internal/chat"
	"tandem/cmd/internal/gateway"
	"tandem/cmd/internal/likes"
	"tandem/cmd/internal/metrics"
	"tandem/cmd/internal/realtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App is the tandem server runtime.
type App struct {
	cfg     Config
	log     Logger
	backend *backend
	metrics *metrics.Metrics

	hub   *realtime.Hub
	likes *likes.Service
	chat  *chat.Service
	ws    *gateway.Gateway
	api   *api.Handler

	handler http.Handler
}

// New constructs a fully wired App from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogColor)
	}

	auth, err := NewIdentityProvider(cfg)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return nil, err
	}

	b, err := openBackend(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, log: log, backend: b, metrics: m}
	if err := a.wire(auth); err != nil {
		b.Close()
		return nil, err
	}
	a.handler = a.routes(reg)
	return a, nil
}

// defaultPersistentPoll bounds how late a message appended by another replica is seen.
const defaultPersistentPoll = 2 * time.Second

// notifierPollInterval returns the configured interval, or a default when the store is
// shared between processes. The in-memory store is only written locally, so it never polls.
func notifierPollInterval(configured time.Duration, persistent bool) time.Duration {
	if configured > 0 {
		return configured
	}
	if persistent {
		return defaultPersistentPoll
	}
	return 0
}

func (a *App) wire(auth identity.Provider) error {
	cfg := a.cfg

	a.hub = realtime.NewHub(a.log,
		realtime.WithRingSize(cfg.HubRingSize),
		realtime.WithPollInterval(notifierPollInterval(cfg.HubPollInterval, a.backend.Persistent())),
		realtime.WithMetrics(a.metrics),
	)

	var err error
	a.likes, err = likes.NewService(a.backend.likes,
		likes.WithPublisher(a.hub),
		likes.WithLogger(a.log),
		likes.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}

	a.chat, err = chat.NewService(a.backend.chat, a.likes,
		chat.WithHub(a.hub),
		chat.WithProfiles(a.backend.profiles),
		chat.WithLogger(a.log),
		chat.WithMetrics(a.metrics),
		chat.WithListFanout(cfg.ListFanout),
	)
	if err != nil {
		return err
	}

	a.ws, err = gateway.New(auth, a.chat, a.hub,
		gateway.WithLogger(a.log),
		gateway.WithMetrics(a.metrics),
		gateway.WithConfig(gateway.Config{
			AllowedOrigins:    cfg.WSAllowedOrigins,
			OriginRequired:    cfg.WSOriginRequired,
			DevInsecure:       cfg.WSDevInsecure,
			WriteTimeout:      cfg.WSWriteTimeout,
			ReadIdleTimeout:   cfg.WSReadIdleTimeout,
			SendQueueSize:     cfg.WSSendQueue,
			HeartbeatInterval: cfg.WSHeartbeatInterval,
			HeartbeatTimeout:  cfg.WSHeartbeatTimeout,
			RateEvents:        cfg.WSRateEvents,
			RateWindow:        cfg.WSRateWindow,
		}),
	)
	if err != nil {
		return err
	}

	a.api, err = api.NewHandler(a.log, auth, a.likes, a.chat, api.Config{
		MaxBodyBytes: cfg.MaxBodyBytes,
		WriteLimit:   cfg.WriteLimit,
		WriteWindow:  cfg.WriteWindow,
	})
	return err
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Close releases the store.
func (a *App) Close() { a.backend.Close() }

// Run serves HTTP until ctx is cancelled or the listener fails, then shuts down.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
		ReadTimeout:       a.cfg.ReadTimeout,
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       a.cfg.IdleTimeout,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"store", a.backend.kind,
		"auth", a.cfg.AuthMode,
		"http", base,
		"ws", wsBaseURL(base)+"/ws",
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		a.Close()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	if err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
	}
	a.Close()
	a.log.Info("server.stopped")
	return err
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	default:
		return "ws://" + httpURL
	}
}
