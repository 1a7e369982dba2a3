package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"relay/internal/api"
	"relay/internal/config"
	"relay/internal/dispatch"
	"relay/internal/metrics"
	"relay/internal/queue"
	"relay/internal/session"
	"relay/internal/transport"
)

// Application wires the transport core together. Construction follows
// dependency order: metrics → connection registry → session registry →
// queue → dispatcher → handlers → HTTP server.
type Application struct {
	cfg        *config.Config
	log        zerolog.Logger
	conns      *transport.Registry
	sessions   *session.Registry
	queue      *queue.Queue
	dispatcher *dispatch.Dispatcher
	apiServer  *api.Server
	httpServer *http.Server

	loopCancel context.CancelFunc
}

// New builds an application from a validated configuration.
func New(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log := newLogger(cfg.Log)

	promReg := prometheus.NewRegistry()
	met := metrics.New(promReg)

	conns := transport.NewRegistry(cfg.Registry, cfg.WebSocket, log, met)
	sessions := session.NewRegistry(cfg.Session, conns, log, met)
	// Whatever removes a connection, its session association goes too.
	conns.SetDisconnectHook(sessions.DisassociateConnection)
	q := queue.New(cfg.Queue, conns, sessions, log, met)
	dispatcher := dispatch.New(conns, sessions, q, dispatch.EchoAgent{}, dispatch.EchoSkill{}, log, met)
	wsHandler := transport.NewHandler(conns, dispatcher, cfg.WebSocket, log)
	apiServer := api.NewServer(conns, sessions, q, wsHandler, promReg, log)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      apiServer,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Application{
		cfg:        cfg,
		log:        log,
		conns:      conns,
		sessions:   sessions,
		queue:      q,
		dispatcher: dispatcher,
		apiServer:  apiServer,
		httpServer: httpServer,
	}, nil
}

func newLogger(cfg *config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out = os.Stderr
	logger := zerolog.New(out)
	if cfg.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out})
	}
	return logger.Level(level).With().Timestamp().Str("service", "relay").Logger()
}

// Start launches the background loops and then the HTTP server. Returns
// once the server is accepting connections or startup failed.
func (app *Application) Start(ctx context.Context) error {
	app.log.Info().Str("addr", app.httpServer.Addr).Msg("starting relay")

	loopCtx, cancel := context.WithCancel(context.Background())
	app.loopCancel = cancel
	app.conns.StartCleanup(loopCtx)
	app.sessions.StartCleanup(loopCtx)
	app.queue.Start(loopCtx)

	serverErr := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case err := <-serverErr:
		cancel()
		return err
	case <-time.After(100 * time.Millisecond):
		app.log.Info().Msg("relay started")
		return nil
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

// Stop shuts down in reverse order: stop accepting HTTP traffic, stop
// the background loops, then drop the remaining connections.
func (app *Application) Stop(ctx context.Context) error {
	app.log.Info().Msg("shutting down relay")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		app.log.Warn().Err(err).Msg("http server shutdown")
	}

	if app.loopCancel != nil {
		app.loopCancel()
	}

	for _, info := range app.conns.Connections() {
		app.conns.Disconnect(info.ID, "server shutdown")
	}

	app.log.Info().Msg("relay shutdown complete")
	return nil
}

// Addr returns the configured listen address.
func (app *Application) Addr() string {
	return app.httpServer.Addr
}
