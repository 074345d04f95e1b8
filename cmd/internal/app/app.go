// Package app wires the pairline server runtime: config, logging, HTTP routes,
// the signaling broker, the WebSocket gateway and the optional session ledger.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"pairline/cmd/internal/broker"
	"pairline/cmd/internal/ledger"
	"pairline/cmd/internal/metrics"
	"pairline/cmd/internal/realtime"
	"pairline/cmd/security/turn"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// ErrForcedShutdown is returned by Run when connections did not drain within broker.shutdown_grace.
var ErrForcedShutdown = errors.New("forced shutdown: connections did not drain in time")

// App is the pairline server runtime: it owns the broker loop, the HTTP server
// wiring and every external resource (DB pool, NATS connection).
type App struct {
	cfg     Config
	log     Logger
	version string

	broker    *broker.Broker
	ws        *realtime.WSGateway
	collector *metrics.Collector
	registry  *prometheus.Registry
	turn      *turn.Issuer

	ledger *ledger.Async
	dbPool *pgxpool.Pool
	nc     *nats.Conn
}

// New constructs a fully wired App. External resources are connected here so
// misconfiguration fails before the listener opens.
func New(ctx context.Context, cfg Config, log Logger, version string) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.Log.Level, cfg.Log.Format)
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	a := &App{
		cfg:     cfg,
		log:     log,
		version: version,
	}

	sinks, err := a.openSinks(ctx)
	if err != nil {
		a.closeResources()
		return nil, err
	}

	a.collector = metrics.NewCollector(version, nil)

	opts := []broker.Option{broker.WithMetrics(a.collector)}
	if len(sinks) > 0 {
		a.ledger = ledger.NewAsync(log, sinks, cfg.Ledger.Buffer, cfg.Ledger.WriteTimeout)
		opts = append(opts, broker.WithRecorder(a.ledger))
		a.collector.GetLedger = func() metrics.LedgerCounts {
			return metrics.LedgerCounts{
				Written: a.ledger.Written(),
				Dropped: a.ledger.Dropped(),
				Failed:  a.ledger.Failed(),
			}
		}
	}

	a.broker = broker.New(log, opts...)
	a.collector.Stats = a.broker

	a.ws = realtime.NewWSGateway(log, a.broker, gatewayConfig(cfg.WS), a.collector)
	a.collector.GetActiveHandlers = a.ws.Active

	if cfg.TURN.Enabled() {
		a.turn, err = turn.NewIssuer(cfg.TURN.Secret, cfg.TURN.URLs, cfg.TURN.STUNURLs, cfg.TURN.TTL)
		if err != nil {
			a.closeResources()
			return nil, err
		}
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		a.collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return a, nil
}

// openSinks connects the configured ledger backends.
func (a *App) openSinks(ctx context.Context) (ledger.Multi, error) {
	var sinks ledger.Multi

	if a.cfg.Database.URL != "" {
		pool, err := NewDBPool(ctx, a.cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		a.dbPool = pool

		var opts []ledger.PostgresOption
		if a.cfg.Database.Schema != "" {
			opts = append(opts, ledger.WithSchema(a.cfg.Database.Schema))
		}
		if a.cfg.Database.Table != "" {
			opts = append(opts, ledger.WithTable(a.cfg.Database.Table))
		}
		pg, err := ledger.NewPostgresSink(pool, opts...)
		if err != nil {
			return nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("database: ensure ledger schema: %w", err)
		}
		sinks = append(sinks, pg)
		a.log.Info("ledger.postgres.enabled")
	} else {
		a.log.Info("ledger.postgres.disabled")
	}

	if len(a.cfg.NATS.Servers) > 0 {
		nc, err := NewNATSConn(a.cfg.NATS, a.log)
		if err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		a.nc = nc

		ns, err := ledger.NewNATSSink(nc, a.cfg.NATS.Subject)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, ns)
		a.log.Info("ledger.nats.enabled", "url", nc.ConnectedUrlRedacted())
	}

	return sinks, nil
}

func gatewayConfig(ws WSConfig) realtime.GatewayConfig {
	return realtime.GatewayConfig{
		DevInsecure:      ws.DevInsecure,
		OriginRequired:   !ws.AllowMissingOrigin,
		AllowedOrigins:   ws.AllowedOrigins,
		WriteTimeout:     ws.WriteTimeout,
		SendQueueSize:    ws.SendQueueSize,
		HeartbeatEvery:   ws.HeartbeatEvery,
		HeartbeatTimeout: ws.HeartbeatTimeout,
		RateEvents:       ws.RateEvents,
		RateWindow:       ws.RateWindow,
	}
}

// Handler returns the complete HTTP surface with middleware applied.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, routes{
		log:      a.log,
		cfg:      a.cfg,
		stats:    a.broker,
		dbPool:   a.dbPool,
		gatherer: a.registry,
		turn:     a.turn,
		ws:       a.ws,
	})

	origins := a.cfg.WS.AllowedOrigins
	if a.cfg.WS.DevInsecure {
		origins = []string{"*"}
	}

	return WithRequestLogging(WithSecurityHeaders(WithCORS(mux, origins, a.log)), a.log)
}

// Run starts the broker loop and the HTTP server and blocks until context
// cancellation or a fatal server error, then shuts down in order.
func (a *App) Run(ctx context.Context) error {
	brokerCtx, stopBroker := context.WithCancel(context.Background())
	defer stopBroker()

	go func() {
		if err := a.broker.Run(brokerCtx); err != nil {
			a.log.Error("broker.fail", "err", err)
		}
	}()

	srv := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.HTTP.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.HTTP.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.HTTP.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.HTTP.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.HTTP.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTP.Addr,
		"version", a.version,
		"db_enabled", a.dbPool != nil,
		"nats_enabled", a.nc != nil,
		"turn_enabled", a.turn != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case serveErr = <-errCh:
		a.log.Error("server.fail", "err", serveErr)
	}

	err := a.shutdown(srv, stopBroker)
	return errors.Join(serveErr, err)
}

// shutdown stops accepting HTTP, stops the broker (which closes every peer),
// waits for gateway handlers to drain, flushes the ledger and closes resources.
func (a *App) shutdown(srv *http.Server, stopBroker context.CancelFunc) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.HTTP.ShutdownTimeout, 10*time.Second))
	defer cancel()

	var errs []error

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		errs = append(errs, err)
	}

	stopBroker()
	select {
	case <-a.broker.Done():
	case <-shutdownCtx.Done():
		a.log.Error("broker.stop.timeout")
	}

	graceCtx, cancelGrace := context.WithTimeout(context.Background(), a.cfg.Broker.ShutdownGrace)
	defer cancelGrace()
	if err := a.ws.Drain(graceCtx); err != nil {
		a.log.Warn("server.drain.timeout", "active", a.ws.Active(), "grace", a.cfg.Broker.ShutdownGrace)
		errs = append(errs, ErrForcedShutdown)
	}

	if a.ledger != nil {
		if err := a.ledger.Close(shutdownCtx); err != nil {
			a.log.Error("ledger.close.fail", "err", err, "dropped", a.ledger.Dropped())
		}
	}

	a.closeResources()

	a.log.Info("server.stopped")
	return errors.Join(errs...)
}

func (a *App) closeResources() {
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			a.log.Warn("nats.drain.fail", "err", err)
			a.nc.Close()
		}
		a.nc = nil
	}
	if a.dbPool != nil {
		a.dbPool.Close()
		a.dbPool = nil
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
