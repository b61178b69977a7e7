// Package app wires the marketchat relay runtime: config, logging, backends,
// HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"marketchat/cmd/internal/realtime"
)

// App is the relay server runtime: it owns the HTTP server, the gateway and every backend.
type App struct {
	cfg Config
	log Logger

	registry *prometheus.Registry
	http     *httpMetrics

	backends *backends
	ws       *realtime.WSGateway

	otelShutdown func(context.Context) error
}

// New constructs a fully wired App from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	otelShutdown, err := SetupOTel(ctx, cfg.OTEL, Version)
	if err != nil {
		return nil, fmt.Errorf("otel: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := realtime.NewMetrics(reg)

	b, err := openBackends(ctx, cfg, log)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, err
	}

	if err := seedConversations(ctx, b.store, cfg.SeedConversations, log); err != nil {
		_ = b.Close(ctx)
		_ = otelShutdown(ctx)
		return nil, err
	}

	relay := realtime.NewRelay(realtime.RelayConfig{
		Logger:         log,
		Presence:       b.presence,
		Dedup:          b.dedup,
		Store:          realtime.InstrumentStore(b.store, metrics),
		Metrics:        metrics,
		DedupSecret:    []byte(cfg.DedupSecret),
		PersistTimeout: cfg.PersistTimeout,
	})

	return &App{
		cfg:          cfg,
		log:          log,
		registry:     reg,
		http:         newHTTPMetrics(reg),
		backends:     b,
		ws:           realtime.NewWSGateway(log, relay, cfg.Gateway()),
		otelShutdown: otelShutdown,
	}, nil
}

// Handler returns the full HTTP handler chain.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.backends.ping, a.registry, a.ws)
	return WithRequestLogging(WithSecurityHeaders(a.http.WithHTTPMetrics(mux)), a.log)
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	if a.backends.memDedup != nil {
		go a.backends.memDedup.Run(ctx)
	}

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"store", a.cfg.Store,
		"redis", a.backends.rdb != nil,
		"otel", a.cfg.OTEL.Enabled,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if runErr == nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			runErr = err
		}
	}

	if err := a.backends.Close(shutdownCtx); err != nil {
		a.log.Error("backends.close.fail", "err", err)
	}
	if err := a.otelShutdown(shutdownCtx); err != nil {
		a.log.Error("otel.shutdown.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return runErr
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

// backends holds what the relay talks to and owns their lifecycle.
type backends struct {
	store    realtime.MessageStore
	presence realtime.PresenceRegistry
	dedup    realtime.DedupCache
	memDedup *realtime.MemoryDedup

	pool *pgxpool.Pool
	rdb  *redis.Client

	// ping is nil when no database backs the store.
	ping func(context.Context) error
}

func openBackends(ctx context.Context, cfg Config, log Logger) (*backends, error) {
	b := &backends{}

	if err := b.openStore(ctx, cfg, log); err != nil {
		return nil, err
	}

	if cfg.RedisURL == "" {
		b.presence = realtime.NewMemoryPresence()
		b.memDedup = realtime.NewMemoryDedup(cfg.DedupWindow)
		b.dedup = b.memDedup
		log.Info("presence.memory")
		return b, nil
	}

	rdb, err := openRedis(ctx, cfg.RedisURL)
	if err != nil {
		_ = b.Close(ctx)
		return nil, err
	}
	b.rdb = rdb

	presence, err := realtime.NewRedisPresence(rdb, cfg.RedisPrefix+"presence:", realtime.WithPresenceTTL(cfg.PresenceTTL))
	if err != nil {
		_ = b.Close(ctx)
		return nil, err
	}
	dedup, err := realtime.NewRedisDedup(rdb, cfg.RedisPrefix+"dedup:", cfg.DedupWindow)
	if err != nil {
		_ = b.Close(ctx)
		return nil, err
	}
	b.presence, b.dedup = presence, dedup
	log.Info("presence.redis", "prefix", cfg.RedisPrefix, "ttl", presence.TTL())
	return b, nil
}

// openStore picks the message store. The app owns the pgx pool; PostgresStore.Close is a no-op.
func (b *backends) openStore(ctx context.Context, cfg Config, log Logger) error {
	switch cfg.Store {
	case StorePostgres:
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		st, err := realtime.NewPostgresStore(pool, realtime.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return err
		}
		if cfg.DBEnsure {
			if err := st.EnsureSchema(ctx); err != nil {
				pool.Close()
				return err
			}
		}
		b.pool, b.store = pool, st
		b.ping = func(ctx context.Context) error { return PingDB(ctx, pool, 2*time.Second) }
		log.Info("store.postgres", "schema", cfg.DBSchema, "ensure_schema", cfg.DBEnsure)

	case StoreSQLite:
		st, err := realtime.OpenSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
		b.store = st
		b.ping = func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			return st.Ping(ctx)
		}
		log.Info("store.sqlite", "path", cfg.SQLitePath)

	default:
		b.store = realtime.NewInMemoryStore()
		log.Info("store.memory")
	}
	return nil
}

func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func (b *backends) Close(_ context.Context) error {
	var errs []error
	if b.store != nil {
		errs = append(errs, b.store.Close())
	}
	if b.pool != nil {
		b.pool.Close()
	}
	if b.rdb != nil {
		errs = append(errs, b.rdb.Close())
	}
	return errors.Join(errs...)
}
