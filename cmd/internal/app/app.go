// Package app wires the relay runtime: config, logging, persistence, HTTP routes and the realtime server.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"chatrelay/cmd/internal/auth/session"
	"chatrelay/cmd/internal/metrics"
	"chatrelay/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow backing resources (pool, redis client) to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory sink mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// App is the relay runtime: it owns HTTP server wiring and realtime dependencies.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	redis     redis.UniversalClient
	sinkKind  string
	durable   bool
	metrics   *metrics.Relay
	persister *realtime.Persister
	relay     *realtime.Server
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log, _ = NewLogger(cfg)
	}

	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}

	m := metrics.New()

	httpValidator, err := session.NewHTTPValidator(sessCfg, session.WithObserver(m.ObserveValidate))
	if err != nil {
		return nil, err
	}
	validator := session.NewCachingValidator(httpValidator, sessCfg.CacheSize, sessCfg.CacheTTL)

	sk, err := newSink(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	persister := realtime.NewPersister(log, sk.sink, m, realtime.PersisterConfig{
		QueueSize:  cfg.PersistQueueSize,
		Workers:    cfg.PersistWorkers,
		MaxElapsed: cfg.PersistMaxElapsed,
	})

	relay := realtime.NewServer(log, cfg.Realtime, validator, persister, m)

	return &App{
		cfg:       cfg,
		log:       log,
		store:     sk.store,
		dbPool:    sk.pool,
		redis:     sk.redis,
		sinkKind:  sk.kind,
		durable:   sk.kind != "memory",
		metrics:   m,
		persister: persister,
		relay:     relay,
	}, nil
}

// Handler returns the root HTTP handler with middleware applied.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a)
	return WithSecurityHeaders(WithRequestLogging(mux, a.log))
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
// On the way out it closes every WebSocket with a going-away status, drains
// the persister and releases the sink.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"ws_url", wsBaseURL(runtimeBaseURL(a.cfg.HTTPAddr))+"/rooms/{room_id}/ws",
		"sink", a.sinkKind,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()

		var errs []error

		// Hijacked WebSocket connections are invisible to http.Server.Shutdown.
		if err := a.relay.Shutdown(shutdownCtx); err != nil {
			a.log.Error("relay.shutdown.fail", "err", err)
			errs = append(errs, err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			errs = append(errs, err)
		}
		if err := a.persister.Close(shutdownCtx); err != nil {
			a.log.Error("persist.close.fail", "err", err)
		}
		if err := a.store.Close(shutdownCtx); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}

		a.log.Info("server.stopped")
		return errors.Join(errs...)
	})

	return g.Wait()
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

type sinkSetup struct {
	kind  string
	sink  realtime.EventSink
	store Store
	pool  *pgxpool.Pool
	redis redis.UniversalClient
}

// newSink picks the durable-storage collaborator: Postgres when a database
// URL is set, else a Redis stream when a Redis address is set, else memory.
func newSink(ctx context.Context, cfg Config, log Logger) (sinkSetup, error) {
	switch {
	case cfg.DatabaseURL != "":
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return sinkSetup{}, fmt.Errorf("postgres: %w", err)
		}

		// Ownership model:
		// - app owns pool lifecycle
		// - PostgresSink.Close() is a no-op
		sink, err := realtime.NewPostgresSink(pool, realtime.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return sinkSetup{}, err
		}
		log.Info("sink.enabled", "kind", "postgres", "schema", cfg.DBSchema)
		return sinkSetup{kind: "postgres", sink: sink, store: poolStore{pool: pool}, pool: pool}, nil

	case cfg.RedisAddr != "":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := PingRedis(ctx, client, 3*time.Second); err != nil {
			_ = client.Close()
			return sinkSetup{}, fmt.Errorf("redis: %w", err)
		}
		sink, err := realtime.NewRedisSink(client,
			realtime.WithStreamPrefix(cfg.RedisStreamPrefix),
			realtime.WithStreamMaxLen(int64(cfg.RedisStreamMaxLen)),
		)
		if err != nil {
			_ = client.Close()
			return sinkSetup{}, err
		}
		log.Info("sink.enabled", "kind", "redis", "stream_prefix", cfg.RedisStreamPrefix)
		return sinkSetup{kind: "redis", sink: sink, store: closerStore{c: client}, redis: client}, nil

	default:
		log.Info("sink.enabled", "kind", "memory")
		return sinkSetup{kind: "memory", sink: realtime.NewInMemorySink(), store: nopStore{}}, nil
	}
}

type poolStore struct {
	pool *pgxpool.Pool
}

func (s poolStore) Close(_ context.Context) error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

type closerStore struct {
	c io.Closer
}

func (s closerStore) Close(_ context.Context) error {
	return s.c.Close()
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + strings.TrimSpace(addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
