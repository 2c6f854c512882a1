package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/basket/tasksync/internal/auth"
	"github.com/basket/tasksync/internal/bus"
	"github.com/basket/tasksync/internal/cache"
	"github.com/basket/tasksync/internal/config"
	"github.com/basket/tasksync/internal/credentials"
	otelPkg "github.com/basket/tasksync/internal/otel"
	"github.com/basket/tasksync/internal/persistence"
	"github.com/basket/tasksync/internal/queue"
	"github.com/basket/tasksync/internal/remote"
	"github.com/basket/tasksync/internal/syncer"
	"github.com/basket/tasksync/internal/telemetry"
	"github.com/basket/tasksync/internal/transport"
)

// app is the wired runtime shared by every subcommand.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	sink   *telemetry.Sink
	otel   *otelPkg.Provider

	store  *persistence.Store
	bus    *bus.Bus
	creds  *credentials.Store
	client *transport.Client
	api    *remote.API
	coord  *auth.Coordinator
	cache  *cache.Cache
	queue  *queue.Queue
	sync   *syncer.Syncer

	closers []io.Closer
}

// openApp loads config and wires the stack. quiet keeps logs in the rotated
// file only so command output stays readable.
func openApp(ctx context.Context, quiet bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg}

	logger, sink, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet, telemetry.Rotation{
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a.closers = append(a.closers, sink)
	slog.SetDefault(logger)
	a.logger, a.sink = logger, sink

	provider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init otel: %w", err)
	}
	a.otel = provider
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	a.bus = bus.New()
	store, err := persistence.Open(cfg.DBPath, a.bus)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store)

	a.creds = credentials.New(store, logger)
	if _, err := a.creds.Load(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	a.client = transport.NewClient(transport.ClientConfig{
		Timeout:     cfg.RequestTimeout(),
		Endpoint:    transport.NewEndpoint(cfg.ServerURL),
		Credentials: a.creds,
		Logger:      logger,
		Tracer:      provider.Tracer,
		Metrics:     metrics,
	})
	a.api = remote.New(a.client, cfg.PageSize)
	a.coord = auth.NewCoordinator(auth.Config{
		Credentials: a.creds,
		Renewer:     a.api,
		Bus:         a.bus,
		Logger:      logger,
		Metrics:     metrics,
	})
	a.client.UseAuthorizer(a.coord)

	a.cache = cache.New(store, a.bus, logger)
	a.queue = queue.New(store, cfg.MaxRetries, logger)
	a.sync = syncer.New(syncer.Config{
		Remote:       a.api,
		Cache:        a.cache,
		Queue:        a.queue,
		KV:           store,
		Bus:          a.bus,
		Logger:       logger,
		Tracer:       provider.Tracer,
		Metrics:      metrics,
		DrainOnWrite: cfg.DrainOnWrite,
	})
	return a, nil
}

// Close waits for background drains, then releases resources in reverse order.
func (a *app) Close() {
	if a.sync != nil {
		a.sync.Wait()
	}
	if a.otel != nil {
		if err := a.otel.Shutdown(context.Background()); err != nil && a.logger != nil {
			a.logger.Warn("otel shutdown failed", "error", err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
}

// requireLogin fails fast when no server or credential is configured.
func (a *app) requireLogin() error {
	if !a.client.Endpoint().Configured() {
		return errors.New("no server configured: run `tasksync login --server <url>` first")
	}
	if a.creds.Current() == (credentials.Credential{}) {
		return errors.New("not logged in: run `tasksync login` first")
	}
	return nil
}

// describe renders a sync error the way the user should act on it.
func describe(err error) string {
	var terr *transport.Error
	if !errors.As(err, &terr) {
		return err.Error()
	}
	switch {
	case terr.ReAuthRequired():
		return "session expired: run `tasksync login` again"
	case terr.Kind == transport.KindNetwork:
		return "server unreachable; changes stay queued until the next refresh"
	default:
		return terr.Error()
	}
}
