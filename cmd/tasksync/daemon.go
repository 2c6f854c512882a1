package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basket/tasksync/internal/bus"
	"github.com/basket/tasksync/internal/config"
	"github.com/basket/tasksync/internal/scheduler"
)

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Refresh on the configured schedule until interrupted",
		Long: `Run background refresh cycles on refresh_schedule. Edits to config.yaml
are picked up without a restart: a new server_url is used for the next
request and a new refresh_schedule for the next tick.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.requireLogin(); err != nil {
					return err
				}
				return runDaemon(ctx, a)
			})
		},
	}
}

func runDaemon(ctx context.Context, a *app) error {
	logger := a.logger.With("component", "daemon")

	sched, err := scheduler.New(scheduler.Config{
		Refresher: a.sync,
		KV:        a.store,
		Logger:    a.logger,
		Schedule:  a.cfg.RefreshSchedule,
	})
	if err != nil {
		return err
	}

	watcher := config.NewWatcher(a.cfg.HomeDir, a.logger)
	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("watch config: %w", err)
	}

	events := a.bus.Subscribe("")
	defer a.bus.Unsubscribe(events)

	reloads := watcher.Events()
	sched.Start(ctx)
	defer sched.Stop()
	logger.Info("daemon started", "server", a.client.Endpoint().Base(), "schedule", a.cfg.RefreshSchedule)

	for {
		select {
		case <-ctx.Done():
			logger.Info("daemon stopping")
			return nil
		case ev, ok := <-reloads:
			if !ok {
				reloads = nil
				continue
			}
			reloadConfig(a, sched, ev)
		case ev := <-events.Ch():
			logEvent(a, ev)
		}
	}
}

func reloadConfig(a *app, sched *scheduler.Scheduler, ev config.ReloadEvent) {
	if ev.Err != nil {
		a.logger.Warn("config reload rejected", "path", ev.Path, "error", ev.Err)
		return
	}
	cfg := ev.Config
	if cfg.ServerURL != a.cfg.ServerURL {
		a.client.Endpoint().Set(cfg.ServerURL)
		a.logger.Info("server changed", "server", cfg.ServerURL)
	}
	if cfg.LogLevel != a.cfg.LogLevel {
		a.sink.SetLevel(cfg.LogLevel)
		a.logger.Info("log level changed", "level", cfg.LogLevel)
	}
	if cfg.RefreshSchedule != a.cfg.RefreshSchedule {
		if err := sched.SetSchedule(cfg.RefreshSchedule); err != nil {
			a.logger.Warn("schedule reload rejected", "error", err)
			cfg.RefreshSchedule = a.cfg.RefreshSchedule
		}
	}
	a.cfg = cfg
}

func logEvent(a *app, ev bus.Event) {
	switch p := ev.Payload.(type) {
	case bus.AuthStateChangedEvent:
		a.logger.Info("auth state changed", "state", p.State, "reason", p.Reason)
	case bus.CycleFinishedEvent:
		a.logger.Debug("cycle finished", "cycle_id", p.CycleID, "scope", p.Scope, "error_kind", p.ErrorKind)
	}
}
