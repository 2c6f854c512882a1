// Package scheduler runs background refresh cycles on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/tasksync/internal/syncer"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Scope is the refresh scope used for scheduled cycles.
const Scope = "background"

// nextRunKey holds the next due time so a restarted daemon does not refresh
// early or skip a missed run.
const nextRunKey = "scheduler.next_run_at"

type Refresher interface {
	Refresh(ctx context.Context, req syncer.RefreshRequest) syncer.Result
}

// KV persists the next run time across restarts.
type KV interface {
	KVGet(ctx context.Context, key string) (string, error)
	KVSet(ctx context.Context, key, val string) error
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Refresher Refresher
	KV        KV
	Logger    *slog.Logger
	Schedule  string
	Interval  time.Duration // tick interval; defaults to 1 minute if zero
	Now       func() time.Time
}

// Scheduler checks at a fixed interval whether the refresh schedule is due
// and runs one background refresh when it is.
type Scheduler struct {
	refresher Refresher
	kv        KV
	logger    *slog.Logger
	interval  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	schedule cronlib.Schedule
	expr     string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler. It fails when cfg.Schedule does not parse.
func New(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{
		refresher: cfg.Refresher,
		kv:        cfg.KV,
		logger:    logger.With("component", "scheduler"),
		interval:  interval,
		now:       now,
	}
	if err := s.SetSchedule(cfg.Schedule); err != nil {
		return nil, err
	}
	return s, nil
}

// SetSchedule swaps the cron expression. The next run is recomputed on the
// following tick.
func (s *Scheduler) SetSchedule(expr string) error {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return fmt.Errorf("parse schedule %q: %w", expr, err)
	}
	s.mu.Lock()
	changed := s.expr != "" && s.expr != expr
	s.schedule, s.expr = sched, expr
	s.mu.Unlock()
	if changed && s.kv != nil {
		if err := s.kv.KVSet(context.Background(), nextRunKey, ""); err != nil {
			s.logger.Warn("reset next run failed", "error", err)
		}
		s.logger.Info("refresh schedule changed", "schedule", expr)
	}
	return nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval, "schedule", s.expr)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	next, err := s.nextRun(ctx, now)
	if err != nil {
		s.logger.Error("load next run failed", "error", err)
		return
	}
	if now.Before(next) {
		return
	}
	s.fire(ctx, now)
}

// nextRun returns the stored due time, seeding it from the schedule when
// nothing is stored yet.
func (s *Scheduler) nextRun(ctx context.Context, now time.Time) (time.Time, error) {
	if s.kv != nil {
		raw, err := s.kv.KVGet(ctx, nextRunKey)
		if err != nil {
			return time.Time{}, err
		}
		if raw != "" {
			return time.Parse(time.RFC3339, raw)
		}
	}
	s.mu.Lock()
	next := s.schedule.Next(now)
	s.mu.Unlock()
	// A fresh daemon refreshes once right away.
	if err := s.store(ctx, next); err != nil {
		return time.Time{}, err
	}
	return now, nil
}

func (s *Scheduler) store(ctx context.Context, next time.Time) error {
	if s.kv == nil {
		return nil
	}
	return s.kv.KVSet(ctx, nextRunKey, next.UTC().Format(time.RFC3339))
}

func (s *Scheduler) fire(ctx context.Context, now time.Time) {
	s.mu.Lock()
	next := s.schedule.Next(now)
	s.mu.Unlock()
	if err := s.store(ctx, next); err != nil {
		s.logger.Error("store next run failed", "error", err)
		return
	}

	res := s.refresher.Refresh(ctx, syncer.RefreshRequest{Scope: Scope, Metadata: true})
	attrs := []any{"cycle_id", res.CycleID, "fetched", res.Fetched, "replayed", res.Replayed, "next_run_at", next}
	switch {
	case res.Superseded:
		s.logger.Info("scheduled refresh superseded", attrs...)
	case res.Err != nil:
		s.logger.Warn("scheduled refresh failed", append(attrs, "error", res.Err)...)
	default:
		s.logger.Info("scheduled refresh done", attrs...)
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
