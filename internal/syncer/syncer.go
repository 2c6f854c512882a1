// Package syncer drives refresh cycles: fetch server state, reconcile it into
// the local cache, then replay queued local mutations. It also owns the
// optimistic write operations the UI layer calls.
package syncer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/tasksync/internal/bus"
	"github.com/basket/tasksync/internal/cache"
	"github.com/basket/tasksync/internal/model"
	tsotel "github.com/basket/tasksync/internal/otel"
	"github.com/basket/tasksync/internal/queue"
	"github.com/basket/tasksync/internal/remote"
	"github.com/basket/tasksync/internal/shared"
	"github.com/basket/tasksync/internal/transport"
)

const DefaultScope = "default"

// Remote is the part of the task service the orchestrator talks to.
type Remote interface {
	ListTasks(ctx context.Context, f remote.TaskFilter) ([]model.Task, error)
	CreateTask(ctx context.Context, t model.Task) (model.Task, error)
	UpdateTask(ctx context.Context, t model.Task) (model.Task, error)
	DeleteTask(ctx context.Context, id int64) error
	MoveTask(ctx context.Context, id int64, position float64) error

	ListProjects(ctx context.Context) ([]model.Project, error)
	CreateProject(ctx context.Context, p model.Project) (model.Project, error)
	UpdateProject(ctx context.Context, p model.Project) (model.Project, error)
	DeleteProject(ctx context.Context, id int64) error

	ListLabels(ctx context.Context) ([]model.Label, error)
	CreateLabel(ctx context.Context, l model.Label) (model.Label, error)
	UpdateLabel(ctx context.Context, l model.Label) (model.Label, error)
	DeleteLabel(ctx context.Context, id int64) error

	ListAttachments(ctx context.Context, taskID int64) ([]model.Attachment, error)
	DeleteAttachment(ctx context.Context, taskID, attachmentID int64) error
}

// KV persists small pieces of orchestrator state.
type KV interface {
	KVGet(ctx context.Context, key string) (string, error)
	KVSet(ctx context.Context, key, val string) error
}

type Config struct {
	Remote       Remote
	Cache        *cache.Cache
	Queue        *queue.Queue
	KV           KV
	Bus          *bus.Bus
	Logger       *slog.Logger
	Tracer       trace.Tracer
	Metrics      *tsotel.Metrics
	DrainOnWrite bool
}

// RefreshRequest describes one refresh cycle.
type RefreshRequest struct {
	// Scope groups requests that supersede each other, e.g. "search" for
	// search-as-you-type. Empty means DefaultScope.
	Scope  string
	Filter remote.TaskFilter
	// Metadata also refreshes projects and labels.
	Metadata bool
	// FullReplace removes cached entities the server no longer returns. It
	// only applies to unfiltered refreshes.
	FullReplace bool
}

// Result is the outcome of a refresh or drain. Err is nil on success.
type Result struct {
	CycleID    string
	Scope      string
	Fetched    int
	Removed    int
	Replayed   int
	Failed     int
	Superseded bool
	Err        *transport.Error
}

func (r Result) OK() bool { return r.Err == nil && !r.Superseded }

type scopeClaim struct {
	gen    uint64
	cancel context.CancelFunc
}

type Syncer struct {
	remote       Remote
	cache        *cache.Cache
	queue        *queue.Queue
	kv           KV
	bus          *bus.Bus
	logger       *slog.Logger
	tracer       trace.Tracer
	metrics      *tsotel.Metrics
	drainOnWrite bool

	// cycle serializes fetch+reconcile+drain across every scope.
	cycle chan struct{}

	scopeMu sync.Mutex
	scopes  map[string]scopeClaim
	gen     uint64

	provMu sync.Mutex

	kick chan struct{}
	bg   sync.WaitGroup
}

func New(cfg Config) *Syncer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = tsotel.NoopTracer()
	}
	return &Syncer{
		remote:       cfg.Remote,
		cache:        cfg.Cache,
		queue:        cfg.Queue,
		kv:           cfg.KV,
		bus:          cfg.Bus,
		logger:       logger.With("component", "syncer"),
		tracer:       tracer,
		metrics:      cfg.Metrics,
		drainOnWrite: cfg.DrainOnWrite,
		cycle:        make(chan struct{}, 1),
		scopes:       make(map[string]scopeClaim),
		kick:         make(chan struct{}, 1),
	}
}

func (s *Syncer) acquireCycle(ctx context.Context) error {
	select {
	case s.cycle <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Syncer) releaseCycle() { <-s.cycle }

// claimScope cancels the in-flight refresh of scope, if any, and registers a
// new one. The returned release must be called when the refresh returns.
func (s *Syncer) claimScope(ctx context.Context, scope string) (context.Context, uint64, func()) {
	ctx, cancel := context.WithCancel(ctx)
	s.scopeMu.Lock()
	if prev, ok := s.scopes[scope]; ok {
		prev.cancel()
	}
	s.gen++
	gen := s.gen
	s.scopes[scope] = scopeClaim{gen: gen, cancel: cancel}
	s.scopeMu.Unlock()

	return ctx, gen, func() {
		s.scopeMu.Lock()
		if cur, ok := s.scopes[scope]; ok && cur.gen == gen {
			delete(s.scopes, scope)
		}
		s.scopeMu.Unlock()
		cancel()
	}
}

func (s *Syncer) current(scope string, gen uint64) bool {
	s.scopeMu.Lock()
	defer s.scopeMu.Unlock()
	cur, ok := s.scopes[scope]
	return ok && cur.gen == gen
}

// Refresh runs one cycle. It never returns a raw error: failures are in
// Result.Err. A later request for the same scope supersedes this one, whose
// fetched results are then discarded.
func (s *Syncer) Refresh(ctx context.Context, req RefreshRequest) Result {
	scope := req.Scope
	if scope == "" {
		scope = DefaultScope
	}
	res := Result{CycleID: shared.NewCycleID(), Scope: scope}
	ctx = shared.WithScope(shared.WithCycleID(ctx, res.CycleID), scope)
	ctx, span := tsotel.StartSpan(ctx, s.tracer, "sync.refresh",
		tsotel.AttrScope.String(scope),
		tsotel.AttrCycleID.String(res.CycleID),
	)
	defer span.End()
	start := time.Now()

	cctx, gen, release := s.claimScope(ctx, scope)
	s.refresh(ctx, cctx, gen, req, &res)
	release()

	outcome := "ok"
	switch {
	case res.Superseded:
		outcome = "superseded"
	case res.Err != nil:
		outcome = string(res.Err.Kind)
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, outcome)
		span.SetAttributes(tsotel.AttrErrorKind.String(outcome))
	}
	if s.metrics != nil {
		s.metrics.RefreshDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(tsotel.AttrScope.String(scope), tsotel.AttrOutcome.String(outcome)))
	}
	s.publishCycle(res)
	s.logger.Info("refresh finished",
		"cycle_id", res.CycleID, "scope", scope, "outcome", outcome,
		"fetched", res.Fetched, "removed", res.Removed, "replayed", res.Replayed, "failed", res.Failed,
		"duration_ms", time.Since(start).Milliseconds())
	return res
}

// refresh runs one cycle. ctx is cancelled by a newer request for the same
// scope, which only discards this cycle's fetch. The drain runs on parent so
// writes in flight are never cut off by a supersede.
func (s *Syncer) refresh(parent, ctx context.Context, gen uint64, req RefreshRequest, res *Result) {
	superseded := func() bool { return !s.current(res.Scope, gen) }

	if err := s.acquireCycle(ctx); err != nil {
		if superseded() {
			res.Superseded = true
			return
		}
		res.Err = transport.AsError("sync.refresh", err)
		return
	}
	defer s.releaseCycle()
	if superseded() {
		res.Superseded = true
		return
	}

	if err := s.dropProvisionalDone(ctx); err != nil {
		if superseded() {
			res.Superseded = true
			return
		}
		res.Err = transport.LocalStore("sync.provisional", err)
		return
	}

	fetched, err := s.fetch(ctx, req)
	if superseded() {
		res.Superseded = true
		return
	}
	if err != nil {
		res.Err = transport.AsError("sync.fetch", err)
		s.logger.Warn("fetch failed", "cycle_id", res.CycleID, "error", res.Err)
		if res.Err.Kind == transport.KindNetwork || res.Err.ReAuthRequired() {
			return
		}
	} else {
		res.Fetched = fetched.count()
		// Once started, a reconcile is applied whole.
		removed, err := s.reconcile(context.WithoutCancel(ctx), req, fetched)
		if err != nil {
			res.Err = transport.LocalStore("sync.reconcile", err)
			s.logger.Error("reconcile failed", "cycle_id", res.CycleID, "error", err)
			return
		}
		res.Removed = removed
	}

	replayed, failed, derr := s.drainLocked(parent)
	res.Replayed, res.Failed = replayed, failed
	if derr != nil && res.Err == nil {
		res.Err = derr
	}
}

// Drain replays queued actions outside a refresh cycle.
func (s *Syncer) Drain(ctx context.Context) Result {
	res := Result{CycleID: shared.NewCycleID(), Scope: "drain"}
	ctx = shared.WithCycleID(ctx, res.CycleID)
	ctx, span := tsotel.StartSpan(ctx, s.tracer, "sync.drain", tsotel.AttrCycleID.String(res.CycleID))
	defer span.End()

	if err := s.acquireCycle(ctx); err != nil {
		res.Err = transport.AsError("sync.drain", err)
		return res
	}
	res.Replayed, res.Failed, res.Err = s.drainLocked(ctx)
	s.releaseCycle()
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, string(res.Err.Kind))
	}
	s.publishCycle(res)
	return res
}

// kickDrain starts a background drain after a local write. At most one kick
// waits for the cycle lock at a time; it sees every action enqueued before it
// gets the lock.
func (s *Syncer) kickDrain(ctx context.Context) {
	if !s.drainOnWrite {
		return
	}
	select {
	case s.kick <- struct{}{}:
	default:
		return
	}
	ctx = context.WithoutCancel(ctx)
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if err := s.acquireCycle(ctx); err != nil {
			<-s.kick
			return
		}
		<-s.kick
		replayed, failed, err := s.drainLocked(ctx)
		s.releaseCycle()
		if err != nil {
			s.logger.Info("background drain stopped", "replayed", replayed, "failed", failed, "error", err)
		}
	}()
}

// Wait blocks until background drains started by local writes finish.
func (s *Syncer) Wait() { s.bg.Wait() }

func (s *Syncer) publishCycle(res Result) {
	ev := bus.CycleFinishedEvent{
		CycleID:    res.CycleID,
		Scope:      res.Scope,
		Fetched:    res.Fetched,
		Replayed:   res.Replayed,
		Failed:     res.Failed,
		Superseded: res.Superseded,
	}
	if res.Err != nil {
		ev.ErrorKind = string(res.Err.Kind)
	}
	s.bus.Publish(bus.TopicCycleFinished, ev)
}

func (s *Syncer) countReplay(ctx context.Context, a queue.Action, outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueueReplayed.Add(ctx, 1, metric.WithAttributes(
		tsotel.AttrActionKind.String(string(a.Kind)),
		tsotel.AttrEntityType.String(string(a.EntityType)),
		attribute.String("result", outcome),
	))
}

func unfiltered(f remote.TaskFilter) bool {
	return f.Search == "" && f.ProjectID == 0 && f.Done == nil &&
		f.DueBefore == nil && f.DueAfter == nil && f.MaxPages == 0
}
