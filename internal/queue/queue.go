package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/basket/tasksync/internal/model"
	"github.com/basket/tasksync/internal/persistence"
)

const DefaultMaxRetries = 5

type Queue struct {
	store      *persistence.Store
	maxRetries int
	logger     *slog.Logger
}

func New(store *persistence.Store, maxRetries int, logger *slog.Logger) *Queue {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{store: store, maxRetries: maxRetries, logger: logger.With("component", "queue")}
}

// Enqueue stores a, replacing whatever is outstanding for the same target in
// one transaction. It returns nil when a cancelled out the prior action
// (a delete of an entity whose create never reached the server).
func (q *Queue) Enqueue(ctx context.Context, a Action) (*Action, error) {
	if a.MaxRetries <= 0 {
		a.MaxRetries = q.maxRetries
	}
	row := a.row()
	row.ID = 0
	stored, err := q.store.ReplacePendingForTarget(ctx, row, coalesce)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s %s %d: %w", a.Kind, a.EntityType, a.EntityID, err)
	}
	if stored == nil {
		q.logger.Debug("action cancelled out", "entity", a.EntityType, "entity_id", a.EntityID, "kind", a.Kind)
		return nil, nil
	}
	out := fromRow(*stored)
	q.logger.Debug("action enqueued", "action_id", out.ID, "entity", out.EntityType, "entity_id", out.EntityID, "kind", out.Kind, "revision", out.Revision)
	return &out, nil
}

// coalesce merges next into the outstanding action for its target.
//
//	create   + update|position -> create with the newest state, same queue slot
//	create   + delete          -> nothing
//	update   + position        -> update with the position overlaid
//	anything + anything else   -> next
func coalesce(prior *persistence.PendingAction, next persistence.PendingAction) *persistence.PendingAction {
	if prior == nil {
		return &next
	}
	priorKind, nextKind := Kind(prior.Kind), Kind(next.Kind)
	switch {
	case priorKind == KindCreate && nextKind == KindDelete:
		return nil
	case priorKind == KindCreate && nextKind == KindUpdate:
		merged := next
		merged.ID = prior.ID
		merged.Kind = string(KindCreate)
		return &merged
	case priorKind == KindCreate && nextKind == KindPosition:
		payload, err := overlayPosition(prior.Payload, next.Payload)
		if err != nil {
			return &next
		}
		merged := *prior
		merged.Payload = payload
		return &merged
	case priorKind == KindUpdate && nextKind == KindPosition:
		payload, err := overlayPosition(prior.Payload, next.Payload)
		if err != nil {
			return &next
		}
		merged := next
		merged.Kind = string(KindUpdate)
		merged.Payload = payload
		return &merged
	}
	return &next
}

func overlayPosition(entityPayload, positionPayload string) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(entityPayload), &fields); err != nil {
		return "", err
	}
	var pos Position
	if err := json.Unmarshal([]byte(positionPayload), &pos); err != nil {
		return "", err
	}
	raw, err := json.Marshal(pos.Position)
	if err != nil {
		return "", err
	}
	fields["position"] = raw
	out, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func fromRows(rows []persistence.PendingAction) []Action {
	out := make([]Action, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromRow(r))
	}
	return out
}

// ListPending returns pending actions in creation order.
func (q *Queue) ListPending(ctx context.Context) ([]Action, error) {
	rows, err := q.store.ListPendingActions(ctx, StatusPending)
	if err != nil {
		return nil, err
	}
	return fromRows(rows), nil
}

// ListRetryable returns the actions an automatic drain may replay, in creation order.
func (q *Queue) ListRetryable(ctx context.Context) ([]Action, error) {
	rows, err := q.store.ListRetryableActions(ctx)
	if err != nil {
		return nil, err
	}
	return fromRows(rows), nil
}

func (q *Queue) ListFailed(ctx context.Context) ([]Action, error) {
	rows, err := q.store.ListPendingActions(ctx, StatusFailed)
	if err != nil {
		return nil, err
	}
	return fromRows(rows), nil
}

func (q *Queue) Get(ctx context.Context, id int64) (Action, error) {
	row, err := q.store.GetPendingAction(ctx, id)
	if err != nil {
		return Action{}, err
	}
	return fromRow(row), nil
}

// Advance moves a to status to. It fails with persistence.ErrStaleAction when
// a was replaced or removed after it was read.
func (q *Queue) Advance(ctx context.Context, a Action, to Status, incrementRetry bool, lastErr string) (Action, error) {
	row, err := q.store.AdvancePending(ctx, a.row(), to, incrementRetry, lastErr)
	if err != nil {
		return a, err
	}
	return fromRow(row), nil
}

func (q *Queue) MarkCompleted(ctx context.Context, a Action) (Action, error) {
	return q.Advance(ctx, a, StatusCompleted, false, "")
}

// RecordFailure charges one retry against a. The action becomes failed once its
// retry budget is spent.
func (q *Queue) RecordFailure(ctx context.Context, a Action, cause error) (Action, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	out, err := q.Advance(ctx, a, StatusPending, true, msg)
	if err != nil {
		return out, err
	}
	if out.Status == StatusFailed {
		q.logger.Warn("action failed permanently", "action_id", out.ID, "entity", out.EntityType, "entity_id", out.EntityID, "kind", out.Kind, "retries", out.RetryCount, "error", msg)
	}
	return out, nil
}

// RequeueFailed returns every failed action to pending with a fresh retry budget.
func (q *Queue) RequeueFailed(ctx context.Context) (int64, error) {
	return q.store.RequeueFailed(ctx)
}

func (q *Queue) PurgeCompleted(ctx context.Context) (int64, error) {
	return q.store.PurgePending(ctx, StatusCompleted)
}

func (q *Queue) PurgeFailed(ctx context.Context) (int64, error) {
	return q.store.PurgePending(ctx, StatusFailed)
}

type Stats struct {
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
	Completed int `json:"completed"`
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	counts, err := q.store.PendingCounts(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Pending:   counts[StatusPending],
		Failed:    counts[StatusFailed],
		Completed: counts[StatusCompleted],
	}, nil
}

// OutstandingTargets returns the ids of entities of one kind with a pending
// or failed action.
func (q *Queue) OutstandingTargets(ctx context.Context, entity model.EntityType) (map[int64]struct{}, error) {
	return q.store.OutstandingTargets(ctx, entity)
}
