package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/tasksync/internal/bus"
	"github.com/basket/tasksync/internal/model"
)

type PendingStatus string

const (
	PendingStatusPending   PendingStatus = "pending"
	PendingStatusFailed    PendingStatus = "failed"
	PendingStatusCompleted PendingStatus = "completed"
)

// ErrStaleAction is returned when a pending action changed (or vanished)
// between being read and being advanced.
var ErrStaleAction = errors.New("pending action changed since it was read")

// ErrInvalidTransition is returned for status changes outside the action FSM.
var ErrInvalidTransition = errors.New("invalid pending action transition")

var allowedPendingTransitions = map[PendingStatus]map[PendingStatus]struct{}{
	PendingStatusPending: {
		PendingStatusCompleted: {},
		PendingStatusFailed:    {},
	},
	PendingStatusFailed: {
		PendingStatusPending: {}, // Bulk requeue only.
	},
}

func canTransition(from, to PendingStatus) bool {
	next, ok := allowedPendingTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

type PendingAction struct {
	ID         int64            `json:"id"`
	EntityType model.EntityType `json:"entity_type"`
	EntityID   int64            `json:"entity_id"`
	Kind       string           `json:"kind"`
	Payload    string           `json:"payload"`
	Status     PendingStatus    `json:"status"`
	RetryCount int              `json:"retry_count"`
	MaxRetries int              `json:"max_retries"`
	LastError  string           `json:"last_error,omitempty"`
	Revision   int64            `json:"revision"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// Retryable reports whether automatic drains may replay the action.
func (a PendingAction) Retryable() bool {
	return a.Status == PendingStatusPending && a.RetryCount < a.MaxRetries
}

// MergeFunc decides what replaces the outstanding action for a target. prior
// is nil when nothing is outstanding. Returning nil leaves the target with no
// outstanding action. Keeping prior.ID in the result preserves its queue position.
type MergeFunc func(prior *PendingAction, next PendingAction) *PendingAction

const pendingColumns = `id, entity_type, entity_id, kind, payload, status, retry_count, max_retries,
	last_error, revision, created_at, updated_at`

func scanPending(scanFn func(dest ...any) error, a *PendingAction) error {
	var entityType, status string
	if err := scanFn(&a.ID, &entityType, &a.EntityID, &a.Kind, &a.Payload, &status, &a.RetryCount,
		&a.MaxRetries, &a.LastError, &a.Revision, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return err
	}
	a.EntityType = model.EntityType(entityType)
	a.Status = PendingStatus(status)
	return nil
}

func (s *Store) publishQueue(a PendingAction, oldStatus, newStatus PendingStatus) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicQueueChanged, bus.QueueChangedEvent{
		ActionID:   a.ID,
		EntityType: string(a.EntityType),
		EntityID:   a.EntityID,
		Kind:       a.Kind,
		OldStatus:  string(oldStatus),
		NewStatus:  string(newStatus),
	})
}

// ReplacePendingForTarget removes the outstanding action for next's target and
// inserts merge(prior, next) in the same transaction.
func (s *Store) ReplacePendingForTarget(ctx context.Context, next PendingAction, merge MergeFunc) (*PendingAction, error) {
	if !next.EntityType.Valid() {
		return nil, fmt.Errorf("unknown entity type %q", next.EntityType)
	}
	if next.MaxRetries <= 0 {
		next.MaxRetries = 5
	}
	if next.Payload == "" {
		next.Payload = "{}"
	}

	var (
		prior  *PendingAction
		stored *PendingAction
	)
	err := s.withTx(ctx, "replace pending", func(tx *sql.Tx) error {
		prior, stored = nil, nil

		var existing PendingAction
		row := tx.QueryRowContext(ctx, `
			SELECT `+pendingColumns+` FROM pending_actions
			WHERE entity_type = ? AND entity_id = ? AND status IN ('pending', 'failed')
		`, string(next.EntityType), next.EntityID)
		switch err := scanPending(row.Scan, &existing); {
		case err == sql.ErrNoRows:
		case err != nil:
			return fmt.Errorf("read outstanding action: %w", err)
		default:
			prior = &existing
		}

		result := &next
		if merge != nil {
			result = merge(prior, next)
		}

		if prior != nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM pending_actions WHERE id = ?`, prior.ID); err != nil {
				return fmt.Errorf("delete outstanding action %d: %w", prior.ID, err)
			}
		}
		if result == nil {
			return nil
		}

		out := *result
		out.Status = PendingStatusPending
		out.RetryCount = 0
		out.LastError = ""
		if out.MaxRetries <= 0 {
			out.MaxRetries = next.MaxRetries
		}
		if prior != nil && out.ID == prior.ID {
			out.Revision = prior.Revision + 1
			out.CreatedAt = prior.CreatedAt
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO pending_actions (id, entity_type, entity_id, kind, payload, status, retry_count, max_retries, last_error, revision, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, 0, ?, '', ?, ?, CURRENT_TIMESTAMP)
			`, out.ID, string(out.EntityType), out.EntityID, out.Kind, out.Payload, string(out.Status),
				out.MaxRetries, out.Revision, out.CreatedAt); err != nil {
				return fmt.Errorf("reinsert action %d: %w", out.ID, err)
			}
		} else {
			out.Revision = 1
			res, err := tx.ExecContext(ctx, `
				INSERT INTO pending_actions (entity_type, entity_id, kind, payload, status, retry_count, max_retries, last_error, revision)
				VALUES (?, ?, ?, ?, ?, 0, ?, '', 1)
			`, string(out.EntityType), out.EntityID, out.Kind, out.Payload, string(out.Status), out.MaxRetries)
			if err != nil {
				return fmt.Errorf("insert pending action: %w", err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("pending action id: %w", err)
			}
			out.ID = id
		}
		row = tx.QueryRowContext(ctx, `SELECT `+pendingColumns+` FROM pending_actions WHERE id = ?`, out.ID)
		if err := scanPending(row.Scan, &out); err != nil {
			return fmt.Errorf("reload pending action %d: %w", out.ID, err)
		}
		stored = &out
		return nil
	})
	if err != nil {
		return nil, err
	}
	if prior != nil && (stored == nil || stored.ID != prior.ID) {
		s.publishQueue(*prior, prior.Status, "")
	}
	if stored != nil {
		s.publishQueue(*stored, "", stored.Status)
	}
	return stored, nil
}

// AdvancePending moves a to status to, checking a.Revision so that an action
// replaced mid-replay is not advanced on its successor's behalf. With
// incrementRetry a pending action that reaches its retry budget becomes failed.
func (s *Store) AdvancePending(ctx context.Context, a PendingAction, to PendingStatus, incrementRetry bool, lastErr string) (PendingAction, error) {
	var (
		out  PendingAction
		from PendingStatus
	)
	err := s.withTx(ctx, "advance pending", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+pendingColumns+` FROM pending_actions WHERE id = ?`, a.ID)
		if err := scanPending(row.Scan, &out); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("action %d: %w", a.ID, ErrStaleAction)
			}
			return fmt.Errorf("read action %d: %w", a.ID, err)
		}
		if a.Revision != 0 && out.Revision != a.Revision {
			return fmt.Errorf("action %d revision %d != %d: %w", a.ID, out.Revision, a.Revision, ErrStaleAction)
		}
		from = out.Status

		retries := out.RetryCount
		if incrementRetry {
			retries++
		}
		target := to
		if target == PendingStatusPending && from == PendingStatusPending {
			// Retry bookkeeping without a status change.
			if retries >= out.MaxRetries {
				target = PendingStatusFailed
			}
		} else if !canTransition(from, target) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, target)
		}
		if target == PendingStatusFailed && retries < out.MaxRetries && !incrementRetry {
			retries = out.MaxRetries
		}
		if from == PendingStatusFailed && target == PendingStatusPending {
			retries = 0
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE pending_actions
			SET status = ?, retry_count = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, string(target), retries, lastErr, a.ID); err != nil {
			return fmt.Errorf("advance action %d: %w", a.ID, err)
		}
		out.Status = target
		out.RetryCount = retries
		out.LastError = lastErr
		return nil
	})
	if err != nil {
		return out, err
	}
	if from != out.Status {
		s.publishQueue(out, from, out.Status)
	}
	return out, nil
}

func (s *Store) listPending(ctx context.Context, where string, args ...any) ([]PendingAction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+pendingColumns+` FROM pending_actions WHERE `+where+` ORDER BY id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending actions: %w", err)
	}
	defer rows.Close()
	out := make([]PendingAction, 0)
	for rows.Next() {
		var a PendingAction
		if err := scanPending(rows.Scan, &a); err != nil {
			return nil, fmt.Errorf("scan pending action: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pending action rows: %w", err)
	}
	return out, nil
}

// ListPendingActions returns actions with the given status in creation order.
func (s *Store) ListPendingActions(ctx context.Context, status PendingStatus) ([]PendingAction, error) {
	return s.listPending(ctx, `status = ?`, string(status))
}

// ListRetryableActions returns pending actions that still have retry budget, in creation order.
func (s *Store) ListRetryableActions(ctx context.Context) ([]PendingAction, error) {
	return s.listPending(ctx, `status = 'pending' AND retry_count < max_retries`)
}

func (s *Store) GetPendingAction(ctx context.Context, id int64) (PendingAction, error) {
	var a PendingAction
	row := s.db.QueryRowContext(ctx, `SELECT `+pendingColumns+` FROM pending_actions WHERE id = ?`, id)
	if err := scanPending(row.Scan, &a); err != nil {
		if err == sql.ErrNoRows {
			return a, fmt.Errorf("action %d: %w", id, ErrNotFound)
		}
		return a, fmt.Errorf("get action %d: %w", id, err)
	}
	return a, nil
}

// OutstandingTargets returns the ids of entities of one kind that have a
// pending or failed action, i.e. local edits the server has not confirmed.
func (s *Store) OutstandingTargets(ctx context.Context, entity model.EntityType) (map[int64]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id FROM pending_actions
		WHERE entity_type = ? AND status IN ('pending', 'failed')
	`, string(entity))
	if err != nil {
		return nil, fmt.Errorf("list outstanding targets: %w", err)
	}
	defer rows.Close()
	out := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan outstanding target: %w", err)
		}
		out[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outstanding target rows: %w", err)
	}
	return out, nil
}

// RequeueFailed moves every failed action back to pending with a fresh retry budget.
func (s *Store) RequeueFailed(ctx context.Context) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE pending_actions
			SET status = 'pending', retry_count = 0, last_error = '', updated_at = CURRENT_TIMESTAMP
			WHERE status = 'failed'
		`)
		if err != nil {
			return fmt.Errorf("requeue failed actions: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.publishQueue(PendingAction{}, PendingStatusFailed, PendingStatusPending)
	}
	return n, nil
}

// PurgePending deletes every action in a terminal-for-now status.
func (s *Store) PurgePending(ctx context.Context, status PendingStatus) (int64, error) {
	if status == PendingStatusPending {
		return 0, fmt.Errorf("refusing to purge %s actions", status)
	}
	var n int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM pending_actions WHERE status = ?`, string(status))
		if err != nil {
			return fmt.Errorf("purge %s actions: %w", status, err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.publishQueue(PendingAction{}, status, "")
	}
	return n, nil
}

// PendingCounts returns the number of actions per status.
func (s *Store) PendingCounts(ctx context.Context) (map[PendingStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM pending_actions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count pending actions: %w", err)
	}
	defer rows.Close()
	out := map[PendingStatus]int{
		PendingStatusPending:   0,
		PendingStatusFailed:    0,
		PendingStatusCompleted: 0,
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan pending count: %w", err)
		}
		out[PendingStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pending count rows: %w", err)
	}
	return out, nil
}
