package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/tasksync/internal/model"
	"github.com/basket/tasksync/internal/persistence"
	"github.com/basket/tasksync/internal/queue"
	"github.com/basket/tasksync/internal/transport"
)

// ErrNotCached is returned by operations on an entity the cache does not hold.
var ErrNotCached = errors.New("entity not in local cache")

func (s *Syncer) enqueue(ctx context.Context, op string, build func() (queue.Action, error)) error {
	a, err := build()
	if err != nil {
		return transport.LocalStore(op, err)
	}
	if _, err := s.queue.Enqueue(ctx, a); err != nil {
		s.logger.Error("enqueue failed", "op", op, "error", err)
		return transport.LocalStore(op, err)
	}
	s.kickDrain(ctx)
	return nil
}

func cacheError(op string, err error) error {
	if errors.Is(err, persistence.ErrNotFound) {
		return transport.LocalStore(op, fmt.Errorf("%w: %v", ErrNotCached, err))
	}
	return transport.LocalStore(op, err)
}

func now() time.Time { return time.Now().UTC().Truncate(time.Second) }

// CreateTask stores t under a temporary id and queues its creation.
func (s *Syncer) CreateTask(ctx context.Context, t model.Task) (model.Task, error) {
	const op = "task.create"
	if strings.TrimSpace(t.Title) == "" {
		return t, &transport.Error{Kind: transport.KindServerRejection, Op: op, Message: "title is required"}
	}
	id, err := s.cache.NewTempID(ctx)
	if err != nil {
		return t, transport.LocalStore(op, err)
	}
	t.ID = id
	t.Created, t.Updated = now(), now()
	if err := s.cache.UpsertTask(ctx, t); err != nil {
		return t, transport.LocalStore(op, err)
	}
	return t, s.enqueue(ctx, op, func() (queue.Action, error) { return queue.CreateTask(t) })
}

func (s *Syncer) UpdateTask(ctx context.Context, t model.Task) (model.Task, error) {
	const op = "task.update"
	prev, err := s.cache.GetTask(ctx, t.ID)
	if err != nil {
		return t, cacheError(op, err)
	}
	t.Created = prev.Created
	t.Updated = now()
	if err := s.cache.UpsertTask(ctx, t); err != nil {
		return t, transport.LocalStore(op, err)
	}
	if prev.Done != t.Done {
		if err := s.markProvisional(ctx, t.ID, t.Done); err != nil {
			return t, transport.LocalStore(op, err)
		}
	}
	return t, s.enqueue(ctx, op, func() (queue.Action, error) { return queue.UpdateTask(t) })
}

// ToggleDone flips a task's done flag locally. A task completed this way is
// provisional until the server confirms it.
func (s *Syncer) ToggleDone(ctx context.Context, id int64) (model.Task, error) {
	const op = "task.toggle_done"
	t, err := s.cache.GetTask(ctx, id)
	if err != nil {
		return t, cacheError(op, err)
	}
	t.Done = !t.Done
	if t.Done {
		at := now()
		t.DoneAt = &at
	} else {
		t.DoneAt = nil
	}
	t.Updated = now()
	if err := s.cache.UpsertTask(ctx, t); err != nil {
		return t, transport.LocalStore(op, err)
	}
	if err := s.markProvisional(ctx, id, t.Done); err != nil {
		return t, transport.LocalStore(op, err)
	}
	return t, s.enqueue(ctx, op, func() (queue.Action, error) { return queue.UpdateTask(t) })
}

func (s *Syncer) DeleteTask(ctx context.Context, id int64) error {
	const op = "task.delete"
	if err := s.cache.DeleteTasks(ctx, id); err != nil {
		return transport.LocalStore(op, err)
	}
	if err := s.markProvisional(ctx, id, false); err != nil {
		return transport.LocalStore(op, err)
	}
	return s.enqueue(ctx, op, func() (queue.Action, error) { return queue.DeleteTask(id) })
}

func (s *Syncer) MoveTask(ctx context.Context, id int64, position float64) error {
	const op = "task.move"
	t, err := s.cache.GetTask(ctx, id)
	if err != nil {
		return cacheError(op, err)
	}
	t.Position = position
	if err := s.cache.UpsertTask(ctx, t); err != nil {
		return transport.LocalStore(op, err)
	}
	return s.enqueue(ctx, op, func() (queue.Action, error) { return queue.MoveTask(id, position) })
}

func (s *Syncer) CreateProject(ctx context.Context, p model.Project) (model.Project, error) {
	const op = "project.create"
	if strings.TrimSpace(p.Title) == "" {
		return p, &transport.Error{Kind: transport.KindServerRejection, Op: op, Message: "title is required"}
	}
	id, err := s.cache.NewTempID(ctx)
	if err != nil {
		return p, transport.LocalStore(op, err)
	}
	p.ID = id
	p.Created, p.Updated = now(), now()
	if err := s.cache.UpsertProjects(ctx, []model.Project{p}); err != nil {
		return p, transport.LocalStore(op, err)
	}
	return p, s.enqueue(ctx, op, func() (queue.Action, error) { return queue.CreateProject(p) })
}

func (s *Syncer) UpdateProject(ctx context.Context, p model.Project) (model.Project, error) {
	const op = "project.update"
	prev, err := s.cache.GetProject(ctx, p.ID)
	if err != nil {
		return p, cacheError(op, err)
	}
	p.Created = prev.Created
	p.Updated = now()
	if err := s.cache.UpsertProjects(ctx, []model.Project{p}); err != nil {
		return p, transport.LocalStore(op, err)
	}
	return p, s.enqueue(ctx, op, func() (queue.Action, error) { return queue.UpdateProject(p) })
}

func (s *Syncer) DeleteProject(ctx context.Context, id int64) error {
	const op = "project.delete"
	if err := s.cache.DeleteProjects(ctx, id); err != nil {
		return transport.LocalStore(op, err)
	}
	return s.enqueue(ctx, op, func() (queue.Action, error) { return queue.DeleteProject(id) })
}

func (s *Syncer) CreateLabel(ctx context.Context, l model.Label) (model.Label, error) {
	const op = "label.create"
	if strings.TrimSpace(l.Title) == "" {
		return l, &transport.Error{Kind: transport.KindServerRejection, Op: op, Message: "title is required"}
	}
	id, err := s.cache.NewTempID(ctx)
	if err != nil {
		return l, transport.LocalStore(op, err)
	}
	l.ID = id
	l.Created, l.Updated = now(), now()
	if err := s.cache.UpsertLabels(ctx, []model.Label{l}); err != nil {
		return l, transport.LocalStore(op, err)
	}
	return l, s.enqueue(ctx, op, func() (queue.Action, error) { return queue.CreateLabel(l) })
}

func (s *Syncer) UpdateLabel(ctx context.Context, l model.Label) (model.Label, error) {
	const op = "label.update"
	prev, err := s.cache.GetLabel(ctx, l.ID)
	if err != nil {
		return l, cacheError(op, err)
	}
	l.Created = prev.Created
	l.Updated = now()
	if err := s.cache.UpsertLabels(ctx, []model.Label{l}); err != nil {
		return l, transport.LocalStore(op, err)
	}
	return l, s.enqueue(ctx, op, func() (queue.Action, error) { return queue.UpdateLabel(l) })
}

func (s *Syncer) DeleteLabel(ctx context.Context, id int64) error {
	const op = "label.delete"
	if err := s.cache.DeleteLabels(ctx, id); err != nil {
		return transport.LocalStore(op, err)
	}
	return s.enqueue(ctx, op, func() (queue.Action, error) { return queue.DeleteLabel(id) })
}

func (s *Syncer) DeleteAttachment(ctx context.Context, taskID, attachmentID int64) error {
	const op = "attachment.delete"
	if err := s.cache.DeleteAttachments(ctx, attachmentID); err != nil {
		return transport.LocalStore(op, err)
	}
	return s.enqueue(ctx, op, func() (queue.Action, error) { return queue.DeleteAttachment(taskID, attachmentID) })
}

// FailedActions lists actions that exhausted their retries.
func (s *Syncer) FailedActions(ctx context.Context) ([]queue.Action, error) {
	actions, err := s.queue.ListFailed(ctx)
	if err != nil {
		return nil, transport.LocalStore("queue.failed", err)
	}
	return actions, nil
}

// RetryAllFailed requeues every failed action with a fresh retry budget.
func (s *Syncer) RetryAllFailed(ctx context.Context) (int64, error) {
	n, err := s.queue.RequeueFailed(ctx)
	if err != nil {
		return 0, transport.LocalStore("queue.retry_failed", err)
	}
	s.logger.Info("requeued failed actions", "count", n)
	if n > 0 {
		s.kickDrain(ctx)
	}
	return n, nil
}

// DiscardAllFailed drops every failed action. Entities that only ever existed
// locally are removed from the cache; the next refresh restores server state
// for the rest.
func (s *Syncer) DiscardAllFailed(ctx context.Context) (int64, error) {
	const op = "queue.discard_failed"
	failed, err := s.queue.ListFailed(ctx)
	if err != nil {
		return 0, transport.LocalStore(op, err)
	}
	n, err := s.queue.PurgeFailed(ctx)
	if err != nil {
		return 0, transport.LocalStore(op, err)
	}
	for _, a := range failed {
		if a.Kind != queue.KindCreate || a.EntityID >= 0 {
			continue
		}
		var derr error
		switch a.EntityType {
		case model.EntityTask:
			derr = s.cache.DeleteTasks(ctx, a.EntityID)
		case model.EntityProject:
			derr = s.cache.DeleteProjects(ctx, a.EntityID)
		case model.EntityLabel:
			derr = s.cache.DeleteLabels(ctx, a.EntityID)
		}
		if derr != nil {
			return n, transport.LocalStore(op, derr)
		}
	}
	s.logger.Info("discarded failed actions", "count", n)
	return n, nil
}

// Stats reports queue depth per status.
func (s *Syncer) Stats(ctx context.Context) (queue.Stats, error) {
	st, err := s.queue.Stats(ctx)
	if err != nil {
		return st, transport.LocalStore("queue.stats", err)
	}
	return st, nil
}
