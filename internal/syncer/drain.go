package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/basket/tasksync/internal/model"
	tsotel "github.com/basket/tasksync/internal/otel"
	"github.com/basket/tasksync/internal/persistence"
	"github.com/basket/tasksync/internal/queue"
	"github.com/basket/tasksync/internal/transport"
)

func localError(op string, err error) *transport.Error {
	var te *transport.Error
	if errors.As(err, &te) {
		return te
	}
	return transport.LocalStore(op, err)
}

func remoteError(op string, err error) *transport.Error {
	return transport.AsError(op, err)
}

// replayTimeout bounds one replayed write. Replays run detached from the
// caller's cancellation: a write the server may already have applied is never
// abandoned halfway.
const replayTimeout = 2 * time.Minute

// drainLocked replays retryable actions in creation order. The caller holds
// the cycle lock. A network failure charges the current action one retry and
// stops the drain, as does re-authentication; any other remote failure
// charges a retry and moves on to the next action. ctx is only checked
// between actions.
func (s *Syncer) drainLocked(ctx context.Context) (replayed, failed int, _ *transport.Error) {
	actions, err := s.queue.ListRetryable(ctx)
	if err != nil {
		return 0, 0, transport.LocalStore("sync.drain", err)
	}
	for _, a := range actions {
		if err := ctx.Err(); err != nil {
			return replayed, failed, transport.AsError("sync.drain", err)
		}
		cur, ok, lerr := s.reread(ctx, a)
		if lerr != nil {
			s.logger.Error("drain aborted", "action_id", a.ID, "error", lerr)
			return replayed, failed, lerr
		}
		if !ok {
			s.logger.Debug("action replaced before replay", "action_id", a.ID)
			continue
		}
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replayTimeout)
		delivered, failedNow, stop := s.step(actx, cur)
		cancel()
		if delivered {
			replayed++
		}
		if failedNow {
			failed++
		}
		if stop != nil {
			return replayed, failed, stop
		}
	}
	if _, err := s.queue.PurgeCompleted(ctx); err != nil {
		s.logger.Warn("purge completed actions", "error", err)
	}
	return replayed, failed, nil
}

// reread returns the stored version of a. ok is false when a was replaced,
// removed or settled since the drain listed it; a coalesced edit that kept
// its row is returned with its newest payload.
func (s *Syncer) reread(ctx context.Context, a queue.Action) (queue.Action, bool, *transport.Error) {
	cur, err := s.queue.Get(ctx, a.ID)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return a, false, nil
	case err != nil:
		return a, false, transport.LocalStore("sync.drain", err)
	}
	if cur.Status != queue.StatusPending {
		return a, false, nil
	}
	if cur.Revision != a.Revision {
		s.logger.Debug("action changed before replay", "action_id", a.ID, "revision", cur.Revision)
	}
	return cur, true, nil
}

// step replays a and records its outcome. stop is set when the drain must
// end.
func (s *Syncer) step(ctx context.Context, a queue.Action) (delivered, failedNow bool, stop *transport.Error) {
	rerr := s.replay(ctx, a)
	if rerr == nil {
		return true, false, nil
	}
	if rerr.Kind == transport.KindLocalStore {
		s.logger.Error("drain aborted", "action_id", a.ID, "error", rerr)
		return false, false, rerr
	}
	if rerr.ReAuthRequired() {
		s.countReplay(ctx, a, "reauth")
		return false, false, rerr
	}
	next, err := s.queue.RecordFailure(ctx, a, rerr)
	switch {
	case errors.Is(err, persistence.ErrStaleAction):
		s.logger.Debug("failed action was replaced during replay", "action_id", a.ID)
	case err != nil:
		return false, false, transport.LocalStore("sync.drain", err)
	case next.Status == queue.StatusFailed:
		failedNow = true
		s.countReplay(ctx, a, "failed")
	default:
		s.countReplay(ctx, a, "retry")
	}
	if rerr.Kind == transport.KindNetwork {
		return false, failedNow, rerr
	}
	s.logger.Warn("action rejected", "action_id", a.ID, "kind", a.Kind, "entity", a.EntityType, "entity_id", a.EntityID, "error", rerr)
	return false, failedNow, nil
}

// complete marks a completed and reports whether a was still the outstanding
// action for its target. A replaced action is not an error: its successor
// will be replayed by a later drain.
func (s *Syncer) complete(ctx context.Context, a queue.Action) (bool, *transport.Error) {
	if _, err := s.queue.MarkCompleted(ctx, a); err != nil {
		if errors.Is(err, persistence.ErrStaleAction) {
			s.logger.Debug("action replaced while replaying", "action_id", a.ID)
			return false, nil
		}
		return false, transport.LocalStore("sync.complete", err)
	}
	return true, nil
}

func notFound(err error) bool {
	var te *transport.Error
	return errors.As(err, &te) && te.Kind == transport.KindServerRejection && te.Status == http.StatusNotFound
}

func (s *Syncer) replay(ctx context.Context, a queue.Action) *transport.Error {
	ctx, span := tsotel.StartSpan(ctx, s.tracer, "sync.replay",
		tsotel.AttrActionKind.String(string(a.Kind)),
		tsotel.AttrEntityType.String(string(a.EntityType)),
	)
	defer span.End()

	var rerr *transport.Error
	switch a.EntityType {
	case model.EntityTask:
		rerr = s.replayTask(ctx, a)
	case model.EntityProject:
		rerr = s.replayProject(ctx, a)
	case model.EntityLabel:
		rerr = s.replayLabel(ctx, a)
	case model.EntityAttachment:
		rerr = s.replayAttachment(ctx, a)
	default:
		rerr = &transport.Error{Kind: transport.KindParse, Op: "sync.replay", Err: fmt.Errorf("unknown entity type %q", a.EntityType)}
	}
	if rerr == nil {
		s.countReplay(ctx, a, "completed")
		s.logger.Debug("action replayed", "action_id", a.ID, "kind", a.Kind, "entity", a.EntityType, "entity_id", a.EntityID)
	} else {
		span.RecordError(rerr)
	}
	return rerr
}

func (s *Syncer) resolve(ctx context.Context, entity model.EntityType, id int64) (int64, *transport.Error) {
	resolved, err := s.cache.ResolveID(ctx, entity, id)
	if err != nil {
		return id, transport.LocalStore("sync.resolve", err)
	}
	return resolved, nil
}

func payloadError(op string, err error) *transport.Error {
	return &transport.Error{Kind: transport.KindParse, Op: op, Err: err}
}

// unconfirmed is returned for an action whose target still has a temporary
// id. Its create has not reached the server, so it cannot be replayed yet.
func unconfirmed(op string, entity model.EntityType, id int64) *transport.Error {
	return &transport.Error{Kind: transport.KindServerRejection, Op: op, Err: fmt.Errorf("%s %d has no server id yet", entity, id)}
}

func (s *Syncer) replayTask(ctx context.Context, a queue.Action) *transport.Error {
	op := "sync.task." + string(a.Kind)
	id, rerr := s.resolve(ctx, model.EntityTask, a.EntityID)
	if rerr != nil {
		return rerr
	}

	switch a.Kind {
	case queue.KindCreate:
		t, err := a.Task()
		if err != nil {
			return payloadError(op, err)
		}
		if t.ProjectID, rerr = s.resolve(ctx, model.EntityProject, t.ProjectID); rerr != nil {
			return rerr
		}
		if t.ProjectID < 0 {
			return unconfirmed(op, model.EntityProject, t.ProjectID)
		}
		tempID := a.EntityID
		t.ID = 0
		created, err := s.remote.CreateTask(ctx, t)
		if err != nil {
			return remoteError(op, err)
		}
		current, rerr := s.complete(ctx, a)
		if rerr != nil {
			return rerr
		}
		// Keep any local edit queued since this create was read.
		local := created
		if !current {
			if cached, err := s.cache.GetTask(ctx, tempID); err == nil {
				local = cached
				local.ID = created.ID
			}
		}
		if err := s.cache.RemapID(ctx, model.EntityTask, tempID, created.ID); err != nil {
			return transport.LocalStore(op, err)
		}
		if err := s.cache.UpsertTask(ctx, local); err != nil {
			return transport.LocalStore(op, err)
		}
		return nil

	case queue.KindUpdate:
		t, err := a.Task()
		if err != nil {
			return payloadError(op, err)
		}
		if id < 0 {
			return unconfirmed(op, model.EntityTask, id)
		}
		t.ID = id
		if t.ProjectID, rerr = s.resolve(ctx, model.EntityProject, t.ProjectID); rerr != nil {
			return rerr
		}
		updated, err := s.remote.UpdateTask(ctx, t)
		if err != nil {
			return remoteError(op, err)
		}
		current, rerr := s.complete(ctx, a)
		if rerr != nil || !current {
			return rerr
		}
		if err := s.cache.UpsertTask(ctx, updated); err != nil {
			return transport.LocalStore(op, err)
		}
		return nil

	case queue.KindDelete:
		if id > 0 {
			if err := s.remote.DeleteTask(ctx, id); err != nil && !notFound(err) {
				return remoteError(op, err)
			}
		}
		_, rerr := s.complete(ctx, a)
		return rerr

	case queue.KindPosition:
		pos, err := a.Position()
		if err != nil {
			return payloadError(op, err)
		}
		if id < 0 {
			return unconfirmed(op, model.EntityTask, id)
		}
		if err := s.remote.MoveTask(ctx, id, pos.Position); err != nil {
			return remoteError(op, err)
		}
		_, rerr := s.complete(ctx, a)
		return rerr
	}
	return payloadError(op, fmt.Errorf("unsupported task action %q", a.Kind))
}

func (s *Syncer) replayProject(ctx context.Context, a queue.Action) *transport.Error {
	op := "sync.project." + string(a.Kind)
	id, rerr := s.resolve(ctx, model.EntityProject, a.EntityID)
	if rerr != nil {
		return rerr
	}

	switch a.Kind {
	case queue.KindCreate, queue.KindUpdate:
		p, err := a.Project()
		if err != nil {
			return payloadError(op, err)
		}
		if p.ParentProjectID, rerr = s.resolve(ctx, model.EntityProject, p.ParentProjectID); rerr != nil {
			return rerr
		}
		if p.ParentProjectID < 0 {
			return unconfirmed(op, model.EntityProject, p.ParentProjectID)
		}
		if a.Kind == queue.KindCreate {
			tempID := a.EntityID
			p.ID = 0
			created, err := s.remote.CreateProject(ctx, p)
			if err != nil {
				return remoteError(op, err)
			}
			if _, rerr := s.complete(ctx, a); rerr != nil {
				return rerr
			}
			if err := s.cache.RemapID(ctx, model.EntityProject, tempID, created.ID); err != nil {
				return transport.LocalStore(op, err)
			}
			if err := s.cache.UpsertProjects(ctx, []model.Project{created}); err != nil {
				return transport.LocalStore(op, err)
			}
			return nil
		}
		if id < 0 {
			return unconfirmed(op, model.EntityProject, id)
		}
		p.ID = id
		updated, err := s.remote.UpdateProject(ctx, p)
		if err != nil {
			return remoteError(op, err)
		}
		current, rerr := s.complete(ctx, a)
		if rerr != nil || !current {
			return rerr
		}
		if err := s.cache.UpsertProjects(ctx, []model.Project{updated}); err != nil {
			return transport.LocalStore(op, err)
		}
		return nil

	case queue.KindDelete:
		if id > 0 {
			if err := s.remote.DeleteProject(ctx, id); err != nil && !notFound(err) {
				return remoteError(op, err)
			}
		}
		_, rerr := s.complete(ctx, a)
		return rerr
	}
	return payloadError(op, fmt.Errorf("unsupported project action %q", a.Kind))
}

func (s *Syncer) replayLabel(ctx context.Context, a queue.Action) *transport.Error {
	op := "sync.label." + string(a.Kind)
	id, rerr := s.resolve(ctx, model.EntityLabel, a.EntityID)
	if rerr != nil {
		return rerr
	}

	switch a.Kind {
	case queue.KindCreate:
		l, err := a.Label()
		if err != nil {
			return payloadError(op, err)
		}
		tempID := a.EntityID
		l.ID = 0
		created, err := s.remote.CreateLabel(ctx, l)
		if err != nil {
			return remoteError(op, err)
		}
		if _, rerr := s.complete(ctx, a); rerr != nil {
			return rerr
		}
		if err := s.cache.RemapID(ctx, model.EntityLabel, tempID, created.ID); err != nil {
			return transport.LocalStore(op, err)
		}
		if err := s.cache.UpsertLabels(ctx, []model.Label{created}); err != nil {
			return transport.LocalStore(op, err)
		}
		return nil

	case queue.KindUpdate:
		l, err := a.Label()
		if err != nil {
			return payloadError(op, err)
		}
		if id < 0 {
			return unconfirmed(op, model.EntityLabel, id)
		}
		l.ID = id
		updated, err := s.remote.UpdateLabel(ctx, l)
		if err != nil {
			return remoteError(op, err)
		}
		current, rerr := s.complete(ctx, a)
		if rerr != nil || !current {
			return rerr
		}
		if err := s.cache.UpsertLabels(ctx, []model.Label{updated}); err != nil {
			return transport.LocalStore(op, err)
		}
		return nil

	case queue.KindDelete:
		if id > 0 {
			if err := s.remote.DeleteLabel(ctx, id); err != nil && !notFound(err) {
				return remoteError(op, err)
			}
		}
		_, rerr := s.complete(ctx, a)
		return rerr
	}
	return payloadError(op, fmt.Errorf("unsupported label action %q", a.Kind))
}

func (s *Syncer) replayAttachment(ctx context.Context, a queue.Action) *transport.Error {
	const op = "sync.attachment.delete"
	if a.Kind != queue.KindDelete {
		return payloadError(op, fmt.Errorf("unsupported attachment action %q", a.Kind))
	}
	ref, err := a.DeleteRef()
	if err != nil {
		return payloadError(op, err)
	}
	taskID, rerr := s.resolve(ctx, model.EntityTask, ref.ParentID)
	if rerr != nil {
		return rerr
	}
	if err := s.remote.DeleteAttachment(ctx, taskID, a.EntityID); err != nil && !notFound(err) {
		return remoteError(op, err)
	}
	_, rerr = s.complete(ctx, a)
	return rerr
}
