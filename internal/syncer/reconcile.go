package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/basket/tasksync/internal/model"
	"github.com/basket/tasksync/internal/persistence"
)

type fetchResult struct {
	tasks    []model.Task
	projects []model.Project
	labels   []model.Label
	metadata bool
}

func (f fetchResult) count() int {
	return len(f.tasks) + len(f.projects) + len(f.labels)
}

func (s *Syncer) fetch(ctx context.Context, req RefreshRequest) (fetchResult, error) {
	var out fetchResult
	if req.Metadata {
		projects, err := s.remote.ListProjects(ctx)
		if err != nil {
			return out, err
		}
		labels, err := s.remote.ListLabels(ctx)
		if err != nil {
			return out, err
		}
		out.projects, out.labels, out.metadata = projects, labels, true
	}
	tasks, err := s.remote.ListTasks(ctx, req.Filter)
	if err != nil {
		return out, err
	}
	out.tasks = tasks
	return out, nil
}

func withoutOutstanding[T any](items []T, id func(T) int64, outstanding map[int64]struct{}) ([]T, map[int64]struct{}) {
	kept := make([]T, 0, len(items))
	present := make(map[int64]struct{}, len(items))
	for _, it := range items {
		present[id(it)] = struct{}{}
		if _, busy := outstanding[id(it)]; busy {
			continue
		}
		kept = append(kept, it)
	}
	return kept, present
}

// reconcile writes fetched entities into the cache by id. Entities with an
// outstanding local action keep their local state. Nothing is removed unless
// a full replace of an unfiltered refresh was requested.
func (s *Syncer) reconcile(ctx context.Context, req RefreshRequest, f fetchResult) (int, error) {
	fullReplace := req.FullReplace && unfiltered(req.Filter)
	if req.FullReplace && !fullReplace {
		s.logger.Warn("full replace ignored for filtered refresh", "scope", req.Scope)
	}
	removed := 0

	if f.metadata {
		outstanding, err := s.queue.OutstandingTargets(ctx, model.EntityProject)
		if err != nil {
			return 0, err
		}
		projects, present := withoutOutstanding(f.projects, func(p model.Project) int64 { return p.ID }, outstanding)
		if err := s.cache.UpsertProjects(ctx, projects); err != nil {
			return 0, err
		}
		if fullReplace {
			n, err := s.cache.Prune(ctx, model.EntityProject, present, outstanding)
			if err != nil {
				return 0, err
			}
			removed += n
		}

		outstanding, err = s.queue.OutstandingTargets(ctx, model.EntityLabel)
		if err != nil {
			return 0, err
		}
		labels, present := withoutOutstanding(f.labels, func(l model.Label) int64 { return l.ID }, outstanding)
		if err := s.cache.UpsertLabels(ctx, labels); err != nil {
			return 0, err
		}
		if fullReplace {
			n, err := s.cache.Prune(ctx, model.EntityLabel, present, outstanding)
			if err != nil {
				return 0, err
			}
			removed += n
		}
	}

	outstanding, err := s.queue.OutstandingTargets(ctx, model.EntityTask)
	if err != nil {
		return 0, err
	}
	tasks, _ := withoutOutstanding(f.tasks, func(t model.Task) int64 { return t.ID }, outstanding)
	if fullReplace {
		n, err := s.cache.ReplaceTasks(ctx, tasks, outstanding)
		if err != nil {
			return 0, err
		}
		removed += n
	} else if err := s.cache.UpsertTasks(ctx, tasks); err != nil {
		return 0, err
	}
	return removed, nil
}

// RefreshAttachments fetches the attachments of one task into the cache.
func (s *Syncer) RefreshAttachments(ctx context.Context, taskID int64) ([]model.Attachment, error) {
	const op = "sync.attachments"
	if taskID <= 0 {
		return nil, localError(op, fmt.Errorf("task %d has not been created on the server yet", taskID))
	}
	atts, err := s.remote.ListAttachments(ctx, taskID)
	if err != nil {
		return nil, remoteError(op, err)
	}
	outstanding, err := s.queue.OutstandingTargets(ctx, model.EntityAttachment)
	if err != nil {
		return nil, localError(op, err)
	}
	kept, _ := withoutOutstanding(atts, func(a model.Attachment) int64 { return a.ID }, outstanding)
	if err := s.cache.UpsertAttachments(ctx, kept); err != nil {
		return nil, localError(op, err)
	}
	return kept, nil
}

const provisionalDoneKey = "sync.provisional_done"

func (s *Syncer) loadProvisional(ctx context.Context) (map[int64]struct{}, error) {
	out := make(map[int64]struct{})
	if s.kv == nil {
		return out, nil
	}
	raw, err := s.kv.KVGet(ctx, provisionalDoneKey)
	if err != nil || raw == "" {
		return out, err
	}
	var ids []int64
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		s.logger.Warn("discarding unreadable provisional set", "error", err)
		return out, nil
	}
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

func (s *Syncer) saveProvisional(ctx context.Context, set map[int64]struct{}) error {
	if s.kv == nil {
		return nil
	}
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return s.kv.KVSet(ctx, provisionalDoneKey, string(raw))
}

// markProvisional records (done) or forgets (!done) a local completion toggle.
func (s *Syncer) markProvisional(ctx context.Context, id int64, done bool) error {
	if done && id < 0 {
		// Never on the server, so no stale copy can come back.
		return nil
	}
	s.provMu.Lock()
	defer s.provMu.Unlock()
	set, err := s.loadProvisional(ctx)
	if err != nil {
		return err
	}
	if done {
		set[id] = struct{}{}
	} else {
		delete(set, id)
	}
	return s.saveProvisional(ctx, set)
}

// dropProvisionalDone deletes locally completed tasks from the cache before a
// fetch, so a server copy that predates the completion cannot bring them back
// as open. Their queued update keeps them out of reconciliation until it is
// replayed.
func (s *Syncer) dropProvisionalDone(ctx context.Context) error {
	s.provMu.Lock()
	defer s.provMu.Unlock()
	set, err := s.loadProvisional(ctx)
	if err != nil || len(set) == 0 {
		return err
	}
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	if err := s.cache.DeleteTasks(ctx, ids...); err != nil {
		return err
	}
	s.logger.Debug("dropped provisionally completed tasks", "count", len(ids))
	return s.saveProvisional(ctx, map[int64]struct{}{})
}

var _ KV = (*persistence.Store)(nil)
