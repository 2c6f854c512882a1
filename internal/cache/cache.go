// Package cache is the queryable local mirror of server entities. Writes go
// through the sqlite store; readers follow changes with live subscriptions.
package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/tasksync/internal/bus"
	"github.com/basket/tasksync/internal/model"
	"github.com/basket/tasksync/internal/persistence"
)

type Cache struct {
	store  *persistence.Store
	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func New(store *persistence.Store, eventBus *bus.Bus, logger *slog.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		store:  store,
		bus:    eventBus,
		logger: logger.With("component", "cache"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Tasks runs q against the cache.
func (c *Cache) Tasks(ctx context.Context, q Query) ([]model.Task, error) {
	tq, err := q.taskQuery(c.now())
	if err != nil {
		return nil, err
	}
	return c.store.QueryTasks(ctx, tq)
}

func (c *Cache) GetTask(ctx context.Context, id int64) (model.Task, error) {
	return c.store.GetTask(ctx, id)
}

func (c *Cache) UpsertTasks(ctx context.Context, tasks []model.Task) error {
	return c.store.UpsertTasks(ctx, tasks)
}

func (c *Cache) UpsertTask(ctx context.Context, t model.Task) error {
	return c.store.UpsertTask(ctx, t)
}

// ReplaceTasks makes the confirmed task set equal to tasks, except for ids in keep.
func (c *Cache) ReplaceTasks(ctx context.Context, tasks []model.Task, keep map[int64]struct{}) (int, error) {
	return c.store.ReplaceTasks(ctx, tasks, keep)
}

func (c *Cache) DeleteTasks(ctx context.Context, ids ...int64) error {
	return c.store.DeleteEntities(ctx, model.EntityTask, ids)
}

func (c *Cache) UpsertProjects(ctx context.Context, projects []model.Project) error {
	return c.store.UpsertProjects(ctx, projects)
}

func (c *Cache) Projects(ctx context.Context, includeArchived bool) ([]model.Project, error) {
	return c.store.ListProjects(ctx, includeArchived)
}

func (c *Cache) GetProject(ctx context.Context, id int64) (model.Project, error) {
	return c.store.GetProject(ctx, id)
}

func (c *Cache) DeleteProjects(ctx context.Context, ids ...int64) error {
	return c.store.DeleteEntities(ctx, model.EntityProject, ids)
}

func (c *Cache) UpsertLabels(ctx context.Context, labels []model.Label) error {
	return c.store.UpsertLabels(ctx, labels)
}

func (c *Cache) Labels(ctx context.Context) ([]model.Label, error) {
	return c.store.ListLabels(ctx)
}

func (c *Cache) GetLabel(ctx context.Context, id int64) (model.Label, error) {
	return c.store.GetLabel(ctx, id)
}

func (c *Cache) DeleteLabels(ctx context.Context, ids ...int64) error {
	return c.store.DeleteEntities(ctx, model.EntityLabel, ids)
}

func (c *Cache) UpsertAttachments(ctx context.Context, attachments []model.Attachment) error {
	return c.store.UpsertAttachments(ctx, attachments)
}

func (c *Cache) Attachments(ctx context.Context, taskID int64) ([]model.Attachment, error) {
	return c.store.ListAttachments(ctx, taskID)
}

func (c *Cache) DeleteAttachments(ctx context.Context, ids ...int64) error {
	return c.store.DeleteEntities(ctx, model.EntityAttachment, ids)
}

// Prune drops confirmed entities of one kind that are in neither present nor keep.
func (c *Cache) Prune(ctx context.Context, entity model.EntityType, present, keep map[int64]struct{}) (int, error) {
	return c.store.PruneEntities(ctx, entity, present, keep)
}

// NewTempID allocates a negative id for a locally created entity.
func (c *Cache) NewTempID(ctx context.Context) (int64, error) {
	return c.store.NextTempID(ctx)
}

// RemapID replaces a temporary id with the one the server assigned.
func (c *Cache) RemapID(ctx context.Context, entity model.EntityType, tempID, serverID int64) error {
	return c.store.RemapID(ctx, entity, tempID, serverID)
}

// ResolveID follows a temporary id to its server id, if it has one yet.
func (c *Cache) ResolveID(ctx context.Context, entity model.EntityType, id int64) (int64, error) {
	return c.store.ResolveID(ctx, string(entity), id)
}
