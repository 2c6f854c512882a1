package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/basket/tasksync/internal/bus"
	"github.com/basket/tasksync/internal/model"
)

// TaskQuery is an equality/range filter over cached tasks.
type TaskQuery struct {
	ProjectID  int64 // 0 matches every project
	Done       *bool
	DueFrom    *time.Time // inclusive
	DueTo      *time.Time // exclusive
	Search     string     // substring of title or description
	OrderByDue bool
	Limit      int
}

const taskColumns = `id, project_id, title, description, done, done_unix, due_unix, priority,
	position, hex_color, labels_json, reminders_json, related_json, created_unix, updated_unix`

func unixOrNull(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().Unix(), Valid: true}
}

func timeFromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().Unix()
}

func timeFromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalBlob(v any, empty string) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(raw) == "null" {
		return empty, nil
	}
	return string(raw), nil
}

func (s *Store) publishCache(topic, kind string, ids []int64, deleted bool) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(topic, bus.CacheChangedEvent{Kind: kind, IDs: ids, Deleted: deleted})
}

// withTx runs f in a transaction, retrying the whole unit on SQLITE_BUSY.
func (s *Store) withTx(ctx context.Context, name string, f func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin %s tx: %w", name, err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := f(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit %s tx: %w", name, err)
		}
		return nil
	})
}

func upsertTaskTx(ctx context.Context, tx *sql.Tx, t model.Task) error {
	labels, err := marshalBlob(t.Labels, "[]")
	if err != nil {
		return fmt.Errorf("encode labels for task %d: %w", t.ID, err)
	}
	reminders, err := marshalBlob(t.Reminders, "[]")
	if err != nil {
		return fmt.Errorf("encode reminders for task %d: %w", t.ID, err)
	}
	related, err := marshalBlob(t.Related, "{}")
	if err != nil {
		return fmt.Errorf("encode relations for task %d: %w", t.ID, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			project_id=excluded.project_id,
			title=excluded.title,
			description=excluded.description,
			done=excluded.done,
			done_unix=excluded.done_unix,
			due_unix=excluded.due_unix,
			priority=excluded.priority,
			position=excluded.position,
			hex_color=excluded.hex_color,
			labels_json=excluded.labels_json,
			reminders_json=excluded.reminders_json,
			related_json=excluded.related_json,
			created_unix=excluded.created_unix,
			updated_unix=excluded.updated_unix,
			cached_at=CURRENT_TIMESTAMP;
	`, t.ID, t.ProjectID, t.Title, t.Description, boolInt(t.Done), unixOrNull(t.DoneAt), unixOrNull(t.DueDate),
		t.Priority, t.Position, t.HexColor, labels, reminders, related, unixOrZero(t.Created), unixOrZero(t.Updated))
	if err != nil {
		return fmt.Errorf("upsert task %d: %w", t.ID, err)
	}
	return nil
}

func scanTask(scanFn func(dest ...any) error, t *model.Task) error {
	var (
		done                     int
		doneUnix, dueUnix        sql.NullInt64
		labels, reminders, rel   string
		createdUnix, updatedUnix int64
	)
	if err := scanFn(&t.ID, &t.ProjectID, &t.Title, &t.Description, &done, &doneUnix, &dueUnix, &t.Priority,
		&t.Position, &t.HexColor, &labels, &reminders, &rel, &createdUnix, &updatedUnix); err != nil {
		return err
	}
	t.Done = done == 1
	t.DoneAt = timeFromNull(doneUnix)
	t.DueDate = timeFromNull(dueUnix)
	t.Created = timeFromUnix(createdUnix)
	t.Updated = timeFromUnix(updatedUnix)
	if err := json.Unmarshal([]byte(labels), &t.Labels); err != nil {
		return fmt.Errorf("decode labels for task %d: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(reminders), &t.Reminders); err != nil {
		return fmt.Errorf("decode reminders for task %d: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(rel), &t.Related); err != nil {
		return fmt.Errorf("decode relations for task %d: %w", t.ID, err)
	}
	if len(t.Related) == 0 {
		t.Related = nil
	}
	return nil
}

func taskIDs(tasks []model.Task) []int64 {
	ids := make([]int64, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	return ids
}

func (s *Store) UpsertTasks(ctx context.Context, tasks []model.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	err := s.withTx(ctx, "upsert tasks", func(tx *sql.Tx) error {
		for _, t := range tasks {
			if err := upsertTaskTx(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publishCache(bus.TopicCacheTasks, string(model.EntityTask), taskIDs(tasks), false)
	return nil
}

func (s *Store) UpsertTask(ctx context.Context, t model.Task) error {
	return s.UpsertTasks(ctx, []model.Task{t})
}

// ReplaceTasks upserts tasks and removes every confirmed (positive id) task
// that is neither in tasks nor in keep.
func (s *Store) ReplaceTasks(ctx context.Context, tasks []model.Task, keep map[int64]struct{}) (int, error) {
	var removed []int64
	err := s.withTx(ctx, "replace tasks", func(tx *sql.Tx) error {
		removed = removed[:0]
		present := make(map[int64]struct{}, len(tasks))
		for _, t := range tasks {
			present[t.ID] = struct{}{}
		}
		rows, err := tx.QueryContext(ctx, `SELECT id FROM tasks WHERE id > 0`)
		if err != nil {
			return fmt.Errorf("list cached task ids: %w", err)
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan task id: %w", err)
			}
			if _, ok := present[id]; ok {
				continue
			}
			if _, ok := keep[id]; ok {
				continue
			}
			removed = append(removed, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("task id rows: %w", err)
		}
		for _, id := range removed {
			if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
				return fmt.Errorf("delete task %d: %w", id, err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM attachments WHERE task_id = ?`, id); err != nil {
				return fmt.Errorf("delete attachments of task %d: %w", id, err)
			}
		}
		for _, t := range tasks {
			if err := upsertTaskTx(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(removed) > 0 {
		s.publishCache(bus.TopicCacheTasks, string(model.EntityTask), removed, true)
	}
	s.publishCache(bus.TopicCacheTasks, string(model.EntityTask), taskIDs(tasks), false)
	return len(removed), nil
}

func (s *Store) GetTask(ctx context.Context, id int64) (model.Task, error) {
	var t model.Task
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	if err := scanTask(row.Scan, &t); err != nil {
		if err == sql.ErrNoRows {
			return t, fmt.Errorf("task %d: %w", id, ErrNotFound)
		}
		return t, fmt.Errorf("get task %d: %w", id, err)
	}
	return t, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (s *Store) QueryTasks(ctx context.Context, q TaskQuery) ([]model.Task, error) {
	var (
		where []string
		args  []any
	)
	if q.ProjectID != 0 {
		where = append(where, "project_id = ?")
		args = append(args, q.ProjectID)
	}
	if q.Done != nil {
		where = append(where, "done = ?")
		args = append(args, boolInt(*q.Done))
	}
	if q.DueFrom != nil {
		where = append(where, "due_unix >= ?")
		args = append(args, q.DueFrom.UTC().Unix())
	}
	if q.DueTo != nil {
		where = append(where, "due_unix < ?")
		args = append(args, q.DueTo.UTC().Unix())
	}
	if term := strings.TrimSpace(q.Search); term != "" {
		pattern := "%" + escapeLike(term) + "%"
		where = append(where, `(title LIKE ? ESCAPE '\' OR description LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}

	stmt := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	if q.OrderByDue {
		stmt += " ORDER BY due_unix IS NULL, due_unix ASC, id ASC"
	} else {
		stmt += " ORDER BY position ASC, id ASC"
	}
	if q.Limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	out := make([]model.Task, 0)
	for rows.Next() {
		var t model.Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

var entityTables = map[model.EntityType]struct {
	table string
	topic string
}{
	model.EntityTask:       {"tasks", bus.TopicCacheTasks},
	model.EntityProject:    {"projects", bus.TopicCacheProjects},
	model.EntityLabel:      {"labels", bus.TopicCacheLabels},
	model.EntityAttachment: {"attachments", bus.TopicCacheAttachments},
}

// DeleteEntities removes cached rows by id. Deleting tasks also drops their attachments.
func (s *Store) DeleteEntities(ctx context.Context, entity model.EntityType, ids []int64) error {
	meta, ok := entityTables[entity]
	if !ok {
		return fmt.Errorf("unknown entity type %q", entity)
	}
	if len(ids) == 0 {
		return nil
	}
	err := s.withTx(ctx, "delete "+meta.table, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+meta.table+` WHERE id = ?`, id); err != nil {
				return fmt.Errorf("delete %s %d: %w", entity, id, err)
			}
			if entity == model.EntityTask {
				if _, err := tx.ExecContext(ctx, `DELETE FROM attachments WHERE task_id = ?`, id); err != nil {
					return fmt.Errorf("delete attachments of task %d: %w", id, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publishCache(meta.topic, string(entity), ids, true)
	return nil
}

func upsertProjectTx(ctx context.Context, tx *sql.Tx, p model.Project) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projects (id, title, description, parent_project_id, hex_color, is_archived, position, created_unix, updated_unix, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			title=excluded.title,
			description=excluded.description,
			parent_project_id=excluded.parent_project_id,
			hex_color=excluded.hex_color,
			is_archived=excluded.is_archived,
			position=excluded.position,
			created_unix=excluded.created_unix,
			updated_unix=excluded.updated_unix,
			cached_at=CURRENT_TIMESTAMP;
	`, p.ID, p.Title, p.Description, p.ParentProjectID, p.HexColor, boolInt(p.IsArchived), p.Position,
		unixOrZero(p.Created), unixOrZero(p.Updated))
	if err != nil {
		return fmt.Errorf("upsert project %d: %w", p.ID, err)
	}
	return nil
}

func (s *Store) UpsertProjects(ctx context.Context, projects []model.Project) error {
	if len(projects) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(projects))
	err := s.withTx(ctx, "upsert projects", func(tx *sql.Tx) error {
		ids = ids[:0]
		for _, p := range projects {
			if err := upsertProjectTx(ctx, tx, p); err != nil {
				return err
			}
			ids = append(ids, p.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publishCache(bus.TopicCacheProjects, string(model.EntityProject), ids, false)
	return nil
}

const projectColumns = `id, title, description, parent_project_id, hex_color, is_archived, position, created_unix, updated_unix`

func scanProject(scanFn func(dest ...any) error, p *model.Project) error {
	var (
		archived             int
		createdAt, updatedAt int64
	)
	if err := scanFn(&p.ID, &p.Title, &p.Description, &p.ParentProjectID, &p.HexColor, &archived, &p.Position, &createdAt, &updatedAt); err != nil {
		return err
	}
	p.IsArchived = archived == 1
	p.Created = timeFromUnix(createdAt)
	p.Updated = timeFromUnix(updatedAt)
	return nil
}

func (s *Store) ListProjects(ctx context.Context, includeArchived bool) ([]model.Project, error) {
	stmt := `SELECT ` + projectColumns + ` FROM projects`
	if !includeArchived {
		stmt += ` WHERE is_archived = 0`
	}
	stmt += ` ORDER BY position ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()
	out := make([]model.Project, 0)
	for rows.Next() {
		var p model.Project
		if err := scanProject(rows.Scan, &p); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("project rows: %w", err)
	}
	return out, nil
}

func (s *Store) GetProject(ctx context.Context, id int64) (model.Project, error) {
	var p model.Project
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	if err := scanProject(row.Scan, &p); err != nil {
		if err == sql.ErrNoRows {
			return p, fmt.Errorf("project %d: %w", id, ErrNotFound)
		}
		return p, fmt.Errorf("get project %d: %w", id, err)
	}
	return p, nil
}

func upsertLabelTx(ctx context.Context, tx *sql.Tx, l model.Label) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO labels (id, title, description, hex_color, created_unix, updated_unix, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			title=excluded.title,
			description=excluded.description,
			hex_color=excluded.hex_color,
			created_unix=excluded.created_unix,
			updated_unix=excluded.updated_unix,
			cached_at=CURRENT_TIMESTAMP;
	`, l.ID, l.Title, l.Description, l.HexColor, unixOrZero(l.Created), unixOrZero(l.Updated))
	if err != nil {
		return fmt.Errorf("upsert label %d: %w", l.ID, err)
	}
	return nil
}

func (s *Store) UpsertLabels(ctx context.Context, labels []model.Label) error {
	if len(labels) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(labels))
	err := s.withTx(ctx, "upsert labels", func(tx *sql.Tx) error {
		ids = ids[:0]
		for _, l := range labels {
			if err := upsertLabelTx(ctx, tx, l); err != nil {
				return err
			}
			ids = append(ids, l.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publishCache(bus.TopicCacheLabels, string(model.EntityLabel), ids, false)
	return nil
}

const labelColumns = `id, title, description, hex_color, created_unix, updated_unix`

func scanLabel(scanFn func(dest ...any) error, l *model.Label) error {
	var createdAt, updatedAt int64
	if err := scanFn(&l.ID, &l.Title, &l.Description, &l.HexColor, &createdAt, &updatedAt); err != nil {
		return err
	}
	l.Created = timeFromUnix(createdAt)
	l.Updated = timeFromUnix(updatedAt)
	return nil
}

func (s *Store) ListLabels(ctx context.Context) ([]model.Label, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+labelColumns+` FROM labels ORDER BY title ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list labels: %w", err)
	}
	defer rows.Close()
	out := make([]model.Label, 0)
	for rows.Next() {
		var l model.Label
		if err := scanLabel(rows.Scan, &l); err != nil {
			return nil, fmt.Errorf("scan label: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("label rows: %w", err)
	}
	return out, nil
}

func (s *Store) GetLabel(ctx context.Context, id int64) (model.Label, error) {
	var l model.Label
	row := s.db.QueryRowContext(ctx, `SELECT `+labelColumns+` FROM labels WHERE id = ?`, id)
	if err := scanLabel(row.Scan, &l); err != nil {
		if err == sql.ErrNoRows {
			return l, fmt.Errorf("label %d: %w", id, ErrNotFound)
		}
		return l, fmt.Errorf("get label %d: %w", id, err)
	}
	return l, nil
}

func (s *Store) UpsertAttachments(ctx context.Context, attachments []model.Attachment) error {
	if len(attachments) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(attachments))
	err := s.withTx(ctx, "upsert attachments", func(tx *sql.Tx) error {
		ids = ids[:0]
		for _, a := range attachments {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO attachments (id, task_id, file_name, file_size, mime_type, created_unix, cached_at)
				VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
				ON CONFLICT(id) DO UPDATE SET
					task_id=excluded.task_id,
					file_name=excluded.file_name,
					file_size=excluded.file_size,
					mime_type=excluded.mime_type,
					created_unix=excluded.created_unix,
					cached_at=CURRENT_TIMESTAMP;
			`, a.ID, a.TaskID, a.FileName, a.FileSize, a.MimeType, unixOrZero(a.Created)); err != nil {
				return fmt.Errorf("upsert attachment %d: %w", a.ID, err)
			}
			ids = append(ids, a.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publishCache(bus.TopicCacheAttachments, string(model.EntityAttachment), ids, false)
	return nil
}

func (s *Store) ListAttachments(ctx context.Context, taskID int64) ([]model.Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, file_name, file_size, mime_type, created_unix
		FROM attachments WHERE task_id = ? ORDER BY id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()
	out := make([]model.Attachment, 0)
	for rows.Next() {
		var (
			a         model.Attachment
			createdAt int64
		)
		if err := rows.Scan(&a.ID, &a.TaskID, &a.FileName, &a.FileSize, &a.MimeType, &createdAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		a.Created = timeFromUnix(createdAt)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("attachment rows: %w", err)
	}
	return out, nil
}

// PruneEntities deletes confirmed rows of the given kind that are in neither
// present nor keep. Used by explicit full-replace refreshes.
func (s *Store) PruneEntities(ctx context.Context, entity model.EntityType, present, keep map[int64]struct{}) (int, error) {
	meta, ok := entityTables[entity]
	if !ok {
		return 0, fmt.Errorf("unknown entity type %q", entity)
	}
	var removed []int64
	err := s.withTx(ctx, "prune "+meta.table, func(tx *sql.Tx) error {
		removed = removed[:0]
		rows, err := tx.QueryContext(ctx, `SELECT id FROM `+meta.table+` WHERE id > 0`)
		if err != nil {
			return fmt.Errorf("list cached %s ids: %w", entity, err)
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan %s id: %w", entity, err)
			}
			if _, ok := present[id]; ok {
				continue
			}
			if _, ok := keep[id]; ok {
				continue
			}
			removed = append(removed, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("%s id rows: %w", entity, err)
		}
		for _, id := range removed {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+meta.table+` WHERE id = ?`, id); err != nil {
				return fmt.Errorf("delete %s %d: %w", entity, id, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(removed) > 0 {
		s.publishCache(meta.topic, string(entity), removed, true)
	}
	return len(removed), nil
}

// RemapID moves a provisional entity to the id the server assigned: the
// temporary row is dropped, references to it are rewritten and the mapping
// is remembered for queued actions that still carry the temporary id.
func (s *Store) RemapID(ctx context.Context, entity model.EntityType, tempID, serverID int64) error {
	meta, ok := entityTables[entity]
	if !ok {
		return fmt.Errorf("unknown entity type %q", entity)
	}
	if tempID >= 0 {
		return fmt.Errorf("remap %s %d: not a temporary id", entity, tempID)
	}
	err := s.withTx(ctx, "remap "+meta.table, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+meta.table+` WHERE id = ?`, tempID); err != nil {
			return fmt.Errorf("delete provisional %s %d: %w", entity, tempID, err)
		}
		switch entity {
		case model.EntityProject:
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET project_id = ? WHERE project_id = ?`, serverID, tempID); err != nil {
				return fmt.Errorf("remap task project ids: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `UPDATE projects SET parent_project_id = ? WHERE parent_project_id = ?`, serverID, tempID); err != nil {
				return fmt.Errorf("remap parent project ids: %w", err)
			}
		case model.EntityTask:
			if _, err := tx.ExecContext(ctx, `UPDATE attachments SET task_id = ? WHERE task_id = ?`, serverID, tempID); err != nil {
				return fmt.Errorf("remap attachment task ids: %w", err)
			}
		}
		// An action still queued for the provisional row now targets the
		// server entity; a create that was re-queued becomes an update.
		if _, err := tx.ExecContext(ctx, `
			UPDATE pending_actions
			SET entity_id = ?,
				kind = CASE kind WHEN 'create' THEN 'update' ELSE kind END,
				revision = revision + 1,
				updated_at = CURRENT_TIMESTAMP
			WHERE entity_type = ? AND entity_id = ? AND status IN ('pending', 'failed')
		`, serverID, string(entity), tempID); err != nil {
			return fmt.Errorf("remap pending actions: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO kv_store (key, value, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP;
		`, idMapKey(string(entity), tempID), fmt.Sprintf("%d", serverID)); err != nil {
			return fmt.Errorf("record id map: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publishCache(meta.topic, string(entity), []int64{tempID}, true)
	if entity == model.EntityProject {
		s.publishCache(bus.TopicCacheTasks, string(model.EntityTask), nil, false)
	}
	return nil
}
