// Package remote is a typed client for the task service REST API.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/basket/tasksync/internal/model"
	"github.com/basket/tasksync/internal/transport"
)

// Doer is the transport surface the API needs.
type Doer interface {
	Do(ctx context.Context, req *transport.Request, out any) error
}

type API struct {
	doer     Doer
	pageSize int
}

func New(doer Doer, pageSize int) *API {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &API{doer: doer, pageSize: pageSize}
}

// TaskFilter narrows a task listing. Zero values mean "no constraint".
type TaskFilter struct {
	Search    string
	ProjectID int64
	Done      *bool
	DueBefore *time.Time
	DueAfter  *time.Time
	// MaxPages bounds pagination; 0 fetches every page.
	MaxPages int
}

func (f TaskFilter) expression() string {
	var parts []string
	if f.ProjectID != 0 {
		parts = append(parts, fmt.Sprintf("project_id = %d", f.ProjectID))
	}
	if f.Done != nil {
		parts = append(parts, fmt.Sprintf("done = %t", *f.Done))
	}
	if f.DueAfter != nil {
		parts = append(parts, fmt.Sprintf("due_date >= '%s'", f.DueAfter.UTC().Format(time.RFC3339)))
	}
	if f.DueBefore != nil {
		parts = append(parts, fmt.Sprintf("due_date < '%s'", f.DueBefore.UTC().Format(time.RFC3339)))
	}
	return strings.Join(parts, " && ")
}

func idPath(format string, ids ...int64) string {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return fmt.Sprintf(format, args...)
}

// normalizeTask maps the server's zero-time sentinels to nil.
func normalizeTask(t *model.Task) {
	if t.DueDate != nil && t.DueDate.IsZero() {
		t.DueDate = nil
	}
	if t.DoneAt != nil && t.DoneAt.IsZero() {
		t.DoneAt = nil
	}
}

// ListTasks pages through /tasks/all until a short page is returned.
func (a *API) ListTasks(ctx context.Context, f TaskFilter) ([]model.Task, error) {
	const op = "tasks.list"
	out := make([]model.Task, 0)
	for page := 1; f.MaxPages == 0 || page <= f.MaxPages; page++ {
		q := url.Values{
			"page":     {strconv.Itoa(page)},
			"per_page": {strconv.Itoa(a.pageSize)},
		}
		if f.Search != "" {
			q.Set("s", f.Search)
		}
		if expr := f.expression(); expr != "" {
			q.Set("filter", expr)
		}
		var raw json.RawMessage
		if err := a.doer.Do(ctx, &transport.Request{Op: op, Method: http.MethodGet, Path: "/tasks/all", Query: q}, &raw); err != nil {
			return nil, err
		}
		var batch []model.Task
		if err := decodeValidated(op, schemaTasks, raw, &batch); err != nil {
			return nil, err
		}
		for i := range batch {
			normalizeTask(&batch[i])
		}
		out = append(out, batch...)
		if len(batch) < a.pageSize {
			break
		}
	}
	return out, nil
}

func (a *API) GetTask(ctx context.Context, id int64) (model.Task, error) {
	var t model.Task
	err := a.doer.Do(ctx, &transport.Request{Op: "tasks.get", Method: http.MethodGet, Path: idPath("/tasks/%d", id)}, &t)
	normalizeTask(&t)
	return t, err
}

func (a *API) CreateTask(ctx context.Context, t model.Task) (model.Task, error) {
	var out model.Task
	err := a.doer.Do(ctx, &transport.Request{
		Op:     "tasks.create",
		Method: http.MethodPut,
		Path:   idPath("/projects/%d/tasks", t.ProjectID),
		Body:   t,
	}, &out)
	normalizeTask(&out)
	return out, err
}

func (a *API) UpdateTask(ctx context.Context, t model.Task) (model.Task, error) {
	var out model.Task
	err := a.doer.Do(ctx, &transport.Request{
		Op:     "tasks.update",
		Method: http.MethodPost,
		Path:   idPath("/tasks/%d", t.ID),
		Body:   t,
	}, &out)
	normalizeTask(&out)
	return out, err
}

func (a *API) DeleteTask(ctx context.Context, id int64) error {
	return a.doer.Do(ctx, &transport.Request{Op: "tasks.delete", Method: http.MethodDelete, Path: idPath("/tasks/%d", id)}, nil)
}

type positionBody struct {
	TaskID   int64   `json:"task_id"`
	Position float64 `json:"position"`
}

func (a *API) MoveTask(ctx context.Context, id int64, position float64) error {
	return a.doer.Do(ctx, &transport.Request{
		Op:     "tasks.position",
		Method: http.MethodPost,
		Path:   idPath("/tasks/%d/position", id),
		Body:   positionBody{TaskID: id, Position: position},
	}, nil)
}

func (a *API) CreateRelation(ctx context.Context, rel model.TaskRelation) (model.TaskRelation, error) {
	var out model.TaskRelation
	err := a.doer.Do(ctx, &transport.Request{
		Op:     "relations.create",
		Method: http.MethodPut,
		Path:   idPath("/tasks/%d/relations", rel.TaskID),
		Body:   rel,
	}, &out)
	return out, err
}

func (a *API) DeleteRelation(ctx context.Context, rel model.TaskRelation) error {
	return a.doer.Do(ctx, &transport.Request{
		Op:     "relations.delete",
		Method: http.MethodDelete,
		Path:   fmt.Sprintf("/tasks/%d/relations/%s/%d", rel.TaskID, url.PathEscape(rel.RelationKind), rel.OtherTaskID),
	}, nil)
}

func (a *API) ListProjects(ctx context.Context) ([]model.Project, error) {
	const op = "projects.list"
	var raw json.RawMessage
	if err := a.doer.Do(ctx, &transport.Request{Op: op, Method: http.MethodGet, Path: "/projects", Query: url.Values{"is_archived": {"true"}}}, &raw); err != nil {
		return nil, err
	}
	out := make([]model.Project, 0)
	if err := decodeValidated(op, schemaProjects, raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *API) CreateProject(ctx context.Context, p model.Project) (model.Project, error) {
	var out model.Project
	err := a.doer.Do(ctx, &transport.Request{Op: "projects.create", Method: http.MethodPut, Path: "/projects", Body: p}, &out)
	return out, err
}

func (a *API) UpdateProject(ctx context.Context, p model.Project) (model.Project, error) {
	var out model.Project
	err := a.doer.Do(ctx, &transport.Request{Op: "projects.update", Method: http.MethodPost, Path: idPath("/projects/%d", p.ID), Body: p}, &out)
	return out, err
}

func (a *API) DeleteProject(ctx context.Context, id int64) error {
	return a.doer.Do(ctx, &transport.Request{Op: "projects.delete", Method: http.MethodDelete, Path: idPath("/projects/%d", id)}, nil)
}

func (a *API) ListLabels(ctx context.Context) ([]model.Label, error) {
	const op = "labels.list"
	var raw json.RawMessage
	if err := a.doer.Do(ctx, &transport.Request{Op: op, Method: http.MethodGet, Path: "/labels"}, &raw); err != nil {
		return nil, err
	}
	out := make([]model.Label, 0)
	if err := decodeValidated(op, schemaLabels, raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *API) CreateLabel(ctx context.Context, l model.Label) (model.Label, error) {
	var out model.Label
	err := a.doer.Do(ctx, &transport.Request{Op: "labels.create", Method: http.MethodPut, Path: "/labels", Body: l}, &out)
	return out, err
}

func (a *API) UpdateLabel(ctx context.Context, l model.Label) (model.Label, error) {
	var out model.Label
	err := a.doer.Do(ctx, &transport.Request{Op: "labels.update", Method: http.MethodPost, Path: idPath("/labels/%d", l.ID), Body: l}, &out)
	return out, err
}

func (a *API) DeleteLabel(ctx context.Context, id int64) error {
	return a.doer.Do(ctx, &transport.Request{Op: "labels.delete", Method: http.MethodDelete, Path: idPath("/labels/%d", id)}, nil)
}

func (a *API) ListAttachments(ctx context.Context, taskID int64) ([]model.Attachment, error) {
	const op = "attachments.list"
	var raw json.RawMessage
	if err := a.doer.Do(ctx, &transport.Request{Op: op, Method: http.MethodGet, Path: idPath("/tasks/%d/attachments", taskID)}, &raw); err != nil {
		return nil, err
	}
	out := make([]model.Attachment, 0)
	if err := decodeValidated(op, schemaAttachments, raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *API) DeleteAttachment(ctx context.Context, taskID, attachmentID int64) error {
	return a.doer.Do(ctx, &transport.Request{
		Op:     "attachments.delete",
		Method: http.MethodDelete,
		Path:   idPath("/tasks/%d/attachments/%d", taskID, attachmentID),
	}, nil)
}
