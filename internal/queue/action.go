// Package queue is the durable log of local mutations the server has not
// confirmed yet. Each target entity has at most one outstanding action.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/tasksync/internal/model"
	"github.com/basket/tasksync/internal/persistence"
)

type Kind string

const (
	KindCreate   Kind = "create"
	KindUpdate   Kind = "update"
	KindDelete   Kind = "delete"
	KindPosition Kind = "position"
)

type Status = persistence.PendingStatus

const (
	StatusPending   = persistence.PendingStatusPending
	StatusFailed    = persistence.PendingStatusFailed
	StatusCompleted = persistence.PendingStatusCompleted
)

// kindsByEntity lists the action kinds each entity type supports.
var kindsByEntity = map[model.EntityType]map[Kind]struct{}{
	model.EntityTask:       {KindCreate: {}, KindUpdate: {}, KindDelete: {}, KindPosition: {}},
	model.EntityProject:    {KindCreate: {}, KindUpdate: {}, KindDelete: {}},
	model.EntityLabel:      {KindCreate: {}, KindUpdate: {}, KindDelete: {}},
	model.EntityAttachment: {KindDelete: {}},
}

// Action is one queued mutation. Payload holds the kind-specific body: the
// full entity for create and update, a Position for position changes and a
// DeleteRef for deletes.
type Action struct {
	ID         int64
	EntityType model.EntityType
	EntityID   int64
	Kind       Kind
	Payload    json.RawMessage
	Status     Status
	RetryCount int
	MaxRetries int
	LastError  string
	Revision   int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Position is the payload of a position change.
type Position struct {
	Position float64 `json:"position"`
}

// DeleteRef is the payload of a delete. ParentID is the owning task for
// attachments and is zero otherwise.
type DeleteRef struct {
	ParentID int64 `json:"parent_id,omitempty"`
}

func newAction(entity model.EntityType, id int64, kind Kind, payload any) (Action, error) {
	kinds, ok := kindsByEntity[entity]
	if !ok {
		return Action{}, fmt.Errorf("unknown entity type %q", entity)
	}
	if _, ok := kinds[kind]; !ok {
		return Action{}, fmt.Errorf("%s does not support %s actions", entity, kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Action{}, fmt.Errorf("encode %s %s payload: %w", entity, kind, err)
	}
	return Action{EntityType: entity, EntityID: id, Kind: kind, Payload: raw, Status: StatusPending}, nil
}

func CreateTask(t model.Task) (Action, error) {
	return newAction(model.EntityTask, t.ID, KindCreate, t)
}

func UpdateTask(t model.Task) (Action, error) {
	return newAction(model.EntityTask, t.ID, KindUpdate, t)
}

func DeleteTask(id int64) (Action, error) {
	return newAction(model.EntityTask, id, KindDelete, DeleteRef{})
}

func MoveTask(id int64, position float64) (Action, error) {
	return newAction(model.EntityTask, id, KindPosition, Position{Position: position})
}

func CreateProject(p model.Project) (Action, error) {
	return newAction(model.EntityProject, p.ID, KindCreate, p)
}

func UpdateProject(p model.Project) (Action, error) {
	return newAction(model.EntityProject, p.ID, KindUpdate, p)
}

func DeleteProject(id int64) (Action, error) {
	return newAction(model.EntityProject, id, KindDelete, DeleteRef{})
}

func CreateLabel(l model.Label) (Action, error) {
	return newAction(model.EntityLabel, l.ID, KindCreate, l)
}

func UpdateLabel(l model.Label) (Action, error) {
	return newAction(model.EntityLabel, l.ID, KindUpdate, l)
}

func DeleteLabel(id int64) (Action, error) {
	return newAction(model.EntityLabel, id, KindDelete, DeleteRef{})
}

func DeleteAttachment(taskID, attachmentID int64) (Action, error) {
	return newAction(model.EntityAttachment, attachmentID, KindDelete, DeleteRef{ParentID: taskID})
}

// Task decodes a task create or update payload.
func (a Action) Task() (model.Task, error) {
	var t model.Task
	err := a.decode(model.EntityTask, &t, KindCreate, KindUpdate)
	return t, err
}

func (a Action) Project() (model.Project, error) {
	var p model.Project
	err := a.decode(model.EntityProject, &p, KindCreate, KindUpdate)
	return p, err
}

func (a Action) Label() (model.Label, error) {
	var l model.Label
	err := a.decode(model.EntityLabel, &l, KindCreate, KindUpdate)
	return l, err
}

func (a Action) Position() (Position, error) {
	var p Position
	err := a.decode(model.EntityTask, &p, KindPosition)
	return p, err
}

func (a Action) DeleteRef() (DeleteRef, error) {
	var d DeleteRef
	err := a.decode(a.EntityType, &d, KindDelete)
	return d, err
}

func (a Action) decode(entity model.EntityType, out any, kinds ...Kind) error {
	if a.EntityType != entity {
		return fmt.Errorf("action %d is a %s action, not %s", a.ID, a.EntityType, entity)
	}
	match := false
	for _, k := range kinds {
		if a.Kind == k {
			match = true
			break
		}
	}
	if !match {
		return fmt.Errorf("action %d has kind %s", a.ID, a.Kind)
	}
	if len(a.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(a.Payload, out); err != nil {
		return fmt.Errorf("decode action %d payload: %w", a.ID, err)
	}
	return nil
}

func (a Action) String() string {
	return fmt.Sprintf("%s %s %d (#%d, %s, retries %d/%d)", a.Kind, a.EntityType, a.EntityID, a.ID, a.Status, a.RetryCount, a.MaxRetries)
}

func fromRow(p persistence.PendingAction) Action {
	return Action{
		ID:         p.ID,
		EntityType: p.EntityType,
		EntityID:   p.EntityID,
		Kind:       Kind(p.Kind),
		Payload:    json.RawMessage(p.Payload),
		Status:     p.Status,
		RetryCount: p.RetryCount,
		MaxRetries: p.MaxRetries,
		LastError:  p.LastError,
		Revision:   p.Revision,
		CreatedAt:  p.CreatedAt,
		UpdatedAt:  p.UpdatedAt,
	}
}

func (a Action) row() persistence.PendingAction {
	return persistence.PendingAction{
		ID:         a.ID,
		EntityType: a.EntityType,
		EntityID:   a.EntityID,
		Kind:       string(a.Kind),
		Payload:    string(a.Payload),
		Status:     a.Status,
		RetryCount: a.RetryCount,
		MaxRetries: a.MaxRetries,
		LastError:  a.LastError,
		Revision:   a.Revision,
		CreatedAt:  a.CreatedAt,
		UpdatedAt:  a.UpdatedAt,
	}
}
