// Package model defines the task-service entities shared by the remote client,
// the local cache and the pending action queue.
package model

import "time"

type EntityType string

const (
	EntityTask       EntityType = "task"
	EntityProject    EntityType = "project"
	EntityLabel      EntityType = "label"
	EntityAttachment EntityType = "attachment"
)

func (e EntityType) Valid() bool {
	switch e {
	case EntityTask, EntityProject, EntityLabel, EntityAttachment:
		return true
	}
	return false
}

type Task struct {
	ID          int64                `json:"id"`
	ProjectID   int64                `json:"project_id"`
	Title       string               `json:"title"`
	Description string               `json:"description,omitempty"`
	Done        bool                 `json:"done"`
	DoneAt      *time.Time           `json:"done_at,omitempty"`
	DueDate     *time.Time           `json:"due_date,omitempty"`
	Priority    int                  `json:"priority"`
	Position    float64              `json:"position"`
	HexColor    string               `json:"hex_color,omitempty"`
	Labels      []Label              `json:"labels,omitempty"`
	Reminders   []Reminder           `json:"reminders,omitempty"`
	Related     map[string][]TaskRef `json:"related_tasks,omitempty"`
	Created     time.Time            `json:"created"`
	Updated     time.Time            `json:"updated"`
}

// Provisional reports whether the task only exists locally so far.
func (t Task) Provisional() bool { return t.ID < 0 }

// TaskRef is the reduced task shape embedded in relation lists.
type TaskRef struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	ProjectID int64  `json:"project_id"`
}

type Reminder struct {
	Reminder       time.Time `json:"reminder"`
	RelativePeriod int64     `json:"relative_period,omitempty"`
	RelativeTo     string    `json:"relative_to,omitempty"`
}

type TaskRelation struct {
	TaskID       int64  `json:"task_id"`
	OtherTaskID  int64  `json:"other_task_id"`
	RelationKind string `json:"relation_kind"`
}

type Project struct {
	ID              int64     `json:"id"`
	Title           string    `json:"title"`
	Description     string    `json:"description,omitempty"`
	ParentProjectID int64     `json:"parent_project_id"`
	HexColor        string    `json:"hex_color,omitempty"`
	IsArchived      bool      `json:"is_archived"`
	Position        float64   `json:"position"`
	Created         time.Time `json:"created"`
	Updated         time.Time `json:"updated"`
}

type Label struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	HexColor    string    `json:"hex_color,omitempty"`
	Created     time.Time `json:"created"`
	Updated     time.Time `json:"updated"`
}

type Attachment struct {
	ID       int64     `json:"id"`
	TaskID   int64     `json:"task_id"`
	FileName string    `json:"file_name"`
	FileSize int64     `json:"file_size"`
	MimeType string    `json:"mime"`
	Created  time.Time `json:"created"`
}
