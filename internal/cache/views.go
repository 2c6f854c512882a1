package cache

import (
	"fmt"
	"strings"
	"time"

	"github.com/basket/tasksync/internal/persistence"
)

type View string

const (
	ViewInbox    View = "inbox"
	ViewToday    View = "today"
	ViewUpcoming View = "upcoming"
	ViewProject  View = "project"
	ViewSearch   View = "search"
)

const upcomingWindow = 7 * 24 * time.Hour

// Query selects cached tasks for one view. Fields left zero fall back to the
// view's defaults.
type Query struct {
	View      View
	ProjectID int64 // required for ViewProject; narrows ViewInbox to the default project
	Search    string
	Done      *bool
	DueFrom   *time.Time
	DueTo     *time.Time
	Limit     int
}

func ParseView(s string) (View, error) {
	v := View(strings.ToLower(strings.TrimSpace(s)))
	switch v {
	case ViewInbox, ViewToday, ViewUpcoming, ViewProject, ViewSearch:
		return v, nil
	case "":
		return ViewInbox, nil
	}
	return "", fmt.Errorf("unknown view %q", s)
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// taskQuery lowers q to a store filter relative to now.
func (q Query) taskQuery(now time.Time) (persistence.TaskQuery, error) {
	open := false
	tq := persistence.TaskQuery{
		ProjectID: q.ProjectID,
		Done:      q.Done,
		DueFrom:   q.DueFrom,
		DueTo:     q.DueTo,
		Search:    q.Search,
		Limit:     q.Limit,
	}
	view := q.View
	if view == "" {
		view = ViewInbox
	}
	switch view {
	case ViewInbox:
		if tq.Done == nil {
			tq.Done = &open
		}
	case ViewToday:
		if tq.Done == nil {
			tq.Done = &open
		}
		if tq.DueTo == nil {
			end := startOfDay(now).AddDate(0, 0, 1)
			tq.DueTo = &end
		}
		tq.OrderByDue = true
	case ViewUpcoming:
		if tq.Done == nil {
			tq.Done = &open
		}
		if tq.DueFrom == nil {
			start := startOfDay(now)
			tq.DueFrom = &start
		}
		if tq.DueTo == nil {
			end := tq.DueFrom.Add(upcomingWindow)
			tq.DueTo = &end
		}
		tq.OrderByDue = true
	case ViewProject:
		if q.ProjectID == 0 {
			return tq, fmt.Errorf("project view needs a project id")
		}
	case ViewSearch:
		if strings.TrimSpace(q.Search) == "" {
			return tq, fmt.Errorf("search view needs a search term")
		}
	default:
		return tq, fmt.Errorf("unknown view %q", q.View)
	}
	return tq, nil
}
