package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/tasksync/internal/cache"
	"github.com/basket/tasksync/internal/model"
)

const dueLayout = "2006-01-02"

// parseDue accepts a calendar date or a relative day count such as "+3".
func parseDue(raw string, now time.Time) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "+") {
		days, err := strconv.Atoi(raw[1:])
		if err != nil || days < 0 {
			return nil, fmt.Errorf("invalid relative due date %q", raw)
		}
		y, m, d := now.Date()
		due := time.Date(y, m, d, 0, 0, 0, 0, now.Location()).AddDate(0, 0, days)
		return &due, nil
	}
	due, err := time.ParseInLocation(dueLayout, raw, now.Location())
	if err != nil {
		return nil, fmt.Errorf("invalid due date %q: want YYYY-MM-DD or +N", raw)
	}
	return &due, nil
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

// defaultProject picks the first cached, unarchived project.
func defaultProject(ctx context.Context, a *app) (int64, error) {
	projects, err := a.cache.Projects(ctx, false)
	if err != nil {
		return 0, err
	}
	if len(projects) == 0 {
		return 0, errors.New("no cached projects: run `tasksync refresh` or pass --project")
	}
	return projects[0].ID, nil
}

func addCmd() *cobra.Command {
	var (
		project  int64
		due      string
		priority int
	)
	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Create a task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				dueDate, err := parseDue(due, time.Now())
				if err != nil {
					return err
				}
				if project == 0 {
					if project, err = defaultProject(ctx, a); err != nil {
						return err
					}
				}
				t, err := a.sync.CreateTask(ctx, model.Task{
					ProjectID: project,
					Title:     strings.Join(args, " "),
					DueDate:   dueDate,
					Priority:  priority,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added %d %q\n", t.ID, t.Title)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&project, "project", 0, "project id (defaults to the first cached project)")
	cmd.Flags().StringVar(&due, "due", "", "due date, YYYY-MM-DD or +N days")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority 0-5")
	return cmd
}

func doneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "done <id>",
		Short: "Toggle a task's done flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				id, err := resolveTaskID(ctx, a, args[0])
				if err != nil {
					return err
				}
				t, err := a.sync.ToggleDone(ctx, id)
				if err != nil {
					return err
				}
				state := "open"
				if t.Done {
					state = "done"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d %q is %s\n", t.ID, t.Title, state)
				return nil
			})
		},
	}
}

func rmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				id, err := resolveTaskID(ctx, a, args[0])
				if err != nil {
					return err
				}
				if err := a.sync.DeleteTask(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d\n", id)
				return nil
			})
		},
	}
}

// resolveTaskID maps a temporary id printed by `add` to its server id once
// the create has been replayed.
func resolveTaskID(ctx context.Context, a *app, raw string) (int64, error) {
	id, err := parseID(raw)
	if err != nil {
		return 0, err
	}
	return a.cache.ResolveID(ctx, model.EntityTask, id)
}

func listCmd() *cobra.Command {
	var (
		view, search string
		project      int64
		all, asJSON  bool
		limit        int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				v, err := cache.ParseView(view)
				if err != nil {
					return err
				}
				q := cache.Query{View: v, ProjectID: project, Search: search, Limit: limit}
				if !all {
					open := false
					q.Done = &open
				}
				tasks, err := a.cache.Tasks(ctx, q)
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(tasks)
				}
				renderTasks(cmd.OutOrStdout(), tasks, isatty.IsTerminal(os.Stdout.Fd()))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&view, "view", "inbox", "inbox, today, upcoming, project or search")
	cmd.Flags().Int64Var(&project, "project", 0, "project id for the project view")
	cmd.Flags().StringVar(&search, "search", "", "search term for the search view")
	cmd.Flags().BoolVar(&all, "all", false, "include done tasks (project and search views)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum tasks to print")
	return cmd
}

var (
	idStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Width(7).Align(lipgloss.Right)
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Strikethrough(true)
	dueStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
)

func renderTasks(w io.Writer, tasks []model.Task, styled bool) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "no tasks")
		return
	}
	for _, t := range tasks {
		mark := "[ ]"
		if t.Done {
			mark = "[x]"
		}
		due := ""
		if t.DueDate != nil {
			due = " due " + t.DueDate.Format(dueLayout)
		}
		if !styled {
			fmt.Fprintf(w, "%7d %s %s%s\n", t.ID, mark, t.Title, due)
			continue
		}
		title := t.Title
		switch {
		case t.Done:
			title = doneStyle.Render(title)
		case t.Provisional():
			title = pendingStyle.Render(title + " (unsynced)")
		}
		fmt.Fprintf(w, "%s %s %s%s\n", idStyle.Render(strconv.FormatInt(t.ID, 10)), mark, title, dueStyle.Render(due))
	}
}
