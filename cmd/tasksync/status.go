package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/tasksync/internal/credentials"
	"github.com/basket/tasksync/internal/queue"
)

type statusReport struct {
	Server         string
	LoggedIn       bool
	HasFallback    bool
	SessionInvalid bool
	SessionExpires time.Time
	Stats          queue.Stats
	Failed         []queue.Action
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show login state and queued changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				rep, err := collectStatus(ctx, a)
				if err != nil {
					return err
				}
				renderStatus(cmd.OutOrStdout(), rep, time.Now(), isatty.IsTerminal(os.Stdout.Fd()))
				return nil
			})
		},
	}
}

func collectStatus(ctx context.Context, a *app) (statusReport, error) {
	cred := a.creds.Current()
	rep := statusReport{
		Server:         a.client.Endpoint().Base(),
		LoggedIn:       cred.Primary != "" || cred.Fallback != "",
		HasFallback:    cred.Fallback != "",
		SessionInvalid: a.creds.SessionInvalid(),
	}
	if !a.client.Endpoint().Configured() {
		rep.Server = ""
	}
	if exp, ok := credentials.ExpiresAt(cred.Primary); ok {
		rep.SessionExpires = exp
	}
	var err error
	if rep.Stats, err = a.sync.Stats(ctx); err != nil {
		return rep, err
	}
	if rep.Failed, err = a.sync.FailedActions(ctx); err != nil {
		return rep, err
	}
	return rep, nil
}

var (
	statusBox   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("62")).Padding(0, 1)
	statusTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Width(10)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

func renderStatus(w io.Writer, rep statusReport, now time.Time, styled bool) {
	paint := func(s lipgloss.Style, text string) string {
		if !styled {
			return text
		}
		return s.Render(text)
	}
	label := func(text string) string {
		if !styled {
			return fmt.Sprintf("%-10s", text)
		}
		return labelStyle.Render(text)
	}

	server := rep.Server
	if server == "" {
		server = paint(warnStyle, "not configured")
	}

	var session string
	switch {
	case !rep.LoggedIn:
		session = paint(warnStyle, "logged out")
	case rep.SessionInvalid && !rep.HasFallback:
		session = paint(errStyle, "re-login required")
	case rep.SessionExpires.IsZero():
		session = paint(okStyle, "active")
	case now.After(rep.SessionExpires):
		session = paint(warnStyle, "expired, renews on next request")
	default:
		session = paint(okStyle, "active until "+rep.SessionExpires.Local().Format(time.DateTime))
	}
	if rep.LoggedIn && rep.HasFallback {
		session += " (long-lived token on file)"
	}

	queueLine := fmt.Sprintf("%d pending, %d failed", rep.Stats.Pending, rep.Stats.Failed)
	switch {
	case rep.Stats.Failed > 0:
		queueLine = paint(errStyle, queueLine)
	case rep.Stats.Pending > 0:
		queueLine = paint(warnStyle, queueLine)
	default:
		queueLine = paint(okStyle, queueLine)
	}

	lines := []string{
		paint(statusTitle, "tasksync "+Version),
		label("server") + server,
		label("session") + session,
		label("queue") + queueLine,
	}
	for _, f := range rep.Failed {
		lines = append(lines, "  "+paint(errStyle, "x")+" "+f.String()+": "+f.LastError)
	}
	body := strings.Join(lines, "\n")
	if styled {
		body = statusBox.Render(body)
	}
	fmt.Fprintln(w, body)
}
