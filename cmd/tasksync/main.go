package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tasksync",
		Short:         "Offline-first sync client for a task server",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().Bool("verbose", false, "also write logs to stdout")

	root.AddCommand(loginCmd())
	root.AddCommand(logoutCmd())
	root.AddCommand(refreshCmd())
	root.AddCommand(addCmd())
	root.AddCommand(doneCmd())
	root.AddCommand(rmCmd())
	root.AddCommand(listCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(retryFailedCmd())
	root.AddCommand(discardFailedCmd())
	root.AddCommand(daemonCmd())
	return root
}

// withApp opens the runtime for one command and closes it afterwards.
func withApp(cmd *cobra.Command, run func(ctx context.Context, a *app) error) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	ctx := cmd.Context()
	a, err := openApp(ctx, !verbose)
	if err != nil {
		return err
	}
	defer a.Close()
	return run(ctx, a)
}
