package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basket/tasksync/internal/remote"
	"github.com/basket/tasksync/internal/syncer"
)

func refreshCmd() *cobra.Command {
	var (
		full, metadata bool
		project        int64
		search         string
	)
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Fetch from the server and replay queued changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.requireLogin(); err != nil {
					return err
				}
				res := a.sync.Refresh(ctx, syncer.RefreshRequest{
					Filter:      remote.TaskFilter{ProjectID: project, Search: search},
					Metadata:    metadata,
					FullReplace: full,
				})
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "fetched %d, removed %d, replayed %d, failed %d\n", res.Fetched, res.Removed, res.Replayed, res.Failed)
				if res.Err != nil {
					return errors.New(describe(res.Err))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "drop cached entities the server no longer returns")
	cmd.Flags().BoolVar(&metadata, "metadata", true, "also refresh projects and labels")
	cmd.Flags().Int64Var(&project, "project", 0, "only refresh one project")
	cmd.Flags().StringVar(&search, "search", "", "only refresh tasks matching a search term")
	return cmd
}

func retryFailedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry-failed",
		Short: "Give failed changes a fresh retry budget and replay them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				n, err := a.sync.RetryAllFailed(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %d change(s)\n", n)
				if n == 0 || a.requireLogin() != nil {
					return nil
				}
				res := a.sync.Drain(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "replayed %d, failed %d\n", res.Replayed, res.Failed)
				if res.Err != nil {
					return errors.New(describe(res.Err))
				}
				return nil
			})
		},
	}
}

func discardFailedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discard-failed",
		Short: "Drop changes the server kept rejecting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				n, err := a.sync.DiscardAllFailed(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "discarded %d change(s)\n", n)
				return nil
			})
		},
	}
}
