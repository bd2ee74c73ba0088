package main

import (
	"database/sql"
	"fmt"
	"os/signal"
	"syscall"

	"dray/pkg/dispatch"
	"dray/pkg/eventlog"

	"github.com/spf13/cobra"
)

// newWatchCmd creates the "dray watch" subcommand.
func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <scope> [dir]",
		Short: "Watch an inbox directory and import dropped task files",
		Long: `Watches a spool directory for *.yaml task batches, imports each into
the scope's backlog, and renames processed files with an .imported
suffix. A fallback poll ticker catches events the watcher misses.
Defaults to the inbox under the dray home directory.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 2 {
				dir = args[1]
			}
			if dir == "" {
				paths, err := ResolvePaths()
				if err != nil {
					return fmt.Errorf("resolve paths: %w", err)
				}
				dir = paths.InboxDir
			}

			return withRuntime(func(_ *sql.DB, store *dispatch.SQLiteStore, events eventlog.Logger) error {
				im := dispatch.NewImporter(store, events, args[0], dir)

				ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()

				fmt.Fprintf(cmd.OutOrStdout(), "watching %s for task files (ctrl-c to stop)\n", dir)
				return im.Run(ctx)
			})
		},
	}
}
