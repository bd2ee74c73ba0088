package main

import (
	"database/sql"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"dray/pkg/dispatch"
	"dray/pkg/eventlog"

	"github.com/spf13/cobra"
)

// newReclaimCmd creates the "dray reclaim" subcommand.
func newReclaimCmd() *cobra.Command {
	var (
		loop      bool
		threshold time.Duration
	)

	cmd := &cobra.Command{
		Use:   "reclaim <scope>",
		Short: "Return stale-leased tasks to the backlog",
		Long: `Sweeps a scope for in_progress tasks whose lease is older than the
staleness threshold and returns them to the backlog, clearing the
assignment. With --loop, keeps sweeping on a timer until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(_ *sql.DB, store *dispatch.SQLiteStore, events eventlog.Logger) error {
				th := threshold
				if !cmd.Flags().Changed("threshold") {
					cfg, err := loadRuntimeConfig()
					if err != nil {
						return err
					}
					th = cfg.StaleThreshold
				}
				rec := dispatch.NewReclaimer(store, events, th)

				scope := args[0]
				reclaimed, err := rec.Reclaim(cmd.Context(), scope)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				for _, t := range reclaimed {
					fmt.Fprintf(w, "reclaimed %s (was %s)\n", t.ID, t.Title)
				}
				if len(reclaimed) == 0 {
					fmt.Fprintln(w, "nothing stale")
				}

				if !loop {
					return nil
				}

				ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				fmt.Fprintf(w, "sweeping %s every %s (ctrl-c to stop)\n", scope, th/3)
				rec.Run(ctx, scope)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&loop, "loop", false, "keep sweeping on a timer")
	cmd.Flags().DurationVar(&threshold, "threshold", dispatch.DefaultStaleThreshold, "lease age before a task counts as stale")

	return cmd
}
