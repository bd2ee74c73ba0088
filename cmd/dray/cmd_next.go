package main

import (
	"database/sql"
	"errors"
	"fmt"

	"dray/pkg/dispatch"
	"dray/pkg/eventlog"
	"dray/pkg/protocol"

	"github.com/spf13/cobra"
)

// newNextCmd creates the "dray next" subcommand.
func newNextCmd() *cobra.Command {
	var (
		worker string
		sprint string
	)

	cmd := &cobra.Command{
		Use:   "next <scope>",
		Short: "Dispatch the next task in a scope to a worker",
		Long: `Selects and atomically claims the next dispatchable task under strict
tier gating: the lowest incomplete tier is served first, ordered by
(order, created_at). Exits non-zero when nothing is dispatchable.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(_ *sql.DB, store *dispatch.SQLiteStore, events eventlog.Logger) error {
				policy := dispatch.NewPolicy(store, events)
				t, err := policy.SelectNext(cmd.Context(), args[0], worker, dispatch.SelectOpts{SprintID: sprint})
				if err != nil {
					var notFound *protocol.TaskNotFoundError
					if errors.As(err, &notFound) {
						return fmt.Errorf("nothing dispatchable in scope %s", args[0])
					}
					return err
				}

				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "dispatched %s to %s\n", t.ID, t.AssignedTo)
				fmt.Fprintf(w, "  title: %s\n", t.Title)
				fmt.Fprintf(w, "  tier:  %s  order: %d\n", tierLabel(t.Tier), t.Order)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&worker, "worker", "", "worker id the task is assigned to")
	cmd.Flags().StringVar(&sprint, "sprint", "", "narrow dispatch to a sprint")
	_ = cmd.MarkFlagRequired("worker")

	return cmd
}
