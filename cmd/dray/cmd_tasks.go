package main

import (
	"database/sql"
	"fmt"
	"time"

	"dray/pkg/dispatch"
	"dray/pkg/eventlog"
	"dray/pkg/protocol"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// newTasksCmd creates the "dray tasks" command group.
func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage dispatchable work items",
	}
	cmd.AddCommand(
		newTasksAddCmd(),
		newTasksListCmd(),
		newTasksShowCmd(),
		newTasksSetCmd(),
		newTasksImportCmd(),
	)
	return cmd
}

// withRuntime opens the runtime database and hands the caller a task store
// plus the event logger, closing the connection afterwards.
func withRuntime(fn func(db *sql.DB, store *dispatch.SQLiteStore, events eventlog.Logger) error) error {
	paths, err := ResolvePaths()
	if err != nil {
		return fmt.Errorf("resolve paths: %w", err)
	}
	db, err := openRuntimeDB(paths.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	return fn(db, dispatch.NewSQLiteStore(db), eventlog.NewSQLiteLogger(db))
}

func newTasksAddCmd() *cobra.Command {
	var (
		scope  string
		sprint string
		tier   int
		order  int
		id     string
	)

	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Add a task to a scope's backlog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(_ *sql.DB, store *dispatch.SQLiteStore, _ eventlog.Logger) error {
				t := protocol.Task{
					ID:       id,
					ScopeID:  scope,
					SprintID: sprint,
					Title:    args[0],
					Status:   protocol.TaskBacklog,
					Order:    order,
				}
				if t.ID == "" {
					t.ID = uuid.NewString()
				}
				if cmd.Flags().Changed("tier") {
					t.Tier = &tier
				}
				now := time.Now().UTC()
				t.CreatedAt, t.UpdatedAt = now, now

				if err := store.Create(cmd.Context(), t); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", t.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&scope, "scope", "", "scope the task belongs to")
	cmd.Flags().StringVar(&sprint, "sprint", "", "optional sprint id")
	cmd.Flags().IntVar(&tier, "tier", 0, "priority tier (omit for untiered)")
	cmd.Flags().IntVar(&order, "order", 0, "ordering within the tier")
	cmd.Flags().StringVar(&id, "id", "", "explicit task id (generated when empty)")
	_ = cmd.MarkFlagRequired("scope")

	return cmd
}

func newTasksListCmd() *cobra.Command {
	var (
		scope  string
		sprint string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks in a scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(_ *sql.DB, store *dispatch.SQLiteStore, _ eventlog.Logger) error {
				tasks, err := store.List(cmd.Context(), scope, sprint)
				if err != nil {
					return err
				}
				if len(tasks) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no tasks")
					return nil
				}
				renderTaskTable(cmd.OutOrStdout(), tasks)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&scope, "scope", "", "scope to list")
	cmd.Flags().StringVar(&sprint, "sprint", "", "narrow to a sprint")
	_ = cmd.MarkFlagRequired("scope")

	return cmd
}

func newTasksShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(_ *sql.DB, store *dispatch.SQLiteStore, _ eventlog.Logger) error {
				t, err := store.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "id        %s\n", t.ID)
				fmt.Fprintf(w, "title     %s\n", t.Title)
				fmt.Fprintf(w, "scope     %s\n", t.ScopeID)
				fmt.Fprintf(w, "sprint    %s\n", t.SprintID)
				fmt.Fprintf(w, "status    %s\n", taskBadge(t.Status))
				fmt.Fprintf(w, "tier      %s\n", tierLabel(t.Tier))
				fmt.Fprintf(w, "order     %d\n", t.Order)
				fmt.Fprintf(w, "assignee  %s\n", t.AssignedTo)
				if t.AssignedAt != nil {
					fmt.Fprintf(w, "assigned  %s\n", t.AssignedAt.Format(time.RFC3339))
				}
				fmt.Fprintf(w, "created   %s\n", t.CreatedAt.Format(time.RFC3339))
				fmt.Fprintf(w, "updated   %s\n", t.UpdatedAt.Format(time.RFC3339))
				return nil
			})
		},
	}
}

func newTasksSetCmd() *cobra.Command {
	var (
		status string
		title  string
		tier   int
		order  int
		sprint string
		actor  string
	)

	cmd := &cobra.Command{
		Use:   "set <id>",
		Short: "Update a task's status or fields",
		Long: `Status changes go through the lifecycle state machine (assignment
clearing, post-transition hooks, event log). Field updates never touch
status or assignment.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(_ *sql.DB, store *dispatch.SQLiteStore, events eventlog.Logger) error {
				cfg, err := loadRuntimeConfig()
				if err != nil {
					return err
				}
				lc := dispatch.NewLifecycle(store, events, dispatch.LifecycleConfig{
					RequireReviewForDone: cfg.RequireReviewForDone,
				})

				id := args[0]
				if cmd.Flags().Changed("title") || cmd.Flags().Changed("tier") ||
					cmd.Flags().Changed("order") || cmd.Flags().Changed("sprint") {
					if _, err := lc.UpdateFields(cmd.Context(), id, func(t *protocol.Task) {
						if cmd.Flags().Changed("title") {
							t.Title = title
						}
						if cmd.Flags().Changed("tier") {
							t.Tier = &tier
						}
						if cmd.Flags().Changed("order") {
							t.Order = order
						}
						if cmd.Flags().Changed("sprint") {
							t.SprintID = sprint
						}
					}); err != nil {
						return err
					}
				}

				if status != "" {
					t, err := lc.SetStatus(cmd.Context(), id, protocol.TaskStatus(status), actor)
					if err != nil {
						return err
					}
					lc.WaitHooks()
					fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", t.ID, taskBadge(t.Status))
					return nil
				}

				fmt.Fprintf(cmd.OutOrStdout(), "updated %s\n", id)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "new status (backlog|in_progress|review|done|blocked)")
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().IntVar(&tier, "tier", 0, "new tier")
	cmd.Flags().IntVar(&order, "order", 0, "new order")
	cmd.Flags().StringVar(&sprint, "sprint", "", "new sprint")
	cmd.Flags().StringVar(&actor, "actor", "operator", "actor recorded in the event log")

	return cmd
}

func newTasksImportCmd() *cobra.Command {
	var scope string

	cmd := &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Import a YAML task batch into a scope",
		Long: `Creates every task listed in the file's "tasks" array. The file is
renamed with an .imported suffix after a successful import so a later
sweep never processes it twice.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(_ *sql.DB, store *dispatch.SQLiteStore, events eventlog.Logger) error {
				im := dispatch.NewImporter(store, events, scope, "")
				n, err := im.ImportFile(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d task(s) into %s\n", n, scope)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&scope, "scope", "", "scope to import into")
	_ = cmd.MarkFlagRequired("scope")

	return cmd
}

// loadRuntimeConfig resolves paths and loads the config file + env overrides.
func loadRuntimeConfig() (runtimeConfig, error) {
	paths, err := ResolvePaths()
	if err != nil {
		return runtimeConfig{}, fmt.Errorf("resolve paths: %w", err)
	}
	return loadConfig(paths.ConfigPath)
}
