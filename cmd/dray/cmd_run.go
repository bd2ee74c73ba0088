package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dray/pkg/eventlog"
	"dray/pkg/session"

	"github.com/spf13/cobra"
)

// newRunCmd creates the "dray run" subcommand.
func newRunCmd() *cobra.Command {
	var (
		model   string
		timeout time.Duration
		dir     string
	)

	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Run a prompt through the agent CLI as a new session",
		Long: `Creates a session, spawns the agent CLI, and streams the session's
wire envelopes to stdout as NDJSON. SIGINT stops the session gracefully
(the subprocess gets SIGTERM, then SIGKILL after the grace period).
Blocks until the session reaches a terminal state.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSessionManager(cmd, func(m *session.Manager) error {
				cfg, err := loadRuntimeConfig()
				if err != nil {
					return err
				}
				if cmd.Flags().Changed("timeout") {
					cfg.SessionTimeout = timeout
				}

				rec, err := m.Create(cmd.Context(), session.CreateParams{Prompt: args[0], Model: model})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "session %s\n", rec.ID)

				return streamSession(cmd, m, rec.ID, cfg, dir)
			})
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "model passed to the agent CLI")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "hard wall-clock limit (0 disables)")
	cmd.Flags().StringVar(&dir, "dir", "", "working directory for the subprocess")

	return cmd
}

// withSessionManager opens the runtime database, builds a session manager
// over it, and reconciles orphaned sessions before running fn. Reconcile
// runs on every load: a persisted non-terminal session cannot have a live
// process behind it in a fresh CLI invocation.
func withSessionManager(cmd *cobra.Command, fn func(m *session.Manager) error) error {
	paths, err := ResolvePaths()
	if err != nil {
		return fmt.Errorf("resolve paths: %w", err)
	}
	db, err := openRuntimeDB(paths.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	m := session.NewManager(session.NewSQLiteStore(db), eventlog.NewSQLiteLogger(db))
	interrupted, err := m.Reconcile(cmd.Context())
	if err != nil {
		return fmt.Errorf("reconcile sessions: %w", err)
	}
	if len(interrupted) > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "reconciled %d orphaned session(s)\n", len(interrupted))
	}
	return fn(m)
}

// streamSession opens the bridge for a session in starting state, wiring
// stdout as the NDJSON envelope sink and SIGINT to a graceful stop.
func streamSession(cmd *cobra.Command, m *session.Manager, id string, cfg runtimeConfig, dir string) error {
	bridge := session.NewBridge(m, session.NewWriterSink(cmd.OutOrStdout()), session.Config{
		Command:     cfg.SessionCommand,
		Dir:         dir,
		Timeout:     cfg.SessionTimeout,
		GracePeriod: cfg.SessionGracePeriod,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	done := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			// Stop transitions the session to canceled and cancels the
			// live process; the bridge sees the terminal state and settles.
			_, _ = m.Stop(context.Background(), id)
		case <-done:
		}
	}()

	err := bridge.Open(cmd.Context(), id)
	close(done)

	rec, getErr := m.Get(cmd.Context(), id)
	if getErr == nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "session %s %s\n", rec.ID, rec.Status)
	}
	return err
}
