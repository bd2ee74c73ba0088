package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"dray/pkg/protocol"
	"dray/pkg/session"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// newSessionsCmd creates the "dray sessions" command group.
func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and control agent sessions",
	}
	cmd.AddCommand(
		newSessionsListCmd(),
		newSessionsShowCmd(),
		newSessionsStopCmd(),
		newSessionsResumeCmd(),
		newSessionsCleanupCmd(),
	)
	return cmd
}

func newSessionsListCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSessionManager(cmd, func(m *session.Manager) error {
				all, err := m.List(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeSessionList(cmd.OutOrStdout(), all)
				}
				if len(all) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no sessions")
					return nil
				}
				renderSessionTable(cmd.OutOrStdout(), all)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "emit a SESSION_LIST envelope instead of a table")

	return cmd
}

// writeSessionList emits the list as a single wire envelope, the same
// shape streaming consumers already parse.
func writeSessionList(w io.Writer, all []protocol.Session) error {
	payload := protocol.SessionListPayload{Sessions: make([]protocol.SessionSummary, 0, len(all))}
	for _, s := range all {
		payload.Sessions = append(payload.Sessions, protocol.SessionSummary{
			ID:      s.ID,
			Status:  s.Status,
			Prompt:  s.Prompt,
			Model:   s.Model,
			Summary: s.Summary,
		})
	}
	env, err := protocol.NewEnvelope(protocol.WireSessionList, payload)
	if err != nil {
		return err
	}
	return json.NewEncoder(w).Encode(env)
}

func newSessionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one session with its timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSessionManager(cmd, func(m *session.Manager) error {
				rec, err := m.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "id       %s\n", rec.ID)
				fmt.Fprintf(w, "status   %s\n", sessionBadge(rec.Status))
				fmt.Fprintf(w, "model    %s\n", rec.Model)
				fmt.Fprintf(w, "prompt   %s\n", rec.Prompt)
				fmt.Fprintf(w, "created  %s\n", rec.CreatedAt.Format(time.RFC3339))
				fmt.Fprintf(w, "updated  %s\n", rec.UpdatedAt.Format(time.RFC3339))
				fmt.Fprintln(w)
				for _, e := range rec.Timeline {
					printTimelineEntry(w, e)
				}
				return nil
			})
		},
	}
}

// printTimelineEntry writes one timeline record in a compact line format.
func printTimelineEntry(w io.Writer, e protocol.TimelineEntry) {
	ts := e.Ts.Format("15:04:05")
	switch e.Kind {
	case protocol.EntryMessage:
		fmt.Fprintf(w, "%s  text  %s\n", ts, e.Text)
	case protocol.EntryToolCall:
		outcome := "pending"
		if e.Ok != nil {
			outcome = "failed"
			if *e.Ok {
				outcome = "ok"
			}
		}
		fmt.Fprintf(w, "%s  tool  %s [%s] %s\n", ts, e.Tool, e.ToolID, outcome)
	case protocol.EntryError:
		fmt.Fprintf(w, "%s  error %s: %s\n", ts, e.Code, e.Text)
	case protocol.EntryDone:
		fmt.Fprintf(w, "%s  done  %s\n", ts, e.Text)
	}
}

func newSessionsStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop a live session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSessionManager(cmd, func(m *session.Manager) error {
				rec, err := m.Stop(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "session %s %s\n", rec.ID, rec.Status)
				return nil
			})
		},
	}
}

func newSessionsResumeCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "resume <id>",
		Short: "Re-run a finished session with a fresh process",
		Long: `Resets a terminal session to starting (timeline preserved), spawns a
fresh agent process, and streams envelopes to stdout like "dray run".
Live sessions cannot be resumed; stop them first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSessionManager(cmd, func(m *session.Manager) error {
				cfg, err := loadRuntimeConfig()
				if err != nil {
					return err
				}

				rec, err := m.Resume(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "resuming session %s\n", rec.ID)

				return streamSession(cmd, m, rec.ID, cfg, dir)
			})
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "working directory for the subprocess")

	return cmd
}

func newSessionsCleanupCmd() *cobra.Command {
	var (
		force bool
		all   bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup [id]",
		Short: "Delete finished session records",
		Long: `Deletes the record of a terminal session, or with --all every terminal
session. Prompts for confirmation on a TTY; non-interactive use requires
--force.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !all {
				return fmt.Errorf("pass a session id or --all")
			}
			return withSessionManager(cmd, func(m *session.Manager) error {
				var targets []string
				if all {
					sessions, err := m.List(cmd.Context())
					if err != nil {
						return err
					}
					for _, s := range sessions {
						if s.Status.Terminal() {
							targets = append(targets, s.ID)
						}
					}
				} else {
					targets = args
				}

				if len(targets) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "nothing to clean")
					return nil
				}

				if !force {
					ok, err := confirmCleanup(cmd, len(targets))
					if err != nil {
						return err
					}
					if !ok {
						fmt.Fprintln(cmd.OutOrStdout(), "aborted")
						return nil
					}
				}

				for _, id := range targets {
					if err := m.Cleanup(cmd.Context(), id); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "skip the confirmation prompt")
	cmd.Flags().BoolVar(&all, "all", false, "delete every terminal session")

	return cmd
}

// confirmCleanup asks the operator before deleting. Refuses to guess on
// non-interactive stdin.
func confirmCleanup(cmd *cobra.Command, n int) (bool, error) {
	if !isStdinTTY() {
		return false, fmt.Errorf("refusing to delete without a TTY; use --force")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "delete %d session(s)? [y/N] ", n)
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil {
		return false, nil
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

// isStdinTTY reports whether stdin is an interactive terminal.
func isStdinTTY() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
