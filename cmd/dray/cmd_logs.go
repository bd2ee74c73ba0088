package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"dray/pkg/eventlog"

	"github.com/spf13/cobra"
)

// logsConfig holds configuration for the logs command.
type logsConfig struct {
	tail      int
	follow    bool
	eventType string
	taskID    string
	scopeID   string
	actorID   string
}

// newLogsCmd creates the "dray logs" subcommand.
func newLogsCmd() *cobra.Command {
	var cfg logsConfig

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query and tail the runtime event log",
		Long:  "Displays events from the runtime event log in chronological order.\nFilter by type, task, scope, or actor; --follow polls for new events.",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}

			reader, err := eventlog.NewReader(paths.DBPath)
			if err != nil {
				return fmt.Errorf("open event log: %w", err)
			}
			defer func() { _ = reader.Close() }()

			w := cmd.OutOrStdout()
			if cfg.follow {
				return followLogs(cmd.Context(), reader, w, cfg)
			}
			return printLogs(cmd.Context(), reader, w, cfg)
		},
	}

	cmd.Flags().IntVar(&cfg.tail, "tail", 20, "number of recent events to show")
	cmd.Flags().BoolVarP(&cfg.follow, "follow", "f", false, "poll for new events every 1s")
	cmd.Flags().StringVar(&cfg.eventType, "type", "", "filter by event type")
	cmd.Flags().StringVar(&cfg.taskID, "task", "", "filter by task id")
	cmd.Flags().StringVar(&cfg.scopeID, "scope", "", "filter by scope id")
	cmd.Flags().StringVar(&cfg.actorID, "actor", "", "filter by worker or session id")

	return cmd
}

func queryOpts(cfg logsConfig, limit int) eventlog.QueryOpts {
	return eventlog.QueryOpts{
		EventType: cfg.eventType,
		TaskID:    cfg.taskID,
		ScopeID:   cfg.scopeID,
		ActorID:   cfg.actorID,
		Limit:     limit,
	}
}

// printLogs displays the last N matching events in chronological order.
func printLogs(ctx context.Context, reader *eventlog.Reader, w io.Writer, cfg logsConfig) error {
	events, err := reader.Query(ctx, queryOpts(cfg, cfg.tail))
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(w, "no events found")
		return nil
	}

	reverseEvents(events)
	for i := range events {
		formatEvent(w, &events[i])
	}
	return nil
}

// followLogs prints the initial batch then polls for new events.
func followLogs(ctx context.Context, reader *eventlog.Reader, w io.Writer, cfg logsConfig) error {
	events, err := reader.Query(ctx, queryOpts(cfg, cfg.tail))
	if err != nil {
		return err
	}

	var lastID int64
	if len(events) > 0 {
		lastID = events[0].ID // newest-first
		reverseEvents(events)
		for i := range events {
			formatEvent(w, &events[i])
		}
	}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			batch, err := reader.Query(ctx, queryOpts(cfg, 100))
			if err != nil {
				return err
			}
			// Keep only events newer than the last one printed.
			var fresh []eventlog.Event
			for _, e := range batch {
				if e.ID > lastID {
					fresh = append(fresh, e)
				}
			}
			if len(fresh) == 0 {
				continue
			}
			lastID = fresh[0].ID
			reverseEvents(fresh)
			for i := range fresh {
				formatEvent(w, &fresh[i])
			}
		}
	}
}

// reverseEvents reverses a slice of events in place (newest-first to
// chronological).
func reverseEvents(events []eventlog.Event) {
	for i := 0; i < len(events)/2; i++ {
		j := len(events) - 1 - i
		events[i], events[j] = events[j], events[i]
	}
}

// formatEvent writes a single event in a human-readable format.
// Format: timestamp | actor | type | task | source | payload
func formatEvent(w io.Writer, e *eventlog.Event) {
	fmt.Fprintf(w, "%s | %-12s | %-22s | %-15s | %-10s | %s\n",
		e.CreatedAt.Format("2006-01-02 15:04:05"), e.ActorID, e.Type, e.TaskID, e.Source, e.Payload)
}
