package main

import (
	"fmt"
	"io"

	"dray/pkg/protocol"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
)

// Status badge styles. Colors degrade to plain text on non-color terminals.
var (
	styleActive  = lipgloss.NewStyle().Foreground(lipgloss.Color("12")) // blue
	styleWorking = lipgloss.NewStyle().Foreground(lipgloss.Color("11")) // yellow
	styleGood    = lipgloss.NewStyle().Foreground(lipgloss.Color("10")) // green
	styleBad     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))  // red
	styleMuted   = lipgloss.NewStyle().Foreground(lipgloss.Color("240")) // gray
)

// taskBadge renders a colored task status label.
func taskBadge(s protocol.TaskStatus) string {
	switch s {
	case protocol.TaskBacklog:
		return styleMuted.Render(string(s))
	case protocol.TaskInProgress:
		return styleWorking.Render(string(s))
	case protocol.TaskReview:
		return styleActive.Render(string(s))
	case protocol.TaskDone:
		return styleGood.Render(string(s))
	case protocol.TaskBlocked:
		return styleBad.Render(string(s))
	default:
		return string(s)
	}
}

// sessionBadge renders a colored session status label.
func sessionBadge(s protocol.SessionStatus) string {
	switch s {
	case protocol.SessionStarting, protocol.SessionRunning, protocol.SessionStreaming:
		return styleActive.Render(string(s))
	case protocol.SessionCompleted:
		return styleGood.Render(string(s))
	case protocol.SessionFailed, protocol.SessionInterrupted:
		return styleBad.Render(string(s))
	case protocol.SessionCanceled:
		return styleMuted.Render(string(s))
	default:
		return string(s)
	}
}

// renderTaskTable writes tasks as a table.
func renderTaskTable(w io.Writer, tasks []protocol.Task) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Title", "Status", "Tier", "Order", "Assignee", "Sprint"})
	for _, t := range tasks {
		tw.AppendRow(table.Row{t.ID, t.Title, taskBadge(t.Status), tierLabel(t.Tier), t.Order, t.AssignedTo, t.SprintID})
	}
	tw.Render()
}

// renderSessionTable writes session summaries as a table.
func renderSessionTable(w io.Writer, sessions []protocol.Session) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Status", "Model", "Msgs", "Tools", "Prompt"})
	for _, s := range sessions {
		tw.AppendRow(table.Row{s.ID, sessionBadge(s.Status), s.Model, s.Summary.MessageCount, s.Summary.ToolCount, truncate(s.Prompt, 48)})
	}
	tw.Render()
}

// tierLabel formats a nullable tier for display.
func tierLabel(tier *int) string {
	if tier == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *tier)
}

// truncate shortens s for table cells.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
