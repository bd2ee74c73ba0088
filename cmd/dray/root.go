package main

import (
	"fmt"

	"dray/internal/appversion"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root dray command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "dray",
		Short:         "Dray work dispatch and agent session engine",
		Long:          "dray dispatches work items to workers under tiered ordering\nand drives agent CLI subprocess sessions.",
		Version:       fmt.Sprintf("dray %s", appversion.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newInitCmd(),
		newTasksCmd(),
		newNextCmd(),
		newReclaimCmd(),
		newWatchCmd(),
		newRunCmd(),
		newSessionsCmd(),
		newLogsCmd(),
	)

	return cmd
}
