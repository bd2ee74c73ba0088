package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// newInitCmd creates the "dray init" subcommand.
func newInitCmd() *cobra.Command {
	var (
		checkOnly bool
		force     bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the dray home directory, config, and database",
		Long: `Creates ~/.dray (or DRAY_HOME), the task inbox directory, a default
config.toml, and the runtime database with the schema applied.

Use --check to verify the layout without creating anything (exits non-zero
if something is missing). Use --force to overwrite an existing config.toml.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			w := cmd.OutOrStdout()
			if checkOnly {
				return runInitCheck(w, paths)
			}
			return runInit(w, paths, force)
		},
	}

	cmd.Flags().BoolVar(&checkOnly, "check", false, "verify layout without creating anything")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config.toml")

	return cmd
}

// runInit creates the dray home layout. Idempotent except for config.toml,
// which is only overwritten with --force.
func runInit(w io.Writer, paths *Paths, force bool) error {
	for _, dir := range []string{paths.DrayHome, paths.InboxDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	fmt.Fprintf(w, "home      %s\n", paths.DrayHome)
	fmt.Fprintf(w, "inbox     %s\n", paths.InboxDir)

	if _, err := os.Stat(paths.ConfigPath); err == nil && !force {
		fmt.Fprintf(w, "config    %s (exists, kept)\n", paths.ConfigPath)
	} else {
		if err := os.WriteFile(paths.ConfigPath, []byte(defaultConfigTOML), 0o644); err != nil { //nolint:gosec // config is not a secret
			return fmt.Errorf("write config %s: %w", paths.ConfigPath, err)
		}
		fmt.Fprintf(w, "config    %s (written)\n", paths.ConfigPath)
	}

	db, err := openRuntimeDB(paths.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	fmt.Fprintf(w, "database  %s\n", paths.DBPath)

	return nil
}

// runInitCheck verifies the layout exists without creating anything.
func runInitCheck(w io.Writer, paths *Paths) error {
	missing := 0
	for _, item := range []struct {
		label string
		path  string
	}{
		{"home", paths.DrayHome},
		{"inbox", paths.InboxDir},
		{"config", paths.ConfigPath},
		{"database", paths.DBPath},
	} {
		status := "OK"
		if _, err := os.Stat(item.path); errors.Is(err, os.ErrNotExist) {
			status = "MISSING"
			missing++
		}
		fmt.Fprintf(w, "%-10s %-8s %s\n", item.label, status, item.path)
	}

	if missing > 0 {
		return fmt.Errorf("%d items missing; run 'dray init'", missing)
	}
	return nil
}
