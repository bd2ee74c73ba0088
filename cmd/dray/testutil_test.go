package main

import (
	"bytes"
	"testing"
)

// setupHome points every dray path at a fresh temp directory. Tests using
// it cannot run in parallel (t.Setenv).
func setupHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("DRAY_HOME", home)
	t.Setenv("DRAY_DB_PATH", "")
	t.Setenv("DRAY_CONFIG_PATH", "")
	t.Setenv("DRAY_INBOX_DIR", "")
	return home
}

// runDray executes the CLI with args and returns combined output.
func runDray(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}
