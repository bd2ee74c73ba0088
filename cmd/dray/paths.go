package main

import (
	"fmt"
	"os"
	"path/filepath"

	"dray/pkg/protocol"
)

// Paths holds all resolved dray state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	DrayHome   string // ~/.dray or DRAY_HOME
	DBPath     string // dray.db or DRAY_DB_PATH
	ConfigPath string // config.toml or DRAY_CONFIG_PATH
	InboxDir   string // inbox/ or DRAY_INBOX_DIR
}

// ResolvePaths returns all dray paths, respecting env var overrides.
// Environment variables:
//   - DRAY_HOME: base directory for all dray state (default: ~/.dray)
//   - DRAY_DB_PATH: runtime database (default: $DRAY_HOME/dray.db)
//   - DRAY_CONFIG_PATH: config file (default: $DRAY_HOME/config.toml)
//   - DRAY_INBOX_DIR: task inbox spool (default: $DRAY_HOME/inbox)
//
// If DRAY_HOME is set, it becomes the base for all default paths. Specific
// env vars override both the default and the DRAY_HOME base.
func ResolvePaths() (*Paths, error) {
	home, err := resolveDrayHome()
	if err != nil {
		return nil, err
	}

	return &Paths{
		DrayHome:   home,
		DBPath:     resolvePathWithEnv("DRAY_DB_PATH", home, "dray.db"),
		ConfigPath: resolvePathWithEnv("DRAY_CONFIG_PATH", home, "config.toml"),
		InboxDir:   resolvePathWithEnv("DRAY_INBOX_DIR", home, "inbox"),
	}, nil
}

// resolveDrayHome returns the dray home directory from DRAY_HOME or ~/.dray.
func resolveDrayHome() (string, error) {
	if v := os.Getenv("DRAY_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.DrayDir), nil
}

// resolvePathWithEnv returns the path from envKey if set, otherwise joins base + suffix.
func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}
