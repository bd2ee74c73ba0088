package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"dray/pkg/dispatch"
	"dray/pkg/session"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// fileConfig is the on-disk shape of ~/.dray/config.toml.
type fileConfig struct {
	Dispatch struct {
		StaleThreshold       string `toml:"stale_threshold"` // duration, e.g. "15m"
		RequireReviewForDone bool   `toml:"require_review_for_done"`
	} `toml:"dispatch"`
	Session struct {
		Command     string `toml:"command"`
		Timeout     string `toml:"timeout"`
		GracePeriod string `toml:"grace_period"`
	} `toml:"session"`
}

// runtimeConfig is the resolved configuration used by commands: file values
// with defaults applied and DRAY_* environment overrides on top.
type runtimeConfig struct {
	StaleThreshold       time.Duration
	RequireReviewForDone bool
	SessionCommand       string
	SessionTimeout       time.Duration
	SessionGracePeriod   time.Duration
}

// defaultConfigTOML is what `dray init` writes when no config exists.
const defaultConfigTOML = `# dray configuration

[dispatch]
# Lease age after which an assigned task is reclaimed to the backlog.
stale_threshold = "15m"
# Require tasks to pass through review before done.
require_review_for_done = false

[session]
# Agent CLI binary spawned by "dray run".
command = "claude"
# Hard wall-clock limit per session ("0" disables).
timeout = "0"
# SIGTERM-to-SIGKILL escalation window on cancel.
grace_period = "3s"
`

// loadConfig reads the config file (a missing file means defaults)
// and layers DRAY_* environment overrides on top:
//
//	DRAY_STALE_THRESHOLD, DRAY_REQUIRE_REVIEW_FOR_DONE,
//	DRAY_SESSION_COMMAND, DRAY_SESSION_TIMEOUT, DRAY_SESSION_GRACE_PERIOD
func loadConfig(path string) (runtimeConfig, error) {
	cfg := runtimeConfig{
		StaleThreshold:       dispatch.DefaultStaleThreshold,
		SessionCommand:       session.DefaultCommand,
		SessionGracePeriod:   0, // runner applies its own default
		RequireReviewForDone: false,
	}

	var fc fileConfig
	data, err := os.ReadFile(path) //nolint:gosec // config path comes from ResolvePaths
	switch {
	case errors.Is(err, os.ErrNotExist):
		// No config file; defaults + env only.
	case err != nil:
		return runtimeConfig{}, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := toml.Unmarshal(data, &fc); err != nil {
			return runtimeConfig{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		if err := applyFileConfig(&cfg, fc); err != nil {
			return runtimeConfig{}, fmt.Errorf("config %s: %w", path, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix("DRAY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, key := range []string{
		"stale_threshold", "require_review_for_done",
		"session_command", "session_timeout", "session_grace_period",
	} {
		_ = v.BindEnv(key)
	}
	if err := applyEnvConfig(&cfg, v); err != nil {
		return runtimeConfig{}, err
	}
	return cfg, nil
}

func applyFileConfig(cfg *runtimeConfig, fc fileConfig) error {
	if fc.Dispatch.StaleThreshold != "" {
		d, err := time.ParseDuration(fc.Dispatch.StaleThreshold)
		if err != nil {
			return fmt.Errorf("dispatch.stale_threshold: %w", err)
		}
		cfg.StaleThreshold = d
	}
	cfg.RequireReviewForDone = fc.Dispatch.RequireReviewForDone

	if fc.Session.Command != "" {
		cfg.SessionCommand = fc.Session.Command
	}
	if fc.Session.Timeout != "" {
		d, err := time.ParseDuration(fc.Session.Timeout)
		if err != nil {
			return fmt.Errorf("session.timeout: %w", err)
		}
		cfg.SessionTimeout = d
	}
	if fc.Session.GracePeriod != "" {
		d, err := time.ParseDuration(fc.Session.GracePeriod)
		if err != nil {
			return fmt.Errorf("session.grace_period: %w", err)
		}
		cfg.SessionGracePeriod = d
	}
	return nil
}

func applyEnvConfig(cfg *runtimeConfig, v *viper.Viper) error {
	if s := v.GetString("stale_threshold"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("DRAY_STALE_THRESHOLD: %w", err)
		}
		cfg.StaleThreshold = d
	}
	if s := v.GetString("require_review_for_done"); s != "" {
		cfg.RequireReviewForDone = v.GetBool("require_review_for_done")
	}
	if s := v.GetString("session_command"); s != "" {
		cfg.SessionCommand = s
	}
	if s := v.GetString("session_timeout"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("DRAY_SESSION_TIMEOUT: %w", err)
		}
		cfg.SessionTimeout = d
	}
	if s := v.GetString("session_grace_period"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("DRAY_SESSION_GRACE_PERIOD: %w", err)
		}
		cfg.SessionGracePeriod = d
	}
	return nil
}
