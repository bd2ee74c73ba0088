package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitCreatesLayout(t *testing.T) {
	home := setupHome(t)

	out, err := runDray(t, "init")
	if err != nil {
		t.Fatalf("init: %v\n%s", err, out)
	}

	for _, path := range []string{
		home,
		filepath.Join(home, "inbox"),
		filepath.Join(home, "config.toml"),
		filepath.Join(home, "dray.db"),
	} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("missing %s: %v", path, err)
		}
	}
}

func TestInitCheckFailsBeforeInit(t *testing.T) {
	setupHome(t)

	out, err := runDray(t, "init", "--check")
	if err == nil {
		t.Fatalf("check should fail before init\n%s", out)
	}
	if !strings.Contains(out, "MISSING") {
		t.Errorf("output missing MISSING marker:\n%s", out)
	}
}

func TestInitCheckPassesAfterInit(t *testing.T) {
	setupHome(t)

	if out, err := runDray(t, "init"); err != nil {
		t.Fatalf("init: %v\n%s", err, out)
	}
	out, err := runDray(t, "init", "--check")
	if err != nil {
		t.Fatalf("check after init: %v\n%s", err, out)
	}
	if strings.Contains(out, "MISSING") {
		t.Errorf("check still reports missing items:\n%s", out)
	}
}

func TestInitKeepsExistingConfig(t *testing.T) {
	home := setupHome(t)

	if out, err := runDray(t, "init"); err != nil {
		t.Fatalf("init: %v\n%s", err, out)
	}

	custom := "# custom\n[session]\ncommand = \"mine\"\n"
	cfgPath := filepath.Join(home, "config.toml")
	if err := os.WriteFile(cfgPath, []byte(custom), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if out, err := runDray(t, "init"); err != nil {
		t.Fatalf("second init: %v\n%s", err, out)
	}
	data, _ := os.ReadFile(cfgPath)
	if string(data) != custom {
		t.Error("init overwrote config without --force")
	}

	if out, err := runDray(t, "init", "--force"); err != nil {
		t.Fatalf("forced init: %v\n%s", err, out)
	}
	data, _ = os.ReadFile(cfgPath)
	if string(data) == custom {
		t.Error("--force did not rewrite config")
	}
}
