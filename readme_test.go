package main

import (
	"os"
	"strings"
	"testing"
)

func TestREADMEDocumentsEveryCommand(t *testing.T) {
	content, err := os.ReadFile("README.md")
	if err != nil {
		t.Fatalf("Failed to read README.md: %v", err)
	}

	readmeText := string(content)

	commands := []string{
		"dray init",
		"dray tasks",
		"dray next",
		"dray reclaim",
		"dray watch",
		"dray run",
		"dray sessions",
		"dray logs",
	}
	for _, cmd := range commands {
		if !strings.Contains(readmeText, cmd) {
			t.Errorf("README.md missing command %q", cmd)
		}
	}

	for _, section := range []string{"## Configuration", "## Dispatch model", "## Sessions"} {
		if !strings.Contains(readmeText, section) {
			t.Errorf("README.md missing %s section", section)
		}
	}
}
