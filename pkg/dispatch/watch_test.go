package dispatch //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dray/pkg/protocol"
)

func writeInboxFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestImportFileCreatesTasksAndArchives(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	log := &captureLogger{}
	dir := t.TempDir()
	im := NewImporter(store, log, "ws1", dir)

	var seq int
	im.SetIDFunc(func() string {
		seq++
		return fmt.Sprintf("gen-%d", seq)
	})

	path := writeInboxFile(t, dir, "batch.yaml", `tasks:
  - id: t1
    title: wire the frobnicator
    tier: 0
    order: 1
  - title: untitled gets generated id
    sprint: s1
    tier: 1
`)

	n, err := im.ImportFile(context.Background(), path)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if n != 2 {
		t.Fatalf("imported %d tasks, want 2", n)
	}

	got, err := store.Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("get t1: %v", err)
	}
	if got.Status != protocol.TaskBacklog || got.Tier == nil || *got.Tier != 0 {
		t.Errorf("t1 = %+v", got)
	}

	gen, err := store.Get(context.Background(), "gen-1")
	if err != nil {
		t.Fatalf("get generated: %v", err)
	}
	if gen.SprintID != "s1" {
		t.Errorf("sprint = %q, want s1", gen.SprintID)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("source file should be renamed after import")
	}
	if _, err := os.Stat(path + ".imported"); err != nil {
		t.Errorf("archived file missing: %v", err)
	}

	if len(log.byType(EvTasksImported)) != 1 {
		t.Error("import should log a tasks_imported event")
	}
}

func TestSweepIgnoresNonTaskFiles(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	dir := t.TempDir()
	im := NewImporter(store, nil, "ws1", dir)

	writeInboxFile(t, dir, "notes.txt", "not a task file")
	writeInboxFile(t, dir, "done.yaml.imported", "tasks: []")
	writeInboxFile(t, dir, "real.yml", "tasks:\n  - id: a\n    title: a\n")

	n, err := im.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("imported %d tasks, want 1", n)
	}
}

func TestRunImportsDroppedFile(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	dir := t.TempDir()
	im := NewImporter(store, nil, "ws1", dir)
	im.SetFallbackPoll(50 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = im.Run(ctx)
		close(done)
	}()

	// Drop a file after the watcher is live.
	time.Sleep(100 * time.Millisecond)
	writeInboxFile(t, dir, "drop.yaml", "tasks:\n  - id: dropped\n    title: dropped\n")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := store.Get(context.Background(), "dropped"); err == nil {
			cancel()
			<-done
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("dropped file was not imported")
}
