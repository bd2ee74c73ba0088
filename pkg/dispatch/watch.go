package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dray/pkg/eventlog"
	"dray/pkg/protocol"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// DefaultFallbackPoll is the safety-net sweep interval used when watching
// an inbox directory; fsnotify remains the primary trigger.
const DefaultFallbackPoll = 60 * time.Second

// TaskSpec is one task in a YAML inbox file.
type TaskSpec struct {
	ID     string `yaml:"id,omitempty"` // generated when empty
	Title  string `yaml:"title"`
	Sprint string `yaml:"sprint,omitempty"`
	Tier   *int   `yaml:"tier,omitempty"`
	Order  int    `yaml:"order,omitempty"`
}

type taskFile struct {
	Tasks []TaskSpec `yaml:"tasks"`
}

// Importer feeds a scope's backlog from a spool directory: files dropped
// as *.yaml are parsed, their tasks created, and the file renamed with an
// .imported suffix so a sweep never processes it twice.
type Importer struct {
	store    TaskStore
	events   eventlog.Logger
	scopeID  string
	dir      string
	fallback time.Duration

	nowFunc func() time.Time
	idFunc  func() string
}

// NewImporter creates an Importer for scopeID over dir.
func NewImporter(store TaskStore, events eventlog.Logger, scopeID, dir string) *Importer {
	if events == nil {
		events = eventlog.NopLogger{}
	}
	return &Importer{
		store:    store,
		events:   events,
		scopeID:  scopeID,
		dir:      dir,
		fallback: DefaultFallbackPoll,
		nowFunc:  time.Now,
		idFunc:   uuid.NewString,
	}
}

// SetFallbackPoll overrides the safety-net sweep interval.
func (im *Importer) SetFallbackPoll(d time.Duration) { im.fallback = d }

// SetIDFunc overrides task id generation.
//
//dray:testonly
func (im *Importer) SetIDFunc(fn func() string) { im.idFunc = fn }

// ImportFile parses one YAML task file, creates its tasks in the backlog,
// and renames the file out of the way. Returns the number of tasks created.
func (im *Importer) ImportFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // inbox path comes from operator config
	if err != nil {
		return 0, fmt.Errorf("read task file %s: %w", path, err)
	}

	var tf taskFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return 0, fmt.Errorf("parse task file %s: %w", path, err)
	}

	created := 0
	now := im.nowFunc().UTC()
	for _, spec := range tf.Tasks {
		if spec.Title == "" {
			continue
		}
		id := spec.ID
		if id == "" {
			id = im.idFunc()
		}
		t := protocol.Task{
			ID:        id,
			ScopeID:   im.scopeID,
			SprintID:  spec.Sprint,
			Title:     spec.Title,
			Status:    protocol.TaskBacklog,
			Tier:      spec.Tier,
			Order:     spec.Order,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := im.store.Create(ctx, t); err != nil {
			return created, fmt.Errorf("import %s: %w", path, err)
		}
		created++
	}

	if err := os.Rename(path, path+".imported"); err != nil {
		return created, fmt.Errorf("archive %s: %w", path, err)
	}

	im.events.Log(ctx, eventlog.Event{
		Type:    EvTasksImported,
		Source:  "importer",
		ScopeID: im.scopeID,
		Payload: fmt.Sprintf(`{"file":%q,"count":%d}`, filepath.Base(path), created),
	})
	return created, nil
}

// Sweep imports every pending YAML file in the inbox directory.
func (im *Importer) Sweep(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(im.dir)
	if err != nil {
		return 0, fmt.Errorf("read inbox %s: %w", im.dir, err)
	}

	total := 0
	for _, e := range entries {
		if e.IsDir() || !isTaskFile(e.Name()) {
			continue
		}
		n, err := im.ImportFile(ctx, filepath.Join(im.dir, e.Name()))
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Run watches the inbox with fsnotify and sweeps on change, with a
// fallback poll ticker as a safety net. An initial sweep picks up files
// that were dropped before the watcher started. Blocks until ctx is
// cancelled.
func (im *Importer) Run(ctx context.Context) error {
	if _, err := im.Sweep(ctx); err != nil {
		im.events.Log(ctx, eventlog.Event{Type: EvWatcherError, Source: "importer", ScopeID: im.scopeID, Payload: fmt.Sprintf("%q", err.Error())})
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// fsnotify unavailable, fall back to pure polling.
		return im.runPoll(ctx)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(im.dir); err != nil {
		return im.runPoll(ctx)
	}

	ticker := time.NewTicker(im.fallback)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-watcher.Events:
			if !isTaskFile(filepath.Base(ev.Name)) {
				continue
			}
			if _, err := im.Sweep(ctx); err != nil {
				im.events.Log(ctx, eventlog.Event{Type: EvWatcherError, Source: "importer", ScopeID: im.scopeID, Payload: fmt.Sprintf("%q", err.Error())})
			}
		case err := <-watcher.Errors:
			if err != nil {
				im.events.Log(ctx, eventlog.Event{Type: EvWatcherError, Source: "importer", ScopeID: im.scopeID, Payload: fmt.Sprintf("%q", err.Error())})
			}
		case <-ticker.C:
			if _, err := im.Sweep(ctx); err != nil {
				im.events.Log(ctx, eventlog.Event{Type: EvWatcherError, Source: "importer", ScopeID: im.scopeID, Payload: fmt.Sprintf("%q", err.Error())})
			}
		}
	}
}

func (im *Importer) runPoll(ctx context.Context) error {
	ticker := time.NewTicker(im.fallback)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, _ = im.Sweep(ctx)
		}
	}
}

func isTaskFile(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}
