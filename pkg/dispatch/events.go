package dispatch

// Event log type constants written by the dispatch engine.
const (
	EvDispatch      = "dispatch"
	EvStatusChanged = "status_changed"
	EvHookFailed    = "hook_failed"
	EvTasksImported = "tasks_imported"
	EvWatcherError  = "watcher_error"
)
