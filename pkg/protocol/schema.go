package protocol

// SchemaDDL defines the SQLite schema for the dray runtime database.
// Tables: tasks, sessions, events.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Dispatchable work items. assigned_to/assigned_at form the lease.
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    scope_id TEXT NOT NULL,
    sprint_id TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'backlog',
    tier INTEGER,
    ord INTEGER NOT NULL DEFAULT 0,
    assigned_to TEXT NOT NULL DEFAULT '',
    assigned_at TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_tasks_scope_status ON tasks(scope_id, status);

-- Agent subprocess sessions. timeline is the append-only conversation
-- history serialized as a JSON array.
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    prompt TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    timeline TEXT NOT NULL DEFAULT '[]',
    message_count INTEGER NOT NULL DEFAULT 0,
    tool_count INTEGER NOT NULL DEFAULT 0,
    last_text TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Append-only runtime event log: dispatch, status changes, reclaims,
-- session lifecycle, hook failures.
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    scope_id TEXT,
    task_id TEXT,
    actor_id TEXT,
    payload TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id);
`

// MigrateTaskTiers adds the tier column to task tables created before
// tiered dispatch existed. ALTER TABLE errors if the column already
// exists; callers ignore the error (try/ignore pattern).
const MigrateTaskTiers = `
ALTER TABLE tasks ADD COLUMN tier INTEGER;
`

// MigrateSessionModel adds the model column to session tables created
// before model selection existed.
const MigrateSessionModel = `
ALTER TABLE sessions ADD COLUMN model TEXT NOT NULL DEFAULT '';
`
