package db

// SchemaVersion is the current database schema version
const SchemaVersion = 4

// entityColumns are the sync bookkeeping columns shared by every entity table.
const entityColumns = `
    id TEXT PRIMARY KEY,
    revision INTEGER NOT NULL DEFAULT 0,
    last_synced_revision INTEGER NOT NULL DEFAULT 0,
    sync_state TEXT NOT NULL DEFAULT 'pending',
    last_synced_at TEXT,
    is_deleted INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    server_id TEXT DEFAULT ''`

const schema = `
CREATE TABLE IF NOT EXISTS groupings (` + entityColumns + `,
    title TEXT NOT NULL DEFAULT '',
    detail TEXT DEFAULT '',
    status TEXT NOT NULL DEFAULT 'active',
    sort_order INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS tags (` + entityColumns + `,
    name TEXT NOT NULL DEFAULT '',
    color TEXT DEFAULT ''
);

CREATE TABLE IF NOT EXISTS containers (` + entityColumns + `,
    title TEXT NOT NULL DEFAULT '',
    detail TEXT DEFAULT '',
    status TEXT NOT NULL DEFAULT 'active',
    sort_order INTEGER NOT NULL DEFAULT 0,
    grouping_id TEXT DEFAULT ''
);

CREATE TABLE IF NOT EXISTS work_items (` + entityColumns + `,
    container_id TEXT DEFAULT '',
    title TEXT NOT NULL DEFAULT '',
    detail TEXT DEFAULT '',
    status TEXT NOT NULL DEFAULT 'active',
    sort_order INTEGER NOT NULL DEFAULT 0,
    due_at TEXT,
    completed_at TEXT
);

CREATE TABLE IF NOT EXISTS reminders (` + entityColumns + `,
    parent_type TEXT DEFAULT '',
    parent_id TEXT DEFAULT '',
    remind_at TEXT,
    status TEXT NOT NULL DEFAULT 'active',
    snoozed_until TEXT
);

-- Tag links for containers and work items
CREATE TABLE IF NOT EXISTS entity_tags (
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    tag_id TEXT NOT NULL,
    is_deleted INTEGER NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (entity_type, entity_id, tag_id)
);

-- Append-only event log; only the sync bookkeeping columns are ever updated
CREATE TABLE IF NOT EXISTS events (
    rowid_seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    type TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    payload TEXT NOT NULL,
    actor_type TEXT NOT NULL DEFAULT 'human',
    actor_id TEXT DEFAULT '',
    user_id TEXT DEFAULT '',
    device_id TEXT NOT NULL,
    timestamp TEXT NOT NULL,
    revision INTEGER NOT NULL DEFAULT 0,
    base_revision INTEGER NOT NULL DEFAULT 0,
    server_seq INTEGER NOT NULL DEFAULT 0,
    origin TEXT NOT NULL DEFAULT 'local',
    sync_state TEXT NOT NULL DEFAULT 'pending',
    synced_at TEXT,
    apply_state TEXT NOT NULL DEFAULT 'applied'
);

CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS conflicts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    local_revision INTEGER NOT NULL,
    remote_revision INTEGER NOT NULL,
    local_snapshot TEXT NOT NULL DEFAULT 'null',
    remote_snapshot TEXT NOT NULL DEFAULT 'null',
    remote_event_id TEXT NOT NULL,
    remote_device_id TEXT DEFAULT '',
    remote_at TEXT NOT NULL,
    detected_at TEXT NOT NULL,
    resolved INTEGER NOT NULL DEFAULT 0,
    resolution TEXT DEFAULT '',
    resolved_at TEXT,
    UNIQUE(remote_event_id)
);

CREATE TABLE IF NOT EXISTS devices (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL DEFAULT '',
    name TEXT DEFAULT '',
    platform TEXT DEFAULT '',
    first_seen_at TEXT NOT NULL,
    last_active_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_entity ON events(entity_type, entity_id, revision);
CREATE INDEX IF NOT EXISTS idx_events_pending ON events(sync_state, origin);
CREATE INDEX IF NOT EXISTS idx_work_items_container ON work_items(container_id);
CREATE INDEX IF NOT EXISTS idx_reminders_parent ON reminders(parent_id);
CREATE INDEX IF NOT EXISTS idx_containers_grouping ON containers(grouping_id);
CREATE INDEX IF NOT EXISTS idx_entity_tags_tag ON entity_tags(tag_id);
CREATE INDEX IF NOT EXISTS idx_conflicts_entity ON conflicts(entity_type, entity_id);
`

// BaseSchema returns the base schema SQL for test harnesses.
func BaseSchema() string {
	return schema
}
