package db

import (
	"database/sql"
	"fmt"
)

// Migration defines a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations is the list of all migrations in order. Version 1 is the base
// schema; later entries only add.
var Migrations = []Migration{
	{
		Version:     1,
		Description: "Base replica schema",
		SQL:         schema,
	},
	{
		Version:     2,
		Description: "Sync history for push/pull tail",
		SQL: `CREATE TABLE IF NOT EXISTS sync_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    direction TEXT NOT NULL,
    event_type TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    server_seq INTEGER DEFAULT 0,
    device_id TEXT DEFAULT '',
    timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_history_id ON sync_history(id);`,
	},
	{
		Version:     3,
		Description: "Deferred relationship events index",
		SQL:         `CREATE INDEX IF NOT EXISTS idx_events_apply_state ON events(apply_state);`,
	},
	{
		Version:     4,
		Description: "Per-event outcome in sync history",
		SQL:         `ALTER TABLE sync_history ADD COLUMN outcome TEXT NOT NULL DEFAULT '';`,
	},
}

// GetSchemaVersion returns the current schema version from the database
func (db *DB) GetSchemaVersion() (int, error) {
	var version string
	err := db.conn.QueryRow("SELECT value FROM schema_info WHERE key = 'version'").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		// Table might not exist yet
		return 0, nil
	}
	var v int
	fmt.Sscanf(version, "%d", &v)
	return v, nil
}

// RunMigrations runs any pending database migrations
func (db *DB) RunMigrations() (int, error) {
	currentVersion, _ := db.GetSchemaVersion()
	if currentVersion >= SchemaVersion {
		return 0, nil
	}

	var migrationsRun int
	err := db.withWriteLock(func() error {
		var err error
		migrationsRun, err = db.runMigrationsInternal()
		return err
	})
	return migrationsRun, err
}

// runMigrationsInternal runs migrations without acquiring lock
func (db *DB) runMigrationsInternal() (int, error) {
	_, err := db.conn.Exec(`CREATE TABLE IF NOT EXISTS schema_info (key TEXT PRIMARY KEY, value TEXT NOT NULL)`)
	if err != nil {
		return 0, fmt.Errorf("create schema_info: %w", err)
	}

	currentVersion, err := db.GetSchemaVersion()
	if err != nil {
		return 0, fmt.Errorf("get schema version: %w", err)
	}

	migrationsRun := 0
	for _, migration := range Migrations {
		if migration.Version <= currentVersion {
			continue
		}
		if _, err := db.conn.Exec(migration.SQL); err != nil {
			return migrationsRun, fmt.Errorf("migration %d (%s): %w", migration.Version, migration.Description, err)
		}
		if _, err := db.conn.Exec(`INSERT OR REPLACE INTO schema_info (key, value) VALUES ('version', ?)`,
			fmt.Sprintf("%d", migration.Version)); err != nil {
			return migrationsRun, fmt.Errorf("set schema version %d: %w", migration.Version, err)
		}
		migrationsRun++
	}

	return migrationsRun, nil
}
