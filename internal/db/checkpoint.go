package db

import (
	"database/sql"
	"fmt"
)

const checkpointPrefix = "checkpoint:"

// GetSetting reads a key from the settings table. Missing keys return "".
func GetSetting(q Querier, key string) (string, error) {
	var v string
	err := q.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return v, nil
}

// SetSetting upserts a key in the settings table.
func SetSetting(q Querier, key, value string) error {
	if _, err := q.Exec(`INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)`, key, value); err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// GetCheckpoint returns the pull high-water mark for an installation. An
// empty string means the beginning of time.
func GetCheckpoint(q Querier, installationID string) (string, error) {
	return GetSetting(q, checkpointPrefix+installationID)
}

// SetCheckpoint advances the high-water mark. Callers write it in the same
// transaction that applied the batch it covers.
func SetCheckpoint(q Querier, installationID, checkpoint string) error {
	return SetSetting(q, checkpointPrefix+installationID, checkpoint)
}
