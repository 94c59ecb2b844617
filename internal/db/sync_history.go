package db

import (
	"fmt"
	"time"
)

// DefaultHistoryRows bounds the sync_history table.
const DefaultHistoryRows = 500

// SyncHistoryEntry represents a row from the sync_history table.
type SyncHistoryEntry struct {
	ID         int64
	Direction  string // "push" or "pull"
	EventType  string // "work_item.updated", ...
	EntityType string
	EntityID   string
	ServerSeq  int64
	DeviceID   string
	Outcome    string // "acked", "duplicate", "applied", "conflict", ...
	Timestamp  time.Time
}

// RecordSyncHistory batch-inserts sync history entries within the provided
// transaction and prunes the table to maxRows. Returns nil if entries is empty.
func RecordSyncHistory(q Querier, entries []SyncHistoryEntry, maxRows int) error {
	if len(entries) == 0 {
		return nil
	}

	for _, e := range entries {
		_, err := q.Exec(`
			INSERT INTO sync_history (direction, event_type, entity_type, entity_id, server_seq, device_id, outcome, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, e.Direction, e.EventType, e.EntityType, e.EntityID, e.ServerSeq, e.DeviceID, e.Outcome, formatTime(e.Timestamp))
		if err != nil {
			return fmt.Errorf("record sync history: %w", err)
		}
	}
	if maxRows > 0 {
		return PruneSyncHistory(q, maxRows)
	}
	return nil
}

// GetSyncHistoryTail returns the last N entries in chronological order (oldest first).
func (db *DB) GetSyncHistoryTail(limit int) ([]SyncHistoryEntry, error) {
	entries, err := querySyncHistory(db.conn, `
		SELECT id, direction, event_type, entity_type, entity_id,
		       COALESCE(server_seq, 0), COALESCE(device_id, ''), outcome, timestamp
		FROM sync_history
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// GetSyncHistory returns entries with id > afterID, ordered by id ASC, limited to limit.
// Used for follow-mode polling.
func (db *DB) GetSyncHistory(afterID int64, limit int) ([]SyncHistoryEntry, error) {
	return querySyncHistory(db.conn, `
		SELECT id, direction, event_type, entity_type, entity_id,
		       COALESCE(server_seq, 0), COALESCE(device_id, ''), outcome, timestamp
		FROM sync_history
		WHERE id > ?
		ORDER BY id ASC
		LIMIT ?
	`, afterID, limit)
}

func querySyncHistory(q Querier, query string, args ...any) ([]SyncHistoryEntry, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []SyncHistoryEntry
	for rows.Next() {
		var e SyncHistoryEntry
		var ts string
		if err := rows.Scan(&e.ID, &e.Direction, &e.EventType, &e.EntityType, &e.EntityID, &e.ServerSeq, &e.DeviceID, &e.Outcome, &ts); err != nil {
			return nil, err
		}
		parsed, parseErr := parseTimestamp(ts)
		if parseErr != nil {
			return nil, parseErr
		}
		e.Timestamp = parsed
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PruneSyncHistory deletes rows not in the newest maxRows entries.
func PruneSyncHistory(q Querier, maxRows int) error {
	_, err := q.Exec(`
		DELETE FROM sync_history WHERE id NOT IN (
			SELECT id FROM sync_history ORDER BY id DESC LIMIT ?
		)
	`, maxRows)
	return err
}
