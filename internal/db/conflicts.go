package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/marcus/dqsync/internal/models"
)

const conflictSelect = `id, entity_type, entity_id, local_revision, remote_revision, local_snapshot, remote_snapshot,
	remote_event_id, COALESCE(remote_device_id, ''), remote_at, detected_at, resolved, COALESCE(resolution, ''), resolved_at`

// InsertConflict stores a conflict record. A second record for the same
// remote event is ignored so replays stay idempotent; the returned bool
// reports whether a row was written.
func InsertConflict(q Querier, c models.Conflict) (int64, bool, error) {
	res, err := q.Exec(`
		INSERT OR IGNORE INTO conflicts (entity_type, entity_id, local_revision, remote_revision, local_snapshot,
			remote_snapshot, remote_event_id, remote_device_id, remote_at, detected_at, resolved)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		c.EntityType, c.EntityID, c.LocalRevision, c.RemoteRevision, c.LocalSnapshot,
		c.RemoteSnapshot, c.RemoteEventID, c.RemoteDeviceID, formatTime(c.RemoteAt), formatTime(c.DetectedAt))
	if err != nil {
		return 0, false, fmt.Errorf("insert conflict %s/%s: %w", c.EntityType, c.EntityID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return 0, false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("last insert id: %w", err)
	}
	return id, true, nil
}

// GetConflict returns one conflict by id, or nil.
func GetConflict(q Querier, id int64) (*models.Conflict, error) {
	c, err := scanConflict(q.QueryRow(`SELECT `+conflictSelect+` FROM conflicts WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conflict %d: %w", id, err)
	}
	return &c, nil
}

// ListConflicts returns conflicts newest first. Resolved ones are included
// only when asked for.
func ListConflicts(q Querier, includeResolved bool, limit int) ([]models.Conflict, error) {
	query := `SELECT ` + conflictSelect + ` FROM conflicts`
	if !includeResolved {
		query += ` WHERE resolved = 0`
	}
	query += ` ORDER BY detected_at DESC, id DESC LIMIT ?`
	if limit <= 0 {
		limit = -1
	}
	rows, err := q.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var out []models.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UnresolvedConflictsFor returns open conflicts on a single entity, oldest first.
func UnresolvedConflictsFor(q Querier, entityType, entityID string) ([]models.Conflict, error) {
	rows, err := q.Query(`SELECT `+conflictSelect+` FROM conflicts
		WHERE entity_type = ? AND entity_id = ? AND resolved = 0 ORDER BY id ASC`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("conflicts for %s/%s: %w", entityType, entityID, err)
	}
	defer rows.Close()

	var out []models.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountUnresolvedConflicts returns the number of open conflicts.
func CountUnresolvedConflicts(q Querier) (int64, error) {
	var n int64
	if err := q.QueryRow(`SELECT COUNT(*) FROM conflicts WHERE resolved = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count conflicts: %w", err)
	}
	return n, nil
}

// MarkConflictResolved closes a conflict with the given resolution.
func MarkConflictResolved(q Querier, id int64, resolution models.Resolution, at time.Time) error {
	res, err := q.Exec(`UPDATE conflicts SET resolved = 1, resolution = ?, resolved_at = ? WHERE id = ? AND resolved = 0`,
		string(resolution), formatTime(at), id)
	if err != nil {
		return fmt.Errorf("resolve conflict %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conflict %d not found or already resolved", id)
	}
	return nil
}

func scanConflict(s scanner) (models.Conflict, error) {
	var (
		c                    models.Conflict
		remoteAt, detectedAt string
		resolved             int
		resolution           string
		resolvedAt           sql.NullString
	)
	err := s.Scan(&c.ID, &c.EntityType, &c.EntityID, &c.LocalRevision, &c.RemoteRevision, &c.LocalSnapshot,
		&c.RemoteSnapshot, &c.RemoteEventID, &c.RemoteDeviceID, &remoteAt, &detectedAt, &resolved, &resolution, &resolvedAt)
	if err != nil {
		return c, err
	}
	c.Resolved = resolved != 0
	c.Resolution = models.Resolution(resolution)
	if c.RemoteAt, err = parseTimestamp(remoteAt); err != nil {
		return c, err
	}
	if c.DetectedAt, err = parseTimestamp(detectedAt); err != nil {
		return c, err
	}
	if c.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
		return c, err
	}
	return c, nil
}
