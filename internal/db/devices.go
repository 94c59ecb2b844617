package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/marcus/dqsync/internal/models"
)

// UpsertDevice records a device. An existing row keeps its first_seen_at and
// only moves last_active_at forward; empty name and platform do not overwrite
// known values.
func UpsertDevice(q Querier, d models.Device) error {
	_, err := q.Exec(`
		INSERT INTO devices (id, user_id, name, platform, first_seen_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = CASE WHEN excluded.user_id != '' THEN excluded.user_id ELSE devices.user_id END,
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE devices.name END,
			platform = CASE WHEN excluded.platform != '' THEN excluded.platform ELSE devices.platform END,
			first_seen_at = MIN(devices.first_seen_at, excluded.first_seen_at),
			last_active_at = MAX(devices.last_active_at, excluded.last_active_at)
	`, d.ID, d.UserID, d.Name, d.Platform, formatTime(d.FirstSeenAt), formatTime(d.LastActiveAt))
	if err != nil {
		return fmt.Errorf("upsert device %s: %w", d.ID, err)
	}
	return nil
}

// TouchDevice moves last_active_at forward. Returns false if the device is unknown.
func TouchDevice(q Querier, id string, at time.Time) (bool, error) {
	res, err := q.Exec(`UPDATE devices SET last_active_at = MAX(last_active_at, ?) WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return false, fmt.Errorf("touch device %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetDevice returns one device, or nil.
func GetDevice(q Querier, id string) (*models.Device, error) {
	d, err := scanDevice(q.QueryRow(`SELECT id, user_id, COALESCE(name, ''), COALESCE(platform, ''), first_seen_at, last_active_at
		FROM devices WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device %s: %w", id, err)
	}
	return &d, nil
}

// ListDevices returns known devices, most recently active first.
func ListDevices(q Querier) ([]models.Device, error) {
	rows, err := q.Query(`SELECT id, user_id, COALESCE(name, ''), COALESCE(platform, ''), first_seen_at, last_active_at
		FROM devices ORDER BY last_active_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDevice(s scanner) (models.Device, error) {
	var d models.Device
	var first, last string
	if err := s.Scan(&d.ID, &d.UserID, &d.Name, &d.Platform, &first, &last); err != nil {
		return d, err
	}
	var err error
	if d.FirstSeenAt, err = parseTimestamp(first); err != nil {
		return d, err
	}
	if d.LastActiveAt, err = parseTimestamp(last); err != nil {
		return d, err
	}
	return d, nil
}
