package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/marcus/dqsync/internal/events"
	"github.com/marcus/dqsync/internal/models"
)

const eventSelect = `id, type, entity_type, entity_id, payload, actor_type, COALESCE(actor_id, ''),
	COALESCE(user_id, ''), device_id, timestamp, revision, base_revision, server_seq,
	origin, sync_state, apply_state`

// AppendEvent writes ev to the log. The log is keyed by event id, so appending
// an id that is already present is a no-op and returns false.
func AppendEvent(q Querier, ev events.Event) (bool, error) {
	origin := ev.Origin
	if origin == "" {
		origin = events.OriginLocal
	}
	syncState := ev.SyncState
	if syncState == "" {
		syncState = models.SyncPending
	}
	applyState := ev.ApplyState
	if applyState == "" {
		applyState = events.ApplyApplied
	}
	payload := string(ev.Payload)
	if payload == "" {
		payload = "null"
	}

	res, err := q.Exec(`
		INSERT OR IGNORE INTO events (id, type, entity_type, entity_id, payload, actor_type, actor_id,
			user_id, device_id, timestamp, revision, base_revision, server_seq, origin, sync_state, apply_state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Type), string(ev.EntityType), ev.EntityID, payload, string(ev.ActorType), ev.ActorID,
		ev.UserID, ev.DeviceID, formatTime(ev.Timestamp), ev.Revision, ev.BaseRevision, ev.ServerSeq,
		string(origin), string(syncState), string(applyState))
	if err != nil {
		return false, fmt.Errorf("append event %s: %w", ev.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// HasEvent reports whether the log already holds an event id.
func HasEvent(q Querier, id string) (bool, error) {
	var n int
	if err := q.QueryRow(`SELECT COUNT(*) FROM events WHERE id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("has event %s: %w", id, err)
	}
	return n > 0, nil
}

// GetEvent returns a logged event, or nil if the id is unknown.
func GetEvent(q Querier, id string) (*events.Event, error) {
	row := q.QueryRow(`SELECT `+eventSelect+` FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	return &ev, nil
}

// PendingEvents returns local events not yet acknowledged by the server in
// recording order, which is revision order within each entity. limit <= 0
// returns all of them.
func PendingEvents(q Querier, limit int) ([]events.Event, error) {
	query := `SELECT ` + eventSelect + ` FROM events
		WHERE origin = 'local' AND sync_state = 'pending'
		ORDER BY rowid_seq ASC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = q.Query(query+` LIMIT ?`, limit)
	} else {
		rows, err = q.Query(query)
	}
	if err != nil {
		return nil, fmt.Errorf("query pending events: %w", err)
	}
	return collectEvents(rows)
}

// CountPendingEvents returns the number of local events awaiting upload.
func CountPendingEvents(q Querier) (int64, error) {
	var n int64
	err := q.QueryRow(`SELECT COUNT(*) FROM events WHERE origin = 'local' AND sync_state = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending events: %w", err)
	}
	return n, nil
}

// MarkEventSynced records the server sequence assigned to a pushed event.
func MarkEventSynced(q Querier, id string, serverSeq int64, at time.Time) error {
	_, err := q.Exec(`UPDATE events SET sync_state = 'synced', server_seq = ?, synced_at = ? WHERE id = ?`,
		serverSeq, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("mark synced %s: %w", id, err)
	}
	return nil
}

// SetApplyState records the projector outcome for a logged event.
func SetApplyState(q Querier, id string, state events.ApplyState) error {
	if _, err := q.Exec(`UPDATE events SET apply_state = ? WHERE id = ?`, string(state), id); err != nil {
		return fmt.Errorf("set apply state %s: %w", id, err)
	}
	return nil
}

// DeferredEvents returns remote events whose referent was unknown when they
// arrived, in server order.
func DeferredEvents(q Querier) ([]events.Event, error) {
	rows, err := q.Query(`SELECT ` + eventSelect + ` FROM events
		WHERE apply_state = 'deferred'
		ORDER BY server_seq ASC, rowid_seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("query deferred events: %w", err)
	}
	return collectEvents(rows)
}

// EntityEvents returns the full history of one entity in log order.
func EntityEvents(q Querier, entityType, entityID string) ([]events.Event, error) {
	rows, err := q.Query(`SELECT `+eventSelect+` FROM events
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY rowid_seq ASC`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("query entity events: %w", err)
	}
	return collectEvents(rows)
}

// CountEvents returns the total size of the log.
func CountEvents(q Querier) (int64, error) {
	var n int64
	if err := q.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func collectEvents(rows *sql.Rows) ([]events.Event, error) {
	defer rows.Close()
	var out []events.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

func scanEvent(s scanner) (events.Event, error) {
	var (
		ev                                      events.Event
		typ, entityType, payload, actorType, ts string
		origin, syncState, applyState           string
	)
	err := s.Scan(&ev.ID, &typ, &entityType, &ev.EntityID, &payload, &actorType, &ev.ActorID,
		&ev.UserID, &ev.DeviceID, &ts, &ev.Revision, &ev.BaseRevision, &ev.ServerSeq,
		&origin, &syncState, &applyState)
	if err != nil {
		return ev, err
	}
	ev.Type = events.Type(typ)
	ev.EntityType = events.EntityType(entityType)
	if payload != "null" {
		ev.Payload = []byte(payload)
	}
	ev.ActorType = models.ActorType(actorType)
	ev.Origin = events.Origin(origin)
	ev.SyncState = models.SyncState(syncState)
	ev.ApplyState = events.ApplyState(applyState)
	ev.Timestamp, err = parseTimestamp(ts)
	if err != nil {
		return ev, fmt.Errorf("parse timestamp %s: %w", ev.ID, err)
	}
	return ev, nil
}
