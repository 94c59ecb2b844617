package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/marcus/dqsync/internal/models"
)

type columnKind int

const (
	kindText columnKind = iota
	kindInt
	kindTime
)

// domainColumns whitelists the payload-writable columns of each entity table.
// Event payloads may only touch these; sync bookkeeping columns are owned by
// the store.
var domainColumns = map[string]map[string]columnKind{
	"groupings": {
		"title": kindText, "detail": kindText, "status": kindText, "sort_order": kindInt,
	},
	"tags": {
		"name": kindText, "color": kindText,
	},
	"containers": {
		"title": kindText, "detail": kindText, "status": kindText, "sort_order": kindInt,
		"grouping_id": kindText,
	},
	"work_items": {
		"container_id": kindText, "title": kindText, "detail": kindText, "status": kindText,
		"sort_order": kindInt, "due_at": kindTime, "completed_at": kindTime,
	},
	"reminders": {
		"parent_type": kindText, "parent_id": kindText, "remind_at": kindTime,
		"status": kindText, "snoozed_until": kindTime,
	},
}

// IsEntityTable reports whether table is one of the replicated entity tables.
func IsEntityTable(table string) bool {
	_, ok := domainColumns[table]
	return ok
}

// IsDomainColumn reports whether col may be written by an event payload.
func IsDomainColumn(table, col string) bool {
	_, ok := domainColumns[table][col]
	return ok
}

// DomainColumns returns the payload-writable columns of table, sorted.
func DomainColumns(table string) []string {
	cols := make([]string, 0, len(domainColumns[table]))
	for c := range domainColumns[table] {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

const metaSelect = `id, revision, last_synced_revision, sync_state, last_synced_at, is_deleted, created_at, updated_at, COALESCE(server_id, '')`

type scanner interface {
	Scan(dest ...any) error
}

// metaScan collects the bookkeeping columns into a models.Meta.
type metaScan struct {
	m          *models.Meta
	syncState  string
	lastSynced sql.NullString
	deleted    int
	created    string
	updated    string
}

func newMetaScan(m *models.Meta) *metaScan {
	return &metaScan{m: m}
}

func (s *metaScan) dest() []any {
	return []any{&s.m.ID, &s.m.Revision, &s.m.LastSyncedRevision, &s.syncState, &s.lastSynced,
		&s.deleted, &s.created, &s.updated, &s.m.ServerID}
}

func (s *metaScan) finish() error {
	s.m.SyncState = models.SyncState(s.syncState)
	s.m.IsDeleted = s.deleted != 0
	var err error
	if s.m.LastSyncedAt, err = parseNullTime(s.lastSynced); err != nil {
		return err
	}
	if s.m.CreatedAt, err = parseTimestamp(s.created); err != nil {
		return err
	}
	if s.m.UpdatedAt, err = parseTimestamp(s.updated); err != nil {
		return err
	}
	return nil
}

// GetMeta returns the bookkeeping columns for an entity, or nil if the id is unknown.
func GetMeta(q Querier, table, id string) (*models.Meta, error) {
	if !IsEntityTable(table) {
		return nil, fmt.Errorf("unknown entity table %q", table)
	}
	var m models.Meta
	ms := newMetaScan(&m)
	err := q.QueryRow(fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", metaSelect, table), id).Scan(ms.dest()...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", table, id, err)
	}
	if err := ms.finish(); err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", table, id, err)
	}
	return &m, nil
}

// EntityExists reports whether the id is known locally, deleted or not.
func EntityExists(q Querier, table, id string) (bool, error) {
	if !IsEntityTable(table) {
		return false, fmt.Errorf("unknown entity table %q", table)
	}
	var n int
	err := q.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE id = ?", table), id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("exists %s/%s: %w", table, id, err)
	}
	return n > 0, nil
}

// Snapshot returns the full row of an entity as a JSON-friendly map, including
// its live tag ids for taggable tables. Returns nil if the id is unknown.
func Snapshot(q Querier, table, id string) (map[string]any, error) {
	if !IsEntityTable(table) {
		return nil, fmt.Errorf("unknown entity table %q", table)
	}
	rows, err := q.Query(fmt.Sprintf("SELECT * FROM %s WHERE id = ?", table), id)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s/%s: %w", table, id, err)
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, err
	}
	if !rows.Next() {
		rows.Close()
		return nil, rows.Err()
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		rows.Close()
		return nil, fmt.Errorf("snapshot %s/%s: %w", table, id, err)
	}
	// Close before the tag query; the store runs on one connection
	rows.Close()

	snap := make(map[string]any, len(cols)+1)
	for i, c := range cols {
		if b, ok := vals[i].([]byte); ok {
			snap[c] = string(b)
		} else {
			snap[c] = vals[i]
		}
	}
	if table == "containers" || table == "work_items" {
		tagIDs, err := TagIDs(q, table, id)
		if err != nil {
			return nil, err
		}
		snap["tag_ids"] = tagIDs
	}
	return snap, nil
}

// SnapshotJSON is Snapshot marshalled for storage in a conflict record.
func SnapshotJSON(q Querier, table, id string) (string, error) {
	snap, err := Snapshot(q, table, id)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot %s/%s: %w", table, id, err)
	}
	return string(b), nil
}

// InsertEntity creates a row from payload fields plus bookkeeping. Fields that
// are not domain columns of the table are dropped.
func InsertEntity(q Querier, table string, fields map[string]any, meta models.Meta) error {
	if !IsEntityTable(table) {
		return fmt.Errorf("unknown entity table %q", table)
	}
	if meta.ID == "" {
		return fmt.Errorf("insert %s: empty id", table)
	}

	row := make(map[string]any, len(fields)+9)
	for k, v := range fields {
		kind, ok := domainColumns[table][k]
		if !ok {
			slog.Debug("insert: dropping unknown field", "table", table, "field", k)
			continue
		}
		if v == nil {
			continue
		}
		row[k] = normalizeValue(kind, v)
	}

	syncState := meta.SyncState
	if syncState == "" {
		syncState = models.SyncPending
	}
	row["id"] = meta.ID
	row["revision"] = meta.Revision
	row["last_synced_revision"] = meta.LastSyncedRevision
	row["sync_state"] = string(syncState)
	row["last_synced_at"] = formatTimePtr(meta.LastSyncedAt)
	row["is_deleted"] = boolInt(meta.IsDeleted)
	row["created_at"] = formatTime(meta.CreatedAt)
	row["updated_at"] = formatTime(meta.UpdatedAt)
	row["server_id"] = meta.ServerID

	cols, placeholders, vals := buildInsert(row)
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, cols, placeholders)
	slog.Debug("insert", "table", table, "id", meta.ID)
	if _, err := q.Exec(query, vals...); err != nil {
		return fmt.Errorf("insert %s/%s: %w", table, meta.ID, err)
	}
	return nil
}

// UpdateFields overwrites the columns in set and resets the columns in clear
// to their empty value. Unknown columns are dropped; nil values in set are
// treated as unchanged.
func UpdateFields(q Querier, table, id string, set map[string]any, clear []string) error {
	if !IsEntityTable(table) {
		return fmt.Errorf("unknown entity table %q", table)
	}

	assign := make(map[string]any, len(set)+len(clear))
	for k, v := range set {
		kind, ok := domainColumns[table][k]
		if !ok {
			slog.Debug("update: dropping unknown field", "table", table, "field", k)
			continue
		}
		if v == nil {
			continue
		}
		assign[k] = normalizeValue(kind, v)
	}
	for _, k := range clear {
		kind, ok := domainColumns[table][k]
		if !ok {
			slog.Debug("update: dropping unknown clear", "table", table, "field", k)
			continue
		}
		assign[k] = emptyValue(k, kind)
	}
	if len(assign) == 0 {
		return nil
	}

	keys := make([]string, 0, len(assign))
	for k := range assign {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	args := make([]any, 0, len(keys)+1)
	for i, k := range keys {
		parts[i] = k + " = ?"
		args = append(args, assign[k])
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", table, strings.Join(parts, ", "))
	if _, err := q.Exec(query, args...); err != nil {
		return fmt.Errorf("update %s/%s: %w", table, id, err)
	}
	return nil
}

// SetDeleted toggles the soft-delete flag.
func SetDeleted(q Querier, table, id string, deleted bool) error {
	if !IsEntityTable(table) {
		return fmt.Errorf("unknown entity table %q", table)
	}
	_, err := q.Exec(fmt.Sprintf("UPDATE %s SET is_deleted = ? WHERE id = ?", table), boolInt(deleted), id)
	if err != nil {
		return fmt.Errorf("set deleted %s/%s: %w", table, id, err)
	}
	return nil
}

// MarkLocalRevision stamps a local mutation: the entity moves to rev and is
// pending upload.
func MarkLocalRevision(q Querier, table, id string, rev int64, at time.Time) error {
	if !IsEntityTable(table) {
		return fmt.Errorf("unknown entity table %q", table)
	}
	_, err := q.Exec(fmt.Sprintf(`UPDATE %s SET revision = MAX(revision, ?), sync_state = 'pending', updated_at = ? WHERE id = ?`, table),
		rev, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("mark local revision %s/%s: %w", table, id, err)
	}
	return nil
}

// MarkRemoteRevision stamps a remote apply made at eventAt. The revision never
// decreases, and the entity is synced unless it holds local edits newer than rev.
func MarkRemoteRevision(q Querier, table, id string, rev int64, eventAt, syncedAt time.Time) error {
	if !IsEntityTable(table) {
		return fmt.Errorf("unknown entity table %q", table)
	}
	_, err := q.Exec(fmt.Sprintf(`UPDATE %s SET
		revision = MAX(revision, ?1),
		last_synced_revision = MAX(last_synced_revision, ?1),
		sync_state = CASE WHEN revision <= ?1 THEN 'synced' ELSE sync_state END,
		last_synced_at = ?2,
		updated_at = CASE WHEN updated_at < ?3 THEN ?3 ELSE updated_at END
		WHERE id = ?4`, table), rev, formatTime(syncedAt), formatTime(eventAt), id)
	if err != nil {
		return fmt.Errorf("mark remote revision %s/%s: %w", table, id, err)
	}
	return nil
}

// MarkEntitySynced records that the server acknowledged the entity up to rev.
func MarkEntitySynced(q Querier, table, id string, rev int64, at time.Time) error {
	if !IsEntityTable(table) {
		return fmt.Errorf("unknown entity table %q", table)
	}
	_, err := q.Exec(fmt.Sprintf(`UPDATE %s SET
		last_synced_revision = MAX(last_synced_revision, ?1),
		sync_state = CASE WHEN revision <= ?1 AND sync_state = 'pending' THEN 'synced' ELSE sync_state END,
		last_synced_at = ?2
		WHERE id = ?3`, table), rev, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("mark synced %s/%s: %w", table, id, err)
	}
	return nil
}

// SetSyncState forces the sync state of an entity.
func SetSyncState(q Querier, table, id string, state models.SyncState) error {
	if !IsEntityTable(table) {
		return fmt.Errorf("unknown entity table %q", table)
	}
	if _, err := q.Exec(fmt.Sprintf("UPDATE %s SET sync_state = ? WHERE id = ?", table), string(state), id); err != nil {
		return fmt.Errorf("set sync state %s/%s: %w", table, id, err)
	}
	return nil
}

// SetTagLink adds or removes a tag from a container or work item.
func SetTagLink(q Querier, entityType, entityID, tagID string, linked bool, at time.Time) error {
	_, err := q.Exec(`
		INSERT INTO entity_tags (entity_type, entity_id, tag_id, is_deleted, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id, tag_id) DO UPDATE SET is_deleted = excluded.is_deleted, updated_at = excluded.updated_at
	`, entityType, entityID, tagID, boolInt(!linked), formatTime(at))
	if err != nil {
		return fmt.Errorf("tag link %s/%s -> %s: %w", entityType, entityID, tagID, err)
	}
	return nil
}

// TagIDs returns the live tag ids attached to an entity, sorted.
func TagIDs(q Querier, entityType, entityID string) ([]string, error) {
	rows, err := q.Query(`SELECT tag_id FROM entity_tags WHERE entity_type = ? AND entity_id = ? AND is_deleted = 0 ORDER BY tag_id`,
		entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("tag ids %s/%s: %w", entityType, entityID, err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TagLink is one live row of entity_tags.
type TagLink struct {
	EntityType string
	EntityID   string
	TagID      string
}

// TagLinksFor returns the live links pointing at a tag.
func TagLinksFor(q Querier, tagID string) ([]TagLink, error) {
	rows, err := q.Query(`SELECT entity_type, entity_id, tag_id FROM entity_tags WHERE tag_id = ? AND is_deleted = 0 ORDER BY entity_type, entity_id`, tagID)
	if err != nil {
		return nil, fmt.Errorf("tag links %s: %w", tagID, err)
	}
	defer rows.Close()

	var links []TagLink
	for rows.Next() {
		var l TagLink
		if err := rows.Scan(&l.EntityType, &l.EntityID, &l.TagID); err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// ReferencingIDs returns the ids of live rows in table whose column equals value.
func ReferencingIDs(q Querier, table, column, value string) ([]string, error) {
	if !IsDomainColumn(table, column) {
		return nil, fmt.Errorf("unknown column %s.%s", table, column)
	}
	rows, err := q.Query(fmt.Sprintf("SELECT id FROM %s WHERE %s = ? AND is_deleted = 0 ORDER BY id", table, column), value)
	if err != nil {
		return nil, fmt.Errorf("referencing %s.%s: %w", table, column, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountPendingEntities returns how many entities of each table carry unsynced edits.
func CountPendingEntities(q Querier) (map[string]int64, error) {
	counts := make(map[string]int64, len(domainColumns))
	for table := range domainColumns {
		var n int64
		if err := q.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE sync_state != 'synced'", table)).Scan(&n); err != nil {
			return nil, fmt.Errorf("count pending %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}

// ClearReplica wipes every replicated table. The schema stays in place.
func ClearReplica(q Querier) error {
	for _, table := range []string{
		"entity_tags", "reminders", "work_items", "containers", "tags", "groupings",
		"events", "conflicts", "sync_history",
	} {
		if _, err := q.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	if _, err := q.Exec(`DELETE FROM settings WHERE key LIKE 'checkpoint:%'`); err != nil {
		return fmt.Errorf("clear checkpoints: %w", err)
	}
	return nil
}

// buildInsert sorts fields alphabetically and returns column list, placeholders, and values.
// Keys are expected to be whitelisted already.
func buildInsert(fields map[string]any) (cols string, placeholders string, vals []any) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ph := make([]string, len(keys))
	vals = make([]any, len(keys))
	for i, k := range keys {
		ph[i] = "?"
		vals[i] = fields[k]
	}
	return strings.Join(keys, ", "), strings.Join(ph, ", "), vals
}

// normalizeValue converts JSON-decoded values to their column representation.
func normalizeValue(kind columnKind, v any) any {
	switch kind {
	case kindInt:
		switch n := v.(type) {
		case float64:
			return int64(n)
		case json.Number:
			i, _ := n.Int64()
			return i
		}
	case kindTime:
		switch t := v.(type) {
		case time.Time:
			return formatTime(t)
		case *time.Time:
			return formatTimePtr(t)
		case string:
			if parsed, err := parseTimestamp(t); err == nil {
				return formatTime(parsed)
			}
		}
	case kindText:
		switch s := v.(type) {
		case string:
			return s
		case fmt.Stringer:
			return s.String()
		}
	}
	return v
}

func emptyValue(col string, kind columnKind) any {
	switch kind {
	case kindInt:
		return int64(0)
	case kindTime:
		return nil
	}
	if col == "status" {
		return string(models.StatusActive)
	}
	return ""
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
