package db

import (
	"testing"
	"time"

	"github.com/marcus/dqsync/internal/models"
)

func seedMeta(id string, rev int64, state models.SyncState) models.Meta {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return models.Meta{ID: id, Revision: rev, LastSyncedRevision: rev, SyncState: state, CreatedAt: now, UpdatedAt: now}
}

func TestInsertAndGetWorkItem(t *testing.T) {
	db := newTestDB(t)
	q := db.Conn()

	due := "2026-04-01T09:00:00Z"
	fields := map[string]any{
		"title":        "Write report",
		"container_id": "c1",
		"sort_order":   float64(3),
		"due_at":       due,
		"revision":     float64(99), // bookkeeping columns are not payload-writable
		"bogus":        "x",
	}
	if err := InsertEntity(q, "work_items", fields, seedMeta("w1", 1, models.SyncSynced)); err != nil {
		t.Fatalf("InsertEntity: %v", err)
	}

	w, err := GetWorkItem(q, "w1")
	if err != nil {
		t.Fatalf("GetWorkItem: %v", err)
	}
	if w == nil {
		t.Fatal("work item not found")
	}
	if w.Title != "Write report" || w.ContainerID != "c1" || w.SortOrder != 3 {
		t.Errorf("unexpected fields: %+v", w)
	}
	if w.Revision != 1 {
		t.Errorf("revision = %d, payload must not override bookkeeping", w.Revision)
	}
	if w.Status != models.StatusActive {
		t.Errorf("status = %q, want default active", w.Status)
	}
	if w.DueAt == nil || !w.DueAt.Equal(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("due_at = %v", w.DueAt)
	}
	if len(w.TagIDs) != 0 {
		t.Errorf("tag ids = %v", w.TagIDs)
	}
}

func TestUpdateFieldsSetAndClear(t *testing.T) {
	db := newTestDB(t)
	q := db.Conn()

	fields := map[string]any{"title": "A", "detail": "keep me", "due_at": "2026-04-01T09:00:00Z"}
	if err := InsertEntity(q, "work_items", fields, seedMeta("w1", 1, models.SyncSynced)); err != nil {
		t.Fatal(err)
	}

	set := map[string]any{"title": "B", "detail": nil}
	if err := UpdateFields(q, "work_items", "w1", set, []string{"due_at"}); err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}

	w, _ := GetWorkItem(q, "w1")
	if w.Title != "B" {
		t.Errorf("title = %q, want B", w.Title)
	}
	if w.Detail != "keep me" {
		t.Errorf("detail = %q; nil in set must leave the field unchanged", w.Detail)
	}
	if w.DueAt != nil {
		t.Errorf("due_at = %v, want cleared", w.DueAt)
	}
}

func TestRevisionStamps(t *testing.T) {
	db := newTestDB(t)
	q := db.Conn()
	now := time.Now()

	if err := InsertEntity(q, "tags", map[string]any{"name": "x"}, seedMeta("t1", 2, models.SyncSynced)); err != nil {
		t.Fatal(err)
	}

	// Local edit to rev 3
	if err := MarkLocalRevision(q, "tags", "t1", 3, now); err != nil {
		t.Fatal(err)
	}
	m, _ := GetMeta(q, "tags", "t1")
	if m.Revision != 3 || m.SyncState != models.SyncPending || !m.HasPendingEdits() {
		t.Fatalf("after local edit: %+v", m)
	}

	// An older remote revision must not regress the entity or clear pending
	if err := MarkRemoteRevision(q, "tags", "t1", 2, now, now); err != nil {
		t.Fatal(err)
	}
	m, _ = GetMeta(q, "tags", "t1")
	if m.Revision != 3 || m.SyncState != models.SyncPending {
		t.Errorf("after stale remote: rev=%d state=%s", m.Revision, m.SyncState)
	}

	// Server acks rev 3
	if err := MarkEntitySynced(q, "tags", "t1", 3, now); err != nil {
		t.Fatal(err)
	}
	m, _ = GetMeta(q, "tags", "t1")
	if m.SyncState != models.SyncSynced || m.LastSyncedRevision != 3 || m.LastSyncedAt == nil {
		t.Errorf("after ack: %+v", m)
	}

	// Newer remote revision moves forward
	if err := MarkRemoteRevision(q, "tags", "t1", 5, now, now); err != nil {
		t.Fatal(err)
	}
	m, _ = GetMeta(q, "tags", "t1")
	if m.Revision != 5 || m.LastSyncedRevision != 5 {
		t.Errorf("after remote rev 5: %+v", m)
	}
}

func TestTagLinks(t *testing.T) {
	db := newTestDB(t)
	q := db.Conn()
	now := time.Now()

	for _, tag := range []string{"t2", "t1"} {
		if err := SetTagLink(q, "containers", "c1", tag, true, now); err != nil {
			t.Fatal(err)
		}
	}
	ids, err := TagIDs(q, "containers", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "t1" || ids[1] != "t2" {
		t.Errorf("tag ids = %v", ids)
	}

	if err := SetTagLink(q, "containers", "c1", "t1", false, now); err != nil {
		t.Fatal(err)
	}
	// Linking twice is harmless
	if err := SetTagLink(q, "containers", "c1", "t2", true, now); err != nil {
		t.Fatal(err)
	}
	ids, _ = TagIDs(q, "containers", "c1")
	if len(ids) != 1 || ids[0] != "t2" {
		t.Errorf("tag ids after unlink = %v", ids)
	}

	links, err := TagLinksFor(q, "t2")
	if err != nil {
		t.Fatal(err)
	}
	if len(links) != 1 || links[0].EntityID != "c1" {
		t.Errorf("links = %+v", links)
	}
}

func TestSnapshotIncludesTags(t *testing.T) {
	db := newTestDB(t)
	q := db.Conn()

	if err := InsertEntity(q, "containers", map[string]any{"title": "Inbox"}, seedMeta("c1", 1, models.SyncSynced)); err != nil {
		t.Fatal(err)
	}
	if err := SetTagLink(q, "containers", "c1", "t1", true, time.Now()); err != nil {
		t.Fatal(err)
	}

	snap, err := Snapshot(q, "containers", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if snap["title"] != "Inbox" {
		t.Errorf("title = %v", snap["title"])
	}
	tags, ok := snap["tag_ids"].([]string)
	if !ok || len(tags) != 1 {
		t.Errorf("tag_ids = %#v", snap["tag_ids"])
	}

	missing, err := Snapshot(q, "containers", "nope")
	if err != nil || missing != nil {
		t.Errorf("missing snapshot = %v, %v", missing, err)
	}
}

func TestReferencingIDsAndDeleted(t *testing.T) {
	db := newTestDB(t)
	q := db.Conn()

	for _, id := range []string{"w1", "w2", "w3"} {
		if err := InsertEntity(q, "work_items", map[string]any{"title": id, "container_id": "c1"}, seedMeta(id, 1, models.SyncSynced)); err != nil {
			t.Fatal(err)
		}
	}
	if err := SetDeleted(q, "work_items", "w2", true); err != nil {
		t.Fatal(err)
	}

	ids, err := ReferencingIDs(q, "work_items", "container_id", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "w1" || ids[1] != "w3" {
		t.Errorf("ids = %v", ids)
	}

	if _, err := ReferencingIDs(q, "work_items", "revision", "1"); err == nil {
		t.Error("expected error for non-domain column")
	}

	live, _ := ListWorkItems(q, false)
	all, _ := ListWorkItems(q, true)
	if len(live) != 2 || len(all) != 3 {
		t.Errorf("live=%d all=%d", len(live), len(all))
	}
}

func TestUnknownTableRejected(t *testing.T) {
	db := newTestDB(t)
	q := db.Conn()

	if err := InsertEntity(q, "settings", map[string]any{}, seedMeta("x", 1, models.SyncSynced)); err == nil {
		t.Error("InsertEntity accepted a non-entity table")
	}
	if _, err := GetMeta(q, "events; DROP TABLE events", "x"); err == nil {
		t.Error("GetMeta accepted an arbitrary table name")
	}
}

func TestClearReplica(t *testing.T) {
	db := newTestDB(t)
	q := db.Conn()

	if err := InsertEntity(q, "tags", map[string]any{"name": "x"}, seedMeta("t1", 1, models.SyncSynced)); err != nil {
		t.Fatal(err)
	}
	if err := SetCheckpoint(q, "inst", "cp"); err != nil {
		t.Fatal(err)
	}
	if err := SetSetting(q, "device_name", "laptop"); err != nil {
		t.Fatal(err)
	}

	if err := ClearReplica(q); err != nil {
		t.Fatalf("ClearReplica: %v", err)
	}
	if ok, _ := EntityExists(q, "tags", "t1"); ok {
		t.Error("tag survived ClearReplica")
	}
	if cp, _ := GetCheckpoint(q, "inst"); cp != "" {
		t.Errorf("checkpoint = %q after ClearReplica", cp)
	}
	if v, _ := GetSetting(q, "device_name"); v != "laptop" {
		t.Errorf("unrelated setting removed: %q", v)
	}
}
