package db

import (
	"fmt"
	"testing"
	"time"
)

func TestRecordSyncHistory_Basic(t *testing.T) {
	db := newTestDB(t)

	now := time.Now().Truncate(time.Second)
	entries := []SyncHistoryEntry{
		{Direction: "push", EventType: "container.created", EntityType: "containers", EntityID: "c1", ServerSeq: 10, DeviceID: "dev-a", Timestamp: now},
		{Direction: "pull", EventType: "work_item.updated", EntityType: "work_items", EntityID: "w2", ServerSeq: 11, DeviceID: "dev-b", Timestamp: now},
	}

	if err := RecordSyncHistory(db.Conn(), entries, 0); err != nil {
		t.Fatalf("RecordSyncHistory failed: %v", err)
	}

	var count int
	if err := db.Conn().QueryRow(`SELECT COUNT(*) FROM sync_history`).Scan(&count); err != nil {
		t.Fatalf("count query: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 rows, got %d", count)
	}
}

func TestSyncHistoryKeepsOutcome(t *testing.T) {
	db := newTestDB(t)

	entries := []SyncHistoryEntry{
		{Direction: "pull", EventType: "tag.updated", EntityType: "tags", EntityID: "t1", ServerSeq: 3, Outcome: "conflict", Timestamp: time.Now()},
		{Direction: "push", EventType: "tag.created", EntityType: "tags", EntityID: "t2", ServerSeq: 4, Outcome: "acked", Timestamp: time.Now()},
	}
	if err := RecordSyncHistory(db.Conn(), entries, 0); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetSyncHistory(0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Outcome != "conflict" || got[1].Outcome != "acked" {
		t.Errorf("outcomes = %+v", got)
	}
}

func TestRecordSyncHistory_EmptySlice(t *testing.T) {
	db := newTestDB(t)

	if err := RecordSyncHistory(db.Conn(), nil, 10); err != nil {
		t.Fatalf("RecordSyncHistory with nil should not error: %v", err)
	}
	if err := RecordSyncHistory(db.Conn(), []SyncHistoryEntry{}, 10); err != nil {
		t.Fatalf("RecordSyncHistory with empty slice should not error: %v", err)
	}
}

func TestGetSyncHistoryTail_OrderAndLimit(t *testing.T) {
	db := newTestDB(t)

	base := time.Now().Truncate(time.Second)
	var entries []SyncHistoryEntry
	for i := 0; i < 5; i++ {
		entries = append(entries, SyncHistoryEntry{
			Direction:  "pull",
			EventType:  "tag.created",
			EntityType: "tags",
			EntityID:   fmt.Sprintf("t%d", i),
			ServerSeq:  int64(i + 1),
			Timestamp:  base.Add(time.Duration(i) * time.Second),
		})
	}
	if err := RecordSyncHistory(db.Conn(), entries, 0); err != nil {
		t.Fatal(err)
	}

	tail, err := db.GetSyncHistoryTail(3)
	if err != nil {
		t.Fatalf("GetSyncHistoryTail: %v", err)
	}
	if len(tail) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(tail))
	}
	// Oldest first within the tail window
	for i, want := range []string{"t2", "t3", "t4"} {
		if tail[i].EntityID != want {
			t.Errorf("tail[%d] = %s, want %s", i, tail[i].EntityID, want)
		}
	}
	if !tail[0].Timestamp.Equal(base.Add(2 * time.Second)) {
		t.Errorf("timestamp round trip: got %v", tail[0].Timestamp)
	}

	after, err := db.GetSyncHistory(tail[0].ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != 2 {
		t.Errorf("GetSyncHistory after %d: got %d entries, want 2", tail[0].ID, len(after))
	}
}

func TestRecordSyncHistory_Prunes(t *testing.T) {
	db := newTestDB(t)

	for i := 0; i < 8; i++ {
		e := SyncHistoryEntry{Direction: "push", EventType: "tag.created", EntityType: "tags", EntityID: fmt.Sprintf("t%d", i), Timestamp: time.Now()}
		if err := RecordSyncHistory(db.Conn(), []SyncHistoryEntry{e}, 5); err != nil {
			t.Fatal(err)
		}
	}

	var count int
	if err := db.Conn().QueryRow(`SELECT COUNT(*) FROM sync_history`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 5 {
		t.Errorf("expected 5 rows after pruning, got %d", count)
	}
}
