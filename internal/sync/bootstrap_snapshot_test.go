package sync

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func (e *testEngine) snapshotter(b Backend) *SnapshotBootstrapper {
	return &SnapshotBootstrapper{backend: b, store: e.store, installationID: "inst", now: func() time.Time { return e.now }}
}

func records(t *testing.T, recs ...map[string]any) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, 0, len(recs))
	for _, r := range recs {
		raw, err := json.Marshal(r)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, raw)
	}
	return out
}

// orphanSnapshot is a server projection with one healthy chain and a record
// for every way a parent can be missing.
func orphanSnapshot(t *testing.T) map[string][]json.RawMessage {
	t.Helper()
	return map[string][]json.RawMessage{
		"groupings": records(t,
			map[string]any{"id": "g1", "revision": 1, "title": "Q1"},
		),
		"tags": records(t,
			map[string]any{"id": "t1", "revision": 1, "name": "home"},
		),
		"containers": records(t,
			map[string]any{"id": "c1", "revision": 2, "title": "Errands", "groupingId": "g1", "tagIds": []string{"t1"}},
			map[string]any{"id": "c2", "revision": 1, "title": "Loose", "groupingId": "g-gone"},
		),
		"work-items": records(t,
			map[string]any{"id": "w1", "revision": 1, "title": "milk", "containerId": "c1", "tagIds": []string{"t1", "t-gone"}},
			map[string]any{"id": "w-orphan", "revision": 1, "title": "lost", "containerId": "c-gone"},
			map[string]any{"id": "w-noparent", "revision": 1, "title": "floating"},
		),
		"reminders": records(t,
			map[string]any{"id": "r1", "revision": 1, "parentType": "work_item", "parentId": "w1"},
			map[string]any{"id": "r2", "revision": 1, "parentType": "container", "parentId": "c2"},
			map[string]any{"id": "r-orphan", "revision": 1, "parentType": "work_item", "parentId": "w-orphan"},
			map[string]any{"id": "r-unknown", "revision": 1, "parentType": "work_item", "parentId": "w-gone"},
			map[string]any{"id": "r-notype", "revision": 1, "parentId": "w1"},
		),
	}
}

func TestSnapshotPopulationDropsOrphans(t *testing.T) {
	e := newTestEngine(t, PolicyManual)
	b := &fakeBackend{resources: orphanSnapshot(t)}

	var last Progress
	cp, err := e.snapshotter(b).Bootstrap(context.Background(), func(p Progress) { last = p })
	if err != nil {
		t.Fatal(err)
	}
	if cp == "" || e.checkpoint(t) != cp {
		t.Errorf("checkpoint = %q / %q", cp, e.checkpoint(t))
	}
	if last.Processed != 12 || last.Total != 12 {
		t.Errorf("progress = %+v, want 12/12", last)
	}

	tests := []struct {
		table, id string
		kept      bool
	}{
		{"groupings", "g1", true},
		{"tags", "t1", true},
		{"containers", "c1", true},
		{"containers", "c2", true},
		{"work_items", "w1", true},
		{"work_items", "w-orphan", false},
		{"work_items", "w-noparent", false},
		{"reminders", "r1", true},
		{"reminders", "r2", true},
		{"reminders", "r-orphan", false},
		{"reminders", "r-unknown", false},
		{"reminders", "r-notype", false},
	}
	for _, tt := range tests {
		t.Run(tt.table+"/"+tt.id, func(t *testing.T) {
			got := e.snapshot(t, tt.table, tt.id) != nil
			if got != tt.kept {
				t.Errorf("present = %v, want %v", got, tt.kept)
			}
		})
	}

	var grouping string
	if err := e.store.Conn().QueryRow(`SELECT COALESCE(grouping_id, '') FROM containers WHERE id = 'c2'`).Scan(&grouping); err != nil {
		t.Fatal(err)
	}
	if grouping != "" {
		t.Errorf("unknown grouping kept: %q", grouping)
	}

	dangling := map[string]string{
		"container grouping": `SELECT COUNT(*) FROM containers c WHERE COALESCE(c.grouping_id, '') != ''
			AND NOT EXISTS (SELECT 1 FROM groupings g WHERE g.id = c.grouping_id)`,
		"work item container": `SELECT COUNT(*) FROM work_items w
			WHERE NOT EXISTS (SELECT 1 FROM containers c WHERE c.id = w.container_id)`,
		"reminder parent": `SELECT COUNT(*) FROM reminders r
			WHERE NOT EXISTS (SELECT 1 FROM work_items w WHERE r.parent_type = 'work_items' AND w.id = r.parent_id)
			AND NOT EXISTS (SELECT 1 FROM containers c WHERE r.parent_type = 'containers' AND c.id = r.parent_id)`,
		"tag link": `SELECT COUNT(*) FROM entity_tags et
			WHERE NOT EXISTS (SELECT 1 FROM tags t WHERE t.id = et.tag_id)`,
	}
	for name, query := range dangling {
		var n int
		if err := e.store.Conn().QueryRow(query).Scan(&n); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if n != 0 {
			t.Errorf("%d dangling %s references", n, name)
		}
	}

	var links int
	if err := e.store.Conn().QueryRow(`SELECT COUNT(*) FROM entity_tags WHERE is_deleted = 0`).Scan(&links); err != nil {
		t.Fatal(err)
	}
	if links != 2 {
		t.Errorf("tag links = %d, want c1 and w1 on t1", links)
	}
}
