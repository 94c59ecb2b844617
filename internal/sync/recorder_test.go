package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/marcus/dqsync/internal/actor"
	"github.com/marcus/dqsync/internal/events"
	"github.com/marcus/dqsync/internal/models"
)

func TestRecordIncrementsRevision(t *testing.T) {
	e := newTestEngine(t, PolicyManual)

	created := e.record(t, containerCreated, "c1", createPayload(t, map[string]any{"title": "inbox"}))
	if created.Revision != 1 || created.BaseRevision != 0 {
		t.Errorf("create rev %d base %d", created.Revision, created.BaseRevision)
	}
	updated := e.record(t, containerUpdated, "c1", patchPayload(t, map[string]any{"title": "Inbox"}))
	if updated.Revision != 2 || updated.BaseRevision != 1 {
		t.Errorf("update rev %d base %d", updated.Revision, updated.BaseRevision)
	}
	deleted := e.record(t, containerDeleted, "c1", nil)
	if deleted.Revision != 3 || deleted.BaseRevision != 2 {
		t.Errorf("delete rev %d base %d", deleted.Revision, deleted.BaseRevision)
	}

	m := e.meta(t, "containers", "c1")
	if m.Revision != 3 || m.LastSyncedRevision != 0 || m.SyncState != models.SyncPending || !m.IsDeleted {
		t.Errorf("meta = %+v", m)
	}
	if created.DeviceID != "dev-a" || created.Origin != events.OriginLocal {
		t.Errorf("event stamped %s/%s", created.DeviceID, created.Origin)
	}
}

func TestRecordRejectsInvalidEvents(t *testing.T) {
	e := newTestEngine(t, PolicyManual)
	e.record(t, containerCreated, "c1", createPayload(t, map[string]any{"title": "x"}))

	tests := []struct {
		name    string
		typ     events.Type
		id      string
		payload events.Payload
	}{
		{"unknown type", "spaceship.created", "s1", nil},
		{"bad action", "container.launched", "c1", nil},
		{"empty id", containerUpdated, "", events.PatchPayload{}},
		{"payload mismatch", containerUpdated, "c1", events.DeletePayload{}},
		{"link without payload", events.Type("container.linked"), "c1", nil},
		{"create existing", containerCreated, "c1", events.CreatePayload{}},
		{"update missing", containerUpdated, "nope", events.PatchPayload{}},
		{"link to missing grouping", events.Type("container.linked"), "c1",
			events.LinkPayload{Relation: events.RelGrouping, TargetID: "g404"}},
		{"link bad relation", events.Type("container.linked"), "c1",
			events.LinkPayload{Relation: events.RelParent, TargetID: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.recorder.Record(context.Background(), tt.typ, tt.id, tt.payload, nil)
			if !errors.Is(err, ErrInvalidEvent) {
				t.Errorf("err = %v, want ErrInvalidEvent", err)
			}
		})
	}

	pending, err := e.recorder.FetchPendingEvents(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Errorf("rejected events leaked into the log: %d pending", len(pending))
	}
}

func TestFetchPendingEventsInRecordingOrder(t *testing.T) {
	e := newTestEngine(t, PolicyManual)
	e.record(t, tagCreated, "t1", createPayload(t, map[string]any{"name": "home"}))
	e.record(t, containerCreated, "c1", createPayload(t, map[string]any{"title": "x"}))
	e.record(t, workItemCreated, "w1", createPayload(t, map[string]any{"title": "y", "container_id": "c1"}))
	e.record(t, events.Type("work_item.linked"), "w1", events.LinkPayload{Relation: events.RelTag, TargetID: "t1"})

	pending, err := e.recorder.FetchPendingEvents(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"tag.created", "container.created", "work_item.created", "work_item.linked"}
	if len(pending) != len(want) {
		t.Fatalf("pending = %d, want %d", len(pending), len(want))
	}
	for i, ev := range pending {
		if string(ev.Type) != want[i] {
			t.Errorf("pending[%d] = %s, want %s", i, ev.Type, want[i])
		}
		if ev.SyncState != models.SyncPending {
			t.Errorf("pending[%d] state = %s", i, ev.SyncState)
		}
	}
}

func TestRecordActorAttribution(t *testing.T) {
	e := newTestEngine(t, PolicyManual)
	e.recorder.SetUserID("user-7")

	ev := e.record(t, tagCreated, "t1", createPayload(t, map[string]any{"name": "home"}))
	if ev.ActorType != models.ActorHuman || ev.UserID != "user-7" {
		t.Errorf("default actor = %s user %s", ev.ActorType, ev.UserID)
	}

	md := actor.Agent("importer")
	ev, err := e.recorder.Record(context.Background(), events.Type("tag.updated"), "t1", patchPayload(t, map[string]any{"color": "red"}), &md)
	if err != nil {
		t.Fatal(err)
	}
	if ev.ActorType != models.ActorAgent || ev.ActorID != "importer" {
		t.Errorf("explicit actor = %s:%s", ev.ActorType, ev.ActorID)
	}
}

func TestOnRecordedHookRunsAfterCommit(t *testing.T) {
	e := newTestEngine(t, PolicyManual)
	var seen []string
	e.recorder.OnRecorded(func(ev events.Event) { seen = append(seen, ev.EntityID) })

	e.record(t, tagCreated, "t1", createPayload(t, map[string]any{"name": "a"}))
	if _, err := e.recorder.Record(context.Background(), tagCreated, "t1", createPayload(t, map[string]any{"name": "b"}), nil); err == nil {
		t.Fatal("duplicate create should fail")
	}
	if len(seen) != 1 || seen[0] != "t1" {
		t.Errorf("hook saw %v", seen)
	}
}

func TestRecordHonoursCancelledContext(t *testing.T) {
	e := newTestEngine(t, PolicyManual)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.recorder.Record(ctx, tagCreated, "t1", createPayload(t, map[string]any{"name": "a"}), nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
