package sync

import (
	"context"
	"database/sql"
	"testing"

	"github.com/marcus/dqsync/internal/db"
	"github.com/marcus/dqsync/internal/events"
	"github.com/marcus/dqsync/internal/models"
)

const (
	containerCreated = events.Type("container.created")
	containerUpdated = events.Type("container.updated")
	containerDeleted = events.Type("container.deleted")
	workItemCreated  = events.Type("work_item.created")
	workItemUpdated  = events.Type("work_item.updated")
	workItemLinked   = events.Type("work_item.linked")
	tagCreated       = events.Type("tag.created")
)

func moveTo(container string) events.LinkPayload {
	return events.LinkPayload{Relation: events.RelContainer, TargetType: events.EntityContainers, TargetID: container}
}

func TestApplyReplayIsIdempotent(t *testing.T) {
	e := newTestEngine(t, PolicyManual)
	batch := []events.Event{
		remote(1, containerCreated, "c1", 1, 0, createPayload(t, map[string]any{"title": "Inbox"})),
		remote(2, workItemCreated, "w1", 1, 0, createPayload(t, map[string]any{"title": "milk", "container_id": "c1"})),
		remote(3, workItemUpdated, "w1", 2, 1, patchPayload(t, map[string]any{"title": "oat milk"})),
	}

	first := e.applyRemote(t, batch...)
	if first.Applied != 3 {
		t.Fatalf("first apply: %+v", first)
	}
	before := e.snapshot(t, "work_items", "w1")

	second := e.applyRemote(t, batch...)
	if second.Applied != 0 || second.Skipped != 3 {
		t.Fatalf("replay should skip everything: %+v", second)
	}
	after := e.snapshot(t, "work_items", "w1")
	if !sameValue(before, after) {
		t.Errorf("replay changed state:\nbefore %v\nafter  %v", before, after)
	}

	n, err := db.CountEvents(e.store.Conn())
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("event log has %d rows, want 3", n)
	}
}

func TestApplySortsByServerSeq(t *testing.T) {
	e := newTestEngine(t, PolicyManual)
	e.applyRemote(t,
		remote(3, containerUpdated, "c1", 3, 2, patchPayload(t, map[string]any{"title": "third"})),
		remote(1, containerCreated, "c1", 1, 0, createPayload(t, map[string]any{"title": "first"})),
		remote(2, containerUpdated, "c1", 2, 1, patchPayload(t, map[string]any{"title": "second"})),
	)
	if got := e.snapshot(t, "containers", "c1")["title"]; got != "third" {
		t.Errorf("title = %v, want third", got)
	}
	if m := e.meta(t, "containers", "c1"); m.Revision != 3 || m.SyncState != models.SyncSynced {
		t.Errorf("meta = %+v", m)
	}
}

func TestRevisionNeverDecreases(t *testing.T) {
	e := newTestEngine(t, PolicyManual)
	e.applyRemote(t,
		remote(1, containerCreated, "c1", 1, 0, createPayload(t, map[string]any{"title": "a"})),
		remote(2, containerUpdated, "c1", 5, 4, patchPayload(t, map[string]any{"title": "b"})),
	)
	e.applyRemote(t, remote(3, containerUpdated, "c1", 3, 2, patchPayload(t, map[string]any{"sort_order": 7})))

	m := e.meta(t, "containers", "c1")
	if m.Revision != 5 {
		t.Errorf("revision = %d, want 5", m.Revision)
	}
	if m.LastSyncedRevision != 5 {
		t.Errorf("last synced = %d, want 5", m.LastSyncedRevision)
	}
}

func TestCreateOnExistingIDIsSkipped(t *testing.T) {
	e := newTestEngine(t, PolicyManual)
	e.applyRemote(t, remote(1, containerCreated, "c1", 1, 0, createPayload(t, map[string]any{"title": "keep"})))

	var res ApplyResult
	err := e.store.WithTx(context.Background(), func(tx *sql.Tx) error {
		var err error
		res, err = e.projector.Apply(tx, remote(2, containerCreated, "c1", 1, 0, createPayload(t, map[string]any{"title": "clobber"})))
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeSkipped || res.Reason != ReasonExists {
		t.Errorf("result = %+v", res)
	}
	if got := e.snapshot(t, "containers", "c1")["title"]; got != "keep" {
		t.Errorf("title = %v", got)
	}
}

func TestPatchNullLeavesFieldAndClearEmpties(t *testing.T) {
	e := newTestEngine(t, PolicyManual)
	e.applyRemote(t, remote(1, workItemCreated, "w1", 1, 0, createPayload(t, map[string]any{
		"title": "call mum", "detail": "sunday", "due_at": "2026-03-08T10:00:00Z", "sort_order": 3,
	})))

	patch := patchPayload(t, map[string]any{"title": "call mom", "detail": nil}, "due_at")
	e.applyRemote(t, remote(2, workItemUpdated, "w1", 2, 1, patch))

	w, err := db.GetWorkItem(e.store.Conn(), "w1")
	if err != nil {
		t.Fatal(err)
	}
	if w.Title != "call mom" {
		t.Errorf("title = %q", w.Title)
	}
	if w.Detail != "sunday" {
		t.Errorf("null detail must leave the field untouched, got %q", w.Detail)
	}
	if w.DueAt != nil {
		t.Errorf("cleared due_at = %v, want nil", w.DueAt)
	}
	if w.SortOrder != 3 {
		t.Errorf("absent sort_order changed to %d", w.SortOrder)
	}
}

func TestDeleteAndRestore(t *testing.T) {
	e := newTestEngine(t, PolicyManual)
	e.applyRemote(t,
		remote(1, containerCreated, "c1", 1, 0, createPayload(t, map[string]any{"title": "x"})),
		remote(2, containerDeleted, "c1", 2, 1, events.DeletePayload{}),
	)
	if !e.meta(t, "containers", "c1").IsDeleted {
		t.Fatal("container should be deleted")
	}
	e.applyRemote(t, remote(3, events.Type("container.restored"), "c1", 3, 2, events.RestorePayload{}))
	if e.meta(t, "containers", "c1").IsDeleted {
		t.Fatal("container should be restored")
	}
}

func TestLinkToUnknownReferentIsDeferredThenRetried(t *testing.T) {
	e := newTestEngine(t, PolicyManual)
	e.applyRemote(t, remote(1, workItemCreated, "w1", 1, 0, createPayload(t, map[string]any{"title": "t"})))

	res := e.applyRemote(t, remote(2, workItemLinked, "w1", 2, 1, moveTo("c9")))
	if res.Deferred != 1 || res.Outcomes["remote-2"] != OutcomeDeferred {
		t.Fatalf("want deferred, got %+v", res)
	}
	ev, err := db.GetEvent(e.store.Conn(), "remote-2")
	if err != nil || ev == nil {
		t.Fatalf("deferred event must be logged: %v", err)
	}
	if ev.ApplyState != events.ApplyDeferred {
		t.Errorf("apply state = %s", ev.ApplyState)
	}

	res = e.applyRemote(t, remote(3, containerCreated, "c9", 1, 0, createPayload(t, map[string]any{"title": "late"})))
	if res.Retried != 1 {
		t.Errorf("retried = %d, want 1", res.Retried)
	}
	w, err := db.GetWorkItem(e.store.Conn(), "w1")
	if err != nil {
		t.Fatal(err)
	}
	if w.ContainerID != "c9" {
		t.Errorf("container = %q, want c9", w.ContainerID)
	}
	ev, _ = db.GetEvent(e.store.Conn(), "remote-2")
	if ev.ApplyState != events.ApplyApplied {
		t.Errorf("apply state after retry = %s", ev.ApplyState)
	}
}

func TestUpdateBeforeCreateIsDeferred(t *testing.T) {
	e := newTestEngine(t, PolicyManual)
	// Both arrive in one batch but the create has the higher sequence.
	res := e.applyRemote(t,
		remote(5, containerUpdated, "c1", 2, 1, patchPayload(t, map[string]any{"title": "renamed"})),
		remote(6, containerCreated, "c1", 1, 0, createPayload(t, map[string]any{"title": "orig"})),
	)
	if res.Deferred != 1 || res.Retried != 1 {
		t.Fatalf("result = %+v", res)
	}
	if got := e.snapshot(t, "containers", "c1")["title"]; got != "renamed" {
		t.Errorf("title = %v", got)
	}
}

func TestMalformedPayloadIsSkippedAndLogged(t *testing.T) {
	e := newTestEngine(t, PolicyManual)
	bad := remote(1, containerCreated, "c1", 1, 0, events.CreatePayload{})
	bad.Payload = []byte(`{"schema_version":99,"data":{}}`)

	res := e.applyRemote(t, bad)
	if res.Skipped != 1 {
		t.Fatalf("result = %+v", res)
	}
	if m := e.meta(t, "containers", "c1"); m != nil {
		t.Errorf("entity created from malformed payload: %+v", m)
	}
	if ok, _ := db.HasEvent(e.store.Conn(), bad.ID); !ok {
		t.Error("malformed event should still be logged so replays skip it")
	}
}

func TestTagLinksFromCreateAndLink(t *testing.T) {
	e := newTestEngine(t, PolicyManual)
	e.applyRemote(t,
		remote(1, tagCreated, "t1", 1, 0, createPayload(t, map[string]any{"name": "home"})),
		remote(2, tagCreated, "t2", 1, 0, createPayload(t, map[string]any{"name": "work"})),
		remote(3, containerCreated, "c1", 1, 0, createPayload(t, map[string]any{"title": "x", "tag_ids": []string{"t1"}})),
		remote(4, events.Type("container.linked"), "c1", 2, 1, events.LinkPayload{Relation: events.RelTag, TargetID: "t2"}),
		remote(5, events.Type("container.unlinked"), "c1", 3, 2, events.LinkPayload{Relation: events.RelTag, TargetID: "t1"}),
	)
	c, err := db.GetContainer(e.store.Conn(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(c.TagIDs) != 1 || c.TagIDs[0] != "t2" {
		t.Errorf("tags = %v, want [t2]", c.TagIDs)
	}
}

func TestRemoteDeviceIsObserved(t *testing.T) {
	e := newTestEngine(t, PolicyManual)
	seen := map[string]string{}
	e.projector.observer = observerFunc(func(q db.Querier, deviceID, userID string) error {
		seen[deviceID] = userID
		return nil
	})
	e.applyRemote(t, remote(1, containerCreated, "c1", 1, 0, createPayload(t, map[string]any{"title": "x"})))
	if seen["dev-b"] != "user-1" {
		t.Errorf("observed = %v", seen)
	}
}
