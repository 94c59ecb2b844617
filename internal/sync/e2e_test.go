package sync_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/marcus/dqsync/internal/db"
	"github.com/marcus/dqsync/internal/events"
	"github.com/marcus/dqsync/internal/models"
	dqsync "github.com/marcus/dqsync/internal/sync"
	"github.com/marcus/dqsync/internal/syncharness"
)

// seed records a small but complete data set on device A.
func seed(h *syncharness.Harness) {
	h.Create("A", events.EntityGroupings, "g1", map[string]any{"title": "Q3 planning", "sort_order": 1})
	h.Create("A", events.EntityTags, "t1", map[string]any{"name": "home", "color": "green"})
	h.Create("A", events.EntityTags, "t2", map[string]any{"name": "errand"})
	h.Create("A", events.EntityContainers, "c1", map[string]any{"title": "Groceries", "grouping_id": "g1", "tag_ids": []string{"t1"}})
	h.Create("A", events.EntityContainers, "c2", map[string]any{"title": "Scratch"})
	h.Create("A", events.EntityWorkItems, "w1", map[string]any{"title": "milk", "container_id": "c1", "sort_order": 1})
	h.Create("A", events.EntityWorkItems, "w2", map[string]any{"title": "eggs", "container_id": "c1", "sort_order": 2})
	h.Create("A", events.EntityReminders, "r1", map[string]any{
		"parent_type": "work_items", "parent_id": "w1", "remind_at": "2026-03-02T09:00:00Z", "status": "active",
	})
	h.Update("A", events.EntityWorkItems, "w2", map[string]any{"title": "free-range eggs"})
	h.Record("A", events.Type("work_item.linked"), "w2", events.LinkPayload{Relation: events.RelTag, TargetID: "t2"})
	h.Record("A", events.Type("work_item.linked"), "w1", events.LinkPayload{Relation: events.RelContainer, TargetID: "c2"})
	h.Record("A", events.Type("container.deleted"), "c2", nil)
}

func TestRenamePropagatesBetweenDevices(t *testing.T) {
	h := syncharness.New(t, 2, syncharness.Options{})
	h.ConnectAll()

	h.Create("A", events.EntityContainers, "c1", map[string]any{"title": "Inbox"})
	h.SyncAll()
	if got := h.Entity("B", events.EntityContainers, "c1"); got == nil || got["title"] != "Inbox" {
		t.Fatalf("B did not receive c1: %v", got)
	}

	h.Update("B", events.EntityContainers, "c1", map[string]any{"title": "Today"})
	h.SyncAll()

	if got := h.Entity("A", events.EntityContainers, "c1")["title"]; got != "Today" {
		t.Errorf("A title = %v, want Today", got)
	}
	h.AssertConverged()

	pending, err := h.Device("B").Orch.FetchPendingEvents(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("B still has %d pending events", len(pending))
	}
}

func TestBootstrapStrategiesProduceTheSameReplica(t *testing.T) {
	for _, strategy := range []dqsync.BootstrapStrategy{dqsync.BootstrapStream, dqsync.BootstrapSnapshot, dqsync.BootstrapReplay} {
		t.Run(string(strategy), func(t *testing.T) {
			h := syncharness.New(t, 1, syncharness.Options{Strategy: strategy})
			h.Server.BatchSize = 3
			h.Server.PageSize = 4
			h.Connect("A")
			seed(h)
			h.MustSync("A")

			h.AddDevice("B")
			h.Connect("B")
			h.AssertConverged()

			st := h.Device("B").Orch.Status()
			if st.State != dqsync.StateConnected || st.Bootstrapping {
				t.Errorf("status after bootstrap = %+v", st)
			}
			cp, err := db.GetCheckpoint(h.Device("B").Store.Conn(), h.Device("B").DeviceID)
			if err != nil {
				t.Fatal(err)
			}
			if cp == "" {
				t.Error("bootstrap left no checkpoint")
			}

			// Later edits still flow after any bootstrap.
			h.Update("A", events.EntityWorkItems, "w1", map[string]any{"title": "oat milk"})
			h.SyncAll()
			h.AssertConverged()
		})
	}
}

func TestResetReplicaRebuildsOwnHistory(t *testing.T) {
	for _, strategy := range []dqsync.BootstrapStrategy{dqsync.BootstrapStream, dqsync.BootstrapSnapshot, dqsync.BootstrapReplay} {
		t.Run(string(strategy), func(t *testing.T) {
			h := syncharness.New(t, 1, syncharness.Options{Strategy: strategy})
			h.Server.PageSize = 4
			h.Connect("A")
			seed(h)
			h.MustSync("A")

			a := h.Device("A")
			a.Orch.Disconnect()
			if err := a.Store.WithTx(context.Background(), func(tx *sql.Tx) error { return db.ClearReplica(tx) }); err != nil {
				t.Fatal(err)
			}
			h.Connect("A")

			if got := h.Entity("A", events.EntityWorkItems, "w2"); got == nil || got["title"] != "free-range eggs" {
				t.Fatalf("own work item not rebuilt: %v", got)
			}
			if got := h.Entity("A", events.EntityContainers, "c1"); got == nil {
				t.Fatal("own container c1 missing after rebuild")
			}

			h.AddDevice("B")
			h.Connect("B")
			h.AssertConverged()
		})
	}
}

func TestStreamFailuresFallBack(t *testing.T) {
	modes := map[string]syncharness.StreamMode{
		"disabled":     syncharness.StreamDisabled,
		"error frame":  syncharness.StreamErrorFrame,
		"dropped":      syncharness.StreamDrop,
		"out of order": syncharness.StreamOutOfOrder,
	}
	for name, mode := range modes {
		t.Run(name, func(t *testing.T) {
			h := syncharness.New(t, 1, syncharness.Options{Strategy: dqsync.BootstrapStream})
			h.Server.BatchSize = 2
			h.Connect("A")
			seed(h)
			h.MustSync("A")

			h.Server.StreamMode = mode
			h.AddDevice("B")
			h.Connect("B")
			h.AssertConverged()

			if h.Server.Requests("/v1/containers") == 0 {
				t.Error("expected the snapshot fallback to fetch collections")
			}
		})
	}
}

func TestConcurrentEditSettledByLastWriter(t *testing.T) {
	h := syncharness.New(t, 2, syncharness.Options{Policy: dqsync.PolicyLastWriterWins})
	h.ConnectAll()
	h.Create("A", events.EntityContainers, "c1", map[string]any{"title": "Plan"})
	h.SyncAll()

	base := h.Device("A").Clock.Now()
	h.Device("B").Clock.Set(base.Add(time.Minute))
	h.Device("A").Clock.Set(base.Add(time.Hour))
	h.Update("B", events.EntityContainers, "c1", map[string]any{"title": "from B"})
	h.Update("A", events.EntityContainers, "c1", map[string]any{"title": "from A"})

	h.MustSync("A")
	// B pulls before pushing so its edit is still pending when A's arrives.
	res, err := h.Device("B").Orch.Pull(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.ConflictIDs) != 1 {
		t.Fatalf("B conflicts = %v, want one", res.ConflictIDs)
	}

	h.SyncAll()
	h.AssertConverged()
	if got := h.Entity("B", events.EntityContainers, "c1")["title"]; got != "from A" {
		t.Errorf("title = %v, the later edit should win", got)
	}
	open, err := db.CountUnresolvedConflicts(h.Device("B").Store.Conn())
	if err != nil {
		t.Fatal(err)
	}
	if open != 0 {
		t.Errorf("open conflicts = %d", open)
	}
}

func TestManualPolicyKeepsConflictOpen(t *testing.T) {
	h := syncharness.New(t, 2, syncharness.Options{Policy: dqsync.PolicyManual})
	h.ConnectAll()
	h.Create("A", events.EntityWorkItems, "w1", map[string]any{"title": "call"})
	h.SyncAll()

	h.Update("A", events.EntityWorkItems, "w1", map[string]any{"title": "call mum"})
	h.Update("B", events.EntityWorkItems, "w1", map[string]any{"title": "call dad"})
	h.MustSync("A")
	if _, err := h.Device("B").Orch.Pull(context.Background()); err != nil {
		t.Fatal(err)
	}

	b := h.Device("B")
	if got := h.Entity("B", events.EntityWorkItems, "w1")["title"]; got != "call dad" {
		t.Errorf("title = %v, local edit must survive until resolved", got)
	}
	if st := b.Orch.Status(); st.OpenConflicts != 1 {
		t.Fatalf("open conflicts = %d", st.OpenConflicts)
	}

	open, err := db.ListConflicts(b.Store.Conn(), false, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Orch.ResolveConflict(context.Background(), open[0].ID, models.ResolutionKeepRemote, nil); err != nil {
		t.Fatal(err)
	}
	if got := h.Entity("B", events.EntityWorkItems, "w1")["title"]; got != "call mum" {
		t.Errorf("title after keep remote = %v", got)
	}
	h.SyncAll()
	h.AssertConverged()
}

func TestConnectWithBadTokenFails(t *testing.T) {
	h := syncharness.New(t, 1, syncharness.Options{})
	d := h.Device("A")

	err := d.Orch.Connect(context.Background(), "user-1", "wrong", nil)
	if !errors.Is(err, dqsync.ErrNotAuthenticated) {
		t.Fatalf("err = %v, want ErrNotAuthenticated", err)
	}
	if st := d.Orch.Status(); st.State != dqsync.StateDisconnected {
		t.Errorf("state = %s", st.State)
	}
	if err := d.Orch.SyncNow(context.Background()); !errors.Is(err, dqsync.ErrNotConnected) {
		t.Errorf("SyncNow err = %v, want ErrNotConnected", err)
	}
	if h.Server.Requests("/v1/containers") != 0 {
		t.Error("auth failure must not fall back to another strategy")
	}
}

func TestOfflineEditsPushAfterReconnect(t *testing.T) {
	h := syncharness.New(t, 2, syncharness.Options{})
	h.Connect("A")

	// Recorded while disconnected.
	h.Create("B", events.EntityTags, "t1", map[string]any{"name": "offline"})
	h.Connect("B")
	h.SyncAll()
	h.AssertConverged()

	if got := h.Entity("A", events.EntityTags, "t1"); got == nil {
		t.Fatal("A never saw the offline tag")
	}
	if n := len(h.Server.Events()); n != 1 {
		t.Errorf("server holds %d events, want 1", n)
	}
}
