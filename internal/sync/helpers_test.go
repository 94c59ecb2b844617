package sync

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/marcus/dqsync/internal/actor"
	"github.com/marcus/dqsync/internal/db"
	"github.com/marcus/dqsync/internal/events"
	"github.com/marcus/dqsync/internal/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.OpenWithDriver("sqlite3", ":memory:", "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// testEngine bundles the pieces a pull or bootstrap drives.
type testEngine struct {
	store     *db.DB
	projector *Projector
	recorder  *Recorder
	resolver  *Resolver
	applier   *batchApplier
	now       time.Time
}

func newTestEngine(t *testing.T, policy ResolutionPolicy) *testEngine {
	t.Helper()
	e := &testEngine{store: newTestStore(t), now: t0}
	clock := func() time.Time { return e.now }
	e.projector = NewProjector(NewConflictDetector(), nil)
	e.recorder = NewRecorder(e.store, e.projector, "dev-a",
		WithClock(clock),
		WithDefaultActor(actor.Human),
	)
	e.resolver = NewResolver(e.recorder, policy, "dev-a")
	e.resolver.now = clock
	e.applier = &batchApplier{projector: e.projector, resolver: e.resolver, historyRows: 100}
	return e
}

// record records a local event and advances the clock.
func (e *testEngine) record(t *testing.T, typ events.Type, id string, p events.Payload) events.Event {
	t.Helper()
	ev, err := e.recorder.Record(context.Background(), typ, id, p, nil)
	if err != nil {
		t.Fatalf("record %s %s: %v", typ, id, err)
	}
	e.now = e.now.Add(time.Second)
	return ev
}

// applyRemote applies a batch of remote events in one transaction.
func (e *testEngine) applyRemote(t *testing.T, evs ...events.Event) BatchResult {
	t.Helper()
	var res BatchResult
	err := e.store.WithTx(context.Background(), func(tx *sql.Tx) error {
		var err error
		res, err = e.applier.apply(tx, evs)
		return err
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	return res
}

func (e *testEngine) meta(t *testing.T, table, id string) *models.Meta {
	t.Helper()
	m, err := db.GetMeta(e.store.Conn(), table, id)
	if err != nil {
		t.Fatalf("meta %s/%s: %v", table, id, err)
	}
	return m
}

func (e *testEngine) snapshot(t *testing.T, table, id string) map[string]any {
	t.Helper()
	s, err := db.Snapshot(e.store.Conn(), table, id)
	if err != nil {
		t.Fatalf("snapshot %s/%s: %v", table, id, err)
	}
	return s
}

func createPayload(t *testing.T, kv map[string]any) events.CreatePayload {
	t.Helper()
	raw, err := events.Fields(kv)
	if err != nil {
		t.Fatalf("fields: %v", err)
	}
	return events.CreatePayload{Fields: raw}
}

func patchPayload(t *testing.T, set map[string]any, clear ...string) events.PatchPayload {
	t.Helper()
	raw, err := events.Fields(set)
	if err != nil {
		t.Fatalf("fields: %v", err)
	}
	return events.PatchPayload{Set: raw, Clear: clear}
}

// remote builds an event as another device would have pushed it.
func remote(seq int64, typ events.Type, entityID string, rev, base int64, p events.Payload) events.Event {
	return events.Event{
		ID:           fmt.Sprintf("remote-%d", seq),
		Type:         typ,
		EntityID:     entityID,
		Payload:      events.MustEncode(p),
		ActorType:    models.ActorHuman,
		UserID:       "user-1",
		DeviceID:     "dev-b",
		Timestamp:    t0.Add(time.Duration(seq) * time.Minute),
		Revision:     rev,
		BaseRevision: base,
		ServerSeq:    seq,
	}
}

type observerFunc func(q db.Querier, deviceID, userID string) error

func (f observerFunc) Observe(q db.Querier, deviceID, userID string, _ time.Time) error {
	return f(q, deviceID, userID)
}
