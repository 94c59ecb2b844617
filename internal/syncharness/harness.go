package syncharness

import (
	"context"
	"database/sql"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/marcus/dqsync/internal/actor"
	"github.com/marcus/dqsync/internal/db"
	"github.com/marcus/dqsync/internal/events"
	"github.com/marcus/dqsync/internal/registry"
	dqsync "github.com/marcus/dqsync/internal/sync"
)

// Token is the bearer token every simulated device presents.
const Token = "harness-token"

// Device is one simulated installation with its own replica.
type Device struct {
	Name     string
	DeviceID string
	Store    *db.DB
	Orch     *dqsync.Orchestrator
	Registry *registry.Registry
	Clock    *Clock
}

// Clock is a settable time source so tests can order concurrent edits.
type Clock struct {
	now time.Time
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time { return c.now }

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// Set pins the clock.
func (c *Clock) Set(t time.Time) { c.now = t }

// Options tune a harness.
type Options struct {
	Strategy dqsync.BootstrapStrategy
	Policy   dqsync.ResolutionPolicy
}

// Harness runs a fake server and several devices against it.
type Harness struct {
	t       *testing.T
	Server  *Server
	HTTP    *httptest.Server
	Devices map[string]*Device
	names   []string
	opts    Options
}

// New starts a server and creates numDevices devices named A, B, ...
// Devices are not connected yet.
func New(t *testing.T, numDevices int, opts Options) *Harness {
	t.Helper()

	srv := NewServer(Token)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	h := &Harness{
		t:       t,
		Server:  srv,
		HTTP:    hs,
		Devices: map[string]*Device{},
		opts:    opts,
	}
	for i := 0; i < numDevices; i++ {
		h.AddDevice(string(rune('A' + i)))
	}
	return h
}

// AddDevice creates a device with an empty in-memory replica.
func (h *Harness) AddDevice(name string) *Device {
	h.t.Helper()

	store, err := db.OpenWithDriver("sqlite3", ":memory:", "")
	if err != nil {
		h.t.Fatalf("open store %s: %v", name, err)
	}
	h.t.Cleanup(func() { store.Close() })

	clock := &Clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	deviceID := fmt.Sprintf("device-%s", strings.ToLower(name))
	reg := registry.New(store)
	orch := dqsync.New(store, dqsync.Config{
		DeviceID:          deviceID,
		DeviceName:        "harness " + name,
		Platform:          "test",
		Strategy:          h.opts.Strategy,
		Policy:            h.opts.Policy,
		PushBatchSize:     5,
		ReadTimeout:       5 * time.Second,
		DisableBackground: true,
	}, dqsync.ClientBackend(h.HTTP.URL, 5*time.Second), reg,
		dqsync.WithClock(clock.Now),
		dqsync.WithDefaultActor(actor.Human),
	)
	h.t.Cleanup(orch.Disconnect)

	d := &Device{Name: name, DeviceID: deviceID, Store: store, Orch: orch, Registry: reg, Clock: clock}
	h.Devices[name] = d
	h.names = append(h.names, name)
	return d
}

// Device returns a device by name.
func (h *Harness) Device(name string) *Device {
	h.t.Helper()
	d, ok := h.Devices[name]
	if !ok {
		h.t.Fatalf("unknown device: %s", name)
	}
	return d
}

// Connect connects one device, bootstrapping it if its replica is empty.
func (h *Harness) Connect(name string) {
	h.t.Helper()
	if err := h.Device(name).Orch.Connect(context.Background(), "user-1", Token, nil); err != nil {
		h.t.Fatalf("connect %s: %v", name, err)
	}
}

// ConnectAll connects every device in creation order.
func (h *Harness) ConnectAll() {
	h.t.Helper()
	for _, name := range h.names {
		h.Connect(name)
	}
}

// Record records a local event on a device.
func (h *Harness) Record(name string, eventType events.Type, entityID string, payload events.Payload) events.Event {
	h.t.Helper()
	d := h.Device(name)
	ev, err := d.Orch.Recorder().Record(context.Background(), eventType, entityID, payload, nil)
	if err != nil {
		h.t.Fatalf("record %s %s on %s: %v", eventType, entityID, name, err)
	}
	d.Clock.Advance(time.Second)
	return ev
}

// Create records a create event with plain field values.
func (h *Harness) Create(name string, et events.EntityType, id string, fields map[string]any) events.Event {
	h.t.Helper()
	raw, err := events.Fields(fields)
	if err != nil {
		h.t.Fatalf("fields: %v", err)
	}
	return h.Record(name, events.TypeOf(et, events.ActionCreated), id, events.CreatePayload{Fields: raw})
}

// Update records a patch setting fields.
func (h *Harness) Update(name string, et events.EntityType, id string, set map[string]any) events.Event {
	h.t.Helper()
	raw, err := events.Fields(set)
	if err != nil {
		h.t.Fatalf("fields: %v", err)
	}
	return h.Record(name, events.TypeOf(et, events.ActionUpdated), id, events.PatchPayload{Set: raw})
}

// Sync runs push, pull, push on a device.
func (h *Harness) Sync(name string) error {
	return h.Device(name).Orch.SyncNow(context.Background())
}

// MustSync is Sync failing the test on error.
func (h *Harness) MustSync(name string) {
	h.t.Helper()
	if err := h.Sync(name); err != nil {
		h.t.Fatalf("sync %s: %v", name, err)
	}
}

// SyncAll syncs every device twice so edits propagate all the way round.
func (h *Harness) SyncAll() {
	h.t.Helper()
	for round := 0; round < 2; round++ {
		for _, name := range h.names {
			h.MustSync(name)
		}
	}
}

// Entity reads one row from a device as a column map, or nil.
func (h *Harness) Entity(name string, et events.EntityType, id string) map[string]any {
	h.t.Helper()
	snap, err := db.Snapshot(h.Device(name).Store.Conn(), string(et), id)
	if err != nil {
		h.t.Fatalf("snapshot %s/%s on %s: %v", et, id, name, err)
	}
	return snap
}

// replicatedTables are compared by AssertConverged.
var replicatedTables = []string{"groupings", "tags", "containers", "work_items", "reminders", "entity_tags"}

// bookkeepingCols differ legitimately between devices and are left out of
// convergence checks.
var bookkeepingCols = map[string]bool{
	"last_synced_revision": true, "sync_state": true, "last_synced_at": true,
	"server_id": true, "created_at": true, "updated_at": true,
}

// AssertConverged fails the test unless every device holds the same entities.
func (h *Harness) AssertConverged() {
	h.t.Helper()
	if len(h.names) < 2 {
		return
	}
	ref := h.names[0]
	for _, name := range h.names[1:] {
		if diff := h.Diff(ref, name); diff != "" {
			h.t.Fatalf("DIVERGENCE between %s and %s:\n%s", ref, name, diff)
		}
	}
}

// Diff returns a readable description of how two devices differ, or "".
func (h *Harness) Diff(a, b string) string {
	devA, devB := h.Device(a), h.Device(b)
	var sb strings.Builder
	for _, table := range replicatedTables {
		rowsA := dumpTable(devA.Store.Conn(), table)
		rowsB := dumpTable(devB.Store.Conn(), table)
		if rowsA != rowsB {
			fmt.Fprintf(&sb, "=== %s ===\n--- %s ---\n%s--- %s ---\n%s", table, a, rowsA, b, rowsB)
		}
	}
	return sb.String()
}

// dumpTable renders every row of a table deterministically, minus bookkeeping.
func dumpTable(conn *sql.DB, table string) string {
	query := fmt.Sprintf("SELECT * FROM %s ORDER BY id", table)
	if table == "entity_tags" {
		query = "SELECT entity_type, entity_id, tag_id FROM entity_tags WHERE is_deleted = 0 ORDER BY entity_type, entity_id, tag_id"
	}
	rows, err := conn.Query(query)
	if err != nil {
		return fmt.Sprintf("ERROR: %v", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return fmt.Sprintf("ERROR: %v", err)
	}

	var sb strings.Builder
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			fmt.Fprintf(&sb, "SCAN ERROR: %v\n", err)
			continue
		}
		var parts []string
		for i, col := range cols {
			if bookkeepingCols[col] {
				continue
			}
			v := vals[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			parts = append(parts, fmt.Sprintf("%s=%v", col, v))
		}
		sb.WriteString(strings.Join(parts, " | "))
		sb.WriteString("\n")
	}
	return sb.String()
}
