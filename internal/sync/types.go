package sync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/marcus/dqsync/internal/db"
	"github.com/marcus/dqsync/internal/events"
	"github.com/marcus/dqsync/internal/models"
	"github.com/marcus/dqsync/internal/syncclient"
)

// Outcome is what the projector did with one event.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeDeferred Outcome = "deferred"
	OutcomeConflict Outcome = "conflict"
)

// Skip and defer reasons
const (
	ReasonDuplicate       = "duplicate"
	ReasonExists          = "exists"
	ReasonMalformed       = "malformed"
	ReasonUnknownEntity   = "unknown entity"
	ReasonUnknownReferent = "unknown referent"
)

// ApplyResult is the outcome of applying a single event.
type ApplyResult struct {
	Outcome    Outcome
	Reason     string
	ConflictID int64 // set when Outcome is OutcomeConflict
}

// BatchResult summarises the outcome of applying a batch of events.
type BatchResult struct {
	Applied     int
	Skipped     int
	Deferred    int
	Retried     int // deferred events from earlier batches applied this time
	ConflictIDs []int64
	LastSeq     int64

	// Outcomes maps each event id of the batch to what happened to it.
	Outcomes map[string]Outcome
}

func (b *BatchResult) add(eventID string, r ApplyResult) {
	if b.Outcomes == nil {
		b.Outcomes = make(map[string]Outcome)
	}
	b.Outcomes[eventID] = r.Outcome
	switch r.Outcome {
	case OutcomeApplied:
		b.Applied++
	case OutcomeSkipped:
		b.Skipped++
	case OutcomeDeferred:
		b.Deferred++
	case OutcomeConflict:
		b.ConflictIDs = append(b.ConflictIDs, r.ConflictID)
	}
}

func (b *BatchResult) merge(o BatchResult) {
	b.Applied += o.Applied
	b.Skipped += o.Skipped
	b.Deferred += o.Deferred
	b.Retried += o.Retried
	b.ConflictIDs = append(b.ConflictIDs, o.ConflictIDs...)
	b.LastSeq = max(b.LastSeq, o.LastSeq)
}

// Progress reports bootstrap advancement.
type Progress struct {
	Processed int
	Total     int
}

// ProgressFunc receives bootstrap progress. It must not block.
type ProgressFunc func(Progress)

// DeviceObserver is told about every device seen on a remote event, inside
// the applying transaction.
type DeviceObserver interface {
	Observe(q db.Querier, deviceID, userID string, at time.Time) error
}

// Backend is the network surface the orchestrator drives. *syncclient.Client
// implements it.
type Backend interface {
	PullEvents(ctx context.Context, since, excludeDevice, cursor string) (*syncclient.PullResponse, error)
	PushEvents(ctx context.Context, deviceID string, evs []events.Event) (*syncclient.PushResponse, error)
	FetchResource(ctx context.Context, resource string) ([]json.RawMessage, error)
	DialStream(ctx context.Context) (syncclient.Stream, error)
}

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Status is a point-in-time view of the orchestrator for UIs.
type Status struct {
	State         State
	UserID        string
	PendingEvents int64
	OpenConflicts int64
	Bootstrapping bool
	Progress      Progress
	LastPushAt    time.Time
	LastPullAt    time.Time
	LastError     string
	CheckedAt     time.Time
}

// entityTable is the store table for an entity type.
func entityTable(et events.EntityType) string {
	return string(et)
}

// isPendingEdit reports whether an entity carries unsynced local edits,
// including edits already parked behind an open conflict.
func isPendingEdit(m *models.Meta) bool {
	if m == nil {
		return false
	}
	return (m.SyncState == models.SyncPending || m.SyncState == models.SyncConflict) &&
		m.Revision > m.LastSyncedRevision
}
