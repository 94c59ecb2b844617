package sync

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/marcus/dqsync/internal/actor"
	"github.com/marcus/dqsync/internal/db"
	"github.com/marcus/dqsync/internal/events"
	"github.com/marcus/dqsync/internal/models"
)

// Recorder is the only path for local mutations: it appends an event to the
// log and projects it onto the entity in one transaction.
type Recorder struct {
	store     *db.DB
	projector *Projector
	deviceID  string

	mu         gosync.Mutex
	userID     string
	onRecorded func(events.Event)

	newID        func() string
	now          func() time.Time
	defaultActor func() actor.Metadata
}

// RecorderOption customises a Recorder.
type RecorderOption func(*Recorder)

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// WithIDGenerator overrides event id generation.
func WithIDGenerator(gen func() string) RecorderOption {
	return func(r *Recorder) { r.newID = gen }
}

// WithDefaultActor sets the actor used when Record gets nil metadata.
func WithDefaultActor(fn func() actor.Metadata) RecorderOption {
	return func(r *Recorder) { r.defaultActor = fn }
}

// NewRecorder creates a recorder writing events for deviceID.
func NewRecorder(store *db.DB, projector *Projector, deviceID string, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:        store,
		projector:    projector,
		deviceID:     deviceID,
		newID:        uuid.NewString,
		now:          time.Now,
		defaultActor: actor.Default,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetUserID stamps subsequent events with the signed-in user.
func (r *Recorder) SetUserID(id string) {
	r.mu.Lock()
	r.userID = id
	r.mu.Unlock()
}

// OnRecorded registers a hook called after each committed Record.
func (r *Recorder) OnRecorded(fn func(events.Event)) {
	r.mu.Lock()
	r.onRecorded = fn
	r.mu.Unlock()
}

// DeviceID returns the device this recorder writes for.
func (r *Recorder) DeviceID() string {
	return r.deviceID
}

// Record validates and stores a local mutation. A nil payload is allowed for
// actions that carry no data; nil metadata means the default actor.
func (r *Recorder) Record(ctx context.Context, eventType events.Type, entityID string, payload events.Payload, md *actor.Metadata) (events.Event, error) {
	var ev events.Event
	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		ev, err = r.RecordTx(tx, eventType, entityID, payload, md)
		return err
	})
	if err != nil {
		return events.Event{}, wrapTxError("record", err)
	}

	r.mu.Lock()
	hook := r.onRecorded
	r.mu.Unlock()
	if hook != nil {
		hook(ev)
	}
	return ev, nil
}

// RecordTx is Record inside a caller-owned transaction. The OnRecorded hook
// is not called; the caller decides when the commit is visible.
func (r *Recorder) RecordTx(tx *sql.Tx, eventType events.Type, entityID string, payload events.Payload, md *actor.Metadata) (events.Event, error) {
	et, action, err := events.ParseType(string(eventType))
	if err != nil {
		return events.Event{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	if entityID == "" {
		return events.Event{}, fmt.Errorf("%w: %s: empty entity id", ErrInvalidEvent, eventType)
	}
	if payload == nil {
		p, ok := events.PayloadFor(action)
		if !ok {
			return events.Event{}, fmt.Errorf("%w: %s requires a payload", ErrInvalidEvent, eventType)
		}
		payload = p
	}
	if !events.Matches(payload, action) {
		return events.Event{}, fmt.Errorf("%w: %T is not a %s payload", ErrInvalidEvent, payload, action)
	}
	raw, err := events.Encode(payload)
	if err != nil {
		return events.Event{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	// Round-trip through Decode so local and remote events are validated alike.
	if _, _, payload, err = events.Decode(string(eventType), raw); err != nil {
		return events.Event{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}

	table := entityTable(et)
	meta, err := db.GetMeta(tx, table, entityID)
	if err != nil {
		return events.Event{}, storageError("record", err)
	}
	switch {
	case action == events.ActionCreated && meta != nil:
		return events.Event{}, fmt.Errorf("%w: %s %s already exists", ErrInvalidEvent, et, entityID)
	case action != events.ActionCreated && meta == nil:
		return events.Event{}, fmt.Errorf("%w: %s %s not found", ErrInvalidEvent, et, entityID)
	}

	if action == events.ActionLinked {
		lp := payload.(events.LinkPayload)
		ok, err := db.EntityExists(tx, entityTable(lp.Target(et)), lp.TargetID)
		if err != nil {
			return events.Event{}, storageError("record", err)
		}
		if !ok {
			return events.Event{}, fmt.Errorf("%w: %s %s not found", ErrInvalidEvent, lp.Target(et), lp.TargetID)
		}
	}

	var current int64
	if meta != nil {
		current = meta.Revision
	}
	who := r.resolveActor(md)

	r.mu.Lock()
	userID := r.userID
	r.mu.Unlock()

	ev := events.Event{
		ID:           r.newID(),
		Type:         events.TypeOf(et, action),
		EntityType:   et,
		EntityID:     entityID,
		Payload:      raw,
		ActorType:    who.Type,
		ActorID:      who.ID,
		UserID:       userID,
		DeviceID:     r.deviceID,
		Timestamp:    r.now().UTC(),
		Revision:     current + 1,
		BaseRevision: current,
		Origin:       events.OriginLocal,
		SyncState:    models.SyncPending,
		ApplyState:   events.ApplyApplied,
	}

	if err := r.projector.applyLocal(tx, ev, et, action, payload); err != nil {
		return events.Event{}, storageError("record", err)
	}
	if _, err := db.AppendEvent(tx, ev); err != nil {
		return events.Event{}, storageError("record", err)
	}

	slog.Debug("recorded", "type", ev.Type, "entity", entityID, "rev", ev.Revision, "actor", who.String())
	return ev, nil
}

func (r *Recorder) resolveActor(md *actor.Metadata) actor.Metadata {
	if md != nil && md.Type != "" {
		return *md
	}
	if r.defaultActor != nil {
		return r.defaultActor()
	}
	return actor.Human()
}

// FetchPendingEvents returns local events not yet acknowledged by the server,
// in recording order.
func (r *Recorder) FetchPendingEvents(ctx context.Context) ([]events.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	evs, err := db.PendingEvents(r.store.Conn(), 0)
	if err != nil {
		return nil, storageError("fetch pending", err)
	}
	return evs, nil
}
