package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/marcus/dqsync/internal/models"
)

// Origin tells whether an event was recorded on this device or pulled.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// ApplyState records what the projector did with a logged event.
type ApplyState string

const (
	ApplyApplied  ApplyState = "applied"
	ApplySkipped  ApplyState = "skipped"
	ApplyDeferred ApplyState = "deferred"
	ApplyConflict ApplyState = "conflict"
)

// Event is one immutable entry of the event log. The JSON form is the wire
// format exchanged with the server; the trailing fields are local bookkeeping.
type Event struct {
	ID           string           `json:"id"`
	Type         Type             `json:"type"`
	EntityType   EntityType       `json:"entityType"`
	EntityID     string           `json:"entityId"`
	Payload      json.RawMessage  `json:"payload,omitempty"`
	ActorType    models.ActorType `json:"actorType"`
	ActorID      string           `json:"actorId,omitempty"`
	UserID       string           `json:"userId,omitempty"`
	DeviceID     string           `json:"deviceId"`
	Timestamp    time.Time        `json:"timestamp"`
	Revision     int64            `json:"revision"`
	BaseRevision int64            `json:"baseRevision"`
	ServerSeq    int64            `json:"serverSeq,omitempty"`

	Origin     Origin           `json:"-"`
	SyncState  models.SyncState `json:"-"`
	ApplyState ApplyState       `json:"-"`
}

// Normalize fills EntityType from the discriminant and validates the event
// shape. Events arriving from the network go through this before they are
// logged.
func (e *Event) Normalize() error {
	if e.ID == "" {
		return fmt.Errorf("event has no id")
	}
	if e.EntityID == "" {
		return fmt.Errorf("event %s: empty entity id", e.ID)
	}
	et, action, err := ParseType(string(e.Type))
	if err != nil {
		return fmt.Errorf("event %s: %w", e.ID, err)
	}
	e.Type = TypeOf(et, action)
	e.EntityType = et
	if e.ActorType == "" {
		e.ActorType = models.ActorHuman
	}
	return nil
}

// Action returns the verb half of the discriminant.
func (e Event) Action() Action {
	_, a, _ := ParseType(string(e.Type))
	return a
}
