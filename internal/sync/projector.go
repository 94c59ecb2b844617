package sync

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/marcus/dqsync/internal/db"
	"github.com/marcus/dqsync/internal/events"
	"github.com/marcus/dqsync/internal/models"
)

// Projector turns events into entity state. Remote events go through Apply,
// locally recorded events through applyLocal; both share the same mutation
// code so a replica rebuilt from the log matches the one that recorded it.
type Projector struct {
	detector *ConflictDetector
	observer DeviceObserver
	now      func() time.Time
}

// NewProjector creates a projector. detector and observer may be nil.
func NewProjector(detector *ConflictDetector, observer DeviceObserver) *Projector {
	return &Projector{detector: detector, observer: observer, now: time.Now}
}

// Apply applies one remote event inside tx and appends it to the log. Replaying
// an event id already in the log is a no-op.
func (p *Projector) Apply(tx *sql.Tx, ev events.Event) (ApplyResult, error) {
	if err := ev.Normalize(); err != nil {
		slog.Warn("projector: dropping malformed event", "id", ev.ID, "type", ev.Type, "err", err)
		return ApplyResult{Outcome: OutcomeSkipped, Reason: ReasonMalformed}, nil
	}

	dup, err := db.HasEvent(tx, ev.ID)
	if err != nil {
		return ApplyResult{}, storageError("apply", err)
	}
	if dup {
		slog.Debug("projector: duplicate event", "id", ev.ID)
		return ApplyResult{Outcome: OutcomeSkipped, Reason: ReasonDuplicate}, nil
	}

	res, err := p.applyRemote(tx, ev)
	if err != nil {
		return ApplyResult{}, err
	}

	ev.Origin = events.OriginRemote
	ev.SyncState = models.SyncSynced
	ev.ApplyState = applyState(res.Outcome)
	if _, err := db.AppendEvent(tx, ev); err != nil {
		return ApplyResult{}, storageError("apply", err)
	}

	if p.observer != nil && ev.DeviceID != "" {
		if err := p.observer.Observe(tx, ev.DeviceID, ev.UserID, ev.Timestamp); err != nil {
			return ApplyResult{}, storageError("observe device", err)
		}
	}
	return res, nil
}

// ApplyBatch sorts evs by server sequence, applies them in order and then
// retries events deferred by this or earlier batches.
func (p *Projector) ApplyBatch(tx *sql.Tx, evs []events.Event) (BatchResult, error) {
	sorted := slices.Clone(evs)
	slices.SortStableFunc(sorted, func(a, b events.Event) int {
		switch {
		case a.ServerSeq < b.ServerSeq:
			return -1
		case a.ServerSeq > b.ServerSeq:
			return 1
		}
		return 0
	})

	var result BatchResult
	for _, ev := range sorted {
		res, err := p.Apply(tx, ev)
		if err != nil {
			return result, err
		}
		result.add(ev.ID, res)
		if ev.ServerSeq > result.LastSeq {
			result.LastSeq = ev.ServerSeq
		}
	}

	retried, conflicts, err := p.RetryDeferred(tx)
	if err != nil {
		return result, err
	}
	result.Retried = retried
	result.ConflictIDs = append(result.ConflictIDs, conflicts...)
	return result, nil
}

// RetryDeferred re-attempts deferred events until a pass makes no progress.
// It returns how many left the deferred state and any conflicts they raised.
func (p *Projector) RetryDeferred(tx *sql.Tx) (int, []int64, error) {
	total := 0
	var conflicts []int64
	for {
		deferred, err := db.DeferredEvents(tx)
		if err != nil {
			return total, conflicts, storageError("retry deferred", err)
		}
		progressed := 0
		for _, ev := range deferred {
			res, err := p.applyRemote(tx, ev)
			if err != nil {
				return total, conflicts, err
			}
			if res.Outcome == OutcomeDeferred {
				continue
			}
			if err := db.SetApplyState(tx, ev.ID, applyState(res.Outcome)); err != nil {
				return total, conflicts, storageError("retry deferred", err)
			}
			if res.Outcome == OutcomeConflict {
				conflicts = append(conflicts, res.ConflictID)
			}
			slog.Debug("projector: deferred event applied", "id", ev.ID, "outcome", res.Outcome)
			progressed++
		}
		total += progressed
		if progressed == 0 {
			return total, conflicts, nil
		}
	}
}

func (p *Projector) applyRemote(tx *sql.Tx, ev events.Event) (ApplyResult, error) {
	et, action, payload, err := events.Decode(string(ev.Type), ev.Payload)
	if err != nil {
		slog.Warn("projector: undecodable payload", "id", ev.ID, "type", ev.Type, "err", err)
		return ApplyResult{Outcome: OutcomeSkipped, Reason: ReasonMalformed}, nil
	}
	table := entityTable(et)

	meta, err := db.GetMeta(tx, table, ev.EntityID)
	if err != nil {
		return ApplyResult{}, storageError("apply", err)
	}

	if action == events.ActionCreated {
		if meta != nil {
			return ApplyResult{Outcome: OutcomeSkipped, Reason: ReasonExists}, nil
		}
		rev := max(ev.Revision, 1)
		syncedAt := p.now().UTC()
		err := p.create(tx, et, ev.EntityID, payload.(events.CreatePayload), models.Meta{
			ID:                 ev.EntityID,
			Revision:           rev,
			LastSyncedRevision: rev,
			SyncState:          models.SyncSynced,
			LastSyncedAt:       &syncedAt,
			CreatedAt:          ev.Timestamp,
			UpdatedAt:          ev.Timestamp,
		})
		if err != nil {
			return ApplyResult{}, storageError("apply create", err)
		}
		return ApplyResult{Outcome: OutcomeApplied}, nil
	}

	if meta == nil {
		slog.Debug("projector: deferring event for unknown entity", "id", ev.ID, "entity", ev.EntityID)
		return ApplyResult{Outcome: OutcomeDeferred, Reason: ReasonUnknownEntity}, nil
	}

	if action == events.ActionLinked {
		lp := payload.(events.LinkPayload)
		ok, err := db.EntityExists(tx, entityTable(lp.Target(et)), lp.TargetID)
		if err != nil {
			return ApplyResult{}, storageError("apply link", err)
		}
		if !ok {
			slog.Debug("projector: deferring link to unknown referent", "id", ev.ID, "target", lp.TargetID)
			return ApplyResult{Outcome: OutcomeDeferred, Reason: ReasonUnknownReferent}, nil
		}
	}

	if p.detector != nil {
		res, conflicted, err := p.detector.Check(tx, ev, et, action, payload, meta)
		if err != nil {
			return ApplyResult{}, err
		}
		if conflicted {
			return res, nil
		}
	}

	if err := p.mutate(tx, et, ev.EntityID, action, payload, ev.Timestamp); err != nil {
		return ApplyResult{}, storageError("apply", err)
	}
	if err := db.MarkRemoteRevision(tx, table, ev.EntityID, ev.Revision, ev.Timestamp, p.now().UTC()); err != nil {
		return ApplyResult{}, storageError("apply", err)
	}
	return ApplyResult{Outcome: OutcomeApplied}, nil
}

// applyLocal projects a freshly recorded local event.
func (p *Projector) applyLocal(tx *sql.Tx, ev events.Event, et events.EntityType, action events.Action, payload events.Payload) error {
	if action == events.ActionCreated {
		return p.create(tx, et, ev.EntityID, payload.(events.CreatePayload), models.Meta{
			ID:        ev.EntityID,
			Revision:  ev.Revision,
			SyncState: models.SyncPending,
			CreatedAt: ev.Timestamp,
			UpdatedAt: ev.Timestamp,
		})
	}
	if err := p.mutate(tx, et, ev.EntityID, action, payload, ev.Timestamp); err != nil {
		return err
	}
	return db.MarkLocalRevision(tx, entityTable(et), ev.EntityID, ev.Revision, ev.Timestamp)
}

func (p *Projector) create(tx *sql.Tx, et events.EntityType, id string, cp events.CreatePayload, meta models.Meta) error {
	fields, tagIDs, err := decodeFields(cp.Fields)
	if err != nil {
		return err
	}
	if err := db.InsertEntity(tx, entityTable(et), fields, meta); err != nil {
		return err
	}
	for _, tagID := range tagIDs {
		if err := db.SetTagLink(tx, entityTable(et), id, tagID, true, meta.UpdatedAt); err != nil {
			return err
		}
	}
	return nil
}

func (p *Projector) mutate(tx *sql.Tx, et events.EntityType, id string, action events.Action, payload events.Payload, at time.Time) error {
	table := entityTable(et)
	switch action {
	case events.ActionUpdated:
		pp := payload.(events.PatchPayload)
		set, _, err := decodeFields(pp.Set)
		if err != nil {
			return err
		}
		return db.UpdateFields(tx, table, id, set, pp.Clear)
	case events.ActionDeleted:
		return db.SetDeleted(tx, table, id, true)
	case events.ActionRestored:
		return db.SetDeleted(tx, table, id, false)
	case events.ActionLinked, events.ActionUnlinked:
		return p.link(tx, et, id, payload.(events.LinkPayload), action == events.ActionLinked, at)
	}
	return fmt.Errorf("unhandled action %q", action)
}

func (p *Projector) link(tx *sql.Tx, et events.EntityType, id string, lp events.LinkPayload, linked bool, at time.Time) error {
	rel, ok := events.RelationFor(et, lp.Relation)
	if !ok {
		return fmt.Errorf("%s has no relation %q", et, lp.Relation)
	}
	table := entityTable(et)
	if rel.Many {
		return db.SetTagLink(tx, table, id, lp.TargetID, linked, at)
	}

	if linked {
		set := map[string]any{rel.Column: lp.TargetID}
		if et == events.EntityReminders {
			set["parent_type"] = string(lp.Target(et))
		}
		return db.UpdateFields(tx, table, id, set, nil)
	}

	// Unlinking only clears the column when it still points at the target.
	snap, err := db.Snapshot(tx, table, id)
	if err != nil {
		return err
	}
	if cur, _ := snap[rel.Column].(string); cur != lp.TargetID {
		return nil
	}
	return db.UpdateFields(tx, table, id, nil, []string{rel.Column})
}

// decodeFields turns raw payload fields into column values. JSON nulls are
// dropped; tag_ids is split out for the link table.
func decodeFields(raw map[string]json.RawMessage) (map[string]any, []string, error) {
	fields := make(map[string]any, len(raw))
	var tagIDs []string
	for k, v := range raw {
		if k == "tag_ids" {
			if err := json.Unmarshal(v, &tagIDs); err != nil {
				return nil, nil, fmt.Errorf("field tag_ids: %w", err)
			}
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return nil, nil, fmt.Errorf("field %s: %w", k, err)
		}
		if val == nil {
			continue
		}
		fields[k] = val
	}
	return fields, tagIDs, nil
}

func applyState(o Outcome) events.ApplyState {
	switch o {
	case OutcomeSkipped:
		return events.ApplySkipped
	case OutcomeDeferred:
		return events.ApplyDeferred
	case OutcomeConflict:
		return events.ApplyConflict
	}
	return events.ApplyApplied
}
