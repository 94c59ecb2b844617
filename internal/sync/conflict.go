package sync

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/marcus/dqsync/internal/actor"
	"github.com/marcus/dqsync/internal/db"
	"github.com/marcus/dqsync/internal/events"
	"github.com/marcus/dqsync/internal/models"
)

// ConflictDetector decides whether a remote event collides with local edits
// the server has not seen yet.
type ConflictDetector struct {
	now func() time.Time
}

// NewConflictDetector creates a detector.
func NewConflictDetector() *ConflictDetector {
	return &ConflictDetector{now: time.Now}
}

// Check records a conflict when meta carries pending edits and ev was made
// against a different revision. On conflict the entity is left untouched.
func (d *ConflictDetector) Check(tx *sql.Tx, ev events.Event, et events.EntityType, action events.Action, payload events.Payload, meta *models.Meta) (ApplyResult, bool, error) {
	if !isPendingEdit(meta) || ev.BaseRevision == meta.Revision {
		return ApplyResult{}, false, nil
	}

	table := entityTable(et)
	local, err := db.Snapshot(tx, table, ev.EntityID)
	if err != nil {
		return ApplyResult{}, false, storageError("conflict snapshot", err)
	}
	remote, err := projectRemote(local, et, action, payload)
	if err != nil {
		return ApplyResult{}, false, err
	}
	remote["revision"] = ev.Revision
	remote["updated_at"] = ev.Timestamp.UTC()

	localJSON, err := json.Marshal(local)
	if err != nil {
		return ApplyResult{}, false, fmt.Errorf("marshal local snapshot: %w", err)
	}
	remoteJSON, err := json.Marshal(remote)
	if err != nil {
		return ApplyResult{}, false, fmt.Errorf("marshal remote snapshot: %w", err)
	}

	id, inserted, err := db.InsertConflict(tx, models.Conflict{
		EntityType:     table,
		EntityID:       ev.EntityID,
		LocalRevision:  meta.Revision,
		RemoteRevision: ev.Revision,
		LocalSnapshot:  string(localJSON),
		RemoteSnapshot: string(remoteJSON),
		RemoteEventID:  ev.ID,
		RemoteDeviceID: ev.DeviceID,
		RemoteAt:       ev.Timestamp,
		DetectedAt:     d.now().UTC(),
	})
	if err != nil {
		return ApplyResult{}, false, storageError("record conflict", err)
	}
	if err := db.SetSyncState(tx, table, ev.EntityID, models.SyncConflict); err != nil {
		return ApplyResult{}, false, storageError("record conflict", err)
	}
	if inserted {
		slog.Info("conflict detected", "entity", table, "id", ev.EntityID,
			"local_rev", meta.Revision, "remote_rev", ev.Revision, "base_rev", ev.BaseRevision, "event", ev.ID)
	}
	return ApplyResult{Outcome: OutcomeConflict, ConflictID: id}, true, nil
}

// projectRemote returns the local snapshot with the remote event laid on top,
// which is what the entity would look like had the event been applied.
func projectRemote(local map[string]any, et events.EntityType, action events.Action, payload events.Payload) (map[string]any, error) {
	remote := maps.Clone(local)
	switch action {
	case events.ActionUpdated:
		pp := payload.(events.PatchPayload)
		set, _, err := decodeFields(pp.Set)
		if err != nil {
			return nil, err
		}
		for k, v := range set {
			if db.IsDomainColumn(entityTable(et), k) {
				remote[k] = v
			}
		}
		for _, k := range pp.Clear {
			if db.IsDomainColumn(entityTable(et), k) {
				remote[k] = nil
			}
		}
	case events.ActionDeleted:
		remote["is_deleted"] = int64(1)
	case events.ActionRestored:
		remote["is_deleted"] = int64(0)
	case events.ActionLinked, events.ActionUnlinked:
		lp := payload.(events.LinkPayload)
		rel, _ := events.RelationFor(et, lp.Relation)
		linked := action == events.ActionLinked
		if rel.Many {
			tags, _ := remote["tag_ids"].([]string)
			tags = slices.DeleteFunc(slices.Clone(tags), func(s string) bool { return s == lp.TargetID })
			if linked {
				tags = append(tags, lp.TargetID)
				slices.Sort(tags)
			}
			remote["tag_ids"] = tags
		} else if linked {
			remote[rel.Column] = lp.TargetID
		} else if cur, _ := remote[rel.Column].(string); cur == lp.TargetID {
			remote[rel.Column] = ""
		}
	}
	return remote, nil
}

// ResolutionPolicy selects how conflicts are settled automatically.
type ResolutionPolicy string

const (
	// PolicyLastWriterWins settles by timestamp, then revision, then device id.
	PolicyLastWriterWins ResolutionPolicy = "last-writer-wins"
	// PolicyManual leaves conflicts open for a human.
	PolicyManual ResolutionPolicy = "manual"
)

// ParsePolicy parses a policy name; the empty string means the default.
func ParsePolicy(s string) (ResolutionPolicy, error) {
	switch ResolutionPolicy(s) {
	case "", PolicyLastWriterWins, "lww":
		return PolicyLastWriterWins, nil
	case PolicyManual:
		return PolicyManual, nil
	}
	return "", fmt.Errorf("unknown conflict policy %q", s)
}

// Resolver settles conflict records. Keeping the remote side records new
// forward events through the recorder, so history is never rewritten.
type Resolver struct {
	recorder *Recorder
	policy   ResolutionPolicy
	deviceID string
	now      func() time.Time
}

// NewResolver creates a resolver for this device.
func NewResolver(recorder *Recorder, policy ResolutionPolicy, deviceID string) *Resolver {
	if policy == "" {
		policy = PolicyLastWriterWins
	}
	return &Resolver{recorder: recorder, policy: policy, deviceID: deviceID, now: time.Now}
}

// Policy returns the automatic policy in force.
func (r *Resolver) Policy() ResolutionPolicy {
	return r.policy
}

var autoResolver = actor.Agent("conflict-resolver")

// AutoResolve applies the policy to freshly detected conflicts. Under the
// manual policy it does nothing.
func (r *Resolver) AutoResolve(tx *sql.Tx, ids []int64) (int, error) {
	if r.policy != PolicyLastWriterWins {
		return 0, nil
	}
	resolved := 0
	for _, id := range ids {
		if id == 0 {
			continue
		}
		c, err := db.GetConflict(tx, id)
		if err != nil {
			return resolved, storageError("auto resolve", err)
		}
		if c == nil || c.Resolved {
			continue
		}
		meta, err := db.GetMeta(tx, c.EntityType, c.EntityID)
		if err != nil {
			return resolved, storageError("auto resolve", err)
		}
		if meta == nil {
			continue
		}
		keep := models.ResolutionKeepLocal
		if r.remoteWins(*c, *meta) {
			keep = models.ResolutionKeepRemote
		}
		md := autoResolver
		if err := r.Resolve(tx, id, keep, &md); err != nil {
			return resolved, err
		}
		resolved++
	}
	return resolved, nil
}

// remoteWins is the last-writer-wins comparison: later timestamp, then higher
// revision, then the lexically greater device id.
func (r *Resolver) remoteWins(c models.Conflict, local models.Meta) bool {
	remoteAt, localAt := c.RemoteAt.UTC(), local.UpdatedAt.UTC()
	if !remoteAt.Equal(localAt) {
		return remoteAt.After(localAt)
	}
	if c.RemoteRevision != local.Revision {
		return c.RemoteRevision > local.Revision
	}
	return c.RemoteDeviceID > r.deviceID
}

// Resolve settles one conflict inside tx.
func (r *Resolver) Resolve(tx *sql.Tx, id int64, keep models.Resolution, md *actor.Metadata) error {
	c, err := db.GetConflict(tx, id)
	if err != nil {
		return storageError("resolve", err)
	}
	if c == nil {
		return fmt.Errorf("%w: conflict %d not found", ErrInvalidEvent, id)
	}
	if c.Resolved {
		return fmt.Errorf("%w: conflict %d already resolved", ErrInvalidEvent, id)
	}

	switch keep {
	case models.ResolutionKeepRemote:
		if err := r.adoptRemote(tx, *c, md); err != nil {
			return err
		}
	case models.ResolutionKeepLocal:
	default:
		return fmt.Errorf("%w: unknown resolution %q", ErrInvalidEvent, keep)
	}

	if err := db.MarkConflictResolved(tx, id, keep, r.now().UTC()); err != nil {
		return storageError("resolve", err)
	}
	if err := r.settleState(tx, c.EntityType, c.EntityID); err != nil {
		return err
	}
	slog.Info("conflict resolved", "id", id, "entity", c.EntityType, "entity_id", c.EntityID, "keep", keep)
	return nil
}

// ResolveConflict settles a conflict in its own transaction.
func (r *Resolver) ResolveConflict(ctx context.Context, id int64, keep models.Resolution, md *actor.Metadata) error {
	err := r.recorder.store.WithTx(ctx, func(tx *sql.Tx) error {
		return r.Resolve(tx, id, keep, md)
	})
	return wrapTxError("resolve conflict", err)
}

// settleState moves an entity out of the conflict state once nothing is open.
func (r *Resolver) settleState(tx *sql.Tx, table, id string) error {
	open, err := db.UnresolvedConflictsFor(tx, table, id)
	if err != nil {
		return storageError("settle", err)
	}
	if len(open) > 0 {
		return nil
	}
	meta, err := db.GetMeta(tx, table, id)
	if err != nil || meta == nil {
		return storageError("settle", err)
	}
	state := models.SyncSynced
	if meta.Revision > meta.LastSyncedRevision {
		state = models.SyncPending
	}
	return storageError("settle", db.SetSyncState(tx, table, id, state))
}

// adoptRemote records forward events that move the entity to the remote
// snapshot.
func (r *Resolver) adoptRemote(tx *sql.Tx, c models.Conflict, md *actor.Metadata) error {
	var remote map[string]any
	if err := json.Unmarshal([]byte(c.RemoteSnapshot), &remote); err != nil {
		return fmt.Errorf("conflict %d: remote snapshot: %w", c.ID, err)
	}
	local, err := db.Snapshot(tx, c.EntityType, c.EntityID)
	if err != nil {
		return storageError("adopt remote", err)
	}
	if local == nil {
		return nil
	}
	et := events.EntityType(c.EntityType)

	patch := events.PatchPayload{Set: map[string]json.RawMessage{}}
	for _, col := range db.DomainColumns(c.EntityType) {
		rv, lv := remote[col], local[col]
		if sameValue(rv, lv) {
			continue
		}
		if rv == nil {
			patch.Clear = append(patch.Clear, col)
			continue
		}
		b, err := json.Marshal(rv)
		if err != nil {
			return fmt.Errorf("conflict %d: field %s: %w", c.ID, col, err)
		}
		patch.Set[col] = b
	}
	if len(patch.Set) > 0 || len(patch.Clear) > 0 {
		if _, err := r.recorder.RecordTx(tx, events.TypeOf(et, events.ActionUpdated), c.EntityID, patch, md); err != nil {
			return err
		}
	}

	if !sameValue(remote["is_deleted"], local["is_deleted"]) {
		action := events.ActionRestored
		if truthy(remote["is_deleted"]) {
			action = events.ActionDeleted
		}
		if _, err := r.recorder.RecordTx(tx, events.TypeOf(et, action), c.EntityID, nil, md); err != nil {
			return err
		}
	}

	remoteTags := stringSlice(remote["tag_ids"])
	localTags := stringSlice(local["tag_ids"])
	for _, tag := range remoteTags {
		if !slices.Contains(localTags, tag) {
			lp := events.LinkPayload{Relation: events.RelTag, TargetType: events.EntityTags, TargetID: tag}
			if _, err := r.recorder.RecordTx(tx, events.TypeOf(et, events.ActionLinked), c.EntityID, lp, md); err != nil {
				return err
			}
		}
	}
	for _, tag := range localTags {
		if !slices.Contains(remoteTags, tag) {
			lp := events.LinkPayload{Relation: events.RelTag, TargetType: events.EntityTags, TargetID: tag}
			if _, err := r.recorder.RecordTx(tx, events.TypeOf(et, events.ActionUnlinked), c.EntityID, lp, md); err != nil {
				return err
			}
		}
	}
	return nil
}

// sameValue compares snapshot values through their JSON encoding, since one
// side comes from the database and the other from a decoded record.
func sameValue(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

func truthy(v any) bool {
	switch n := v.(type) {
	case bool:
		return n
	case int64:
		return n != 0
	case float64:
		return n != 0
	}
	return false
}

func stringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, x := range s {
			if str, ok := x.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
