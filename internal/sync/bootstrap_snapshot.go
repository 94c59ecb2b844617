package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marcus/dqsync/internal/db"
	"github.com/marcus/dqsync/internal/events"
	"github.com/marcus/dqsync/internal/models"
	"github.com/marcus/dqsync/internal/syncclient"
)

// snapshotRecord is the union of every resource shape served by the REST
// collections. Absent fields stay nil and are not written.
type snapshotRecord struct {
	ID        string    `json:"id"`
	Revision  int64     `json:"revision"`
	IsDeleted bool      `json:"isDeleted"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Title        *string    `json:"title"`
	Detail       *string    `json:"detail"`
	Status       *string    `json:"status"`
	SortOrder    *int64     `json:"sortOrder"`
	GroupingID   *string    `json:"groupingId"`
	TagIDs       []string   `json:"tagIds"`
	ContainerID  *string    `json:"containerId"`
	DueAt        *time.Time `json:"dueAt"`
	CompletedAt  *time.Time `json:"completedAt"`
	Name         *string    `json:"name"`
	Color        *string    `json:"color"`
	ParentType   *string    `json:"parentType"`
	ParentID     *string    `json:"parentId"`
	RemindAt     *time.Time `json:"remindAt"`
	SnoozedUntil *time.Time `json:"snoozedUntil"`
}

func (r snapshotRecord) fields() map[string]any {
	f := map[string]any{}
	put := func(col string, v any, ok bool) {
		if ok {
			f[col] = v
		}
	}
	put("title", deref(r.Title), r.Title != nil)
	put("detail", deref(r.Detail), r.Detail != nil)
	put("status", deref(r.Status), r.Status != nil)
	put("sort_order", deref(r.SortOrder), r.SortOrder != nil)
	put("grouping_id", deref(r.GroupingID), r.GroupingID != nil)
	put("container_id", deref(r.ContainerID), r.ContainerID != nil)
	put("due_at", r.DueAt, r.DueAt != nil)
	put("completed_at", r.CompletedAt, r.CompletedAt != nil)
	put("name", deref(r.Name), r.Name != nil)
	put("color", deref(r.Color), r.Color != nil)
	put("parent_type", deref(r.ParentType), r.ParentType != nil)
	put("parent_id", deref(r.ParentID), r.ParentID != nil)
	put("remind_at", r.RemindAt, r.RemindAt != nil)
	put("snoozed_until", r.SnoozedUntil, r.SnoozedUntil != nil)
	return f
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

// SnapshotBootstrapper fetches the current projection of every collection
// and populates the replica in dependency order. History is not replayed, so
// the checkpoint becomes the fetch time.
type SnapshotBootstrapper struct {
	backend        Backend
	store          *db.DB
	installationID string
	now            func() time.Time
}

// Bootstrap fetches all collections concurrently, then writes them in one
// transaction and returns the new checkpoint.
func (b *SnapshotBootstrapper) Bootstrap(ctx context.Context, progress ProgressFunc) (string, error) {
	fetchedAt := b.now().UTC()

	raw := make([][]json.RawMessage, len(syncclient.Resources))
	g, gctx := errgroup.WithContext(ctx)
	for i, resource := range syncclient.Resources {
		g.Go(func() error {
			items, err := b.backend.FetchResource(gctx, resource)
			if err != nil {
				return classify("snapshot "+resource, err)
			}
			raw[i] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	byType := make(map[events.EntityType][]snapshotRecord, len(raw))
	total := 0
	for i, resource := range syncclient.Resources {
		et, ok := events.NormalizeEntityType(resource)
		if !ok {
			return "", fmt.Errorf("snapshot: unknown resource %q", resource)
		}
		recs := make([]snapshotRecord, 0, len(raw[i]))
		for _, item := range raw[i] {
			var rec snapshotRecord
			if err := json.Unmarshal(item, &rec); err != nil {
				return "", fmt.Errorf("snapshot %s: %w: %w", resource, ErrProtocol, err)
			}
			if rec.ID == "" {
				return "", fmt.Errorf("snapshot %s: %w: record without id", resource, ErrProtocol)
			}
			recs = append(recs, rec)
		}
		byType[et] = recs
		total += len(recs)
	}

	checkpoint := fetchedAt.Format(time.RFC3339Nano)
	err := b.store.WithTx(ctx, func(tx *sql.Tx) error {
		processed := 0
		for _, et := range events.DependencyOrder {
			n, err := b.populate(tx, et, byType[et], fetchedAt)
			if err != nil {
				return err
			}
			processed += len(byType[et])
			slog.Debug("snapshot populated", "entity", et, "inserted", n, "received", len(byType[et]))
			if progress != nil {
				progress(Progress{Processed: processed, Total: total})
			}
		}
		return db.SetCheckpoint(tx, b.installationID, checkpoint)
	})
	if err != nil {
		return "", wrapTxError("snapshot bootstrap", err)
	}
	slog.Info("snapshot bootstrap complete", "records", total, "checkpoint", checkpoint)
	return checkpoint, nil
}

// populate inserts one entity type. Parents are already in place, so a record
// whose required parent is unknown is an orphan and gets dropped.
func (b *SnapshotBootstrapper) populate(tx *sql.Tx, et events.EntityType, recs []snapshotRecord, at time.Time) (int, error) {
	table := entityTable(et)
	inserted := 0
	for _, rec := range recs {
		exists, err := db.EntityExists(tx, table, rec.ID)
		if err != nil {
			return inserted, err
		}
		if exists {
			continue
		}

		fields := rec.fields()
		keep, err := b.checkReferences(tx, et, rec, fields)
		if err != nil {
			return inserted, err
		}
		if !keep {
			continue
		}

		rev := max(rec.Revision, 1)
		created, updated := rec.CreatedAt, rec.UpdatedAt
		if created.IsZero() {
			created = at
		}
		if updated.IsZero() {
			updated = created
		}
		syncedAt := at
		err = db.InsertEntity(tx, table, fields, models.Meta{
			ID:                 rec.ID,
			Revision:           rev,
			LastSyncedRevision: rev,
			SyncState:          models.SyncSynced,
			LastSyncedAt:       &syncedAt,
			IsDeleted:          rec.IsDeleted,
			CreatedAt:          created,
			UpdatedAt:          updated,
		})
		if err != nil {
			return inserted, err
		}

		for _, tagID := range rec.TagIDs {
			ok, err := db.EntityExists(tx, "tags", tagID)
			if err != nil {
				return inserted, err
			}
			if !ok {
				slog.Warn("snapshot: dropping link to unknown tag", "entity", table, "id", rec.ID, "tag", tagID)
				continue
			}
			if err := db.SetTagLink(tx, table, rec.ID, tagID, true, updated); err != nil {
				return inserted, err
			}
		}
		inserted++
	}
	return inserted, nil
}

// checkReferences validates parent ids. Optional references to unknown rows
// are cleared; a missing required parent drops the record.
func (b *SnapshotBootstrapper) checkReferences(tx *sql.Tx, et events.EntityType, rec snapshotRecord, fields map[string]any) (bool, error) {
	switch et {
	case events.EntityContainers:
		gid := deref(rec.GroupingID)
		if gid == "" {
			return true, nil
		}
		ok, err := db.EntityExists(tx, "groupings", gid)
		if err != nil {
			return false, err
		}
		if !ok {
			slog.Warn("snapshot: clearing unknown grouping", "container", rec.ID, "grouping", gid)
			delete(fields, "grouping_id")
		}
		return true, nil

	case events.EntityWorkItems:
		cid := deref(rec.ContainerID)
		ok := false
		if cid != "" {
			var err error
			if ok, err = db.EntityExists(tx, "containers", cid); err != nil {
				return false, err
			}
		}
		if !ok {
			slog.Warn("snapshot: dropping orphan work item", "id", rec.ID, "container", cid)
		}
		return ok, nil

	case events.EntityReminders:
		pt, ok := events.NormalizeEntityType(deref(rec.ParentType))
		pid := deref(rec.ParentID)
		if !ok || pid == "" {
			slog.Warn("snapshot: dropping reminder without parent", "id", rec.ID)
			return false, nil
		}
		exists, err := db.EntityExists(tx, entityTable(pt), pid)
		if err != nil {
			return false, err
		}
		if !exists {
			slog.Warn("snapshot: dropping orphan reminder", "id", rec.ID, "parent", pid)
			return false, nil
		}
		fields["parent_type"] = string(pt)
		return true, nil
	}
	return true, nil
}
