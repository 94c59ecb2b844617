package sync

import (
	"database/sql"
	"log/slog"

	"github.com/marcus/dqsync/internal/db"
	"github.com/marcus/dqsync/internal/events"
)

// batchApplier applies a page of remote events, settles the conflicts it
// raised and records the page in sync history, all inside the caller's tx.
type batchApplier struct {
	projector   *Projector
	resolver    *Resolver
	historyRows int
}

func (a *batchApplier) apply(tx *sql.Tx, evs []events.Event) (BatchResult, error) {
	res, err := a.projector.ApplyBatch(tx, evs)
	if err != nil {
		return res, err
	}

	if a.resolver != nil && len(res.ConflictIDs) > 0 {
		n, err := a.resolver.AutoResolve(tx, res.ConflictIDs)
		if err != nil {
			return res, err
		}
		if n > 0 {
			slog.Debug("auto-resolved conflicts", "count", n, "policy", a.resolver.Policy())
		}
	}

	entries := make([]db.SyncHistoryEntry, 0, len(evs))
	for _, ev := range evs {
		entries = append(entries, db.SyncHistoryEntry{
			Direction:  "pull",
			EventType:  string(ev.Type),
			EntityType: string(ev.EntityType),
			EntityID:   ev.EntityID,
			ServerSeq:  ev.ServerSeq,
			DeviceID:   ev.DeviceID,
			Outcome:    string(res.Outcomes[ev.ID]),
			Timestamp:  ev.Timestamp,
		})
	}
	if err := db.RecordSyncHistory(tx, entries, a.historyRows); err != nil {
		return res, storageError("sync history", err)
	}
	return res, nil
}
