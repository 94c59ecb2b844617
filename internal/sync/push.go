package sync

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/marcus/dqsync/internal/db"
	"github.com/marcus/dqsync/internal/events"
)

// DefaultPushBatchSize bounds how many events go up in one request.
const DefaultPushBatchSize = 100

// pusher uploads pending local events and marks acknowledged ones synced.
type pusher struct {
	backend     Backend
	store       *db.DB
	deviceID    string
	batchSize   int
	historyRows int
	now         func() time.Time
}

// pushAll pushes batches until the queue is empty or a batch makes no
// progress. It returns the number of events acknowledged. Events the server
// rejects stay pending for the next round but are skipped for the rest of
// this one, so they never hold back the events behind them.
func (p *pusher) pushAll(ctx context.Context) (int, error) {
	total := 0
	rejected := map[string]bool{}
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		acked, more, err := p.pushOnce(ctx, rejected)
		total += acked
		if err != nil || !more {
			return total, err
		}
	}
}

func (p *pusher) pushOnce(ctx context.Context, rejected map[string]bool) (int, bool, error) {
	queued, err := db.PendingEvents(p.store.Conn(), p.batchSize+len(rejected))
	if err != nil {
		return 0, false, storageError("push", err)
	}
	pending := make([]events.Event, 0, p.batchSize)
	for _, ev := range queued {
		if !rejected[ev.ID] && len(pending) < p.batchSize {
			pending = append(pending, ev)
		}
	}
	if len(pending) == 0 {
		return 0, false, nil
	}

	resp, err := p.backend.PushEvents(ctx, p.deviceID, pending)
	if err != nil {
		return 0, false, classify("push", err)
	}

	byID := make(map[string]events.Event, len(pending))
	for _, ev := range pending {
		byID[ev.ID] = ev
	}

	acked, refused := 0, 0
	now := p.now().UTC()
	err = p.store.WithTx(ctx, func(tx *sql.Tx) error {
		var history []db.SyncHistoryEntry
		markSynced := func(id string, seq int64, outcome string) error {
			ev, ok := byID[id]
			if !ok {
				slog.Warn("push: ack for unknown event", "id", id)
				return nil
			}
			if err := db.MarkEventSynced(tx, id, seq, now); err != nil {
				return err
			}
			if err := db.MarkEntitySynced(tx, entityTable(ev.EntityType), ev.EntityID, ev.Revision, now); err != nil {
				return err
			}
			history = append(history, db.SyncHistoryEntry{
				Direction:  "push",
				EventType:  string(ev.Type),
				EntityType: string(ev.EntityType),
				EntityID:   ev.EntityID,
				ServerSeq:  seq,
				DeviceID:   p.deviceID,
				Outcome:    outcome,
				Timestamp:  ev.Timestamp,
			})
			acked++
			return nil
		}

		for _, a := range resp.Acks {
			if err := markSynced(a.EventID, a.ServerSeq, "acked"); err != nil {
				return err
			}
		}
		for _, r := range resp.Rejected {
			if r.IsDuplicate() {
				if err := markSynced(r.EventID, r.ServerSeq, ReasonDuplicate); err != nil {
					return err
				}
				continue
			}
			if _, ok := byID[r.EventID]; ok && !rejected[r.EventID] {
				rejected[r.EventID] = true
				refused++
			}
			slog.Warn("push: event rejected", "id", r.EventID, "reason", r.Reason)
		}
		return db.RecordSyncHistory(tx, history, p.historyRows)
	})
	if err != nil {
		return 0, false, wrapTxError("push", err)
	}

	slog.Debug("pushed", "sent", len(pending), "acked", acked, "rejected", refused)
	return acked, acked+refused > 0 && len(pending) == p.batchSize, nil
}
