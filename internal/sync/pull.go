package sync

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/marcus/dqsync/internal/db"
)

// puller pages through remote events since the stored checkpoint. Each page is
// applied and its checkpoint written in a single transaction, so a crash
// between pages never skips events.
type puller struct {
	backend        Backend
	store          *db.DB
	applier        *batchApplier
	installationID string
	deviceID       string
}

func (p *puller) pullAll(ctx context.Context) (BatchResult, error) {
	var total BatchResult

	since, err := db.GetCheckpoint(p.store.Conn(), p.installationID)
	if err != nil {
		return total, storageError("pull", err)
	}

	// From the beginning of time the replica is being rebuilt, so this
	// device's own history has to come back too. Events already in the log
	// are skipped by id.
	exclude := p.deviceID
	if since == "" {
		exclude = ""
	}

	cursor := ""
	seen := map[string]bool{}
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		resp, err := p.backend.PullEvents(ctx, since, exclude, cursor)
		if err != nil {
			return total, classify("pull", err)
		}

		var page BatchResult
		err = p.store.WithTx(ctx, func(tx *sql.Tx) error {
			var err error
			if page, err = p.applier.apply(tx, resp.Data); err != nil {
				return err
			}
			if resp.Checkpoint == "" {
				return nil
			}
			return db.SetCheckpoint(tx, p.installationID, resp.Checkpoint)
		})
		if err != nil {
			return total, wrapTxError("pull", err)
		}
		total.merge(page)
		slog.Debug("pulled page", "events", len(resp.Data), "checkpoint", resp.Checkpoint)

		if !resp.Pagination.HasMore {
			return total, nil
		}
		next := resp.Pagination.NextCursor
		if next == "" || seen[next] {
			return total, fmt.Errorf("pull: %w: cursor did not advance", ErrProtocol)
		}
		seen[next] = true
		cursor = next
	}
}
