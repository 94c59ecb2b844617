package sync

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/marcus/dqsync/internal/db"
	"github.com/marcus/dqsync/internal/events"
	"github.com/marcus/dqsync/internal/syncclient"
)

// DefaultReadTimeout bounds each read on the bootstrap stream.
const DefaultReadTimeout = 30 * time.Second

// StreamBootstrapper replays history over the websocket stream. Batches are
// validated and held in memory while they arrive; nothing touches the replica
// until the server sends complete, and then every batch and the checkpoint
// commit in one short transaction. The write context is never held across a
// network read, so local records keep working during a long stream and an
// interrupted stream leaves the replica untouched.
type StreamBootstrapper struct {
	backend        Backend
	store          *db.DB
	applier        *batchApplier
	installationID string
	readTimeout    time.Duration
}

// Bootstrap streams every event after since and returns the new checkpoint.
func (b *StreamBootstrapper) Bootstrap(ctx context.Context, since string, progress ProgressFunc) (string, error) {
	stream, err := b.backend.DialStream(ctx)
	if err != nil {
		return "", classify("stream dial", err)
	}
	defer stream.Close()

	if err := stream.Send(ctx, syncclient.StreamMessage{Type: syncclient.StreamRequest, Since: since}); err != nil {
		return "", classify("stream request", err)
	}

	start, err := b.receive(ctx, stream)
	if err != nil {
		return "", err
	}
	switch start.Type {
	case syncclient.StreamStart:
	case syncclient.StreamError:
		return "", fmt.Errorf("stream: %w: server error %s: %s", ErrProtocol, start.Code, start.Error)
	default:
		return "", fmt.Errorf("stream: %w: expected start, got %s", ErrProtocol, start.Type)
	}
	total := start.TotalEvents
	slog.Info("stream bootstrap started", "since", since, "total", total)
	if progress != nil {
		progress(Progress{Total: total})
	}

	batches, complete, err := b.collect(ctx, stream, total, progress)
	if err != nil {
		return "", err
	}

	received := 0
	for _, batch := range batches {
		received += len(batch)
	}
	err = b.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, batch := range batches {
			if _, err := b.applier.apply(tx, batch); err != nil {
				return err
			}
		}
		if err := db.SetCheckpoint(tx, b.installationID, complete.NewCheckpoint); err != nil {
			return storageError("stream checkpoint", err)
		}
		return nil
	})
	if err != nil {
		return "", wrapTxError("stream bootstrap", err)
	}
	slog.Info("stream bootstrap complete", "processed", received, "server_processed", complete.ProcessedEvents)
	return complete.NewCheckpoint, nil
}

// collect reads batches until complete, checking their order. It returns the
// batches in stream order and the complete message.
func (b *StreamBootstrapper) collect(ctx context.Context, stream syncclient.Stream, total int, progress ProgressFunc) ([][]events.Event, syncclient.StreamMessage, error) {
	var batches [][]events.Event
	received, sawLast := 0, false
	for {
		msg, err := b.receive(ctx, stream)
		if err != nil {
			return nil, msg, err
		}
		switch msg.Type {
		case syncclient.StreamBatch:
			if sawLast {
				return nil, msg, fmt.Errorf("stream: %w: batch %d after last batch", ErrProtocol, msg.BatchIndex)
			}
			if msg.BatchIndex != len(batches) {
				return nil, msg, fmt.Errorf("stream: %w: batch %d out of order, want %d", ErrProtocol, msg.BatchIndex, len(batches))
			}
			batches = append(batches, msg.Events)
			received += len(msg.Events)
			sawLast = msg.IsLast
			if progress != nil {
				progress(Progress{Processed: received, Total: total})
			}

		case syncclient.StreamComplete:
			if len(batches) > 0 && !sawLast {
				return nil, msg, fmt.Errorf("stream: %w: complete before last batch", ErrProtocol)
			}
			if msg.NewCheckpoint == "" {
				return nil, msg, fmt.Errorf("stream: %w: complete without checkpoint", ErrProtocol)
			}
			return batches, msg, nil

		case syncclient.StreamError:
			return nil, msg, fmt.Errorf("stream: %w: server error %s: %s", ErrProtocol, msg.Code, msg.Error)

		default:
			return nil, msg, fmt.Errorf("stream: %w: unexpected message %s", ErrProtocol, msg.Type)
		}
	}
}

func (b *StreamBootstrapper) receive(ctx context.Context, stream syncclient.Stream) (syncclient.StreamMessage, error) {
	timeout := b.readTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := stream.Receive(rctx)
	if err != nil {
		if ctx.Err() != nil {
			return msg, ctx.Err()
		}
		return msg, classify("stream receive", err)
	}
	return msg, nil
}
