package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/marcus/dqsync/internal/db"
)

// BootstrapStrategy selects how an empty replica is first filled.
type BootstrapStrategy string

const (
	// BootstrapStream replays history over the websocket stream.
	BootstrapStream BootstrapStrategy = "stream"
	// BootstrapSnapshot copies the current projection of each collection.
	BootstrapSnapshot BootstrapStrategy = "snapshot"
	// BootstrapReplay pages through the event history over plain HTTP.
	BootstrapReplay BootstrapStrategy = "replay"
)

// ParseStrategy parses a strategy name; the empty string means stream.
func ParseStrategy(s string) (BootstrapStrategy, error) {
	switch BootstrapStrategy(s) {
	case "", BootstrapStream:
		return BootstrapStream, nil
	case BootstrapSnapshot:
		return BootstrapSnapshot, nil
	case BootstrapReplay:
		return BootstrapReplay, nil
	}
	return "", fmt.Errorf("unknown bootstrap strategy %q", s)
}

// fallback returns the next strategy to try after s fails.
func (s BootstrapStrategy) fallback() (BootstrapStrategy, bool) {
	switch s {
	case BootstrapStream:
		return BootstrapSnapshot, true
	case BootstrapSnapshot:
		return BootstrapReplay, true
	}
	return "", false
}

// recoverable reports whether a bootstrap failure is worth another strategy.
// Auth problems and cancellation fail the same way everywhere.
func recoverable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrProtocol)
}

// bootstrapper runs the strategy chain for one connection.
type bootstrapper struct {
	stream   *StreamBootstrapper
	snapshot *SnapshotBootstrapper
	replay   *puller
	store    *db.DB
	install  string
}

// run bootstraps when no checkpoint exists yet. It reports whether a
// bootstrap happened.
func (b *bootstrapper) run(ctx context.Context, strategy BootstrapStrategy, progress ProgressFunc) (bool, error) {
	cp, err := db.GetCheckpoint(b.store.Conn(), b.install)
	if err != nil {
		return false, storageError("bootstrap", err)
	}
	if cp != "" {
		return false, nil
	}

	for {
		err := b.runOne(ctx, strategy, progress)
		if err == nil {
			return true, nil
		}
		next, ok := strategy.fallback()
		if !ok || !recoverable(err) {
			return false, err
		}
		slog.Warn("bootstrap failed, falling back", "strategy", strategy, "next", next, "err", err)
		strategy = next
	}
}

func (b *bootstrapper) runOne(ctx context.Context, strategy BootstrapStrategy, progress ProgressFunc) error {
	slog.Info("bootstrap", "strategy", strategy)
	switch strategy {
	case BootstrapStream:
		_, err := b.stream.Bootstrap(ctx, "", progress)
		return err
	case BootstrapSnapshot:
		_, err := b.snapshot.Bootstrap(ctx, progress)
		return err
	case BootstrapReplay:
		_, err := b.replay.pullAll(ctx)
		return err
	}
	return fmt.Errorf("unknown bootstrap strategy %q", strategy)
}
