package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/marcus/dqsync/internal/syncclient"
)

// Error taxonomy. Conflicts are not errors; they are an ApplyResult outcome.
var (
	// ErrNotAuthenticated means no usable token. Surfaced, never retried here.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrNetwork covers connect/send/receive failures and timeouts.
	ErrNetwork = errors.New("network failure")
	// ErrProtocol means the server sent something the client cannot interpret.
	ErrProtocol = errors.New("protocol violation")
	// ErrStorage means a local commit failed. The checkpoint never advances past it.
	ErrStorage = errors.New("storage failure")
	// ErrNotConnected is returned by operations that need an active connection.
	ErrNotConnected = errors.New("not connected")
	// ErrInvalidEvent rejects a local mutation before anything is written.
	ErrInvalidEvent = errors.New("invalid event")
)

// wrapTxError classifies an error returned by a store transaction. Caller
// mistakes and cancellation pass through; anything else failed to commit.
func wrapTxError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInvalidEvent), errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrProtocol),
		errors.Is(err, ErrNetwork), errors.Is(err, ErrNotAuthenticated):
		return err
	}
	return storageError(op, err)
}

func storageError(op string, err error) error {
	if err == nil || errors.Is(err, ErrStorage) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// classify maps a transport error onto the sync taxonomy.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotAuthenticated), errors.Is(err, ErrNetwork),
		errors.Is(err, ErrProtocol), errors.Is(err, ErrStorage):
		return err
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, syncclient.ErrUnauthorized), errors.Is(err, syncclient.ErrForbidden):
		return fmt.Errorf("%s: %w: %w", op, ErrNotAuthenticated, err)
	case errors.Is(err, syncclient.ErrMalformed):
		return fmt.Errorf("%s: %w: %w", op, ErrProtocol, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrNetwork, err)
	}
}
