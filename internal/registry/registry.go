// Package registry tracks the devices that share an account.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/marcus/dqsync/internal/db"
	"github.com/marcus/dqsync/internal/models"
)

// Registry is the device table of one replica.
type Registry struct {
	store *db.DB
	now   func() time.Time
}

// New creates a registry over store.
func New(store *db.DB) *Registry {
	return &Registry{store: store, now: time.Now}
}

// Register records this device on first sync, or refreshes it.
func (r *Registry) Register(ctx context.Context, d models.Device) error {
	if d.ID == "" {
		return fmt.Errorf("register: empty device id")
	}
	now := r.now().UTC()
	if d.FirstSeenAt.IsZero() {
		d.FirstSeenAt = now
	}
	if d.LastActiveAt.IsZero() {
		d.LastActiveAt = now
	}
	return r.store.WithTx(ctx, func(tx *sql.Tx) error {
		return db.UpsertDevice(tx, d)
	})
}

// Touch marks a device active now, typically when the app comes to the
// foreground. Unknown devices are an error.
func (r *Registry) Touch(ctx context.Context, id string) error {
	return r.store.WithTx(ctx, func(tx *sql.Tx) error {
		ok, err := db.TouchDevice(tx, id, r.now().UTC())
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("touch: device %s not registered", id)
		}
		return nil
	})
}

// Observe records a device seen on a remote event. It runs inside the
// projector's transaction.
func (r *Registry) Observe(q db.Querier, deviceID, userID string, at time.Time) error {
	if at.IsZero() {
		at = r.now().UTC()
	}
	ok, err := db.TouchDevice(q, deviceID, at)
	if err != nil || ok {
		return err
	}
	slog.Debug("registry: new device observed", "device", deviceID)
	return db.UpsertDevice(q, models.Device{
		ID:           deviceID,
		UserID:       userID,
		FirstSeenAt:  at,
		LastActiveAt: at,
	})
}

// List returns known devices, most recently active first.
func (r *Registry) List(ctx context.Context) ([]models.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return db.ListDevices(r.store.Conn())
}

// Get returns one device, or nil if unknown.
func (r *Registry) Get(ctx context.Context, id string) (*models.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return db.GetDevice(r.store.Conn(), id)
}
