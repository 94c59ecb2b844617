package monitor

import (
	"time"

	"github.com/marcus/dqsync/internal/db"
	"github.com/marcus/dqsync/internal/events"
	"github.com/marcus/dqsync/internal/models"
	dqsync "github.com/marcus/dqsync/internal/sync"
)

// StatusFunc reports the live orchestrator status when the monitor runs in
// the same process as a connected orchestrator. ok is false otherwise.
type StatusFunc func() (st dqsync.Status, ok bool)

// Limits for the list panels
const (
	pendingLimit  = 200
	historyLimit  = 100
	conflictLimit = 50
)

// FetchData retrieves all data needed for the monitor display
func FetchData(database *db.DB, installationID string, status StatusFunc) RefreshDataMsg {
	msg := RefreshDataMsg{Timestamp: time.Now()}
	conn := database.Conn()

	if status != nil {
		if st, ok := status(); ok {
			msg.Status = &st
		}
	}

	pending, err := db.PendingEvents(conn, pendingLimit)
	if err != nil {
		msg.Err = err
		return msg
	}
	msg.Pending = pending

	total, err := db.CountPendingEvents(conn)
	if err != nil {
		msg.Err = err
		return msg
	}
	msg.PendingTotal = total

	msg.PendingByTable, _ = db.CountPendingEntities(conn)
	msg.Conflicts, _ = db.ListConflicts(conn, false, conflictLimit)
	msg.History, _ = database.GetSyncHistoryTail(historyLimit)
	msg.Devices, _ = db.ListDevices(conn)
	msg.Checkpoint, _ = db.GetCheckpoint(conn, installationID)
	return msg
}

// RefreshDataMsg carries refreshed data
type RefreshDataMsg struct {
	Status         *dqsync.Status
	Pending        []events.Event
	PendingTotal   int64
	PendingByTable map[string]int64
	Conflicts      []models.Conflict
	History        []db.SyncHistoryEntry
	Devices        []models.Device
	Checkpoint     string
	Timestamp      time.Time
	Err            error
}
