package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	lockFileName   = "replica.lock"
	defaultTimeout = 500 * time.Millisecond
	initialBackoff = 5 * time.Millisecond
	maxBackoff     = 50 * time.Millisecond
)

// ErrLockTimeout means another process kept the replica write lock for the
// whole wait.
var ErrLockTimeout = errors.New("replica write lock timeout")

// LockHolder describes the process holding the replica write lock.
type LockHolder struct {
	PID   int       `json:"pid"`
	Role  string    `json:"role,omitempty"`
	Since time.Time `json:"since"`
	Stale bool      `json:"-"`
}

func (h LockHolder) String() string {
	s := fmt.Sprintf("pid:%d", h.PID)
	if h.Role != "" {
		s += " (" + h.Role + ")"
	}
	s += " since " + h.Since.Format(time.RFC3339)
	if h.Stale {
		s += " (STALE - process dead)"
	}
	return s
}

// writeLocker guards the replica against a second process, such as the CLI
// next to a running daemon. The OS drops the lock when the holder exits.
type writeLocker struct {
	lockPath string
	role     string
	file     *os.File
}

func newWriteLocker(baseDir, role string) *writeLocker {
	return &writeLocker{
		lockPath: lockPath(baseDir),
		role:     role,
	}
}

func lockPath(baseDir string) string {
	return filepath.Join(baseDir, dataDir, lockFileName)
}

// acquire takes the exclusive lock, backing off until timeout.
func (l *writeLocker) acquire(timeout time.Duration) error {
	f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	deadline := time.Now().Add(timeout)
	backoff := initialBackoff
	for {
		if err := lockFile(f); err == nil {
			l.file = f
			l.writeHolder()
			return nil
		}
		if time.Now().After(deadline) {
			f.Close()
			holder := "unknown"
			if h, ok := readHolder(l.lockPath); ok {
				holder = h.String()
			}
			return fmt.Errorf("%w after %v (holder: %s)", ErrLockTimeout, timeout, holder)
		}
		time.Sleep(backoff)
		backoff = min(backoff*2, maxBackoff)
	}
}

func (l *writeLocker) release() error {
	if l.file == nil {
		return nil
	}
	l.file.Truncate(0)
	unlockFile(l.file)
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *writeLocker) writeHolder() {
	b, err := json.Marshal(LockHolder{PID: os.Getpid(), Role: l.role, Since: time.Now().UTC()})
	if err != nil {
		return
	}
	l.file.Truncate(0)
	l.file.WriteAt(b, 0)
	l.file.Sync()
}

// readHolder parses the holder record. An empty or unreadable file means
// nobody holds the lock.
func readHolder(path string) (LockHolder, bool) {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return LockHolder{}, false
	}
	var h LockHolder
	if err := json.Unmarshal(data, &h); err != nil || h.PID == 0 {
		return LockHolder{}, false
	}
	h.Stale = !processAlive(h.PID)
	return h, true
}

// LockHolder reports the process currently writing to the replica, if any.
func (db *DB) LockHolder() (LockHolder, bool) {
	if db.baseDir == "" {
		return LockHolder{}, false
	}
	return readHolder(lockPath(db.baseDir))
}

// SetLockRole labels this process in the lock file, e.g. "daemon".
func (db *DB) SetLockRole(role string) {
	db.lockRole.Store(role)
}
