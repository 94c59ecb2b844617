package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

const (
	dataDir = ".dequeue"
	dbFile  = ".dequeue/replica.db"
)

// ErrMigration means the replica's schema could not be brought up to date.
var ErrMigration = errors.New("schema migration failed")

// Querier is satisfied by both *sql.DB and *sql.Tx so read helpers work
// inside and outside the write context.
type Querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// DB wraps the local replica connection. All mutations go through WithTx,
// which is the single serialized write context for the store.
type DB struct {
	conn     *sql.DB
	baseDir  string
	writeMu  sync.Mutex
	lockRole atomic.Value // string
}

// Open opens the replica under baseDir and runs any pending migrations
func Open(baseDir string) (*DB, error) {
	dbPath := filepath.Join(baseDir, dbFile)

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("replica not found: run 'dqsync init' first")
	}
	return open("sqlite", dbPath, baseDir)
}

// OpenOrDiscard opens the replica like Open. If its schema cannot be
// migrated, the database files are moved aside and a fresh replica is created
// in their place. The fresh replica has no checkpoint, so the next connect
// bootstraps it from the server. discarded is the path the old database was
// moved to, or "" when nothing was discarded.
func OpenOrDiscard(baseDir string) (db *DB, discarded string, err error) {
	db, err = Open(baseDir)
	if err == nil || !errors.Is(err, ErrMigration) {
		return db, "", err
	}
	discarded, derr := discard(baseDir)
	if derr != nil {
		return nil, "", errors.Join(err, derr)
	}
	db, err = Initialize(baseDir)
	if err != nil {
		return nil, discarded, err
	}
	return db, discarded, nil
}

// discard renames the database and its WAL files with a timestamp suffix
// while holding the write lock.
func discard(baseDir string) (string, error) {
	locker := newWriteLocker(baseDir, "discard")
	if err := locker.acquire(defaultTimeout); err != nil {
		return "", err
	}
	defer locker.release()

	dbPath := filepath.Join(baseDir, dbFile)
	target := fmt.Sprintf("%s.discarded-%d", dbPath, time.Now().Unix())
	for _, suffix := range []string{"", "-wal", "-shm"} {
		err := os.Rename(dbPath+suffix, target+suffix)
		if err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("discard replica: %w", err)
		}
	}
	return target, nil
}

// Initialize creates the replica directory and database and runs migrations
func Initialize(baseDir string) (*DB, error) {
	dbPath := filepath.Join(baseDir, dbFile)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	return open("sqlite", dbPath, baseDir)
}

// OpenWithDriver opens a store on an arbitrary driver/DSN, e.g. an in-memory
// sqlite3 database in tests. An empty baseDir disables the cross-process lock.
func OpenWithDriver(driver, dsn, baseDir string) (*DB, error) {
	return open(driver, dsn, baseDir)
}

func open(driver, dsn, baseDir string) (*DB, error) {
	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection: sqlite has a single writer anyway, and in-memory
	// databases are per-connection.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := conn.Exec("PRAGMA busy_timeout=500"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	conn.Exec("PRAGMA synchronous=NORMAL")

	db := &DB{conn: conn, baseDir: baseDir}

	if _, err := db.RunMigrations(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w: %w", ErrMigration, err)
	}

	return db, nil
}

// Close closes the database
func (db *DB) Close() error {
	return db.conn.Close()
}

// BaseDir returns the base directory for the database
func (db *DB) BaseDir() string {
	return db.baseDir
}

// Conn returns the underlying *sql.DB for reads outside the write context.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// WithTx runs fn inside a transaction while holding the store's write
// context. The transaction either commits fully or rolls back; cancelling ctx
// is honoured before the transaction starts, never in the middle of a commit.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	return db.withWriteLock(func() error {
		tx, err := db.conn.BeginTx(context.WithoutCancel(ctx), nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}

// withWriteLock executes fn while holding an exclusive cross-process write
// lock. In-memory stores have no base directory and skip the file lock.
func (db *DB) withWriteLock(fn func() error) error {
	if db.baseDir == "" {
		return fn()
	}
	role, _ := db.lockRole.Load().(string)
	locker := newWriteLocker(db.baseDir, role)
	if err := locker.acquire(defaultTimeout); err != nil {
		return err
	}
	defer locker.release()
	return fn()
}
