// Package rowstore is the durable keyed store under the entity cache: a
// single SQLite database opened by exactly one process at a time.
//
// All access goes through transactions. Update runs a read-write
// transaction; View runs one that is always rolled back.
package rowstore

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"modernc.org/sqlite"

	"github.com/c360/entitycache/errors"
	"github.com/c360/entitycache/metric"
)

// SQLite primary result codes
const (
	sqliteBusy   = 5
	sqliteLocked = 6
)

var (
	openMu    sync.Mutex
	openPaths = map[string]bool{}
)

// Options configures Open
type Options struct {
	BusyTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *metric.Metrics
}

// Store is an open row store
type Store struct {
	db      *sql.DB
	path    string
	logger  *slog.Logger
	metrics *metric.Metrics

	mu     sync.RWMutex
	closed bool
}

// Open opens or creates the database at path and takes an exclusive lock on
// it. A second Open of the same file, from this process or another, fails
// with ErrStoreLocked.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "rowstore", "Open", "resolve path")
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	openMu.Lock()
	defer openMu.Unlock()
	if openPaths[abs] {
		return nil, errors.WrapTransient(errors.ErrStoreLocked, "rowstore", "Open", abs)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=locking_mode(EXCLUSIVE)&_pragma=journal_mode(WAL)&_txlock=immediate",
		abs, opts.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.WrapFatal(err, "rowstore", "Open", "open database")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := lockAndMigrate(ctx, db); err != nil {
		_ = db.Close()
		if isBusy(err) {
			return nil, errors.WrapTransient(errors.ErrStoreLocked, "rowstore", "Open", abs)
		}
		return nil, errors.WrapFatal(err, "rowstore", "Open", "initialize schema")
	}

	openPaths[abs] = true
	opts.Logger.Debug("row store opened", "path", abs)
	return &Store{
		db:      db,
		path:    abs,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}, nil
}

// lockAndMigrate takes the exclusive file lock with a write transaction and
// creates the schema. With locking_mode=EXCLUSIVE the lock is kept until
// the connection closes.
func lockAndMigrate(ctx context.Context, db *sql.DB) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN EXCLUSIVE"); err != nil {
		return err
	}
	commit := false
	defer func() {
		if !commit {
			_, _ = conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")
		}
	}()

	var version int
	if err := conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return err
	}
	if version > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", version, schemaVersion)
	}
	if _, err := conn.ExecContext(ctx, schemaDDL); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return err
	}
	commit = true
	return nil
}

func isBusy(err error) bool {
	var se *sqlite.Error
	if stderrors.As(err, &se) {
		code := se.Code() & 0xff
		return code == sqliteBusy || code == sqliteLocked
	}
	return false
}

// Path returns the absolute database path
func (s *Store) Path() string {
	return s.path
}

// Close releases the database and its lock
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	openMu.Lock()
	delete(openPaths, s.path)
	openMu.Unlock()

	if err := s.db.Close(); err != nil {
		return errors.WrapTransient(err, "rowstore", "Close", "close database")
	}
	return nil
}

// Update runs fn in a read-write transaction. The transaction commits when
// fn returns nil or a cancellation error, so work finished before a
// cooperative cancel is kept. Any other error rolls it back.
func (s *Store) Update(ctx context.Context, fn func(*Tx) error) error {
	return s.run(ctx, false, fn)
}

// View runs fn in a transaction that is always rolled back
func (s *Store) View(ctx context.Context, fn func(*Tx) error) error {
	return s.run(ctx, true, fn)
}

func (s *Store) run(ctx context.Context, readOnly bool, fn func(*Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.ErrStoreClosed
	}

	// Cancelling ctx must not make database/sql roll back behind our back:
	// cancellation is observed by fn, and Update decides what to keep.
	sqlTx, err := s.db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		if isBusy(err) {
			return errors.WrapTransient(errors.ErrStoreLocked, "rowstore", "Begin", "begin transaction")
		}
		return errors.WrapTransient(err, "rowstore", "Begin", "begin transaction")
	}

	tx := &Tx{tx: sqlTx, ctx: ctx}
	fnErr := safeRun(tx, fn)

	if readOnly || (fnErr != nil && !errors.IsCanceled(fnErr)) {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed", "error", rbErr)
		}
		tx.runRollbackHooks()
		if !readOnly {
			s.metrics.RecordTransaction("rollback")
		}
		return fnErr
	}

	if err := sqlTx.Commit(); err != nil {
		tx.runRollbackHooks()
		s.metrics.RecordTransaction("commit_failed")
		return errors.WrapTransient(err, "rowstore", "Update", "commit")
	}
	tx.runCommitHooks()
	s.metrics.RecordTransaction("commit")
	return fnErr
}

func safeRun(tx *Tx, fn func(*Tx) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.WrapFatal(fmt.Errorf("panic: %v", r), "rowstore", "Update", "transaction body")
		}
	}()
	return fn(tx)
}
