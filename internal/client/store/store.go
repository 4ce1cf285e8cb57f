package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/fieldsync/internal/client/models"
	"github.com/dmitrijs2005/fieldsync/internal/common"
	"github.com/dmitrijs2005/fieldsync/internal/dbx"
	"github.com/dmitrijs2005/fieldsync/internal/logging"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	DefaultOpenTimeout       = 8 * time.Second
	DefaultBlockedRetryDelay = 250 * time.Millisecond
	DefaultCheckTimeout      = 2 * time.Second
	DefaultBusyTimeout       = 3 * time.Second
)

// Options configures a Store. Zero durations take the package defaults.
type Options struct {
	// Path of the database file.
	Path              string
	OpenTimeout       time.Duration
	BlockedRetryDelay time.Duration
	CheckTimeout      time.Duration
	// BusyTimeout is how long SQLite waits on a lock held by another
	// connection before reporting it busy.
	BusyTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = DefaultOpenTimeout
	}
	if o.BlockedRetryDelay <= 0 {
		o.BlockedRetryDelay = DefaultBlockedRetryDelay
	}
	if o.CheckTimeout <= 0 {
		o.CheckTimeout = DefaultCheckTimeout
	}
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = DefaultBusyTimeout
	}
}

// Opener produces a ready-to-use database handle with the schema applied.
type Opener func(ctx context.Context) (*sql.DB, error)

// Option customizes a Store.
type Option func(*Store)

// WithOpener replaces the default SQLite opener.
func WithOpener(o Opener) Option {
	return func(s *Store) { s.open = o }
}

// Store is the guarded accessor for the local database. It is safe for
// concurrent use.
type Store struct {
	opts   Options
	open   Opener
	logger logging.Logger

	mu    sync.Mutex
	db    *sql.DB
	opens int

	records  *Collection[models.Record]
	payloads *Collection[models.RecordPayload]
	drafts   *Collection[models.Draft]
	projects *Collection[models.Project]
	photos   *Collection[models.Photo]
	profile  *Collection[models.UserProfile]
	archive  *Collection[models.ArchiveEntry]
	deleted  *Collection[DeletedRecord]
	flags    *Flags
}

// New returns a Store. The database is opened lazily by the first operation.
func New(opts Options, logger logging.Logger, options ...Option) *Store {
	opts.applyDefaults()
	s := &Store{
		opts:   opts,
		logger: logger.With("module", "store"),
	}
	s.open = s.openSQLite
	for _, o := range options {
		o(s)
	}
	s.initCollections()
	return s
}

// Opens reports how many times a handle has been successfully opened.
func (s *Store) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

// Ensure obtains a validated handle, opening the database if needed.
func (s *Store) Ensure(ctx context.Context) error {
	_, err := s.handle(ctx)
	return err
}

// Invalidate drops the cached handle. The next operation reopens.
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked()
}

// Close releases the handle. A later operation would open a new one.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) dropLocked() {
	if s.db != nil {
		_ = s.db.Close()
		s.db = nil
	}
}

func (s *Store) handle(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		err := s.checkHandle(ctx, s.db)
		if err == nil {
			return s.db, nil
		}
		s.logger.Warn(ctx, "cached handle failed health check, reopening", "error", err)
		s.dropLocked()
	}

	db, err := s.openOnce(ctx)
	if errors.Is(err, common.ErrConnectionBlocked) {
		s.logger.Warn(ctx, "open blocked by another connection, retrying", "delay", s.opts.BlockedRetryDelay)
		select {
		case <-ctx.Done():
			return nil, &common.StoreError{Op: "open", Err: ctx.Err()}
		case <-time.After(s.opts.BlockedRetryDelay):
		}
		db, err = s.openOnce(ctx)
	}
	if err != nil {
		return nil, err
	}

	s.db = db
	s.opens++
	return db, nil
}

// checkHandle runs a trivial read transaction and aborts it.
func (s *Store) checkHandle(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.CheckTimeout)
	defer cancel()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	return tx.QueryRowContext(ctx, `SELECT 1`).Scan(&one)
}

type openResult struct {
	db  *sql.DB
	err error
}

func (s *Store) openOnce(ctx context.Context) (*sql.DB, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpenTimeout)
	defer cancel()

	done := make(chan openResult, 1)
	go func() {
		db, err := s.open(ctx)
		done <- openResult{db: db, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil {
			return r.db, nil
		}
		if isBusy(r.err) {
			return nil, &common.StoreError{Op: "open", Err: common.ErrConnectionBlocked}
		}
		if errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() != nil {
			return nil, &common.StoreError{Op: "open", Err: common.ErrConnectionTimeout}
		}
		return nil, &common.StoreError{Op: "open", Err: r.err}

	case <-ctx.Done():
		// The opener may still succeed later; its handle must not leak.
		go func() {
			if r := <-done; r.db != nil {
				_ = r.db.Close()
			}
		}()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &common.StoreError{Op: "open", Err: common.ErrConnectionTimeout}
		}
		return nil, &common.StoreError{Op: "open", Err: ctx.Err()}
	}
}

// withTx runs fn in a transaction on a validated handle. A handle closed
// underneath the operation is replaced and fn retried once.
func (s *Store) withTx(ctx context.Context, op, collection string, fn func(ctx context.Context, tx dbx.DBTX) error) error {
	for attempt := 0; ; attempt++ {
		db, err := s.handle(ctx)
		if err != nil {
			return err
		}

		err = dbx.WithTx(ctx, db, nil, fn)
		if err == nil {
			return nil
		}
		if attempt == 0 && isClosed(err) {
			s.logger.Warn(ctx, "handle closed during operation, retrying", "op", op, "collection", collection)
			s.Invalidate()
			continue
		}
		return classify(op, collection, err)
	}
}

func classify(op, collection string, err error) error {
	var se *common.StoreError
	if errors.As(err, &se) {
		return err
	}
	switch {
	case errors.Is(err, common.ErrNotFound):
		return &common.StoreError{Op: op, Collection: collection, Err: common.ErrNotFound}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &common.StoreError{Op: op, Collection: collection, Err: err}
	case strings.Contains(err.Error(), "no such table"):
		return &common.StoreError{Op: op, Collection: collection, Err: fmt.Errorf("%w: %v", common.ErrStoreNotFound, err)}
	default:
		return &common.StoreError{Op: op, Collection: collection, Err: fmt.Errorf("%w: %v", common.ErrTransactionFailed, err)}
	}
}

func isBusy(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func isClosed(err error) bool {
	if errors.Is(err, sql.ErrConnDone) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}
