// Package sqlite stores ledger versions in an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/umodzi/rxledger/internal/ledger"
)

const schema = `
CREATE TABLE IF NOT EXISTS ledger_current (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	sequence   INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS ledger_history (
	key         TEXT NOT NULL,
	sequence    INTEGER NOT NULL,
	value       BLOB NOT NULL,
	recorded_at INTEGER NOT NULL,
	PRIMARY KEY (key, sequence)
);
`

// historyPage bounds how many rows one history query loads. No connection is held while
// the caller consumes a page.
const historyPage = 100

// Store is a ledger.Store over database/sql.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the timestamp source for history rows.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Open opens (or creates) the database at path and applies the schema. Use ":memory:" for a
// private in-memory database.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// One connection serializes writers, and keeps a ":memory:" database alive and shared.
	db.SetMaxOpenConns(1)

	s := New(db, opts...)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database. The schema must already exist or be created with Migrate.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ ledger.Store = (*Store)(nil)

// Migrate creates the ledger tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate sqlite schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put appends a history row and upserts the current row in one transaction.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	return s.apply(ctx, "put", key, func(*sql.Tx) error { return nil }, value)
}

// CompareAndSwap reads and writes in one immediate transaction, which takes the database
// write lock up front, so other processes on the same file cannot interleave.
func (s *Store) CompareAndSwap(ctx context.Context, key string, old, value []byte) error {
	check := func(tx *sql.Tx) error {
		var current []byte
		err := tx.QueryRowContext(ctx, "SELECT value FROM ledger_current WHERE key = ?", key).Scan(&current)
		found := true
		if errors.Is(err, sql.ErrNoRows) {
			found, err = false, nil
		}
		if err != nil {
			return ledger.StorageError("compare and swap", key, fmt.Errorf("read current: %w", err))
		}
		if found && current == nil {
			current = []byte{}
		}
		if !ledger.Matches(current, found, old) {
			return ledger.ConflictError(key)
		}
		return nil
	}
	return s.apply(ctx, "compare and swap", key, check, value)
}

// apply runs check and then writes value, or deletes the current row when value is nil.
func (s *Store) apply(ctx context.Context, op, key string, check func(*sql.Tx) error, value []byte) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.StorageError(op, key, fmt.Errorf("begin tx: %w", err))
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Warn("sqlite rollback failed", zap.String("key", key), zap.Error(rbErr))
			}
		}
	}()

	if err = check(tx); err != nil {
		return err
	}

	if value == nil {
		if _, err = tx.ExecContext(ctx, "DELETE FROM ledger_current WHERE key = ?", key); err != nil {
			return ledger.StorageError(op, key, fmt.Errorf("delete current: %w", err))
		}
	} else if err = s.write(ctx, tx, op, key, value); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return ledger.StorageError(op, key, fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *Store) write(ctx context.Context, tx *sql.Tx, op, key string, value []byte) error {
	var seq int64
	err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(sequence), 0) + 1 FROM ledger_history WHERE key = ?", key,
	).Scan(&seq)
	if err != nil {
		return ledger.StorageError(op, key, fmt.Errorf("next sequence: %w", err))
	}

	now := s.now().UTC().UnixNano()
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO ledger_history (key, sequence, value, recorded_at) VALUES (?, ?, ?, ?)",
		key, seq, value, now,
	); err != nil {
		return ledger.StorageError(op, key, fmt.Errorf("insert history: %w", err))
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_current (key, value, sequence, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE
		SET value = excluded.value, sequence = excluded.sequence, updated_at = excluded.updated_at`,
		key, value, seq, now,
	); err != nil {
		return ledger.StorageError(op, key, fmt.Errorf("upsert current: %w", err))
	}
	return nil
}

// Get reads the current row.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM ledger_current WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, ledger.StorageError("get", key, err)
	}
	if value == nil {
		value = []byte{}
	}
	return value, true, nil
}

// Delete removes the current row.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM ledger_current WHERE key = ?", key); err != nil {
		return ledger.StorageError("delete", key, err)
	}
	return nil
}

// History pages through history rows by sequence.
func (s *Store) History(ctx context.Context, key string) iter.Seq2[ledger.Version, error] {
	return func(yield func(ledger.Version, error) bool) {
		var after uint64
		for {
			page, err := s.historyPage(ctx, key, after)
			if err != nil {
				yield(ledger.Version{}, ledger.StorageError("history", key, err))
				return
			}
			for _, v := range page {
				if !yield(v, nil) {
					return
				}
				after = v.Sequence
			}
			if len(page) < historyPage {
				return
			}
		}
	}
}

func (s *Store) historyPage(ctx context.Context, key string, after uint64) ([]ledger.Version, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, value, recorded_at FROM ledger_history
		WHERE key = ? AND sequence > ?
		ORDER BY sequence ASC
		LIMIT ?`, key, int64(after), historyPage)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := make([]ledger.Version, 0, historyPage)
	for rows.Next() {
		var (
			seq, at int64
			value   []byte
		)
		if err := rows.Scan(&seq, &value, &at); err != nil {
			return nil, err
		}
		page = append(page, ledger.Version{
			Value:     value,
			Sequence:  uint64(seq),
			Timestamp: time.Unix(0, at).UTC(),
		})
	}
	return page, rows.Err()
}
