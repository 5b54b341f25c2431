// Package postgres stores ledger versions in PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/umodzi/rxledger/internal/ledger"
)

const schema = `
CREATE TABLE IF NOT EXISTS ledger_current (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	sequence   BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_history (
	key         TEXT NOT NULL,
	sequence    BIGINT NOT NULL,
	value       BYTEA NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (key, sequence)
);
`

// Store is a ledger.Store over a pgx pool. Writes to one key are serialized with a
// transaction-scoped advisory lock on the key hash.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// New creates a store on an existing pool.
func New(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("ledger-postgres"),
	}
}

// Connect opens a pool for url and verifies it with a ping.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	cfg.MaxConns = 25
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

var _ ledger.Store = (*Store)(nil)

// Migrate creates the ledger tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate ledger schema: %w", err)
	}
	return nil
}

// Put appends a history row and upserts the current row in one transaction.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	return s.apply(ctx, "put", key, func(pgx.Tx) error { return nil }, value)
}

// CompareAndSwap checks the current row under the key's advisory lock and applies the write
// in the same transaction, so processes sharing the database cannot both pass the check.
func (s *Store) CompareAndSwap(ctx context.Context, key string, old, value []byte) error {
	check := func(tx pgx.Tx) error {
		var current []byte
		err := tx.QueryRow(ctx, "SELECT value FROM ledger_current WHERE key = $1", key).Scan(&current)
		found := true
		if errors.Is(err, pgx.ErrNoRows) {
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

// apply runs check and then the write of value (a delete when value is nil) in one
// transaction holding the key's advisory lock.
func (s *Store) apply(ctx context.Context, op, key string, check func(pgx.Tx) error, value []byte) error {
	ctx, span := s.tracer.Start(ctx, "ledger_write",
		trace.WithAttributes(attribute.String("key", key), attribute.String("op", op)))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		return ledger.StorageError(op, key, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", key); err != nil {
		span.RecordError(err)
		return ledger.StorageError(op, key, fmt.Errorf("lock key: %w", err))
	}
	if err := check(tx); err != nil {
		span.RecordError(err)
		return err
	}

	if value == nil {
		if _, err := tx.Exec(ctx, "DELETE FROM ledger_current WHERE key = $1", key); err != nil {
			span.RecordError(err)
			return ledger.StorageError(op, key, fmt.Errorf("delete current: %w", err))
		}
		if err := tx.Commit(ctx); err != nil {
			span.RecordError(err)
			return ledger.StorageError(op, key, fmt.Errorf("commit: %w", err))
		}
		return nil
	}

	var seq int64
	err = tx.QueryRow(ctx,
		"SELECT COALESCE(MAX(sequence), 0) + 1 FROM ledger_history WHERE key = $1", key,
	).Scan(&seq)
	if err != nil {
		span.RecordError(err)
		return ledger.StorageError(op, key, fmt.Errorf("next sequence: %w", err))
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		"INSERT INTO ledger_history (key, sequence, value, recorded_at) VALUES ($1, $2, $3, $4)",
		key, seq, value, now,
	); err != nil {
		span.RecordError(err)
		return ledger.StorageError(op, key, fmt.Errorf("insert history: %w", err))
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO ledger_current (key, value, sequence, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, sequence = EXCLUDED.sequence, updated_at = EXCLUDED.updated_at`,
		key, value, seq, now,
	); err != nil {
		span.RecordError(err)
		return ledger.StorageError(op, key, fmt.Errorf("upsert current: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return ledger.StorageError(op, key, fmt.Errorf("commit: %w", err))
	}

	s.logger.Debug("ledger version written", zap.String("key", key), zap.Int64("sequence", seq))
	return nil
}

// Get reads the current row.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.pool.QueryRow(ctx, "SELECT value FROM ledger_current WHERE key = $1", key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, ledger.StorageError("get", key, err)
	}
	return value, true, nil
}

// Delete removes the current row and leaves history rows in place. It takes the key's
// advisory lock like every other write.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.apply(ctx, "delete", key, func(pgx.Tx) error { return nil }, nil)
}

// History streams history rows in sequence order. Each range issues a fresh query.
func (s *Store) History(ctx context.Context, key string) iter.Seq2[ledger.Version, error] {
	return func(yield func(ledger.Version, error) bool) {
		rows, err := s.pool.Query(ctx,
			"SELECT sequence, value, recorded_at FROM ledger_history WHERE key = $1 ORDER BY sequence ASC",
			key)
		if err != nil {
			yield(ledger.Version{}, ledger.StorageError("history", key, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				seq int64
				v   ledger.Version
			)
			if err := rows.Scan(&seq, &v.Value, &v.Timestamp); err != nil {
				yield(ledger.Version{}, ledger.StorageError("history", key, err))
				return
			}
			v.Sequence = uint64(seq)
			v.Timestamp = v.Timestamp.UTC()
			if !yield(v, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(ledger.Version{}, ledger.StorageError("history", key, err))
		}
	}
}
