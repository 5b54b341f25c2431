// Package postgres implements the transactional outbox that carries prescription events from
// PostgreSQL to the broker.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/umodzi/rxledger/internal/domain/prescription"
)

const outboxSchema = `
CREATE TABLE IF NOT EXISTS outbox (
	id           BIGSERIAL PRIMARY KEY,
	event_id     TEXT NOT NULL UNIQUE,
	aggregate_id TEXT NOT NULL,
	event_type   TEXT NOT NULL,
	payload      JSONB NOT NULL,
	kafka_topic  TEXT NOT NULL,
	kafka_key    TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processed_at TIMESTAMPTZ,
	retry_count  INT NOT NULL DEFAULT 0,
	last_error   TEXT
);

CREATE INDEX IF NOT EXISTS outbox_pending_idx ON outbox (created_at) WHERE processed_at IS NULL;
`

// relayLockID is the advisory lock held by the relay batch that owns the outbox.
const relayLockID int64 = 0x72786c6564676572

// DeadLetterTopic receives entries that exhausted their retries.
const DeadLetterTopic = "dead.letter"

// OutboxEntry represents an event to be published via the outbox pattern
type OutboxEntry struct {
	ID          int64
	EventID     string
	AggregateID string
	EventType   string
	Payload     json.RawMessage
	KafkaTopic  string
	KafkaKey    string
	CreatedAt   time.Time
	ProcessedAt *time.Time
	RetryCount  int
	LastError   *string
}

// NewEventEntry builds the outbox row for a domain event.
func NewEventEntry(topic string, event *prescription.Event) (*OutboxEntry, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", event.ID, err)
	}
	return &OutboxEntry{
		EventID:     event.ID,
		AggregateID: event.PrescriptionID,
		EventType:   string(event.Type),
		Payload:     payload,
		KafkaTopic:  topic,
		KafkaKey:    event.PrescriptionID,
	}, nil
}

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WriteEntry inserts entry. Pass a pgx.Tx to make the write part of a larger transaction.
// Writing the same event id twice is a no-op.
func WriteEntry(ctx context.Context, q Querier, entry *OutboxEntry) error {
	query := `
		INSERT INTO outbox (event_id, aggregate_id, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO UPDATE SET event_id = EXCLUDED.event_id
		RETURNING id, created_at
	`
	err := q.QueryRow(ctx, query,
		entry.EventID,
		entry.AggregateID,
		entry.EventType,
		entry.Payload,
		entry.KafkaTopic,
		entry.KafkaKey,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to write outbox entry: %w", err)
	}
	return nil
}

// EventWriter is a prescription.Publisher that appends events to the outbox for the relay.
type EventWriter struct {
	pool  *pgxpool.Pool
	topic string
}

// NewEventWriter creates a writer whose entries are relayed to topic.
func NewEventWriter(pool *pgxpool.Pool, topic string) *EventWriter {
	return &EventWriter{pool: pool, topic: topic}
}

var _ prescription.Publisher = (*EventWriter)(nil)

// Publish implements prescription.Publisher.
func (w *EventWriter) Publish(ctx context.Context, event *prescription.Event) error {
	entry, err := NewEventEntry(w.topic, event)
	if err != nil {
		return err
	}
	return WriteEntry(ctx, w.pool, entry)
}

// OutboxConfig holds configuration for the outbox relay
type OutboxConfig struct {
	// BatchSize is the number of entries to process per batch
	BatchSize int
	// PollInterval is how often to poll for new entries
	PollInterval time.Duration
	// MaxRetries is the number of failed publishes before an entry goes to the dead letter topic
	MaxRetries int
}

// DefaultOutboxConfig returns sensible defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:    100,
		PollInterval: 100 * time.Millisecond,
		MaxRetries:   5,
	}
}

// Sender delivers one relayed entry to the broker.
type Sender interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Outbox relays pending entries to a Sender in creation order.
type Outbox struct {
	pool   *pgxpool.Pool
	config OutboxConfig
	sender Sender
	logger *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates a new outbox relay
func NewOutbox(pool *pgxpool.Pool, sender Sender, cfg OutboxConfig, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultOutboxConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Outbox{
		pool:   pool,
		config: cfg,
		sender: sender,
		logger: logger,
		tracer: otel.Tracer("outbox"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// MigrateOutbox creates the outbox table if it does not exist.
func MigrateOutbox(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, outboxSchema); err != nil {
		return fmt.Errorf("migrate outbox schema: %w", err)
	}
	return nil
}

// Start begins polling and processing outbox entries
func (o *Outbox) Start() {
	go o.processLoop()
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop gracefully stops the outbox relay
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox relay stopped")
}

func (o *Outbox) processLoop() {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.ProcessBatch(o.ctx); err != nil && o.ctx.Err() == nil {
				o.logger.Error("outbox batch failed", zap.Error(err))
			}
		}
	}
}

// ProcessBatch relays up to BatchSize pending entries and returns how many were delivered.
// The batch runs in one transaction holding the relay advisory lock, so concurrent relays
// never deliver the same entry twice or out of order.
func (o *Outbox) ProcessBatch(ctx context.Context) (int, error) {
	ctx, span := o.tracer.Start(ctx, "outbox_process_batch")
	defer span.End()

	tx, err := o.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback(ctx)

	var acquired bool
	if err := tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1)", relayLockID).Scan(&acquired); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("acquire relay lock: %w", err)
	}
	if !acquired {
		return 0, nil
	}

	entries, err := o.fetchPending(ctx, tx)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	delivered := 0
	for _, entry := range entries {
		if err := o.processEntry(ctx, tx, entry); err != nil {
			o.logger.Warn("outbox entry not delivered",
				zap.Int64("id", entry.ID),
				zap.String("prescription_id", entry.AggregateID),
				zap.String("event_type", entry.EventType),
				zap.Error(err))
			// Stop at the first failure so later events of the same prescription stay behind it.
			break
		}
		delivered++
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("commit batch: %w", err)
	}
	return delivered, nil
}

func (o *Outbox) fetchPending(ctx context.Context, tx pgx.Tx) ([]*OutboxEntry, error) {
	query := `
		SELECT id, event_id, aggregate_id, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count < $1
		ORDER BY id ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.Query(ctx, query, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		if err := rows.Scan(
			&entry.ID, &entry.EventID, &entry.AggregateID, &entry.EventType, &entry.Payload,
			&entry.KafkaTopic, &entry.KafkaKey, &entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (o *Outbox) processEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	ctx, span := o.tracer.Start(ctx, "outbox_process_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("prescription_id", entry.AggregateID),
		))
	defer span.End()

	if err := o.sender.Publish(ctx, entry.KafkaTopic, entry.KafkaKey, entry.Payload); err != nil {
		span.RecordError(err)
		if _, updateErr := tx.Exec(ctx,
			"UPDATE outbox SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW() WHERE id = $2",
			err.Error(), entry.ID,
		); updateErr != nil {
			o.logger.Error("failed to update retry count", zap.Error(updateErr))
		}
		return fmt.Errorf("publish failed: %w", err)
	}

	if _, err := tx.Exec(ctx,
		"UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1", entry.ID,
	); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to mark processed: %w", err)
	}

	o.logger.Debug("outbox entry relayed",
		zap.Int64("id", entry.ID),
		zap.String("topic", entry.KafkaTopic))
	return nil
}

// CleanupProcessed removes processed entries older than olderThan.
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := o.pool.Exec(ctx,
		"DELETE FROM outbox WHERE processed_at IS NOT NULL AND processed_at < $1",
		time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return result.RowsAffected(), nil
}

// DeadLetter is the payload sent to DeadLetterTopic for an exhausted entry.
type DeadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	RetryCount    int             `json:"retry_count"`
	LastError     *string         `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// MoveToDeadLetter sends entries that exhausted their retries to DeadLetterTopic and marks
// them processed.
func (o *Outbox) MoveToDeadLetter(ctx context.Context) (int64, error) {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin dead letter: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, event_id, aggregate_id, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count >= $1
		FOR UPDATE SKIP LOCKED`, o.config.MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("query failed: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*OutboxEntry, error) {
		e := &OutboxEntry{}
		err := row.Scan(&e.ID, &e.EventID, &e.AggregateID, &e.EventType, &e.Payload,
			&e.KafkaTopic, &e.KafkaKey, &e.CreatedAt, &e.RetryCount, &e.LastError)
		return e, err
	})
	if err != nil {
		return 0, fmt.Errorf("scan dead letters: %w", err)
	}

	var count int64
	for _, entry := range entries {
		payload, err := json.Marshal(DeadLetter{
			OriginalTopic: entry.KafkaTopic,
			EventID:       entry.EventID,
			EventType:     entry.EventType,
			AggregateID:   entry.AggregateID,
			Payload:       entry.Payload,
			RetryCount:    entry.RetryCount,
			LastError:     entry.LastError,
			CreatedAt:     entry.CreatedAt,
		})
		if err != nil {
			return count, fmt.Errorf("encode dead letter %d: %w", entry.ID, err)
		}
		if err := o.sender.Publish(ctx, DeadLetterTopic, entry.KafkaKey, payload); err != nil {
			o.logger.Error("failed to publish to dead letter", zap.Int64("id", entry.ID), zap.Error(err))
			continue
		}
		if _, err := tx.Exec(ctx, "UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1", entry.ID); err != nil {
			return count, fmt.Errorf("mark dead letter %d: %w", entry.ID, err)
		}
		count++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit dead letter: %w", err)
	}
	return count, nil
}

// OutboxStats holds outbox counters.
type OutboxStats struct {
	Pending       int64
	Processed     int64
	Failed        int64
	OldestPending *time.Time
}

// GetStats returns current outbox statistics
func (o *Outbox) GetStats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	err := o.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count < $1),
			COUNT(*) FILTER (WHERE processed_at IS NOT NULL AND processed_at > NOW() - INTERVAL '24 hours'),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count >= $1),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox`, o.config.MaxRetries,
	).Scan(&stats.Pending, &stats.Processed, &stats.Failed, &stats.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return stats, nil
}
