package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umodzi/rxledger/internal/domain/prescription"
)

func TestNewEventEntry(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	event := prescription.NewEvent(prescription.EventPrescriptionIssued, "rx1", prescription.StatusIssued,
		[]byte(`{"prescriptionId":"rx1"}`), at)

	entry, err := NewEventEntry("prescription.events", event)
	require.NoError(t, err)

	assert.Equal(t, event.ID, entry.EventID)
	assert.Equal(t, "rx1", entry.AggregateID)
	assert.Equal(t, "rx1", entry.KafkaKey)
	assert.Equal(t, "prescription.events", entry.KafkaTopic)
	assert.Equal(t, "PrescriptionIssued", entry.EventType)

	var decoded prescription.Event
	require.NoError(t, json.Unmarshal(entry.Payload, &decoded))
	assert.Equal(t, event.ID, decoded.ID)
	assert.JSONEq(t, `{"prescriptionId":"rx1"}`, string(decoded.Record))
}

type recordingSender struct {
	mu   sync.Mutex
	fail error
	sent []string
}

func (s *recordingSender) Publish(_ context.Context, topic, key string, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.sent = append(s.sent, topic+"/"+key)
	return nil
}

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("RXLEDGER_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("RXLEDGER_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, MigrateOutbox(ctx, pool))
	_, err = pool.Exec(ctx, "TRUNCATE outbox")
	require.NoError(t, err)
	return pool
}

func TestOutboxRelay(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	writer := NewEventWriter(pool, "prescription.events")
	for _, id := range []string{"rx1", "rx2", "rx1"} {
		event := prescription.NewEvent(prescription.EventPrescriptionIssued, id, prescription.StatusIssued, []byte(`{}`), time.Now())
		require.NoError(t, writer.Publish(ctx, event))
	}

	sender := &recordingSender{}
	outbox := NewOutbox(pool, sender, OutboxConfig{MaxRetries: 2}, nil)

	n, err := outbox.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"prescription.events/rx1", "prescription.events/rx2", "prescription.events/rx1"}, sender.sent)

	stats, err := outbox.GetStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)
	assert.EqualValues(t, 3, stats.Processed)
}

func TestOutboxRetriesThenDeadLetters(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	event := prescription.NewEvent(prescription.EventPrescriptionDeleted, "rx9", "", nil, time.Now())
	require.NoError(t, NewEventWriter(pool, "prescription.events").Publish(ctx, event))

	sender := &recordingSender{fail: errors.New("broker down")}
	outbox := NewOutbox(pool, sender, OutboxConfig{MaxRetries: 2}, nil)

	for range 2 {
		n, err := outbox.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	}

	stats, err := outbox.GetStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Failed)

	sender.fail = nil
	moved, err := outbox.MoveToDeadLetter(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, moved)
	assert.Equal(t, []string{DeadLetterTopic + "/rx9"}, sender.sent)
}
