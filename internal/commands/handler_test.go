package commands

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/umodzi/rxledger/internal/domain/prescription"
	"github.com/umodzi/rxledger/internal/infrastructure/redpanda"
	"github.com/umodzi/rxledger/internal/ledger"
	"github.com/umodzi/rxledger/internal/ledger/memory"
	"github.com/umodzi/rxledger/internal/observability/metrics"
	"github.com/umodzi/rxledger/pkg/idempotency"
	"github.com/umodzi/rxledger/pkg/workerpool"
)

type capturingSender struct {
	mu   sync.Mutex
	msgs []*redpanda.Message
	err  error
}

func (s *capturingSender) ProduceMessage(_ context.Context, msg *redpanda.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

// flakyStore fails the first failPuts writes.
type flakyStore struct {
	ledger.Store
	failPuts atomic.Int32
}

func (f *flakyStore) CompareAndSwap(ctx context.Context, key string, old, value []byte) error {
	if f.failPuts.Add(-1) >= 0 {
		return ledger.StorageError("put", key, errors.New("connection reset"))
	}
	return f.Store.CompareAndSwap(ctx, key, old, value)
}

type fixture struct {
	handler *Handler
	service *prescription.Service
	dlq     *capturingSender
	metrics *metrics.Metrics
	store   *flakyStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := &flakyStore{Store: memory.New()}
	svc := prescription.NewService(store, zaptest.NewLogger(t))
	dlq := &capturingSender{}
	m := metrics.New(nil)

	h, err := NewHandler(svc, idempotency.NewMemoryInbox(Terminal), dlq, m, workerpool.Config{
		Workers:    4,
		QueueSize:  16,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	h.Start()
	t.Cleanup(func() { _ = h.Stop() })

	return &fixture{handler: h, service: svc, dlq: dlq, metrics: m, store: store}
}

func message(t *testing.T, cmd Command) *redpanda.ConsumedMessage {
	t.Helper()
	raw, err := json.Marshal(cmd)
	require.NoError(t, err)
	return &redpanda.ConsumedMessage{
		Topic: redpanda.TopicPrescriptionCommands,
		Key:   []byte(cmd.PrescriptionID),
		Value: raw,
	}
}

func issue(id string) Command {
	return Command{
		ID:             "cmd-issue-" + id,
		Type:           TypeIssue,
		PrescriptionID: id,
		Issue: &prescription.IssueRequest{
			ID:                id,
			DoctorID:          "doc1",
			PatientID:         "pat1",
			Medication:        "Amoxicillin",
			DosagePerDose:     prescription.QuantityFromInt(500),
			DosesPerDay:       2,
			QuantityDispensed: prescription.QuantityFromInt(20),
		},
	}
}

func (f *fixture) outcome(label string) float64 {
	return testutil.ToFloat64(f.metrics.CommandsConsumed.WithLabelValues(label))
}

func TestHandlerAppliesCommands(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.handler.HandleMessage(ctx, message(t, issue("rx1"))))
	require.NoError(t, f.handler.HandleMessage(ctx, message(t, Command{
		ID: "cmd-dispense-rx1", Type: TypeDispense, PrescriptionID: "rx1", PharmacistID: "ph1",
	})))

	rec, err := f.service.QueryPrescription(ctx, "rx1")
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusDispensed, rec.Status())
	assert.Equal(t, 2.0, f.outcome(OutcomeApplied))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PrescriptionsIssued))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PrescriptionsDispensed))
	assert.Empty(t, f.dlq.msgs)
}

func TestHandlerSkipsRedeliveredCommand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := message(t, issue("rx1"))

	require.NoError(t, f.handler.HandleMessage(ctx, msg))
	require.NoError(t, f.handler.HandleMessage(ctx, msg))

	assert.Equal(t, 1.0, f.outcome(OutcomeApplied))
	assert.Equal(t, 1.0, f.outcome(OutcomeDuplicate))
	assert.Equal(t, 0.0, f.outcome(OutcomeRejected))
}

func TestHandlerRejectsBusinessFailuresWithoutRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.handler.HandleMessage(ctx, message(t, issue("rx1"))))
	for i, ph := range []string{"ph1", "ph2"} {
		require.NoError(t, f.handler.HandleMessage(ctx, message(t, Command{
			ID: "cmd-d" + string(rune('0'+i)), Type: TypeDispense, PrescriptionID: "rx1", PharmacistID: ph,
		})))
	}
	require.NoError(t, f.handler.HandleMessage(ctx, message(t, Command{
		ID: "cmd-missing", Type: TypeDelete, PrescriptionID: "nope",
	})))

	assert.Equal(t, 2.0, f.outcome(OutcomeRejected))
	assert.Zero(t, f.handler.Stats().TasksRetried)
	assert.Empty(t, f.dlq.msgs)

	rec, err := f.service.QueryPrescription(ctx, "rx1")
	require.NoError(t, err)
	assert.Equal(t, "ph1", rec.Dispensal.Pharmacist)
}

func TestHandlerRetriesStorageFailures(t *testing.T) {
	f := newFixture(t)
	f.store.failPuts.Store(1)

	require.NoError(t, f.handler.HandleMessage(context.Background(), message(t, issue("rx1"))))

	assert.Equal(t, 1.0, f.outcome(OutcomeApplied))
	assert.EqualValues(t, 1, f.handler.Stats().TasksRetried)
	_, err := f.service.QueryPrescription(context.Background(), "rx1")
	require.NoError(t, err)
}

func TestHandlerDeadLettersExhaustedCommands(t *testing.T) {
	f := newFixture(t)
	f.store.failPuts.Store(100)

	require.NoError(t, f.handler.HandleMessage(context.Background(), message(t, issue("rx1"))))

	assert.Equal(t, 1.0, f.outcome(OutcomeDeadLettered))
	require.Len(t, f.dlq.msgs, 1)
	dl := f.dlq.msgs[0]
	assert.Equal(t, redpanda.TopicDeadLetter, dl.Topic)
	assert.Equal(t, "rx1", dl.Key)
	assert.Equal(t, "cmd-issue-rx1", dl.Headers["command_id"])
	assert.Contains(t, dl.Headers["error"], "connection reset")
}

func TestHandlerMalformedCommand(t *testing.T) {
	f := newFixture(t)
	msg := &redpanda.ConsumedMessage{Topic: redpanda.TopicPrescriptionCommands, Value: []byte(`{"type":"refill"}`)}

	require.NoError(t, f.handler.HandleMessage(context.Background(), msg))
	assert.Equal(t, 1.0, f.outcome(OutcomeMalformed))
	require.Len(t, f.dlq.msgs, 1)
	assert.Contains(t, f.dlq.msgs[0].Headers["error"], "unknown command type")
}

func TestHandlerKeepsRecordWhenDeadLetterFails(t *testing.T) {
	f := newFixture(t)
	f.dlq.err = errors.New("broker down")
	msg := &redpanda.ConsumedMessage{Topic: redpanda.TopicPrescriptionCommands, Value: []byte(`not json`)}

	err := f.handler.HandleMessage(context.Background(), msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}
