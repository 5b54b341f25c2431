package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/umodzi/rxledger/internal/domain/prescription"
	"github.com/umodzi/rxledger/pkg/circuitbreaker"
)

type fakeSender struct {
	mu   sync.Mutex
	msgs []*Message
	err  error
}

func (f *fakeSender) ProduceMessage(_ context.Context, msg *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func testEvent() *prescription.Event {
	return prescription.NewEvent(prescription.EventPrescriptionIssued, "rx1", prescription.StatusIssued,
		[]byte(`{"prescriptionId":"rx1"}`), time.Date(2024, 5, 14, 8, 0, 0, 0, time.UTC))
}

func TestEventPublisherKeysByPrescription(t *testing.T) {
	sender := &fakeSender{}
	pub := NewEventPublisher(sender, TopicPrescriptionEvents, nil, nil)

	event := testEvent()
	require.NoError(t, pub.Publish(context.Background(), event))

	require.Len(t, sender.msgs, 1)
	msg := sender.msgs[0]
	assert.Equal(t, TopicPrescriptionEvents, msg.Topic)
	assert.Equal(t, "rx1", msg.Key)
	assert.Equal(t, "PrescriptionIssued", msg.Headers["event_type"])
	assert.Equal(t, event.ID, msg.Headers["event_id"])

	var decoded prescription.Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, event.ID, decoded.ID)
	assert.JSONEq(t, `{"prescriptionId":"rx1"}`, string(decoded.Record))
}

func TestEventPublisherBreakerOpens(t *testing.T) {
	sender := &fakeSender{err: errors.New("broker not available")}
	cb, err := circuitbreaker.New(circuitbreaker.DefaultConfig("redpanda-events"), nil)
	require.NoError(t, err)
	pub := NewEventPublisher(sender, TopicPrescriptionEvents, cb, nil)

	for i := 0; i < 5; i++ {
		assert.Error(t, pub.Publish(context.Background(), testEvent()))
	}
	assert.ErrorIs(t, pub.Publish(context.Background(), testEvent()), circuitbreaker.ErrOpen)
}

func TestTraceHeadersRoundTrip(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		SpanID:     trace.SpanID{1, 2, 3, 4, 5, 6, 7, 8},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	record := (&Message{Topic: "t", Key: "rx1", Headers: map[string]string{"event_type": "x"}}).record()
	injectTraceHeaders(ctx, record)
	assert.NotEmpty(t, headerCarrier{record: record}.Get("traceparent"))

	got := trace.SpanContextFromContext(extractTraceContext(context.Background(), record))
	assert.Equal(t, sc.TraceID(), got.TraceID())
	assert.Equal(t, sc.SpanID(), got.SpanID())
	assert.True(t, got.IsRemote())
}

func TestHeaderCarrierOverwrites(t *testing.T) {
	record := &kgo.Record{}
	c := headerCarrier{record: record}
	c.Set("traceparent", "a")
	c.Set("traceparent", "b")
	assert.Equal(t, "b", c.Get("traceparent"))
	assert.Equal(t, []string{"traceparent"}, c.Keys())
}
