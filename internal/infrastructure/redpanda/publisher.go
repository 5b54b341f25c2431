package redpanda

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/umodzi/rxledger/internal/domain/prescription"
	"github.com/umodzi/rxledger/pkg/circuitbreaker"
)

// Sender produces a single message.
type Sender interface {
	ProduceMessage(ctx context.Context, msg *Message) error
}

// EventPublisher sends domain events to a topic keyed by prescription id, so every event of
// one prescription lands on the same partition in order.
type EventPublisher struct {
	sender  Sender
	topic   string
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewEventPublisher creates a publisher. breaker may be nil.
func NewEventPublisher(sender Sender, topic string, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *EventPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventPublisher{sender: sender, topic: topic, breaker: breaker, logger: logger}
}

var _ prescription.Publisher = (*EventPublisher)(nil)

// EventMessage encodes event for topic.
func EventMessage(topic string, event *prescription.Event) (*Message, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", event.ID, err)
	}
	return &Message{
		Topic: topic,
		Key:   event.PrescriptionID,
		Value: payload,
		Headers: map[string]string{
			"event_id":   event.ID,
			"event_type": string(event.Type),
		},
	}, nil
}

// Publish implements prescription.Publisher.
func (p *EventPublisher) Publish(ctx context.Context, event *prescription.Event) error {
	msg, err := EventMessage(p.topic, event)
	if err != nil {
		return err
	}
	if p.breaker == nil {
		return p.sender.ProduceMessage(ctx, msg)
	}
	_, err = circuitbreaker.Do(ctx, p.breaker, func() (struct{}, error) {
		return struct{}{}, p.sender.ProduceMessage(ctx, msg)
	})
	return err
}
