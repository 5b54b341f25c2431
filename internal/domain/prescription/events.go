package prescription

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventPrescriptionIssued    EventType = "PrescriptionIssued"
	EventPrescriptionDispensed EventType = "PrescriptionDispensed"
	EventPrescriptionDeleted   EventType = "PrescriptionDeleted"
)

// Event announces a committed ledger mutation.
type Event struct {
	ID             string          `json:"id"`
	Type           EventType       `json:"event_type"`
	PrescriptionID string          `json:"prescription_id"`
	Status         Status          `json:"status,omitempty"`
	Record         json.RawMessage `json:"record,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// NewEvent creates an event for id. payload is the stored record bytes, nil for deletes.
func NewEvent(eventType EventType, id string, status Status, payload []byte, at time.Time) *Event {
	return &Event{
		ID:             uuid.New().String(),
		Type:           eventType,
		PrescriptionID: id,
		Status:         status,
		Record:         json.RawMessage(payload),
		Timestamp:      at.UTC(),
	}
}

// Publisher receives events after the ledger write has committed.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, event *Event) error

func (f PublisherFunc) Publish(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, *Event) error { return nil }

// NopPublisher discards events.
var NopPublisher Publisher = nopPublisher{}
