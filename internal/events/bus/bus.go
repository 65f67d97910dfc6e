// Package bus carries broker lifecycle events between components and, when
// configured, out to a NATS server. Subjects are dot-separated with
// NATS-style wildcards regardless of the backend.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one occurrence on the bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent stamps an event with an id and UTC timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler consumes one delivered event. Handlers run concurrently with
// publishers; a returned error is logged, not retried.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a live handler registration.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus publishes and subscribes on subjects. Patterns support the NATS
// wildcards "*" (one token) and ">" (tail).
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}
