package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/journalcraft/journal-crew/internal/metrics"
	"github.com/journalcraft/journal-crew/pkg/types"
)

// EventRoutingPrefix starts the routing key of every relayed event
const EventRoutingPrefix = "journal."

// EventRelay forwards progress events to a broker so other services can
// follow jobs without holding a connection to this one
type EventRelay struct {
	publisher Publisher
	metrics   *metrics.Metrics
}

func NewEventRelay(publisher Publisher, m *metrics.Metrics) *EventRelay {
	return &EventRelay{publisher: publisher, metrics: m}
}

// Notify publishes event as JSON with routing key journal.<status>
func (r *EventRelay) Notify(ctx context.Context, event types.ProgressEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = r.publisher.Publish(ctx, EventRoutingKey(event.Status), body)
	if r.metrics != nil {
		r.metrics.RecordRelay(err == nil)
	}
	if err != nil {
		return fmt.Errorf("relay event for job %s: %w", event.JobID, err)
	}
	return nil
}

// EventRoutingKey returns the routing key for events with the given status
func EventRoutingKey(status types.JobStatus) string {
	return EventRoutingPrefix + string(status)
}
