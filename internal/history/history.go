// Package history fans lifecycle events out to an optional external sink
// (SQL, ClickHouse, OpenSearch) for analytics and audit. It never sits on
// the authoritative write path: the orchestrator and the state store don't
// know sinks exist, and a sink outage never blocks a state transition.
package history

import (
	"context"
	"time"

	"github.com/loykin/provisr/internal/supervisor"
)

// Event is the record handed to a Sink: a lifecycle event plus the time
// the forwarder observed it. OccurredAt is distinct from the event's own
// Timestamp field since a slow sink may process it later.
type Event struct {
	OccurredAt time.Time        `json:"occurred_at"`
	Event      supervisor.Event `json:"event"`
}

// Sink is a destination for history events. Implementations must be safe
// for concurrent use; Send should return promptly since a slow sink stalls
// the forwarder's single worker goroutine.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
