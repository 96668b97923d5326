package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/loykin/provisr/internal/supervisor"
)

// Forwarder drains an orchestrator's event Bus into a Sink on a single
// worker goroutine. Delivery is best-effort: a Sink error is logged and
// the next event is processed regardless. The sink is independent of the
// state store's own (debounced) writes, so a down sink never loses
// orchestrator state, only its own audit trail.
type Forwarder struct {
	bus     *supervisor.Bus
	sink    Sink
	log     *slog.Logger
	timeout time.Duration
}

func NewForwarder(bus *supervisor.Bus, sink Sink, log *slog.Logger) *Forwarder {
	return &Forwarder{bus: bus, sink: sink, log: log, timeout: 5 * time.Second}
}

// Run consumes events until ctx is canceled. Call it in its own goroutine.
func (f *Forwarder) Run(ctx context.Context) {
	events, cancel := f.bus.Subscribe(128)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			f.send(ctx, ev)
		}
	}
}

func (f *Forwarder) send(ctx context.Context, ev supervisor.Event) {
	sendCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	err := f.sink.Send(sendCtx, Event{OccurredAt: time.Now(), Event: ev})
	if err != nil && f.log != nil {
		f.log.Warn("history: sink write failed", "kind", ev.Kind, "process_id", ev.ProcessID, "error", err)
	}
}
