package metrics

import (
	"context"
	"log/slog"

	"github.com/loykin/provisr/internal/supervisor"
)

// Forwarder subscribes to an orchestrator's event Bus and turns lifecycle
// events into Prometheus observations. It never blocks the orchestrator:
// the Bus already drops events on a full subscriber channel, and Forwarder
// does nothing more expensive than a counter increment per event.
type Forwarder struct {
	bus *supervisor.Bus
	log *slog.Logger
}

func NewForwarder(bus *supervisor.Bus, log *slog.Logger) *Forwarder {
	return &Forwarder{bus: bus, log: log}
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
			f.handle(ev)
		}
	}
}

func (f *Forwarder) handle(ev supervisor.Event) {
	switch ev.Kind {
	case supervisor.EventStarted:
		IncStart(ev.ProcessID)
		RecordStateTransition(ev.ProcessID, "starting", "running")
		SetCurrentState(ev.ProcessID, "running", true)
	case supervisor.EventRestarted:
		IncRestart(ev.ProcessID)
		RecordStateTransition(ev.ProcessID, "crashed", "starting")
	case supervisor.EventCrashed:
		RecordStateTransition(ev.ProcessID, "running", "crashed")
		SetCurrentState(ev.ProcessID, "running", false)
		SetCurrentState(ev.ProcessID, "crashed", true)
	case supervisor.EventExited:
		IncStop(ev.ProcessID)
		RecordStateTransition(ev.ProcessID, "stopping", "stopped")
		SetCurrentState(ev.ProcessID, "running", false)
		SetCurrentState(ev.ProcessID, "stopped", true)
	case supervisor.EventDeleted:
		SetRunningInstances(ev.ProcessID, 0)
	default:
		if f.log != nil {
			f.log.Debug("metrics: unhandled event", "kind", ev.Kind)
		}
	}
}
