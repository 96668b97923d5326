// Package state implements the atomic, crash-safe persistence of the
// daemon's view of the world and its reconciliation with the live OS
// process table on startup.
package state

import "github.com/loykin/provisr/internal/supervisor"

// SchemaVersion is the current DaemonState schema version string.
const SchemaVersion = "1"

// Document is the persisted top-level document mirroring §3's DaemonState.
type Document struct {
	Version   string                             `json:"version"`
	StartedAt int64                              `json:"startedAt"`
	PID       int                                `json:"pid"`
	SavedAt   int64                              `json:"savedAt"`
	Processes map[string]*supervisor.ManagedProcess `json:"processes"`
}

func newDocument(daemonPID int, startedAt int64) *Document {
	return &Document{
		Version:   SchemaVersion,
		StartedAt: startedAt,
		PID:       daemonPID,
		Processes: make(map[string]*supervisor.ManagedProcess),
	}
}
