package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/provisr/internal/supervisor"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	return New(path, os.Getpid(), nil), path
}

func TestSaveIsAtomicAndParseable(t *testing.T) {
	s, path := newTestStore(t)
	mp := &supervisor.ManagedProcess{
		ID:       "p1",
		Name:     "web",
		Script:   "server.js",
		Replicas: []*supervisor.Replica{{ID: "r1", Status: supervisor.ReplicaRunning, PID: 123}},
	}
	s.Put(mp)
	require.NoError(t, s.Save())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc Document
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Equal(t, SchemaVersion, doc.Version)
	require.Contains(t, doc.Processes, "p1")

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, e := range entries {
		require.NotContains(t, e.Name(), ".tmp.")
	}
}

func TestLoadMissingFileStartsEmpty(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Load())
	require.Empty(t, s.Snapshot())
}

func TestLoadReconcilesOrphans(t *testing.T) {
	s, path := newTestStore(t)
	doc := newDocument(os.Getpid(), time.Now().UnixMilli())
	doc.Processes["p1"] = &supervisor.ManagedProcess{
		ID:     "p1",
		Name:   "web",
		Script: "server.js",
		Status: supervisor.StatusRunning,
		Replicas: []*supervisor.Replica{
			{ID: "r1", Status: supervisor.ReplicaRunning, PID: 999999999},
		},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	require.NoError(t, s.Load())
	snap := s.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, supervisor.StatusStopped, snap[0].Status)
	require.Equal(t, 0, snap[0].Replicas[0].PID)
}

func TestBackupRestore(t *testing.T) {
	s, _ := newTestStore(t)
	s.Put(&supervisor.ManagedProcess{ID: "p1", Name: "web", Script: "server.js", Replicas: []*supervisor.Replica{{ID: "r1", Status: supervisor.ReplicaStopped}}})
	require.NoError(t, s.Save())

	backupPath, err := s.Backup("")
	require.NoError(t, err)
	require.FileExists(t, backupPath)

	s.Reset()
	require.Empty(t, s.Snapshot())

	require.NoError(t, s.Restore(backupPath))
	require.Len(t, s.Snapshot(), 1)
}

func TestValidateRejectsMissingFields(t *testing.T) {
	s, _ := newTestStore(t)
	s.Put(&supervisor.ManagedProcess{ID: "p1", Replicas: []*supervisor.Replica{}})
	require.ErrorIs(t, s.Validate(), ErrValidation)
}
