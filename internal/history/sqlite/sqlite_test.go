package sqlite

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/loykin/provisr/internal/history"
	"github.com/loykin/provisr/internal/supervisor"
)

func TestSQLiteSink_Integration(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := tempDir + "/test.db"

	sink, err := New("file:" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
		_ = os.Remove(dbPath)
	}()

	ctx := context.Background()

	startEvent := history.Event{
		OccurredAt: time.Now().UTC(),
		Event: supervisor.Event{
			Kind:      supervisor.EventStarted,
			ProcessID: "test-process",
			ReplicaID: "r0",
			Timestamp: time.Now().UnixMilli(),
			Fields:    map[string]any{"pid": 12345},
		},
	}
	if err := sink.Send(ctx, startEvent); err != nil {
		t.Fatalf("Failed to send start event: %v", err)
	}

	stopEvent := history.Event{
		OccurredAt: time.Now().UTC(),
		Event: supervisor.Event{
			Kind:      supervisor.EventExited,
			ProcessID: "test-process",
			ReplicaID: "r0",
			Timestamp: time.Now().UnixMilli(),
		},
	}
	if err := sink.Send(ctx, stopEvent); err != nil {
		t.Fatalf("Failed to send stop event: %v", err)
	}
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create in-memory sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	event := history.Event{
		OccurredAt: time.Now().UTC(),
		Event: supervisor.Event{
			Kind:      supervisor.EventStarted,
			ProcessID: "mem-test-process",
			Timestamp: time.Now().UnixMilli(),
		},
	}
	if err := sink.Send(ctx, event); err != nil {
		t.Fatalf("Failed to send event: %v", err)
	}
}

func TestSQLiteSink_ContextCancellation(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	event := history.Event{
		OccurredAt: time.Now().UTC(),
		Event: supervisor.Event{
			Kind:      supervisor.EventStarted,
			ProcessID: "cancelled-process",
			Timestamp: time.Now().UnixMilli(),
		},
	}
	if err := sink.Send(ctx, event); err != nil {
		t.Logf("expected error with cancelled context: %v", err)
	}
}
