package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loykin/provisr/internal/history"
	"github.com/loykin/provisr/internal/supervisor"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var receivedBody []byte
	var receivedURL string
	var receivedMethod string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		receivedURL = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		receivedBody = body

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"_id":"test","_index":"test-index","result":"created"}`))
	}))
	defer server.Close()

	sink := New(server.URL, "test-index")

	event := history.Event{
		OccurredAt: time.Now().UTC(),
		Event: supervisor.Event{
			Kind:      supervisor.EventStarted,
			ProcessID: "test-process",
			ReplicaID: "r0",
			Timestamp: time.Now().Add(-time.Minute).UnixMilli(),
			Fields:    map[string]any{"pid": 12345},
		},
	}

	ctx := context.Background()
	err := sink.Send(ctx, event)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if receivedMethod != "POST" {
		t.Errorf("Expected POST method, got: %s", receivedMethod)
	}

	expectedPath := "/test-index/_doc"
	if receivedURL != expectedPath {
		t.Errorf("Expected URL path %s, got: %s", expectedPath, receivedURL)
	}

	var receivedEvent map[string]interface{}
	if err := json.Unmarshal(receivedBody, &receivedEvent); err != nil {
		t.Fatalf("Failed to parse received JSON: %v", err)
	}

	inner, ok := receivedEvent["event"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected event field in body, got: %v", receivedEvent)
	}

	if inner["kind"] != string(supervisor.EventStarted) {
		t.Errorf("Expected kind %s, got: %v", supervisor.EventStarted, inner["kind"])
	}
	if inner["processId"] != "test-process" {
		t.Errorf("Expected processId test-process, got: %v", inner["processId"])
	}
}

func TestOpenSearchSink_SendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer server.Close()

	sink := New(server.URL, "test-index")

	event := history.Event{
		OccurredAt: time.Now().UTC(),
		Event: supervisor.Event{
			Kind:      supervisor.EventStarted,
			ProcessID: "test-process",
		},
	}

	ctx := context.Background()
	err := sink.Send(ctx, event)
	if err == nil {
		t.Fatal("Expected error, got nil")
	}

	if !strings.Contains(err.Error(), "opensearch sink status 400") {
		t.Errorf("Expected status error message, got: %v", err)
	}
}

func TestOpenSearchSink_URLConstruction(t *testing.T) {
	tests := []struct {
		name        string
		baseURL     string
		index       string
		expectedURL string
	}{
		{
			name:        "Basic URL",
			baseURL:     "http://localhost:9200",
			index:       "logs",
			expectedURL: "http://localhost:9200/logs/_doc",
		},
		{
			name:        "URL with trailing slash",
			baseURL:     "http://localhost:9200/",
			index:       "events",
			expectedURL: "http://localhost:9200/events/_doc",
		},
		{
			name:        "HTTPS URL",
			baseURL:     "https://opensearch.example.com",
			index:       "process-history",
			expectedURL: "https://opensearch.example.com/process-history/_doc",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var receivedURL string

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				receivedURL = r.URL.String()
				w.WriteHeader(http.StatusCreated)
			}))
			defer server.Close()

			sink := New(tt.baseURL, tt.index)
			expectedPath := "/" + tt.index + "/_doc"
			if got := sink.baseURL + expectedPath; got != tt.expectedURL {
				t.Errorf("Expected URL %s, got: %s", tt.expectedURL, got)
			}

			sink.baseURL = server.URL

			event := history.Event{
				OccurredAt: time.Now(),
				Event:      supervisor.Event{Kind: supervisor.EventStarted, ProcessID: "test"},
			}

			_ = sink.Send(context.Background(), event)

			if receivedURL != expectedPath {
				t.Errorf("Expected URL path %s, got: %s", expectedPath, receivedURL)
			}
		})
	}
}
