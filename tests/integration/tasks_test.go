//go:build integration

package integration_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"
)

func TestTaskRoundTrip(t *testing.T) {
	cleanDB(testPool)

	// 1. Submit an echo task; the in-process worker handles it.
	submitBody, _ := json.Marshal(map[string]any{
		"capability": "echo",
		"payload":    map[string]any{"message": "ping"},
		"priority":   5,
	})
	resp, err := http.Post(testServer.URL+"/api/tasks", "application/json", bytes.NewReader(submitBody))
	if err != nil {
		t.Fatalf("submit task: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit: expected 202, got %d", resp.StatusCode)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected non-empty task ID")
	}

	// 2. Wait for the full dispatch/completion cycle.
	final := waitForTaskState(t, created.ID, "succeeded")

	result, ok := final["result"].(map[string]any)
	if !ok {
		t.Fatalf("expected result object, got %v", final["result"])
	}
	if result["message"] != "ping" {
		t.Fatalf("expected echoed payload, got %v", result)
	}
	if final["attempts"] != float64(1) {
		t.Fatalf("expected 1 attempt, got %v", final["attempts"])
	}

	// 3. The lifecycle trail must be persisted in postgres.
	resp2, err := http.Get(testServer.URL + "/api/tasks/" + created.ID + "/events")
	if err != nil {
		t.Fatalf("list task events: %v", err)
	}
	defer func() { _ = resp2.Body.Close() }()

	var events []struct {
		Type string `json:"type"`
	}
	if err := json.NewDecoder(resp2.Body).Decode(&events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	want := []string{"task.submitted", "task.admitted", "task.dispatched", "task.succeeded"}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d: %+v", len(want), len(events), events)
	}
	for i, typ := range want {
		if events[i].Type != typ {
			t.Errorf("event %d: expected %s, got %s", i, typ, events[i].Type)
		}
	}
}

func TestSubmitUnknownCapability(t *testing.T) {
	submitBody, _ := json.Marshal(map[string]any{"capability": "time-travel"})
	resp, err := http.Post(testServer.URL+"/api/tasks", "application/json", bytes.NewReader(submitBody))
	if err != nil {
		t.Fatalf("submit task: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
}

func TestAgentVisibleOverAPI(t *testing.T) {
	resp, err := http.Get(testServer.URL + "/api/agents/it-worker")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var rec map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatalf("decode agent: %v", err)
	}
	if rec["health"] != "healthy" {
		t.Fatalf("expected healthy worker, got %v", rec["health"])
	}
}
