package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bdobrica/agentgate/common/retry"
	"github.com/bdobrica/agentgate/internal/audit"
)

func TestSpawner_SuccessLogsSessionID(t *testing.T) {
	var gotBody spawnRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(spawnResponse{SessionKey: "sess-1"})
	}))
	defer server.Close()

	r, chain := newTestRegistry(t)
	agent, err := r.Create(context.Background(), "ada", "", []PersonaFile{{Filename: "SOUL", Content: "be helpful"}}, nil, 1, "alice", "initial")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	spawner := NewSpawner(server.URL, r, chain)
	spawner.RetryConfig = retry.Config{MaxAttempts: 1}

	sessionID, err := spawner.Spawn(context.Background(), agent.ID, nil, "do the thing", 60, "", "alice")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if sessionID != "sess-1" {
		t.Fatalf("sessionID = %q, want sess-1", sessionID)
	}
	if !strings.Contains(gotBody.Task, "be helpful") || !strings.Contains(gotBody.Task, "do the thing") {
		t.Fatalf("task body = %q, want persona and task both present", gotBody.Task)
	}
}

func TestSpawner_FailureRetriesThenLogsFailure(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	r, chain := newTestRegistry(t)
	agent, err := r.Create(context.Background(), "ada", "", []PersonaFile{{Filename: "SOUL", Content: "A"}}, nil, 1, "alice", "initial")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	spawner := NewSpawner(server.URL, r, chain)
	spawner.RetryConfig = retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}

	_, err = spawner.Spawn(context.Background(), agent.ID, nil, "task", 60, "", "alice")
	if err == nil {
		t.Fatal("expected Spawn to fail when the upstream runtime always errors")
	}
	if attempts.Load() != 3 {
		t.Fatalf("attempts = %d, want 3", attempts.Load())
	}

	entries, err := chain.Query(context.Background(), audit.QueryFilter{EventType: audit.EventSpawnFailure}, 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("spawn_failure entries = %d, want 1", len(entries))
	}
}
