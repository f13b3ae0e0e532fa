package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.db")
	store, err := NewSQLStore(path)
	if err != nil {
		t.Fatalf("NewSQLStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLStore_CreateAndGetAgent(t *testing.T) {
	ctx := context.Background()
	store := openTestSQLStore(t)

	now := time.Now()
	agent := Agent{
		ID: "a1", Name: "ada", Description: "test agent",
		CurrentVersion: 1, CurrentHash: "h1",
		AllowedTools: []string{"fs:read:*"}, MaxConcurrentSessions: 3,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := store.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	got, err := store.GetAgent(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.Name != "ada" || got.CurrentHash != "h1" {
		t.Fatalf("GetAgent = %+v, want matching created agent", got)
	}
	if len(got.AllowedTools) != 1 || got.AllowedTools[0] != "fs:read:*" {
		t.Fatalf("AllowedTools = %v, want [fs:read:*]", got.AllowedTools)
	}
}

func TestSQLStore_GetAgentNotFound(t *testing.T) {
	store := openTestSQLStore(t)
	if _, err := store.GetAgent(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetAgent error = %v, want ErrNotFound", err)
	}
}

func TestSQLStore_VersionRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestSQLStore(t)
	now := time.Now()

	if err := store.CreateAgent(ctx, Agent{ID: "a1", CurrentVersion: 1, CurrentHash: "h1", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	persona := []PersonaFile{{Filename: "SOUL", Content: "A"}}
	if err := store.CreateVersion(ctx, AgentVersion{
		ID: "v1", AgentID: "a1", Version: 1, Hash: "h1", Persona: persona,
		SystemPrompt: "A", CreatedAt: now, CreatedBy: "alice",
	}); err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}

	v, err := store.GetVersion(ctx, "a1", 1)
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if v.SystemPrompt != "A" || len(v.Persona) != 1 || v.Persona[0].Filename != "SOUL" {
		t.Fatalf("GetVersion = %+v, want matching persona", v)
	}
}

func TestSQLStore_UpdateAgentHeadNotFound(t *testing.T) {
	store := openTestSQLStore(t)
	if err := store.UpdateAgentHead(context.Background(), "missing", 2, "h2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateAgentHead error = %v, want ErrNotFound", err)
	}
}

func TestSQLStore_DeleteAgent(t *testing.T) {
	ctx := context.Background()
	store := openTestSQLStore(t)
	now := time.Now()
	if err := store.CreateAgent(ctx, Agent{ID: "a1", CurrentVersion: 1, CurrentHash: "h1", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	if err := store.DeleteAgent(ctx, "a1"); err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}
	if _, err := store.GetAgent(ctx, "a1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetAgent after delete error = %v, want ErrNotFound", err)
	}
}

func TestSQLStore_InsertSpawnLog(t *testing.T) {
	ctx := context.Background()
	store := openTestSQLStore(t)
	sessionID := "sess-1"
	if err := store.InsertSpawnLog(ctx, SpawnLogEntry{
		ID: "sl1", AgentID: "a1", Version: 1, Hash: "h1",
		SessionID: &sessionID, SpawnedAt: time.Now(), Success: true,
	}); err != nil {
		t.Fatalf("InsertSpawnLog: %v", err)
	}
}

func TestSQLStore_ListAgentsOrdersByCreatedDesc(t *testing.T) {
	ctx := context.Background()
	store := openTestSQLStore(t)
	base := time.Now()
	if err := store.CreateAgent(ctx, Agent{ID: "a1", CurrentVersion: 1, CurrentHash: "h1", CreatedAt: base, UpdatedAt: base}); err != nil {
		t.Fatalf("CreateAgent a1: %v", err)
	}
	if err := store.CreateAgent(ctx, Agent{ID: "a2", CurrentVersion: 1, CurrentHash: "h2", CreatedAt: base.Add(time.Second), UpdatedAt: base}); err != nil {
		t.Fatalf("CreateAgent a2: %v", err)
	}

	list, err := store.ListAgents(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(list) != 2 || list[0].ID != "a2" {
		t.Fatalf("ListAgents = %+v, want a2 first", list)
	}
}
