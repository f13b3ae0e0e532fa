package audit

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	store, err := NewSQLStore(path)
	if err != nil {
		t.Fatalf("NewSQLStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLStore_InsertAndLastEntry(t *testing.T) {
	ctx := context.Background()
	store := openTestSQLStore(t)

	if _, err := store.LastEntry(ctx, "gw-1"); err != ErrNoEntries {
		t.Fatalf("expected ErrNoEntries on empty store, got %v", err)
	}

	chain, err := NewChain(ctx, store, "gw-1")
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	tool := "fs.read"
	entry, err := chain.Append(ctx, Draft{
		EventType: EventRequest,
		Tool:      &tool,
		Arguments: map[string]any{"path": "/tmp/x"},
		Result:    map[string]any{"ok": true},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	last, err := store.LastEntry(ctx, "gw-1")
	if err != nil {
		t.Fatalf("LastEntry: %v", err)
	}
	if last.ID != entry.ID {
		t.Fatalf("LastEntry.ID = %q, want %q", last.ID, entry.ID)
	}
	if last.Tool == nil || *last.Tool != tool {
		t.Fatalf("LastEntry.Tool = %v, want %q", last.Tool, tool)
	}
}

func TestSQLStore_ChainAppendAndVerifyRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestSQLStore(t)
	chain, err := NewChain(ctx, store, "gw-1")
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, err := chain.Append(ctx, Draft{EventType: EventRequest}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	result, err := chain.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !result.Valid || result.EntriesChecked != 4 {
		t.Fatalf("expected valid chain of 4, got %+v", result)
	}
}

func TestSQLStore_ReopenRecoversLastHash(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.db")

	store1, err := NewSQLStore(path)
	if err != nil {
		t.Fatalf("NewSQLStore: %v", err)
	}
	chain1, err := NewChain(ctx, store1, "gw-1")
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	first, err := chain1.Append(ctx, Draft{EventType: EventConnect})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	store2, err := NewSQLStore(path)
	if err != nil {
		t.Fatalf("NewSQLStore (reopen): %v", err)
	}
	defer store2.Close()
	chain2, err := NewChain(ctx, store2, "gw-1")
	if err != nil {
		t.Fatalf("NewChain (reopen): %v", err)
	}
	if chain2.LastHash() == nil || *chain2.LastHash() != first.EntryHash {
		t.Fatalf("recovered lastHash = %v, want %q", chain2.LastHash(), first.EntryHash)
	}
}

func TestSQLStore_QueryFiltersAndLimit(t *testing.T) {
	ctx := context.Background()
	store := openTestSQLStore(t)
	chain, err := NewChain(ctx, store, "gw-1")
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}

	tool := "fs.read"
	for _, et := range []EventType{EventConnect, EventRequest, EventDispatch, EventResponse} {
		et := et
		if _, err := chain.Append(ctx, Draft{EventType: et, Tool: &tool}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := store.Query(ctx, QueryFilter{GatewayID: "gw-1", EventType: EventDispatch}, 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].EventType != EventDispatch {
		t.Fatalf("Query by event type = %+v", got)
	}

	got, err = store.Query(ctx, QueryFilter{GatewayID: "gw-1"}, 2)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Query with limit 2 returned %d entries", len(got))
	}
}

func TestSQLStore_Stats(t *testing.T) {
	ctx := context.Background()
	store := openTestSQLStore(t)
	chain, err := NewChain(ctx, store, "gw-1")
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	var last *Entry
	for i := 0; i < 3; i++ {
		e, err := chain.Append(ctx, Draft{EventType: EventRequest})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		last = e
	}

	stats, err := store.Stats(ctx, "gw-1")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.EntryCount != 3 {
		t.Fatalf("EntryCount = %d, want 3", stats.EntryCount)
	}
	if stats.LastHash != last.EntryHash {
		t.Fatalf("LastHash = %q, want %q", stats.LastHash, last.EntryHash)
	}
	if stats.Backend != "sqlite" {
		t.Fatalf("Backend = %q, want sqlite", stats.Backend)
	}
}
