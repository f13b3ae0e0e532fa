package audit

import (
	"context"
	"testing"
)

func TestChain_GenesisRuleOnEmptyLedger(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	chain, err := NewChain(ctx, store, "gw-1")
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	if chain.LastHash() != nil {
		t.Fatalf("expected nil lastHash on empty ledger, got %v", *chain.LastHash())
	}

	entry, err := chain.Append(ctx, Draft{EventType: EventConnect})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if entry.PrevHash != nil {
		t.Fatalf("first entry must have nil prevHash, got %v", *entry.PrevHash)
	}
}

func TestChain_RecoversLastHashOnReopen(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	chain1, err := NewChain(ctx, store, "gw-1")
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	first, err := chain1.Append(ctx, Draft{EventType: EventConnect})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	chain2, err := NewChain(ctx, store, "gw-1")
	if err != nil {
		t.Fatalf("NewChain (reopen): %v", err)
	}
	if chain2.LastHash() == nil || *chain2.LastHash() != first.EntryHash {
		t.Fatalf("expected recovered lastHash %q, got %v", first.EntryHash, chain2.LastHash())
	}
}

func TestChain_AppendChainsHashes(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	chain, err := NewChain(ctx, store, "gw-1")
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}

	e1, err := chain.Append(ctx, Draft{EventType: EventConnect})
	if err != nil {
		t.Fatalf("Append 1: %v", err)
	}
	e2, err := chain.Append(ctx, Draft{EventType: EventRequest})
	if err != nil {
		t.Fatalf("Append 2: %v", err)
	}
	if e2.PrevHash == nil || *e2.PrevHash != e1.EntryHash {
		t.Fatalf("entry 2 prevHash = %v, want %q", e2.PrevHash, e1.EntryHash)
	}
}

func TestChain_VerifyValidChain(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	chain, err := NewChain(ctx, store, "gw-1")
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := chain.Append(ctx, Draft{EventType: EventRequest}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	result, err := chain.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected valid chain, got %+v", result)
	}
	if result.EntriesChecked != 3 {
		t.Fatalf("entriesChecked = %d, want 3", result.EntriesChecked)
	}
}

func TestChain_VerifyDetectsTamperedEntry(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	chain, err := NewChain(ctx, store, "gw-1")
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}

	var ids []string
	for i := 0; i < 3; i++ {
		e, err := chain.Append(ctx, Draft{EventType: EventRequest})
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		ids = append(ids, e.ID)
	}

	tool := "mutated-tool"
	for i := range store.entries {
		if store.entries[i].ID == ids[1] {
			store.entries[i].Tool = &tool
		}
	}

	result, err := chain.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Valid {
		t.Fatal("expected verify to fail on tampered entry")
	}
	if result.FirstInvalid == nil || *result.FirstInvalid != ids[1] {
		t.Fatalf("firstInvalid = %v, want %q", result.FirstInvalid, ids[1])
	}
}

func TestChain_VerifyDetectsBrokenPrevHashLink(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	chain, err := NewChain(ctx, store, "gw-1")
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}

	_, err = chain.Append(ctx, Draft{EventType: EventRequest})
	if err != nil {
		t.Fatalf("Append 1: %v", err)
	}
	e2, err := chain.Append(ctx, Draft{EventType: EventRequest})
	if err != nil {
		t.Fatalf("Append 2: %v", err)
	}

	broken := "not-a-real-hash"
	for i := range store.entries {
		if store.entries[i].ID == e2.ID {
			store.entries[i].PrevHash = &broken
		}
	}

	result, err := chain.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Valid {
		t.Fatal("expected verify to fail on broken prevHash link")
	}
	if result.FirstInvalid == nil || *result.FirstInvalid != e2.ID {
		t.Fatalf("firstInvalid = %v, want %q", result.FirstInvalid, e2.ID)
	}
}

func TestChain_VerifyEmptyLedgerIsValid(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	chain, err := NewChain(ctx, store, "gw-1")
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	result, err := chain.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !result.Valid || result.EntriesChecked != 0 {
		t.Fatalf("expected valid empty chain, got %+v", result)
	}
}

func TestChain_DifferentGatewaysAreIndependent(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	chainA, err := NewChain(ctx, store, "gw-a")
	if err != nil {
		t.Fatalf("NewChain A: %v", err)
	}
	chainB, err := NewChain(ctx, store, "gw-b")
	if err != nil {
		t.Fatalf("NewChain B: %v", err)
	}

	if _, err := chainA.Append(ctx, Draft{EventType: EventConnect}); err != nil {
		t.Fatalf("Append A: %v", err)
	}
	if chainB.LastHash() != nil {
		t.Fatal("gateway B chain must not observe gateway A's append")
	}

	resultB, err := chainB.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify B: %v", err)
	}
	if !resultB.Valid || resultB.EntriesChecked != 0 {
		t.Fatalf("expected empty valid chain for gateway B, got %+v", resultB)
	}
}
