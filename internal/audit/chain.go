package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Chain is the single-writer append/verify surface over a Store. All writes
// for one gateway are serialized through Chain.mu, which is held across
// canonicalize-hash-persist-advance (§5's "shared resources" rule) so two
// concurrent Append calls can never race on prevHash.
type Chain struct {
	mu        sync.Mutex
	store     Store
	gatewayID string
	lastHash  *string
}

// NewChain opens a Chain over store for gatewayID, recovering lastHash from
// the most recently stored entry if any exist (the genesis rule, §4.3).
func NewChain(ctx context.Context, store Store, gatewayID string) (*Chain, error) {
	c := &Chain{store: store, gatewayID: gatewayID}

	last, err := store.LastEntry(ctx, gatewayID)
	if errors.Is(err, ErrNoEntries) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: recover last hash: %w", err)
	}
	h := last.EntryHash
	c.lastHash = &h
	return c, nil
}

// Draft is the caller-supplied subset of an Entry; Chain fills in ID,
// Timestamp, GatewayID, PrevHash and EntryHash.
type Draft struct {
	EventType     EventType
	Tool          *string
	Arguments     any
	Result        any
	Error         *string
	Persona       *string
	Role          *string
	Reasoning     *string
	CCTokenID     *string
	CorrelationID *string
}

// Append constructs and persists exactly one entry for draft. If persistence
// fails, the in-memory lastHash is left unchanged -- per §4.3, a failed
// append must never advance the chain.
func (c *Chain) Append(ctx context.Context, draft Draft) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := Entry{
		ID:            uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		EventType:     draft.EventType,
		GatewayID:     c.gatewayID,
		Tool:          draft.Tool,
		Arguments:     draft.Arguments,
		Result:        draft.Result,
		Error:         draft.Error,
		Persona:       draft.Persona,
		Role:          draft.Role,
		Reasoning:     draft.Reasoning,
		CCTokenID:     draft.CCTokenID,
		CorrelationID: draft.CorrelationID,
		PrevHash:      c.lastHash,
	}

	hash, err := entry.computeHash()
	if err != nil {
		return nil, fmt.Errorf("audit: compute entry hash: %w", err)
	}
	entry.EntryHash = hash

	if err := c.store.Insert(ctx, entry); err != nil {
		return nil, fmt.Errorf("audit: persist entry: %w", err)
	}

	h := entry.EntryHash
	c.lastHash = &h
	return &entry, nil
}

// LastHash returns the chain's current head hash, or nil if the ledger is
// empty.
func (c *Chain) LastHash() *string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHash
}

// VerifyResult is the machine-readable outcome of a chain walk (§6, §8).
type VerifyResult struct {
	Valid          bool    `json:"valid"`
	EntriesChecked int     `json:"entriesChecked"`
	FirstInvalid   *string `json:"firstInvalid,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// Verify walks the ledger in ascending timestamp order, checking that each
// entry's prevHash matches the prior entry's entryHash and that entryHash
// recomputes correctly. It stops at the first failure.
func (c *Chain) Verify(ctx context.Context) (VerifyResult, error) {
	entries, err := c.store.AllAscending(ctx, c.gatewayID)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("audit: load entries for verify: %w", err)
	}

	var prev *string
	for i, e := range entries {
		if !hashPtrEqual(e.PrevHash, prev) {
			return VerifyResult{
				Valid:          false,
				EntriesChecked: i,
				FirstInvalid:   &e.ID,
				Error:          "prevHash does not match prior entry's entryHash",
			}, nil
		}
		want, err := e.computeHash()
		if err != nil {
			return VerifyResult{}, fmt.Errorf("audit: recompute hash for %s: %w", e.ID, err)
		}
		if want != e.EntryHash {
			return VerifyResult{
				Valid:          false,
				EntriesChecked: i,
				FirstInvalid:   &e.ID,
				Error:          "entryHash does not match recomputed hash",
			}, nil
		}
		h := e.EntryHash
		prev = &h
	}

	return VerifyResult{Valid: true, EntriesChecked: len(entries)}, nil
}

// Query delegates to the underlying store.
func (c *Chain) Query(ctx context.Context, f QueryFilter, limit int) ([]Entry, error) {
	return c.store.Query(ctx, f, limit)
}

// Stats delegates to the underlying store.
func (c *Chain) Stats(ctx context.Context) (Stats, error) {
	return c.store.Stats(ctx, c.gatewayID)
}

func hashPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
