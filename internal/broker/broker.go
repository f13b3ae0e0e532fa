package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/agentgate/common/redact"
	"github.com/bdobrica/agentgate/internal/audit"
	"github.com/bdobrica/agentgate/internal/policy"
)

// PolicyDecider is satisfied by *policy.Engine (and by a fake in tests).
type PolicyDecider interface {
	Decide(tool, persona, role string) policy.Decision
}

// Config configures one Broker instance.
type Config struct {
	GatewayID   string
	Name        string
	Command     string
	Args        []string
	Env         []string
	CallTimeout time.Duration
	ApprovalTTL time.Duration

	// SessionRPS and SessionBurst bound the per-session dispatch counter
	// (§1's "no built-in throttling beyond per-session counters"). Zero
	// disables the counter.
	SessionRPS   float64
	SessionBurst int
}

// Broker owns one tool-server subprocess and mediates every call through
// the policy engine and the audit chain (§4.4).
type Broker struct {
	cfg    Config
	client *mcpClient
	policy PolicyDecider
	chain  *audit.Chain

	mu      sync.RWMutex
	catalog []ToolDescriptor
	down    bool

	pending  *pendingStore
	limiters *sessionLimiters
}

// New starts the tool-server subprocess, performs the handshake, and
// discovers its tool catalog.
func New(ctx context.Context, cfg Config, decider PolicyDecider, chain *audit.Chain) (*Broker, error) {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	client, err := newMCPClient(ctx, cfg.Name, cfg.Command, cfg.Args, cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("broker: start %s: %w", cfg.Name, err)
	}

	b := &Broker{
		cfg:     cfg,
		client:  client,
		policy:  decider,
		chain:   chain,
		pending: newPendingStore(cfg.ApprovalTTL),
	}
	if cfg.SessionRPS > 0 {
		b.limiters = newSessionLimiters(cfg.SessionRPS, cfg.SessionBurst)
	}

	if err := b.refreshCatalog(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return b, nil
}

func (b *Broker) refreshCatalog(ctx context.Context) error {
	tools, err := b.client.listTools(ctx)
	if err != nil {
		return fmt.Errorf("broker: list tools: %w", err)
	}
	b.mu.Lock()
	b.catalog = tools
	b.mu.Unlock()
	return nil
}

// Catalog returns the raw tool-server catalog (pre-policy-filter).
func (b *Broker) Catalog() []ToolDescriptor {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]ToolDescriptor, len(b.catalog))
	copy(out, b.catalog)
	return out
}

// CatalogNames returns just the tool names, for FilteredCatalog callers.
func (b *Broker) CatalogNames() []string {
	tools := b.Catalog()
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return names
}

func (b *Broker) isDown() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.down
}

func (b *Broker) markDown() {
	b.mu.Lock()
	b.down = true
	b.mu.Unlock()
}

// CallForSession is Call with a per-session dispatch counter applied first.
// It has no effect when the broker was built without SessionRPS.
func (b *Broker) CallForSession(ctx context.Context, sessionID, tool string, args map[string]any, persona, role, reasoning string, skipApproval bool) (*CallResponse, error) {
	if b.limiters != nil && !b.limiters.Allow(sessionID) {
		return nil, ErrSessionRateLimited
	}
	return b.Call(ctx, tool, args, persona, role, reasoning, skipApproval)
}

// Call implements the §4.4 dispatch sequence: assign auditId, consult
// policy, then deny / park / dispatch.
func (b *Broker) Call(ctx context.Context, tool string, args map[string]any, persona, role, reasoning string, skipApproval bool) (*CallResponse, error) {
	if b.isDown() {
		return nil, ErrBrokerDown
	}

	auditID := uuid.NewString()

	if _, err := b.chain.Append(ctx, audit.Draft{
		EventType: audit.EventRequest,
		Tool:      &tool,
		Arguments: redact.Map(args),
		Persona:   &persona,
		Role:      &role,
		Reasoning: &reasoning,
		CCTokenID: nil,
	}); err != nil {
		return nil, fmt.Errorf("broker: audit request: %w", err)
	}

	decision := b.policy.Decide(tool, persona, role)

	switch {
	case decision.IsDeny():
		if _, err := b.chain.Append(ctx, audit.Draft{
			EventType:     audit.EventPolicyDeny,
			Tool:          &tool,
			Error:         strPtr(decision.Reason),
			Persona:       &persona,
			Role:          &role,
			CorrelationID: &auditID,
		}); err != nil {
			return nil, fmt.Errorf("broker: audit deny: %w", err)
		}
		return &CallResponse{Outcome: OutcomeDenied, AuditID: auditID, DenyReason: decision.Reason}, nil

	case decision.IsNeedsApproval() && !skipApproval:
		b.pending.put(&PendingApproval{
			AuditID:   auditID,
			Tool:      tool,
			Arguments: args,
			Persona:   persona,
			Role:      role,
			Reasoning: reasoning,
			Approvers: decision.Approvers,
			CreatedAt: time.Now(),
		})
		if _, err := b.chain.Append(ctx, audit.Draft{
			EventType:     audit.EventPolicyPending,
			Tool:          &tool,
			Persona:       &persona,
			Role:          &role,
			CorrelationID: &auditID,
		}); err != nil {
			return nil, fmt.Errorf("broker: audit pending: %w", err)
		}
		return &CallResponse{Outcome: OutcomePending, AuditID: auditID}, nil
	}

	return b.dispatch(ctx, auditID, tool, args)
}

// dispatch sends tools/call and records the outcome. Called either directly
// from Call (Allow) or after an approval resolves (skipApproval re-entry).
func (b *Broker) dispatch(ctx context.Context, auditID, tool string, args map[string]any) (*CallResponse, error) {
	if _, err := b.chain.Append(ctx, audit.Draft{
		EventType:     audit.EventDispatch,
		Tool:          &tool,
		Arguments:     redact.Map(args),
		CorrelationID: &auditID,
	}); err != nil {
		return nil, fmt.Errorf("broker: audit dispatch: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	result, err := b.client.callTool(callCtx, tool, args)
	if err != nil {
		if err == ErrSubprocessDown || err == context.DeadlineExceeded {
			b.markDown()
		}
		if _, aerr := b.chain.Append(ctx, audit.Draft{
			EventType:     audit.EventError,
			Tool:          &tool,
			Error:         strPtr(err.Error()),
			CorrelationID: &auditID,
		}); aerr != nil {
			slog.Error("broker: failed to audit call error", "err", aerr)
		}
		switch err {
		case ErrSubprocessDown:
			err = fmt.Errorf("%w: %w", ErrBrokerDown, err)
		case context.DeadlineExceeded:
			err = fmt.Errorf("%w: %w", ErrCallTimeout, err)
		}
		return nil, fmt.Errorf("broker: call %s: %w", tool, err)
	}

	if _, err := b.chain.Append(ctx, audit.Draft{
		EventType:     audit.EventResponse,
		Tool:          &tool,
		Result:        result,
		CorrelationID: &auditID,
	}); err != nil {
		return nil, fmt.Errorf("broker: audit response: %w", err)
	}

	return &CallResponse{Outcome: OutcomeResult, AuditID: auditID, Result: result}, nil
}

// Resolve applies an approver's decision to a parked pending call (§4.4
// approval resolution). Approved requests re-enter dispatch with the
// original auditId threaded through as the correlation field.
func (b *Broker) Resolve(ctx context.Context, auditID, approver string, approved bool) (*CallResponse, error) {
	if _, err := b.ExpireStale(ctx); err != nil {
		return nil, err
	}
	p, ok := b.pending.take(auditID)
	if !ok {
		return nil, ErrApprovalNotFound
	}

	if !approved {
		if _, err := b.chain.Append(ctx, audit.Draft{
			EventType:     audit.EventApprovalDenied,
			Tool:          &p.Tool,
			Persona:       &approver,
			CorrelationID: &auditID,
		}); err != nil {
			return nil, fmt.Errorf("broker: audit approval denied: %w", err)
		}
		return &CallResponse{Outcome: OutcomeDenied, AuditID: auditID, DenyReason: "denied by approver"}, nil
	}

	if _, err := b.chain.Append(ctx, audit.Draft{
		EventType:     audit.EventApprovalApproved,
		Tool:          &p.Tool,
		Persona:       &approver,
		CorrelationID: &auditID,
	}); err != nil {
		return nil, fmt.Errorf("broker: audit approval approved: %w", err)
	}

	return b.dispatch(ctx, auditID, p.Tool, p.Arguments)
}

// ExpireStale purges pending approvals older than the broker's TTL and
// audits each expiry, addressing §9's open question on approval expiry by
// purging on read rather than inventing a background sweep: Resolve calls it
// before looking up an approval. PendingApprovals does not purge.
func (b *Broker) ExpireStale(ctx context.Context) (int, error) {
	expired := b.pending.expireStale(time.Now())
	for _, id := range expired {
		correlation := id
		if _, err := b.chain.Append(ctx, audit.Draft{
			EventType:     audit.EventPolicyDeny,
			Error:         strPtr("approval expired"),
			CorrelationID: &correlation,
		}); err != nil {
			return len(expired), fmt.Errorf("broker: audit expiry: %w", err)
		}
	}
	return len(expired), nil
}

// PendingApprovals lists the currently parked approvals.
func (b *Broker) PendingApprovals() []*PendingApproval {
	return b.pending.list()
}

// Close shuts down the tool-server subprocess.
func (b *Broker) Close() error {
	return b.client.Close()
}

func strPtr(s string) *string { return &s }
