// Package broker bridges agents to a single tool-server subprocess: it
// applies the policy decision for each call, parks calls that need
// approval, and forwards the rest over the JSON-RPC stdio bridge (§4.4).
package broker

import (
	"errors"
	"time"
)

// Errors returned by Call/Resolve. BrokerDown is returned to every in-flight
// waiter when the subprocess dies (§4.4 failure semantics). Resolve reports
// any auditId that is not parked as ErrApprovalNotFound; neither Call nor
// Resolve returns ErrApprovalNotPending.
var (
	ErrBrokerDown         = errors.New("broker: tool-server process is down")
	ErrApprovalNotPending = errors.New("broker: approval is not pending")
	ErrApprovalNotFound   = errors.New("broker: approval not found")
	ErrCallTimeout        = errors.New("broker: tool call timed out")
	ErrSessionRateLimited = errors.New("broker: session exceeded its per-session call rate")
)

// Outcome discriminates what Call produced: an immediate result, a denial,
// or a parked pending request awaiting approval.
type Outcome int

const (
	OutcomeResult Outcome = iota
	OutcomeDenied
	OutcomePending
)

// CallResponse is the broker's reply to one Call invocation.
type CallResponse struct {
	Outcome   Outcome
	AuditID   string
	Result    *CallResult
	DenyReason string
}

// PendingApproval is a parked tool call awaiting an approve/deny decision
// (§3 "Pending approval", §4.4).
type PendingApproval struct {
	AuditID   string
	Tool      string
	Arguments map[string]any
	Persona   string
	Role      string
	Reasoning string
	Approvers []string
	CreatedAt time.Time
}
