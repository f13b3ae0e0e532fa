// Package audit implements the append-only, hash-chained audit ledger: one
// entry per decision point (request, policy result, dispatch, response,
// approval transition), verifiable end to end without trusting storage.
package audit

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/bdobrica/agentgate/internal/canon"
)

// EventType names the decision point an Entry records.
type EventType string

const (
	EventRequest           EventType = "request"
	EventPolicyAllow       EventType = "policy_allow"
	EventPolicyDeny        EventType = "policy_deny"
	EventPolicyPending     EventType = "policy_pending"
	EventApprovalApproved  EventType = "approval_approved"
	EventApprovalDenied    EventType = "approval_denied"
	EventDispatch          EventType = "dispatch"
	EventResponse          EventType = "response"
	EventError             EventType = "error"
	EventGatewayDisconnect EventType = "gateway_disconnect"
	EventConnect           EventType = "connect"
	EventConnectAccept     EventType = "connect_accept"
	EventConnectDeny       EventType = "connect_deny"
	EventMethodDenied      EventType = "method_denied"
	EventAgentCreate       EventType = "agent_create"
	EventAgentUpdate       EventType = "agent_update"
	EventAgentRollback     EventType = "agent_rollback"
	EventAgentDelete       EventType = "agent_delete"
	EventSpawnSuccess      EventType = "spawn_success"
	EventSpawnFailure      EventType = "spawn_failure"
)

// Entry is one immutable record in the ledger. Optional fields are pointers
// (never omitempty) so their JSON/canonical form is an explicit null rather
// than an absent key, per §3's canonicalization rule.
type Entry struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	EventType     EventType `json:"eventType"`
	GatewayID     string    `json:"gatewayId"`
	Tool          *string   `json:"tool"`
	Arguments     any       `json:"arguments"`
	Result        any       `json:"result"`
	Error         *string   `json:"error"`
	Persona       *string   `json:"persona"`
	Role          *string   `json:"role"`
	Reasoning     *string   `json:"reasoning"`
	CCTokenID     *string   `json:"ccTokenId"`
	// CorrelationID links an approval transition entry to the dispatch entry
	// it releases; both share the originating request's audit id (§4.4).
	CorrelationID *string `json:"correlationId"`
	PrevHash      *string `json:"prevHash"`
	EntryHash     string  `json:"entryHash"`
}

// ErrNoEntries is returned by Store.LastEntry when the ledger is empty.
var ErrNoEntries = errors.New("audit: no entries")

// computeHash recomputes entryHash = H(canonical(entry \ {entryHash})).
func (e Entry) computeHash() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return "", err
	}
	delete(m, "entryHash")
	return canon.Hash(m)
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
