// Package wireproxy implements the proxy that sits between an agent and its
// upstream wire-protocol authority, verifying a capability certificate on
// connect and gating sensitive methods by scope (§4.5).
package wireproxy

import (
	"encoding/json"
	"errors"
)

// FrameType discriminates the three frame shapes carried over the
// WebSocket transport.
type FrameType string

const (
	FrameRequest  FrameType = "req"
	FrameResponse FrameType = "res"
	FrameEvent    FrameType = "event"
)

// Frame is the wire envelope: exactly one of Method/OK+Payload|Error/Event
// is meaningful depending on Type, matching the three shapes in §4.5.
type Frame struct {
	Type FrameType `json:"type"`

	// Request fields.
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// Response fields.
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`

	// Event fields.
	Event        string          `json:"event,omitempty"`
	Seq          *int64          `json:"seq,omitempty"`
	StateVersion *int64          `json:"stateVersion,omitempty"`
	EventPayload json.RawMessage `json:"eventPayload,omitempty"`
}

// FrameError is the {code, message?} error shape of a response frame.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Known error codes (§4.5).
const (
	ErrCodeUpstream      = "UPSTREAM_ERROR"
	ErrCodeCCRequired    = "ACC_REQUIRED"
	ErrCodeCCInvalid     = "ACC_INVALID"
	ErrCodePolicyDenied  = "POLICY_DENIED"
)

var (
	ErrUpstreamDialFailed = errors.New("wireproxy: upstream dial failed")
	ErrSessionClosed      = errors.New("wireproxy: session closed")
)

// ConnectParams is the payload of the client's connect request (§4.5 step 3).
type ConnectParams struct {
	Auth   ConnectAuth `json:"auth"`
	Role   string      `json:"role,omitempty"`
	Scopes []string    `json:"scopes,omitempty"`
	Client ClientInfo  `json:"client,omitempty"`
}

// ConnectAuth carries the upstream authority token and our optional CC.
type ConnectAuth struct {
	Token   string `json:"token"`
	CCToken string `json:"ccToken,omitempty"`
}

// ClientInfo identifies the connecting agent client.
type ClientInfo struct {
	ID      string `json:"id,omitempty"`
	Version string `json:"version,omitempty"`
}

// responseFrame builds a {type:"res", id, ok, ...} frame.
func responseFrame(id string, ok bool, payload json.RawMessage, frameErr *FrameError) Frame {
	okVal := ok
	return Frame{Type: FrameResponse, ID: id, OK: &okVal, Payload: payload, Error: frameErr}
}

func errorResponse(id, code, message string) Frame {
	return responseFrame(id, false, nil, &FrameError{Code: code, Message: message})
}
