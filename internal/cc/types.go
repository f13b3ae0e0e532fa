// Package cc implements the capability-certificate engine: signed, compact
// tokens that bind a subject to a delegatable set of capability strings.
//
// A certificate is never trusted by shape alone. Every caller that needs to
// authorize a request must run it through a Verifier; nothing in this
// package treats an unverified Certificate as authoritative.
package cc

import (
	"errors"
	"time"
)

// Certificate is the signed record carried by a capability certificate.
// It is the JSON payload segment of the wire token (see Sign/Verify).
type Certificate struct {
	TokenID      string            `json:"tokenId"`
	Issuer       string            `json:"issuer"`
	Subject      string            `json:"subject"`
	Capabilities []string          `json:"capabilities"`
	Constraints  map[string]string `json:"constraints,omitempty"`
	IssuedAt     time.Time         `json:"issuedAt"`
	ExpiresAt    *time.Time        `json:"expiresAt,omitempty"`
	KeyID        string            `json:"keyId"`
}

// Header is the first wire segment: {alg, typ, kid}.
type Header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
	Kid string `json:"kid"`
}

const (
	algEdDSA = "EdDSA"
	typCC    = "CC"
)

// Error kinds from §4.1. Matched with errors.Is; wrapped with context via
// fmt.Errorf("...: %w", ...) at the call site.
var (
	ErrBadFormat        = errors.New("cc: bad format")
	ErrUnknownKey       = errors.New("cc: unknown key")
	ErrInvalidSignature = errors.New("cc: invalid signature")
	ErrExpired          = errors.New("cc: expired")
	ErrWrongIssuer      = errors.New("cc: wrong issuer")
)
