package cc

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Verifier checks capability certificates against a set of trusted Ed25519
// public keys.
//
// DevMode bypasses key lookup and signature verification entirely (steps
// 3-4 of §4.1). It exists only for local development and must never be set
// in any process that mints audit-relevant decisions; Production callers
// construct a Verifier with NewVerifier, which refuses to build without at
// least one trusted key, rather than silently falling back to structural
// validation.
type Verifier struct {
	Keys           map[string]ed25519.PublicKey
	DefaultKeyID   string
	ExpectedIssuer string
	DevMode        bool
}

// NewVerifier builds a production verifier. It refuses to start with no
// trusted keys configured: per the open question in spec §9, a gateway with
// crypto available but no key on file must refuse at startup rather than
// quietly behaving like dev mode.
func NewVerifier(keys map[string]ed25519.PublicKey, defaultKeyID, expectedIssuer string) (*Verifier, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("cc: refusing to start: no trusted keys configured")
	}
	return &Verifier{Keys: keys, DefaultKeyID: defaultKeyID, ExpectedIssuer: expectedIssuer}, nil
}

// NewDevVerifier builds a verifier that accepts any well-formed,
// non-expired certificate without checking its signature. Callers must gate
// construction behind an explicit startup-time dev flag.
func NewDevVerifier() *Verifier {
	return &Verifier{DevMode: true}
}

// Verify runs the §4.1 verification procedure against token and returns the
// decoded certificate on success.
func (v *Verifier) Verify(token string) (*Certificate, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments, got %d", ErrBadFormat, len(parts))
	}
	headerSeg, payloadSeg, sigSeg := parts[0], parts[1], parts[2]

	headerBytes, err := base64.RawURLEncoding.DecodeString(headerSeg)
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrBadFormat, err)
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(payloadSeg)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrBadFormat, err)
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(sigSeg)
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrBadFormat, err)
	}

	var header Header
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("%w: header json: %v", ErrBadFormat, err)
	}
	var cert Certificate
	if err := json.Unmarshal(payloadBytes, &cert); err != nil {
		return nil, fmt.Errorf("%w: payload json: %v", ErrBadFormat, err)
	}

	if !v.DevMode {
		kid := header.Kid
		if kid == "" {
			kid = v.DefaultKeyID
		}
		pub, ok := v.Keys[kid]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKey, kid)
		}
		signingInput := []byte(headerSeg + "." + payloadSeg)
		if !ed25519.Verify(pub, signingInput, sigBytes) {
			return nil, ErrInvalidSignature
		}
	}

	if cert.ExpiresAt != nil && time.Now().After(*cert.ExpiresAt) {
		return nil, ErrExpired
	}
	if v.ExpectedIssuer != "" && cert.Issuer != v.ExpectedIssuer {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrWrongIssuer, cert.Issuer, v.ExpectedIssuer)
	}

	return &cert, nil
}
