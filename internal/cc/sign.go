package cc

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"github.com/bdobrica/agentgate/internal/canon"
)

// Sign produces the three-segment base64url-without-padding wire token for
// cert, signed by priv under the given key ID. cert.KeyID is overwritten with
// kid before encoding.
//
// The signed message is header_seg || "." || payload_seg, exactly as
// Verify reconstructs it.
func Sign(cert Certificate, priv ed25519.PrivateKey, kid string) (string, error) {
	cert.KeyID = kid

	headerBytes, err := canon.Marshal(Header{Alg: algEdDSA, Typ: typCC, Kid: kid})
	if err != nil {
		return "", fmt.Errorf("cc: encode header: %w", err)
	}
	payloadBytes, err := canon.Marshal(cert)
	if err != nil {
		return "", fmt.Errorf("cc: encode payload: %w", err)
	}

	headerSeg := base64.RawURLEncoding.EncodeToString(headerBytes)
	payloadSeg := base64.RawURLEncoding.EncodeToString(payloadBytes)

	signingInput := headerSeg + "." + payloadSeg
	sig := ed25519.Sign(priv, []byte(signingInput))
	sigSeg := base64.RawURLEncoding.EncodeToString(sig)

	return signingInput + "." + sigSeg, nil
}
