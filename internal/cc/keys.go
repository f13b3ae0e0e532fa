package cc

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// KeyPair is an Ed25519 signing key bound to an operator-assigned identifier.
type KeyPair struct {
	KeyID   string
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh Ed25519 key pair labelled with keyID.
func GenerateKeyPair(keyID string) (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("cc: generate key pair: %w", err)
	}
	return &KeyPair{KeyID: keyID, Public: pub, Private: priv}, nil
}

// DID returns a did:key-style label derived from the public key. It is a
// convenience identifier for operators inspecting trusted-key maps and is
// never part of the wire format or the signed message.
func (k *KeyPair) DID() string {
	return "did:key:z" + base64.RawURLEncoding.EncodeToString(k.Public)
}
