package cc

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"

	"github.com/bdobrica/agentgate/common/crypto"
)

// persistedKeyPair is the plaintext form encrypted at rest by SaveKeyPair.
type persistedKeyPair struct {
	KeyID   string `json:"keyId"`
	Public  []byte `json:"public"`
	Private []byte `json:"private"`
}

// SaveKeyPair encrypts kp with AES-256-GCM under masterKey and writes the
// ciphertext to path. masterKey is expected to come from
// common/crypto.LoadMasterKey so the signing key never touches disk in the
// clear.
func SaveKeyPair(path string, kp *KeyPair, masterKey []byte) error {
	raw, err := json.Marshal(persistedKeyPair{KeyID: kp.KeyID, Public: kp.Public, Private: kp.Private})
	if err != nil {
		return fmt.Errorf("cc: marshal keypair: %w", err)
	}
	enc, err := crypto.Encrypt(masterKey, raw)
	if err != nil {
		return fmt.Errorf("cc: encrypt keypair: %w", err)
	}
	if err := os.WriteFile(path, enc, 0o600); err != nil {
		return fmt.Errorf("cc: write keystore %s: %w", path, err)
	}
	return nil
}

// LoadKeyPair reads and decrypts a keystore file written by SaveKeyPair.
func LoadKeyPair(path string, masterKey []byte) (*KeyPair, error) {
	enc, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cc: read keystore %s: %w", path, err)
	}
	raw, err := crypto.Decrypt(masterKey, enc)
	if err != nil {
		return nil, fmt.Errorf("cc: decrypt keystore %s: %w", path, err)
	}
	var pkp persistedKeyPair
	if err := json.Unmarshal(raw, &pkp); err != nil {
		return nil, fmt.Errorf("cc: unmarshal keystore %s: %w", path, err)
	}
	return &KeyPair{
		KeyID:   pkp.KeyID,
		Public:  ed25519.PublicKey(pkp.Public),
		Private: ed25519.PrivateKey(pkp.Private),
	}, nil
}
