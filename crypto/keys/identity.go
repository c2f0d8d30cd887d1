// SPDX-License-Identifier: LGPL-3.0-or-later

// Package keys implements the cryptographic primitives agents use to
// sign and end-to-end encrypt messages: Ed25519 identity keys, their
// deterministic X25519 conversion for key agreement, and the
// HKDF+AES-256-GCM scheme built on top of the resulting shared secret.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// IdentityKeyPair is an agent's long-lived Ed25519 signing key.
type IdentityKeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateIdentityKeyPair creates a new Ed25519 identity keypair.
func GenerateIdentityKeyPair() (*IdentityKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	return &IdentityKeyPair{Public: pub, Private: priv}, nil
}

// Sign produces an Ed25519 signature over data.
func (kp *IdentityKeyPair) Sign(data []byte) []byte {
	return ed25519.Sign(kp.Private, data)
}

// Verify checks an Ed25519 signature in constant time (ed25519.Verify
// itself runs in constant time with respect to the signature bytes).
func Verify(pub ed25519.PublicKey, data, signature []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, data, signature)
}
