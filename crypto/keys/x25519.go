// SPDX-License-Identifier: LGPL-3.0-or-later

package keys

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"fmt"
	"io"
	"sort"
	"strings"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/hkdf"
)

// hkdfSalt is the fixed HKDF salt for end-to-end shared secret
// derivation; both parties must use the same constant.
const hkdfSalt = "cc4me-e2e-v1"

// ConvertEd25519PrivateToX25519 derives the X25519 scalar from an
// Ed25519 private key by hashing its seed and clamping per RFC 7748 /
// RFC 8032 section 5.1.5.
func ConvertEd25519PrivateToX25519(priv ed25519.PrivateKey) ([]byte, error) {
	if l := len(priv); l != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("bad ed25519 private key length: %d", l)
	}
	seed := priv.Seed()
	h := sha512.Sum512(seed)
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64

	var xPriv [32]byte
	copy(xPriv[:], h[:32])
	return xPriv[:], nil
}

// ConvertEd25519PublicToX25519 maps an Ed25519 public key to its
// birationally-equivalent X25519 (Montgomery) public key:
// u = (1+y)/(1-y) mod p, computed via point decompression.
func ConvertEd25519PublicToX25519(pub ed25519.PublicKey) ([]byte, error) {
	if l := len(pub); l != ed25519.PublicKeySize {
		return nil, fmt.Errorf("bad ed25519 public key length: %d", l)
	}
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("invalid ed25519 public key: %w", err)
	}
	return p.BytesMontgomery(), nil
}

// sharedSecretInfo builds the HKDF info string from the two usernames
// in canonical (alphabetical) order, independent of sender/recipient
// roles, so both sides derive the same key.
func sharedSecretInfo(usernameA, usernameB string) []byte {
	names := []string{usernameA, usernameB}
	sort.Strings(names)
	return []byte(strings.Join(names, ":"))
}

// DeriveSharedKey computes the 32-byte AES-256-GCM key shared between
// selfUsername (holding selfPriv) and peerUsername (holding the
// Ed25519 public key peerPub). Both parties, computing with their own
// private key and the other's public key, arrive at the same key.
func DeriveSharedKey(selfPriv ed25519.PrivateKey, selfUsername string, peerPub ed25519.PublicKey, peerUsername string) ([]byte, error) {
	selfXPriv, err := ConvertEd25519PrivateToX25519(selfPriv)
	if err != nil {
		return nil, err
	}
	peerXPub, err := ConvertEd25519PublicToX25519(peerPub)
	if err != nil {
		return nil, err
	}

	xPriv, err := ecdh.X25519().NewPrivateKey(selfXPriv)
	if err != nil {
		return nil, fmt.Errorf("derive x25519 private key: %w", err)
	}
	xPub, err := ecdh.X25519().NewPublicKey(peerXPub)
	if err != nil {
		return nil, fmt.Errorf("derive peer x25519 public key: %w", err)
	}

	raw, err := xPriv.ECDH(xPub)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}
	var zero [32]byte
	if subtle.ConstantTimeCompare(raw, zero[:]) == 1 {
		return nil, fmt.Errorf("x25519: low-order or identity point")
	}

	info := sharedSecretInfo(selfUsername, peerUsername)
	h := hkdf.New(sha256.New, raw, []byte(hkdfSalt), info)
	key := make([]byte, 32)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}
