// SPDX-License-Identifier: LGPL-3.0-or-later

package wire

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type is the closed set of envelope payload kinds.
type Type string

const (
	TypeDirect         Type = "direct"
	TypeGroup          Type = "group"
	TypeBroadcast      Type = "broadcast"
	TypeContactRequest Type = "contact-request"
)

// CurrentVersion is the wire format version this build emits, as
// "major.minor". Decoders reject a mismatched major but accept any
// minor, so a field added in a later minor doesn't break older peers.
const CurrentVersion = "2.0"

// majorOf returns the numeral before the first '.' in a version
// string, or -1 if it can't be parsed.
func majorOf(version string) int {
	major := version
	if i := strings.IndexByte(version, '.'); i >= 0 {
		major = version[:i]
	}
	n, err := strconv.Atoi(major)
	if err != nil {
		return -1
	}
	return n
}

// CompatibleVersion reports whether version shares CurrentVersion's
// major component; an unrecognized minor is still accepted.
func CompatibleVersion(version string) bool {
	major := majorOf(version)
	return major >= 0 && major == majorOf(CurrentVersion)
}

// Envelope is the signed, wire-transmitted unit of exchange. Payload
// carries the AES-256-GCM ciphertext for direct/group messages;
// Plaintext carries the unencrypted body of the contact-request
// greeting and of broadcasts signed by the admin key instead of an
// agent key.
type Envelope struct {
	Version   string    `json:"version"`
	Type      Type      `json:"type"`
	MessageID string    `json:"messageId"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Timestamp time.Time `json:"timestamp"`
	GroupID   string    `json:"groupId,omitempty"`

	// Payload carries ciphertext (base64) for encrypted types.
	Payload []byte `json:"payload,omitempty"`
	// Nonce is the AES-GCM nonce paired with Payload.
	Nonce []byte `json:"nonce,omitempty"`
	// Plaintext carries the unencrypted body for contact-request/broadcast.
	Plaintext []byte `json:"plaintext,omitempty"`

	Signature []byte `json:"signature"`
}

// signingView is the subset of fields the signature covers: every
// field except the signature itself.
type signingView struct {
	Version   string `json:"version"`
	Type      Type   `json:"type"`
	MessageID string `json:"messageId"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Timestamp string `json:"timestamp"`
	GroupID   string `json:"groupId,omitempty"`
	Payload   string `json:"payload,omitempty"`
	Nonce     string `json:"nonce,omitempty"`
	Plaintext string `json:"plaintext,omitempty"`
}

func (e *Envelope) signingBytes() ([]byte, error) {
	v := signingView{
		Version:   e.Version,
		Type:      e.Type,
		MessageID: e.MessageID,
		Sender:    e.Sender,
		Recipient: e.Recipient,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		GroupID:   e.GroupID,
	}
	if len(e.Payload) > 0 {
		v.Payload = base64.StdEncoding.EncodeToString(e.Payload)
	}
	if len(e.Nonce) > 0 {
		v.Nonce = base64.StdEncoding.EncodeToString(e.Nonce)
	}
	if len(e.Plaintext) > 0 {
		v.Plaintext = base64.StdEncoding.EncodeToString(e.Plaintext)
	}
	return Canonicalize(v)
}

// NewMessageID returns a fresh UUIDv4 for use as an envelope's messageId.
func NewMessageID() string {
	return uuid.NewString()
}

// Sign computes and attaches the envelope's signature using priv.
func (e *Envelope) Sign(priv ed25519.PrivateKey) error {
	b, err := e.signingBytes()
	if err != nil {
		return fmt.Errorf("build signing bytes: %w", err)
	}
	e.Signature = ed25519.Sign(priv, b)
	return nil
}

// VerifySignature checks the envelope's signature against pub.
func (e *Envelope) VerifySignature(pub ed25519.PublicKey) (bool, error) {
	b, err := e.signingBytes()
	if err != nil {
		return false, fmt.Errorf("build signing bytes: %w", err)
	}
	return ed25519.Verify(pub, b, e.Signature), nil
}
