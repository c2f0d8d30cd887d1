// SPDX-License-Identifier: LGPL-3.0-or-later

package wire

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticResolver struct {
	key ed25519.PublicKey
	err error
}

func (s staticResolver) ResolveKey(ctx context.Context, username string) (ed25519.PublicKey, error) {
	return s.key, s.err
}

func (s staticResolver) RefreshKey(ctx context.Context, username string) (ed25519.PublicKey, error) {
	return s.key, s.err
}

func newSignedEnvelope(t *testing.T, priv ed25519.PrivateKey, mutate func(*Envelope)) *Envelope {
	t.Helper()
	env := &Envelope{
		Version:   CurrentVersion,
		Type:      TypeDirect,
		MessageID: NewMessageID(),
		Sender:    "alice",
		Recipient: "bob",
		Timestamp: time.Now(),
		Payload:   []byte("ciphertext"),
		Nonce:     []byte("nonce-bytes-"),
	}
	if mutate != nil {
		mutate(env)
	}
	require.NoError(t, env.Sign(priv))
	return env
}

func TestCanonicalizeSortsKeys(t *testing.T) {
	a, err := Canonicalize(map[string]any{"b": 1, "a": 2})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1}`, string(a))
}

func TestEnvelopeSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	env := newSignedEnvelope(t, priv, nil)

	ok, err := env.VerifySignature(pub)
	require.NoError(t, err)
	assert.True(t, ok)

	env.Recipient = "carol"
	ok, err = env.VerifySignature(pub)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecodeRejectsWrongRecipient(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	env := newSignedEnvelope(t, priv, func(e *Envelope) { e.Recipient = "carol" })

	err := Decode(context.Background(), env, "bob", staticResolver{key: pub})
	require.Error(t, err)
}

func TestDecodeRejectsClockSkew(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	env := newSignedEnvelope(t, priv, func(e *Envelope) {
		e.Timestamp = time.Now().Add(-10 * time.Minute)
	})

	err := Decode(context.Background(), env, "bob", staticResolver{key: pub})
	require.Error(t, err)
}

func TestDecodeAcceptsUnrecognizedMinorVersion(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	env := newSignedEnvelope(t, priv, func(e *Envelope) { e.Version = "2.7" })

	err := Decode(context.Background(), env, "bob", staticResolver{key: pub})
	require.NoError(t, err)
}

func TestDecodeRejectsMismatchedMajorVersion(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	env := newSignedEnvelope(t, priv, func(e *Envelope) { e.Version = "1.0" })

	err := Decode(context.Background(), env, "bob", staticResolver{key: pub})
	require.Error(t, err)
}

func TestDecodeRefreshesKeyOnVerifyFailure(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	env := newSignedEnvelope(t, priv, nil)

	stalePub, _, _ := ed25519.GenerateKey(nil)
	_, freshPriv, _ := ed25519.GenerateKey(nil)
	_ = freshPriv

	refreshCalls := 0
	resolver := refreshTrackingResolver{stale: stalePub, fresh: env_pub(priv), calls: &refreshCalls}
	err := Decode(context.Background(), env, "bob", resolver)
	require.NoError(t, err)
	assert.Equal(t, 1, refreshCalls)
}

func env_pub(priv ed25519.PrivateKey) ed25519.PublicKey {
	return priv.Public().(ed25519.PublicKey)
}

type refreshTrackingResolver struct {
	stale ed25519.PublicKey
	fresh ed25519.PublicKey
	calls *int
}

func (r refreshTrackingResolver) ResolveKey(ctx context.Context, username string) (ed25519.PublicKey, error) {
	return r.stale, nil
}

func (r refreshTrackingResolver) RefreshKey(ctx context.Context, username string) (ed25519.PublicKey, error) {
	*r.calls++
	return r.fresh, nil
}
