// SPDX-License-Identifier: LGPL-3.0-or-later

package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, err := GenerateIdentityKeyPair()
	require.NoError(t, err)

	msg := []byte("hello agentmesh")
	sig := kp.Sign(msg)
	assert.True(t, Verify(kp.Public, msg, sig))
	assert.False(t, Verify(kp.Public, []byte("tampered"), sig))
}

func TestSharedKeySymmetric(t *testing.T) {
	alice, err := GenerateIdentityKeyPair()
	require.NoError(t, err)
	bob, err := GenerateIdentityKeyPair()
	require.NoError(t, err)

	kAlice, err := DeriveSharedKey(alice.Private, "alice", bob.Public, "bob")
	require.NoError(t, err)
	kBob, err := DeriveSharedKey(bob.Private, "bob", alice.Public, "alice")
	require.NoError(t, err)

	assert.Equal(t, kAlice, kBob)
	assert.Len(t, kAlice, 32)
}

func TestSharedKeyDifferentPeersDiffer(t *testing.T) {
	alice, _ := GenerateIdentityKeyPair()
	bob, _ := GenerateIdentityKeyPair()
	carol, _ := GenerateIdentityKeyPair()

	kBob, _ := DeriveSharedKey(alice.Private, "alice", bob.Public, "bob")
	kCarol, _ := DeriveSharedKey(alice.Private, "alice", carol.Public, "carol")
	assert.NotEqual(t, kBob, kCarol)
}

func TestSealOpenRoundTrip(t *testing.T) {
	alice, _ := GenerateIdentityKeyPair()
	bob, _ := GenerateIdentityKeyPair()
	key, err := DeriveSharedKey(alice.Private, "alice", bob.Public, "bob")
	require.NoError(t, err)

	messageID := []byte("11111111-1111-1111-1111-111111111111")
	plaintext := []byte("meet at dawn")

	nonce, ct, err := Seal(key, messageID, plaintext)
	require.NoError(t, err)

	pt, err := Open(key, messageID, nonce, ct)
	require.NoError(t, err)
	assert.Equal(t, plaintext, pt)

	// Wrong AAD (different messageID) must fail to decrypt.
	_, err = Open(key, []byte("different-id"), nonce, ct)
	assert.Error(t, err)
}
