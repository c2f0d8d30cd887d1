// SPDX-License-Identifier: LGPL-3.0-or-later

package pipeline

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cc4me/agentmesh/retryqueue"
	"github.com/cc4me/agentmesh/wire"
)

type fakeContacts struct {
	byUsername map[string]Recipient
}

func (f *fakeContacts) ResolveContact(ctx context.Context, username string) (Recipient, error) {
	r, ok := f.byUsername[username]
	if !ok {
		return Recipient{}, errNotFound
	}
	return r, nil
}

func (f *fakeContacts) IsContact(ctx context.Context, username string) bool {
	_, ok := f.byUsername[username]
	return ok
}

type sentinelErr string

func (e sentinelErr) Error() string { return string(e) }

const errNotFound = sentinelErr("not a contact")

type fakeGroups struct {
	members []string
}

func (f *fakeGroups) Members(ctx context.Context, groupID string) ([]string, error) {
	return f.members, nil
}

type fakeAdmins struct {
	keys []ed25519.PublicKey
}

func (f *fakeAdmins) AdminKeys(ctx context.Context) ([]ed25519.PublicKey, error) {
	return f.keys, nil
}

type recordingEvents struct {
	messages []string
}

func (r *recordingEvents) OnMessage(sender, messageID string, ts time.Time, payload map[string]any, verified bool) {
	r.messages = append(r.messages, sender+":"+messageID)
}
func (r *recordingEvents) OnGroupMessage(string, string, string, time.Time, map[string]any) {}
func (r *recordingEvents) OnBroadcast(string, string, []byte)                               {}
func (r *recordingEvents) OnContactRequest(string, string, []byte)                          {}
func (r *recordingEvents) OnDeliveryStatus(string, retryqueue.Status)                        {}

func newPipelinePair(t *testing.T) (alicePub ed25519.PublicKey, alicePriv ed25519.PrivateKey, bobPub ed25519.PublicKey, bobPriv ed25519.PrivateKey) {
	t.Helper()
	var err error
	alicePub, alicePrivKey, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	bobPub, bobPrivKey, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return alicePub, alicePrivKey, bobPub, bobPrivKey
}

func TestSendDeliversDirectlyWhenOnline(t *testing.T) {
	alicePub, alicePriv, bobPub, bobPriv := newPipelinePair(t)
	_ = alicePub

	var received *wire.Envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env wire.Envelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		received = &env
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	contacts := &fakeContacts{byUsername: map[string]Recipient{
		"bob": {Username: "bob", PublicKey: bobPub, Endpoint: srv.URL, Online: true},
	}}
	events := &recordingEvents{}
	p := New(Config{
		SelfUsername: "alice",
		SelfPriv:     alicePriv,
		Contacts:     contacts,
		Events:       events,
	})
	defer p.Close()

	result := p.Send(context.Background(), "bob", map[string]any{"text": "hi"})
	require.Equal(t, "delivered", result.Status)
	require.NotNil(t, received)
	require.Equal(t, "alice", received.Sender)

	_ = bobPriv
}

func TestSendRejectsUnknownContact(t *testing.T) {
	_, alicePriv, _, _ := newPipelinePair(t)
	contacts := &fakeContacts{byUsername: map[string]Recipient{}}
	p := New(Config{SelfUsername: "alice", SelfPriv: alicePriv, Contacts: contacts})
	defer p.Close()

	result := p.Send(context.Background(), "mallory", map[string]any{"text": "hi"})
	require.Equal(t, "failed", result.Status)
	require.Equal(t, "not a contact", result.Error)
}

func TestSendQueuesWhenOffline(t *testing.T) {
	_, alicePriv, bobPub, _ := newPipelinePair(t)
	contacts := &fakeContacts{byUsername: map[string]Recipient{
		"bob": {Username: "bob", PublicKey: bobPub, Endpoint: "https://example.invalid", Online: false},
	}}
	p := New(Config{SelfUsername: "alice", SelfPriv: alicePriv, Contacts: contacts})
	defer p.Close()

	result := p.Send(context.Background(), "bob", map[string]any{"text": "hi"})
	require.Equal(t, "queued", result.Status)
}

func TestReceiveDirectRoundTrip(t *testing.T) {
	alicePub, alicePriv, bobPub, bobPriv := newPipelinePair(t)

	aliceContacts := &fakeContacts{byUsername: map[string]Recipient{
		"bob": {Username: "bob", PublicKey: bobPub, Online: false},
	}}
	alice := New(Config{SelfUsername: "alice", SelfPriv: alicePriv, Contacts: aliceContacts})
	defer alice.Close()

	env, err := alice.buildEnvelope(wire.TypeDirect, "", "bob", bobPub, map[string]any{"text": "hi"})
	require.NoError(t, err)

	bobContacts := &fakeContacts{byUsername: map[string]Recipient{
		"alice": {Username: "alice", PublicKey: alicePub, Online: false},
	}}
	events := &recordingEvents{}
	bob := New(Config{SelfUsername: "bob", SelfPriv: bobPriv, Contacts: bobContacts, Events: events})
	defer bob.Close()

	require.NoError(t, bob.Receive(context.Background(), env))
	require.Len(t, events.messages, 1)

	// A duplicate delivery must not emit a second event.
	require.NoError(t, bob.Receive(context.Background(), env))
	require.Len(t, events.messages, 1)
}

func TestReceiveGroupRejectsNonMember(t *testing.T) {
	alicePub, alicePriv, bobPub, bobPriv := newPipelinePair(t)
	_ = alicePub

	aliceContacts := &fakeContacts{byUsername: map[string]Recipient{"bob": {Username: "bob", PublicKey: bobPub}}}
	alice := New(Config{SelfUsername: "alice", SelfPriv: alicePriv, Contacts: aliceContacts})
	defer alice.Close()

	env, err := alice.buildEnvelopeWithID(wire.TypeGroup, "g1", wire.NewMessageID(), "bob", bobPub, map[string]any{"text": "hi"})
	require.NoError(t, err)

	bobContacts := &fakeContacts{byUsername: map[string]Recipient{"alice": {Username: "alice", PublicKey: alicePub}}}
	groups := &fakeGroups{members: []string{"bob", "carol"}} // alice not a member
	bob := New(Config{SelfUsername: "bob", SelfPriv: bobPriv, Contacts: bobContacts, Groups: groups})
	defer bob.Close()

	err = bob.Receive(context.Background(), env)
	require.Error(t, err)
}

func TestDedupWindowEvictsOldest(t *testing.T) {
	w := newDedupWindow(2)
	require.False(t, w.Seen("a"))
	require.False(t, w.Seen("b"))
	require.True(t, w.Seen("a"))
	require.False(t, w.Seen("c")) // evicts "a"
	require.False(t, w.Seen("a")) // "a" was evicted, so it's "new" again
}
