// SPDX-License-Identifier: LGPL-3.0-or-later

package community

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cc4me/agentmesh/internal/logger"
)

type recordingEvents struct {
	statuses []string
}

func (r *recordingEvents) OnCommunityStatus(community, status string) {
	r.statuses = append(r.statuses, community+":"+status)
}
func (r *recordingEvents) OnKeyChanged(string)                   {}
func (r *recordingEvents) OnKeyRotationPartial(map[string]error) {}

func newTestManager(t *testing.T, primaryURL, failoverURL string) (*Manager, *recordingEvents) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	events := &recordingEvents{}
	m, err := New("alice", priv, "https://alice.example/inbox", t.TempDir(), time.Minute, []Config{
		{Name: "default", PrimaryRelay: primaryURL, FailoverRelay: failoverURL},
	}, events, logger.NewDefaultLogger())
	require.NoError(t, err)
	return m, events
}

func TestHeartbeatSticksToFailoverAfterThreshold(t *testing.T) {
	var failing int32 = 1
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&failing) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer primary.Close()

	var failoverHits int32
	failover := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&failoverHits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer failover.Close()

	m, events := newTestManager(t, primary.URL, failover.URL)

	// Pre-first-success threshold is 1, so a single failure trips failover.
	m.heartbeat(context.Background(), "default")
	require.Contains(t, events.statuses, "default:failover")

	c, ok := m.community("default")
	require.True(t, ok)
	require.True(t, c.usingFailover)

	// Recovery of the primary must not revert a sticky failover.
	atomic.StoreInt32(&failing, 0)
	m.heartbeat(context.Background(), "default")
	require.True(t, c.usingFailover)
	require.GreaterOrEqual(t, atomic.LoadInt32(&failoverHits), int32(1))
}

func TestResolveContactRefreshesOnCacheMiss(t *testing.T) {
	bobPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/contacts":
			_ = json.NewEncoder(w).Encode([]map[string]any{
				{
					"agent":        "bob",
					"publicKey":    []byte(bobPub),
					"endpoint":     "https://bob.example/inbox",
					"status":       "active",
					"since":        time.Now(),
					"online":       true,
					"lastSeen":     time.Now(),
					"keyUpdatedAt": time.Now(),
				},
			})
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer relay.Close()

	m, _ := newTestManager(t, relay.URL, "")

	rec, err := m.ResolveContact(context.Background(), "bob")
	require.NoError(t, err)
	require.Equal(t, "bob", rec.Username)
	require.Equal(t, "https://bob.example/inbox", rec.Endpoint)
	require.True(t, rec.Online)
}

func TestRotateKeySucceedsDespitePartialFailure(t *testing.T) {
	ok1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok1.Close()
	fail1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer fail1.Close()

	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	events := &recordingEvents{}
	m, err := New("alice", priv, "https://alice.example/inbox", t.TempDir(), time.Minute, []Config{
		{Name: "good", PrimaryRelay: ok1.URL},
		{Name: "bad", PrimaryRelay: fail1.URL},
	}, events, logger.NewDefaultLogger())
	require.NoError(t, err)

	newPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	err = m.RotateKey(context.Background(), newPub, nil)
	require.NoError(t, err) // at least one community succeeded
}

func TestSplitQualified(t *testing.T) {
	bare, host, qualified := splitQualified("bob@relay.example.com")
	require.True(t, qualified)
	require.Equal(t, "bob", bare)
	require.Equal(t, "relay.example.com", host)

	bare, _, qualified = splitQualified("bob")
	require.False(t, qualified)
	require.Equal(t, "bob", bare)
}
