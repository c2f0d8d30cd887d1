// SPDX-License-Identifier: LGPL-3.0-or-later

package inbox

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cc4me/agentmesh/internal/errs"
	"github.com/cc4me/agentmesh/wire"
)

type fakeReceiver struct {
	received *wire.Envelope
	err      error
}

func (f *fakeReceiver) Receive(ctx context.Context, env *wire.Envelope) error {
	f.received = env
	return f.err
}

func TestServeHTTPAcceptsValidEnvelope(t *testing.T) {
	recv := &fakeReceiver{}
	srv := New(recv, nil)

	env := wire.Envelope{Version: wire.CurrentVersion, Type: wire.TypeDirect, MessageID: "m1", Sender: "alice", Recipient: "bob"}
	body, err := json.Marshal(env)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/inbox", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, recv.received)
	require.Equal(t, "alice", recv.received.Sender)
}

func TestServeHTTPRejectsMalformedBody(t *testing.T) {
	recv := &fakeReceiver{}
	srv := New(recv, nil)

	req := httptest.NewRequest(http.MethodPost, "/inbox", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeHTTPPropagatesReceiverError(t *testing.T) {
	recv := &fakeReceiver{err: errs.Auth("signature verification failed")}
	srv := New(recv, nil)

	env := wire.Envelope{Version: wire.CurrentVersion, Type: wire.TypeDirect, MessageID: "m1", Sender: "alice", Recipient: "bob"}
	body, _ := json.Marshal(env)
	req := httptest.NewRequest(http.MethodPost, "/inbox", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServeHTTPRejectsNonPost(t *testing.T) {
	recv := &fakeReceiver{}
	srv := New(recv, nil)

	req := httptest.NewRequest(http.MethodGet, "/inbox", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}
