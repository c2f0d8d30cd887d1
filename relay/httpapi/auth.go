// SPDX-License-Identifier: LGPL-3.0-or-later

package httpapi

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cc4me/agentmesh/internal/errs"
	"github.com/cc4me/agentmesh/model"
)

const signatureClockSkew = 5 * time.Minute

// authenticated verifies the request's Authorization/X-Timestamp pair
// against the claimed agent's stored public key and attaches the
// agent's username to the request context. The signing string mirrors
// relayclient.signingString exactly so both sides compute the same
// bytes.
func (s *Server) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent, body, err := s.verifyRequest(r)
		if err != nil {
			writeError(w, err)
			return
		}
		if allowed, remaining, reset := s.AgentLimiter.Allow(agent); !allowed {
			writeRateLimited(w, remaining, reset, "too many authenticated requests; slow down")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		ctx := context.WithValue(r.Context(), ctxKeyAgent, agent)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) verifyRequest(r *http.Request) (agent string, body []byte, err error) {
	header := r.Header.Get("Authorization")
	const prefix = "Signature "
	if !strings.HasPrefix(header, prefix) {
		return "", nil, errs.Auth("missing or malformed Authorization header")
	}
	parts := strings.SplitN(strings.TrimPrefix(header, prefix), ":", 2)
	if len(parts) != 2 {
		return "", nil, errs.Auth("malformed signature header")
	}
	agent, sigB64 := parts[0], parts[1]

	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return "", nil, errs.Auth("malformed signature encoding")
	}

	timestamp := r.Header.Get("X-Timestamp")
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return "", nil, errs.Auth("missing or malformed X-Timestamp header")
	}
	if skew := time.Since(ts); skew > signatureClockSkew || skew < -signatureClockSkew {
		return "", nil, errs.Auth("request timestamp outside allowed clock skew")
	}

	body, err = io.ReadAll(r.Body)
	if err != nil {
		return "", nil, errs.Validation("read request body: %v", err)
	}
	r.Body.Close()

	rec, err := s.Store.GetAgent(r.Context(), agent)
	if err != nil {
		return "", nil, err
	}
	if rec.Status != model.AgentActive {
		return "", nil, errs.Forbidden("agent %q is not active (status=%s)", agent, rec.Status)
	}

	expected := signingString(r.Method, r.URL.Path, timestamp, body)
	if !ed25519.Verify(ed25519.PublicKey(rec.PublicKey), []byte(expected), sig) {
		return "", nil, errs.Auth("signature verification failed")
	}
	return agent, body, nil
}

func signingString(method, path, timestamp string, body []byte) string {
	sum := sha256.Sum256(body)
	return fmt.Sprintf("%s %s\n%s\n%s", method, path, timestamp, hex.EncodeToString(sum[:]))
}
