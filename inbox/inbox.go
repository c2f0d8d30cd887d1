// SPDX-License-Identifier: LGPL-3.0-or-later

// Package inbox exposes an agent's public P2P endpoint: an HTTP server
// that accepts envelopes posted by peers and hands them to a
// pipeline.Receiver. Grounded on the teacher's
// pkg/agent/transport/http.HTTPServer (decode wire message -> call
// application handler -> encode response), adapted from SAGE's
// DID-addressed SecureMessage/Response pair to this module's signed
// Envelope with a plain accepted/error acknowledgement.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/cc4me/agentmesh/internal/errs"
	"github.com/cc4me/agentmesh/internal/logger"
	"github.com/cc4me/agentmesh/wire"
)

// Receiver is the narrow slice of *pipeline.Pipeline the inbox needs.
type Receiver interface {
	Receive(ctx context.Context, env *wire.Envelope) error
}

// Server accepts inbound envelopes over HTTP POST.
type Server struct {
	receiver Receiver
	log      logger.Logger
}

// New builds an inbox server delegating every accepted envelope to receiver.
func New(receiver Receiver, log logger.Logger) *Server {
	if log == nil {
		log = logger.NewDefaultLogger()
	}
	return &Server{receiver: receiver, log: log}
}

type ackResponse struct {
	Status string `json:"status"`
}

// ServeHTTP implements http.Handler: POST /inbox with a JSON envelope body.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, errs.Validation("method %s not allowed", r.Method))
		return
	}

	var env wire.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, errs.Validation("invalid envelope JSON: %v", err))
		return
	}
	defer r.Body.Close()

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if err := s.receiver.Receive(ctx, &env); err != nil {
		s.log.Warn("inbox rejected envelope", logger.String("sender", env.Sender), logger.String("messageId", env.MessageID), logger.Error(err))
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ackResponse{Status: "accepted"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	env, status := errs.ToEnvelope(err)
	writeJSON(w, status, env)
}

// IsClientError reports whether err should be treated as a
// non-retryable 4xx by a caller composing this server with the
// pipeline's own delivery retry classification.
func IsClientError(err error) bool {
	var coded *errs.Error
	if errors.As(err, &coded) {
		return coded.HTTPStatus() >= 400 && coded.HTTPStatus() < 500
	}
	return false
}
