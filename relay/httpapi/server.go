// SPDX-License-Identifier: LGPL-3.0-or-later

// Package httpapi is the relay's HTTP surface: registry, contacts,
// presence, email verification, admin broadcast/revocation, key
// rotation, and group endpoints, routed with gorilla/mux and guarded
// by a signed-request auth middleware plus a rate limiter, grounded on
// the pack's mux-router-plus-middleware-chain relay idiom.
package httpapi

import (
	"context"
	"crypto/ed25519"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/cc4me/agentmesh/internal/errs"
	"github.com/cc4me/agentmesh/internal/logger"
	"github.com/cc4me/agentmesh/internal/metrics"
	"github.com/cc4me/agentmesh/relay/legacy"
	"github.com/cc4me/agentmesh/relay/store"
	"github.com/cc4me/agentmesh/relay/verify"
)

// Server is the relay's HTTP application.
type Server struct {
	Store     *store.Store
	Verifier  *verify.Verifier
	AdminKeys map[string]ed25519.PublicKey
	Legacy    legacy.Window

	// Limiter caps contact requests per agent; AgentLimiter caps all
	// authenticated requests per agent; RegistrationLimiter caps
	// registration attempts per source IP; Global is the aggregate
	// circuit breaker applied ahead of routing to every request.
	Limiter             *RateLimiter
	AgentLimiter        *RateLimiter
	RegistrationLimiter *RateLimiter
	Global              *GlobalLimiter

	Log logger.Logger

	HeartbeatInterval time.Duration

	router *mux.Router
}

// New builds a Server and registers every route.
func New(st *store.Store, verifier *verify.Verifier, adminKeys map[string]ed25519.PublicKey, legacyCutoff time.Time, contactRequestsPerHour int, heartbeatInterval time.Duration, log logger.Logger) *Server {
	if log == nil {
		log = logger.NewDefaultLogger()
	}
	s := &Server{
		Store:               st,
		Verifier:            verifier,
		AdminKeys:           adminKeys,
		Legacy:              legacy.Window{Cutoff: legacyCutoff, Log: log},
		Limiter:             NewRateLimiter(contactRequestsPerHour, time.Hour),
		AgentLimiter:        NewRateLimiter(60, time.Minute),
		RegistrationLimiter: NewRateLimiter(3, time.Hour),
		Global:              NewGlobalLimiter(10000, time.Minute),
		HeartbeatInterval:   heartbeatInterval,
		Log:                 log,
	}
	s.router = mux.NewRouter()
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if allowed, remaining, reset := s.Global.Allow(); !allowed {
		writeRateLimited(w, remaining, reset, "relay is over its aggregate request budget; try again shortly")
		return
	}
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	r.Handle("/registry/agents", s.withLogging("register", http.HandlerFunc(s.handleRegisterAgent))).Methods(http.MethodPost)
	r.Handle("/registry/agents", s.withLogging("list_agents", http.HandlerFunc(s.handleListAgents))).Methods(http.MethodGet)
	r.Handle("/registry/agents/{username}", s.withLogging("get_agent", http.HandlerFunc(s.handleGetAgent))).Methods(http.MethodGet)
	r.Handle("/registry/agents/{username}/key", s.authenticated(s.withLogging("rotate_key", http.HandlerFunc(s.handleRotateKey)))).Methods(http.MethodPut)
	r.Handle("/registry/agents/{username}/approve", s.withLogging("approve_agent", http.HandlerFunc(s.handleApproveAgent))).Methods(http.MethodPost)

	r.Handle("/email/verify", s.withLogging("email_issue", http.HandlerFunc(s.handleIssueEmailCode))).Methods(http.MethodPost)
	r.Handle("/email/confirm", s.withLogging("email_confirm", http.HandlerFunc(s.handleConfirmEmailCode))).Methods(http.MethodPost)

	r.Handle("/contacts", s.authenticated(s.withLogging("request_contact", http.HandlerFunc(s.handleRequestContact)))).Methods(http.MethodPost)
	r.Handle("/contacts/{peer}", s.authenticated(s.withLogging("respond_contact", http.HandlerFunc(s.handleRespondContact)))).Methods(http.MethodPut)
	r.Handle("/contacts", s.authenticated(s.withLogging("list_contacts", http.HandlerFunc(s.handleListContacts)))).Methods(http.MethodGet)
	r.Handle("/contacts/pending", s.authenticated(s.withLogging("list_pending_contacts", http.HandlerFunc(s.handleListPendingContacts)))).Methods(http.MethodGet)

	r.Handle("/presence/heartbeat", s.authenticated(s.withLogging("heartbeat", http.HandlerFunc(s.handleHeartbeat)))).Methods(http.MethodPost)
	r.Handle("/presence/{username}", s.withLogging("get_presence", http.HandlerFunc(s.handleGetPresence))).Methods(http.MethodGet)

	r.Handle("/admin/broadcasts", s.withLogging("admin_broadcast", http.HandlerFunc(s.handleAdminBroadcast))).Methods(http.MethodPost)
	r.Handle("/admin/broadcasts", s.withLogging("list_broadcasts", http.HandlerFunc(s.handleListBroadcasts))).Methods(http.MethodGet)
	r.Handle("/admin/revoke/{username}", s.withLogging("admin_revoke", http.HandlerFunc(s.handleAdminRevoke))).Methods(http.MethodPost)
	r.Handle("/admin/keys", s.withLogging("admin_keys", http.HandlerFunc(s.handleAdminKeys))).Methods(http.MethodGet)

	r.Handle("/groups", s.authenticated(s.withLogging("create_group", http.HandlerFunc(s.handleCreateGroup)))).Methods(http.MethodPost)
	r.Handle("/groups/{id}/invitations", s.authenticated(s.withLogging("invite_group", http.HandlerFunc(s.handleInviteToGroup)))).Methods(http.MethodPost)
	r.Handle("/groups/{id}/invitations/accept", s.authenticated(s.withLogging("accept_invite", http.HandlerFunc(s.handleAcceptInvitation)))).Methods(http.MethodPost)
	r.Handle("/groups/{id}/members", s.withLogging("list_members", http.HandlerFunc(s.handleListMembers))).Methods(http.MethodGet)

	// Legacy endpoints from before the relay-mediated delivery model
	// was replaced with direct P2P delivery.
	r.Handle("/relay/send", s.Legacy.Wrap(http.HandlerFunc(s.handleLegacySend))).Methods(http.MethodPost)
	r.Handle("/relay/inbox/{agent}", s.Legacy.Wrap(http.HandlerFunc(s.handleLegacyInbox))).Methods(http.MethodGet)
	r.Handle("/relay/inbox/{agent}/ack", s.Legacy.Wrap(http.HandlerFunc(s.handleLegacyAck))).Methods(http.MethodPost)
}

func (s *Server) withLogging(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.RelayRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		metrics.RelayRequests.WithLabelValues(route, statusClass(rec.status)).Inc()
		s.Log.Debug("relay request", logger.String("route", route), logger.Int("status", rec.status), logger.Duration("duration", time.Since(start)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func statusClass(status int) string {
	switch {
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

type ctxKey string

const ctxKeyAgent ctxKey = "agent"

func agentFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKeyAgent).(string)
	return v, ok
}

func writeError(w http.ResponseWriter, err error) {
	env, status := errs.ToEnvelope(err)
	writeJSON(w, status, env)
}
