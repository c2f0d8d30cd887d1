// SPDX-License-Identifier: LGPL-3.0-or-later

package httpapi

import (
	"crypto/ed25519"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/cc4me/agentmesh/internal/errs"
	"github.com/cc4me/agentmesh/internal/metrics"
	"github.com/cc4me/agentmesh/model"
	"github.com/cc4me/agentmesh/pkg/version"
)

// clientIP returns the request's source address without its port,
// falling back to the raw RemoteAddr if it can't be split. The relay
// trusts RemoteAddr directly rather than X-Forwarded-For since it has
// no configured trusted-proxy list.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// healthStatus aggregates the relay's own liveness with its
// dependency on Postgres, grounded on the teacher's pkg/health
// Checker.CheckAll (aggregate sub-check statuses into one response),
// generalized from a blockchain-RPC check to a database ping.
type healthStatus struct {
	Status  string       `json:"status"`
	Store   string       `json:"store"`
	Version version.Info `json:"version"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := healthStatus{Status: "ok", Store: "ok", Version: version.Get()}
	code := http.StatusOK
	if err := s.Store.Pool.Ping(r.Context()); err != nil {
		status.Status = "degraded"
		status.Store = "unreachable"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// --- registry -------------------------------------------------------

type registerRequest struct {
	Username    string `json:"username"`
	PublicKey   []byte `json:"publicKey"`
	DisplayName string `json:"displayName,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Email       string `json:"email"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	if allowed, remaining, reset := s.RegistrationLimiter.Allow(clientIP(r)); !allowed {
		writeRateLimited(w, remaining, reset, "too many registration attempts from this address; try again later")
		return
	}
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Username == "" || len(req.PublicKey) != ed25519.PublicKeySize {
		writeError(w, errs.Validation("username and a valid ed25519 public key are required"))
		return
	}
	if req.Email == "" {
		writeError(w, errs.Validation("email is required"))
		return
	}
	now := time.Now()
	agent := &model.Agent{
		Username:     req.Username,
		PublicKey:    req.PublicKey,
		DisplayName:  req.DisplayName,
		OwnerEmail:   req.Email,
		Endpoint:     req.Endpoint,
		Status:       model.AgentPending,
		CreatedAt:    now,
		LastSeen:     now,
		KeyUpdatedAt: now,
	}
	if err := s.Store.CreateAgent(r.Context(), agent); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.Store.ListAgents(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

type approveAgentRequest struct {
	Admin     string `json:"admin"`
	Signature []byte `json:"signature"`
}

// handleApproveAgent moves a pending agent to active. Like broadcasts
// and revocation, approval is an admin action authenticated by an
// ed25519 signature over the target username rather than the
// agent-signed request middleware, since admins and agents are
// distinct actors in this system.
func (s *Server) handleApproveAgent(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	var req approveAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	admin, err := s.Store.GetAdmin(r.Context(), req.Admin)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ed25519.Verify(ed25519.PublicKey(admin.PublicKey), []byte(username), req.Signature) {
		writeError(w, errs.Forbidden("approval signature verification failed"))
		return
	}
	if err := s.Store.ApproveAgent(r.Context(), username, req.Admin); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	agent, err := s.Store.GetAgent(r.Context(), username)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

type rotateKeyRequest struct {
	NewPublicKey []byte `json:"newPublicKey"`
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	actor, _ := agentFromContext(r.Context())
	username := mux.Vars(r)["username"]
	if actor != username {
		writeError(w, errs.Forbidden("an agent may only rotate its own key"))
		return
	}
	var req rotateKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.NewPublicKey) != ed25519.PublicKeySize {
		writeError(w, errs.Validation("newPublicKey must be a 32-byte ed25519 public key"))
		return
	}
	if err := s.Store.UpdatePublicKey(r.Context(), username, req.NewPublicKey); err != nil {
		writeError(w, err)
		return
	}
	metrics.KeyRotationsTotal.WithLabelValues("success").Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "rotated"})
}

// --- email verification ---------------------------------------------

type issueEmailRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
}

func (s *Server) handleIssueEmailCode(w http.ResponseWriter, r *http.Request) {
	var req issueEmailRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Email == "" || req.Username == "" {
		writeError(w, errs.Validation("email and username are required"))
		return
	}
	if err := s.Verifier.Issue(r.Context(), req.Email, req.Username); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

type confirmEmailRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

func (s *Server) handleConfirmEmailCode(w http.ResponseWriter, r *http.Request) {
	var req confirmEmailRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	username, err := s.Verifier.Confirm(r.Context(), req.Email, req.Code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"username": username})
}

// --- contacts ---------------------------------------------------------

type requestContactRequest struct {
	Target   string `json:"target"`
	Greeting string `json:"greeting,omitempty"`
}

const maxGreetingLength = 500

func (s *Server) handleRequestContact(w http.ResponseWriter, r *http.Request) {
	requester, _ := agentFromContext(r.Context())
	if allowed, remaining, reset := s.Limiter.Allow(requester); !allowed {
		metrics.RateLimitRejections.WithLabelValues("contact_request").Inc()
		writeRateLimited(w, remaining, reset, "too many contact requests; try again later")
		return
	}
	var req requestContactRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Target == "" || req.Target == requester {
		writeError(w, errs.Validation("target must be a different agent"))
		return
	}
	if len(req.Greeting) > maxGreetingLength {
		writeError(w, errs.Validation("greeting must be at most %d characters", maxGreetingLength))
		return
	}
	from, err := s.Store.GetAgent(r.Context(), requester)
	if err != nil {
		writeError(w, err)
		return
	}
	if from.Status != model.AgentActive {
		writeError(w, errs.Forbidden("agent %q is not active", requester))
		return
	}
	to, err := s.Store.GetAgent(r.Context(), req.Target)
	if err != nil {
		writeError(w, err)
		return
	}
	if to.Status != model.AgentActive {
		writeError(w, errs.NotFound("agent %q not found", req.Target))
		return
	}
	if err := s.Store.RequestContact(r.Context(), requester, req.Target, req.Greeting); err != nil {
		metrics.ContactRequestsTotal.WithLabelValues("error").Inc()
		writeError(w, err)
		return
	}
	metrics.ContactRequestsTotal.WithLabelValues("sent").Inc()
	writeJSON(w, http.StatusCreated, map[string]string{"status": "pending"})
}

type respondContactRequest struct {
	Accept bool `json:"accept"`
}

func (s *Server) handleRespondContact(w http.ResponseWriter, r *http.Request) {
	actor, _ := agentFromContext(r.Context())
	counterparty := mux.Vars(r)["peer"]

	var req respondContactRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Store.RespondContact(r.Context(), actor, counterparty, req.Accept); err != nil {
		metrics.ContactRequestsTotal.WithLabelValues("error").Inc()
		writeError(w, err)
		return
	}
	outcome := "denied"
	if req.Accept {
		outcome = "accepted"
	}
	metrics.ContactRequestsTotal.WithLabelValues(outcome).Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": outcome})
}

func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	actor, _ := agentFromContext(r.Context())
	contacts, err := s.Store.ListContactViews(r.Context(), actor, s.HeartbeatInterval)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contacts)
}

func (s *Server) handleListPendingContacts(w http.ResponseWriter, r *http.Request) {
	actor, _ := agentFromContext(r.Context())
	contacts, err := s.Store.ListPendingContactsForRecipient(r.Context(), actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contacts)
}

// --- presence -----------------------------------------------------------

type heartbeatRequest struct {
	Endpoint string `json:"endpoint"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	actor, _ := agentFromContext(r.Context())
	var req heartbeatRequest
	_ = decodeJSON(r, &req) // endpoint is optional; a missing/empty body just refreshes lastSeen
	if err := s.Store.TouchLastSeen(r.Context(), actor, req.Endpoint); err != nil {
		writeError(w, err)
		return
	}
	metrics.HeartbeatsSent.WithLabelValues(actor).Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetPresence(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	agent, err := s.Store.GetAgent(r.Context(), username)
	if err != nil {
		writeError(w, err)
		return
	}
	p := model.Presence{
		Username: agent.Username,
		LastSeen: agent.LastSeen,
		Online:   model.IsOnline(agent.LastSeen, s.HeartbeatInterval, time.Now()),
	}
	writeJSON(w, http.StatusOK, p)
}

// --- admin broadcast & revocation --------------------------------------

type adminBroadcastRequest struct {
	Admin     string             `json:"admin"`
	Type      model.BroadcastType `json:"type"`
	Body      []byte             `json:"body"`
	Signature []byte             `json:"signature"`
}

func (s *Server) handleAdminBroadcast(w http.ResponseWriter, r *http.Request) {
	var req adminBroadcastRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	admin, err := s.Store.GetAdmin(r.Context(), req.Admin)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ed25519.Verify(ed25519.PublicKey(admin.PublicKey), req.Body, req.Signature) {
		writeError(w, errs.Forbidden("broadcast signature verification failed"))
		return
	}
	b := &model.Broadcast{
		ID:        uuid.NewString(),
		Type:      req.Type,
		Body:      req.Body,
		Signature: req.Signature,
		CreatedAt: time.Now(),
	}
	if err := s.Store.PutBroadcast(r.Context(), b); err != nil {
		writeError(w, err)
		return
	}
	metrics.BroadcastsSent.WithLabelValues(string(req.Type)).Inc()
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleAdminKeys(w http.ResponseWriter, r *http.Request) {
	admins, err := s.Store.ListAdmins(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	keys := make([][]byte, 0, len(admins))
	for _, a := range admins {
		keys = append(keys, a.PublicKey)
	}
	writeJSON(w, http.StatusOK, map[string][][]byte{"keys": keys})
}

func (s *Server) handleListBroadcasts(w http.ResponseWriter, r *http.Request) {
	since := time.Time{}
	if v := r.URL.Query().Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			since = t
		}
	}
	broadcasts, err := s.Store.ListBroadcastsSince(r.Context(), since)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, broadcasts)
}

// handleAdminRevoke revokes an agent and emits an idempotent
// revocation broadcast so every other agent learns to stop trusting
// the revoked key. The broadcast ID is deterministic per-agent so
// repeat calls don't fan out duplicate revocations.
func (s *Server) handleAdminRevoke(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	var req approveAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	admin, err := s.Store.GetAdmin(r.Context(), req.Admin)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ed25519.Verify(ed25519.PublicKey(admin.PublicKey), []byte(username), req.Signature) {
		writeError(w, errs.Forbidden("revocation signature verification failed"))
		return
	}
	if err := s.Store.RevokeAgent(r.Context(), username); err != nil {
		writeError(w, err)
		return
	}
	b := &model.Broadcast{
		ID:        "revocation:" + username,
		Type:      model.BroadcastRevocation,
		Body:      []byte(username),
		Signature: req.Signature,
		CreatedAt: time.Now(),
	}
	if err := s.Store.PutBroadcast(r.Context(), b); err != nil {
		writeError(w, err)
		return
	}
	metrics.BroadcastsSent.WithLabelValues(string(model.BroadcastRevocation)).Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// --- groups -------------------------------------------------------------

type createGroupRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	owner, _ := agentFromContext(r.Context())
	var req createGroupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, errs.Validation("group name is required"))
		return
	}
	g := &model.Group{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Owner:     owner,
		CreatedAt: time.Now(),
	}
	if err := s.Store.CreateGroup(r.Context(), g); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

type inviteRequest struct {
	Invitee string `json:"invitee"`
}

func (s *Server) handleInviteToGroup(w http.ResponseWriter, r *http.Request) {
	inviter, _ := agentFromContext(r.Context())
	groupID := mux.Vars(r)["id"]
	var req inviteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	inv := &model.GroupInvitation{
		GroupID:   groupID,
		Invitee:   req.Invitee,
		InvitedBy: inviter,
		CreatedAt: time.Now(),
	}
	if err := s.Store.InviteToGroup(r.Context(), inv); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

func (s *Server) handleAcceptInvitation(w http.ResponseWriter, r *http.Request) {
	actor, _ := agentFromContext(r.Context())
	groupID := mux.Vars(r)["id"]
	if err := s.Store.AcceptInvitation(r.Context(), groupID, actor); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "joined"})
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	groupID := mux.Vars(r)["id"]
	members, err := s.Store.ListMembers(r.Context(), groupID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

// --- legacy relay-mediated delivery (pre-P2P) --------------------------
//
// These three endpoints predate direct P2P delivery, when the relay
// queued messages for offline agents. Delivery is now entirely
// peer-to-peer, so these are deliberately thin: they tell a caller
// that still depends on relay-mediated delivery what replaced it,
// while legacy.Window handles the Deprecation header and eventual 410.

func (s *Server) handleLegacySend(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "unsupported",
		"message": "relay-mediated send has been replaced by direct peer-to-peer delivery",
	})
}

func (s *Server) handleLegacyInbox(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": []any{},
		"message":  "relay-mediated inbox polling has been replaced by direct peer-to-peer delivery",
	})
}

func (s *Server) handleLegacyAck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "unsupported",
		"message": "relay-mediated ack has been replaced by direct peer-to-peer delivery",
	})
}
