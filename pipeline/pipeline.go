// SPDX-License-Identifier: LGPL-3.0-or-later

// Package pipeline implements the send/receive message pipeline:
// encrypt+sign -> direct delivery or retry-queue enqueue on send,
// wire-decode -> verify -> decrypt -> dedupe -> event emit on receive.
// Grounded on the teacher's pkg/agent/transport/http client/server
// pair (wire message marshal/unmarshal, MessageHandler callback
// shape), adapted from SAGE's DID-addressed SecureMessage to this
// module's signed+encrypted Envelope addressed by username.
package pipeline

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cc4me/agentmesh/crypto/keys"
	"github.com/cc4me/agentmesh/internal/errs"
	"github.com/cc4me/agentmesh/internal/logger"
	"github.com/cc4me/agentmesh/internal/metrics"
	"github.com/cc4me/agentmesh/retryqueue"
	"github.com/cc4me/agentmesh/wire"
)

const dedupCapacity = 1000

// directDeliveryTimeout bounds a single P2P delivery attempt.
const directDeliveryTimeout = 5 * time.Second

// Pipeline is one agent's send/receive message pipeline.
type Pipeline struct {
	selfUsername string
	selfPriv     ed25519.PrivateKey

	contacts ContactResolver
	groups   GroupResolver
	admins   AdminKeySource
	events   Events

	httpClient *http.Client
	retry      *retryqueue.Queue

	directSeen    *dedupWindow
	groupSeen     *dedupWindow
	broadcastSeen *dedupWindow

	log logger.Logger
}

// Config bundles Pipeline's collaborators.
type Config struct {
	SelfUsername string
	SelfPriv     ed25519.PrivateKey

	Contacts ContactResolver
	Groups   GroupResolver
	Admins   AdminKeySource
	Events   Events

	RetryQueueCapacity int
	Logger             logger.Logger
}

// New builds a Pipeline and starts its retry queue.
func New(cfg Config) *Pipeline {
	if cfg.Events == nil {
		cfg.Events = NoopEvents{}
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefaultLogger()
	}
	p := &Pipeline{
		selfUsername:  cfg.SelfUsername,
		selfPriv:      cfg.SelfPriv,
		contacts:      cfg.Contacts,
		groups:        cfg.Groups,
		admins:        cfg.Admins,
		events:        cfg.Events,
		httpClient:    &http.Client{Timeout: directDeliveryTimeout},
		directSeen:    newDedupWindow(dedupCapacity),
		groupSeen:     newDedupWindow(dedupCapacity),
		broadcastSeen: newDedupWindow(dedupCapacity),
		log:           log,
	}
	p.retry = retryqueue.New(cfg.RetryQueueCapacity, p.deliverQueued, deliveryEventSink{p.events}, log)
	return p
}

// Close stops the pipeline's retry queue.
func (p *Pipeline) Close() {
	p.retry.Close()
}

type deliveryEventSink struct{ events Events }

func (s deliveryEventSink) OnDeliveryStatus(messageID string, status retryqueue.Status) {
	s.events.OnDeliveryStatus(messageID, status)
}

// SendResult reports the outcome of a Send call.
type SendResult struct {
	Status    string // delivered, queued, failed
	MessageID string
	Error     string
}

// Send implements the send pipeline per step: resolve the recipient,
// reject unknown contacts, encrypt+sign an envelope, then either
// deliver directly (if the recipient is online) or enqueue for retry.
func (p *Pipeline) Send(ctx context.Context, recipient string, payload map[string]any) SendResult {
	if !p.contacts.IsContact(ctx, recipient) {
		return SendResult{Status: "failed", Error: "not a contact"}
	}
	rec, err := p.contacts.ResolveContact(ctx, recipient)
	if err != nil {
		return SendResult{Status: "failed", Error: err.Error()}
	}

	env, err := p.buildEnvelope(wire.TypeDirect, "", recipient, rec.PublicKey, payload)
	if err != nil {
		return SendResult{Status: "failed", Error: err.Error()}
	}
	return p.sendEnvelope(ctx, rec, env)
}

// SendGroupMember builds and delivers (or enqueues) one member's copy
// of a group message, reusing a caller-supplied messageID so every
// member's envelope shares the same batch identity. Used by
// groupfanout, which owns the member list and concurrency bound.
func (p *Pipeline) SendGroupMember(ctx context.Context, groupID, messageID, recipient string, payload map[string]any) SendResult {
	rec, err := p.contacts.ResolveContact(ctx, recipient)
	if err != nil {
		return SendResult{Status: "failed", Error: err.Error()}
	}
	env, err := p.buildEnvelopeWithID(wire.TypeGroup, groupID, messageID, recipient, rec.PublicKey, payload)
	if err != nil {
		return SendResult{Status: "failed", Error: err.Error()}
	}
	return p.sendEnvelope(ctx, rec, env)
}

func (p *Pipeline) sendEnvelope(ctx context.Context, rec Recipient, env *wire.Envelope) SendResult {
	if rec.Online {
		if err := p.deliverDirect(ctx, rec.Endpoint, env); err != nil {
			if isNonRetryable(err) {
				metrics.MessagesDropped.WithLabelValues("rejected").Inc()
				return SendResult{Status: "failed", MessageID: env.MessageID, Error: err.Error()}
			}
			return p.enqueue(env)
		}
		metrics.MessagesSent.WithLabelValues("direct").Inc()
		return SendResult{Status: "delivered", MessageID: env.MessageID}
	}
	return p.enqueue(env)
}

func (p *Pipeline) enqueue(env *wire.Envelope) SendResult {
	if _, err := p.retry.Enqueue(env); err != nil {
		return SendResult{Status: "failed", MessageID: env.MessageID, Error: "queue full"}
	}
	return SendResult{Status: "queued", MessageID: env.MessageID}
}

func (p *Pipeline) buildEnvelope(typ wire.Type, groupID, recipient string, recipientPub ed25519.PublicKey, payload map[string]any) (*wire.Envelope, error) {
	return p.buildEnvelopeWithID(typ, groupID, wire.NewMessageID(), recipient, recipientPub, payload)
}

// buildEnvelopeWithID is buildEnvelope with a caller-supplied
// messageID, used by group fan-out so every member's individually
// encrypted envelope shares the batch's identity.
func (p *Pipeline) buildEnvelopeWithID(typ wire.Type, groupID, messageID, recipient string, recipientPub ed25519.PublicKey, payload map[string]any) (*wire.Envelope, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	sharedKey, err := keys.DeriveSharedKey(p.selfPriv, p.selfUsername, recipientPub, recipient)
	if err != nil {
		return nil, fmt.Errorf("derive shared key: %w", err)
	}
	nonce, ciphertext, err := keys.Seal(sharedKey, []byte(messageID), plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypt payload: %w", err)
	}
	env := &wire.Envelope{
		Version:   wire.CurrentVersion,
		Type:      typ,
		MessageID: messageID,
		Sender:    p.selfUsername,
		Recipient: recipient,
		Timestamp: time.Now(),
		GroupID:   groupID,
		Payload:   ciphertext,
		Nonce:     nonce,
	}
	if err := env.Sign(p.selfPriv); err != nil {
		return nil, fmt.Errorf("sign envelope: %w", err)
	}
	return env, nil
}

// deliverDirect POSTs env to endpoint with the hard 5s timeout; a
// 2xx is success, 4xx is a non-retryable failure, everything else
// (network error, 5xx) is retryable.
func (p *Pipeline) deliverDirect(ctx context.Context, endpoint string, env *wire.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return errs.Internal(err, "marshal envelope")
	}
	ctx, cancel := context.WithTimeout(ctx, directDeliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return errs.Transient(err, "build delivery request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return errs.Transient(err, "direct delivery failed")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return errs.Validation("recipient rejected delivery with status %d", resp.StatusCode)
	default:
		return errs.Transient(fmt.Errorf("status %d", resp.StatusCode), "direct delivery failed")
	}
}

func isNonRetryable(err error) bool {
	e, ok := errs.As(err)
	return ok && !e.Retryable()
}

// deliverQueued adapts retryqueue.Deliverer to the pipeline's direct
// delivery path, re-resolving the recipient's endpoint each attempt
// since it may have changed (or come online) since enqueue.
func (p *Pipeline) deliverQueued(e *retryqueue.Entry) error {
	ctx, cancel := context.WithTimeout(context.Background(), directDeliveryTimeout)
	defer cancel()
	rec, err := p.contacts.ResolveContact(ctx, e.Envelope.Recipient)
	if err != nil {
		return err
	}
	return p.deliverDirect(ctx, rec.Endpoint, e.Envelope)
}

// Receive implements the receive pipeline: wire-codec checks,
// per-type verification/dedup, and event emission. Duplicates return
// nil without emitting; verification failures return a coded error
// that the HTTP transport answers with its own status (400 for
// validation/crypto failures, 401 for signature/auth failures).
func (p *Pipeline) Receive(ctx context.Context, env *wire.Envelope) error {
	switch env.Type {
	case wire.TypeBroadcast:
		return p.receiveBroadcast(ctx, env)
	case wire.TypeDirect:
		return p.receiveDirect(ctx, env)
	case wire.TypeGroup:
		return p.receiveGroup(ctx, env)
	case wire.TypeContactRequest:
		return p.receiveContactRequest(ctx, env)
	default:
		return errs.Validation("unknown envelope type %q", env.Type)
	}
}

func (p *Pipeline) receiveDirect(ctx context.Context, env *wire.Envelope) error {
	if err := wire.Decode(ctx, env, p.selfUsername, contactKeyResolver{p.contacts}); err != nil {
		return err
	}
	if p.directSeen.Seen(env.MessageID) {
		return nil
	}
	payload, err := p.decryptPayload(ctx, env)
	if err != nil {
		return err
	}
	metrics.MessagesReceived.WithLabelValues("direct").Inc()
	p.events.OnMessage(env.Sender, env.MessageID, env.Timestamp, payload, true)
	return nil
}

func (p *Pipeline) receiveGroup(ctx context.Context, env *wire.Envelope) error {
	if err := wire.Decode(ctx, env, p.selfUsername, contactKeyResolver{p.contacts}); err != nil {
		return err
	}
	members, err := p.groups.Members(ctx, env.GroupID)
	if err != nil {
		return err
	}
	if !contains(members, env.Sender) {
		return errs.Auth("sender %q is not a member of group %q", env.Sender, env.GroupID)
	}
	if p.groupSeen.Seen(env.MessageID) {
		return nil
	}
	payload, err := p.decryptPayload(ctx, env)
	if err != nil {
		return err
	}
	metrics.MessagesReceived.WithLabelValues("group").Inc()
	p.events.OnGroupMessage(env.GroupID, env.Sender, env.MessageID, env.Timestamp, payload)
	return nil
}

func (p *Pipeline) receiveBroadcast(ctx context.Context, env *wire.Envelope) error {
	if !wire.CompatibleVersion(env.Version) {
		return errs.Validation("unsupported envelope version %q", env.Version)
	}
	adminKeys, err := p.admins.AdminKeys(ctx)
	if err != nil {
		return err
	}
	var verified bool
	for _, pub := range adminKeys {
		ok, err := env.VerifySignature(pub)
		if err == nil && ok {
			verified = true
			break
		}
	}
	if !verified {
		return errs.Auth("broadcast signature did not verify against any known admin key")
	}
	if p.broadcastSeen.Seen(env.MessageID) {
		return nil
	}
	metrics.MessagesReceived.WithLabelValues("broadcast").Inc()
	p.events.OnBroadcast(env.MessageID, string(env.Type), env.Plaintext)
	return nil
}

func (p *Pipeline) receiveContactRequest(ctx context.Context, env *wire.Envelope) error {
	if !wire.CompatibleVersion(env.Version) {
		return errs.Validation("unsupported envelope version %q", env.Version)
	}
	if env.Recipient != p.selfUsername {
		return errs.Validation("envelope addressed to %q, not %q", env.Recipient, p.selfUsername)
	}
	// Contact requests arrive before any contact relationship exists,
	// so the sender's key must travel with the envelope rather than
	// come from the (not-yet-populated) contact cache.
	var greeting struct {
		Greeting  string `json:"greeting"`
		PublicKey []byte `json:"publicKey"`
	}
	if err := json.Unmarshal(env.Plaintext, &greeting); err != nil {
		return errs.Validation("malformed contact request payload: %v", err)
	}
	if len(greeting.PublicKey) != ed25519.PublicKeySize {
		return errs.Validation("contact request missing a valid sender public key")
	}
	ok, err := env.VerifySignature(ed25519.PublicKey(greeting.PublicKey))
	if err != nil {
		return errs.Crypto("compute signing bytes: %v", err)
	}
	if !ok {
		return errs.Auth("contact request signature verification failed")
	}
	p.events.OnContactRequest(env.Sender, greeting.Greeting, greeting.PublicKey)
	return nil
}

func (p *Pipeline) decryptPayload(ctx context.Context, env *wire.Envelope) (map[string]any, error) {
	rec, err := p.contacts.ResolveContact(ctx, env.Sender)
	if err != nil {
		return nil, err
	}
	sharedKey, err := keys.DeriveSharedKey(p.selfPriv, p.selfUsername, rec.PublicKey, env.Sender)
	if err != nil {
		return nil, errs.Crypto("derive shared key: %v", err)
	}
	plaintext, err := keys.Open(sharedKey, []byte(env.MessageID), env.Nonce, env.Payload)
	if err != nil {
		return nil, errs.Crypto("decrypt payload: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, errs.Validation("malformed decrypted payload: %v", err)
	}
	return payload, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
