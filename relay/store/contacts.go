// SPDX-License-Identifier: LGPL-3.0-or-later

package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cc4me/agentmesh/internal/errs"
	"github.com/cc4me/agentmesh/model"
)

// RequestContact creates a pending contact row (or returns Conflict
// if the pair already exists). The row is always stored with the
// lexicographically smaller username as agent_a, independent of who
// requested it; requestedBy records the actual requester.
func (s *Store) RequestContact(ctx context.Context, requester, target, greeting string) error {
	a, b := model.OrderPair(requester, target)

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return errs.Internal(err, "begin contact request tx")
	}
	defer tx.Rollback(ctx)

	var existing string
	err = tx.QueryRow(ctx, `SELECT status FROM contacts WHERE agent_a = $1 AND agent_b = $2`, a, b).Scan(&existing)
	if err == nil {
		return errs.Conflict("contact between %q and %q already exists (%s)", requester, target, existing)
	}
	if err != pgx.ErrNoRows {
		return errs.Internal(err, "check existing contact")
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO contacts (agent_a, agent_b, status, requested_by, greeting)
		VALUES ($1, $2, $3, $4, $5)
	`, a, b, model.ContactPending, requester, greeting)
	if err != nil {
		return errs.Internal(err, "insert contact request")
	}

	return tx.Commit(ctx)
}

// RespondContact accepts or denies a pending request. Only the
// recipient (the agent who did not request it) may act; accepting
// sets status to active, denying deletes the row outright.
func (s *Store) RespondContact(ctx context.Context, actor, counterparty string, accept bool) error {
	a, b := model.OrderPair(actor, counterparty)

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return errs.Internal(err, "begin respond tx")
	}
	defer tx.Rollback(ctx)

	var status, requestedBy string
	err = tx.QueryRow(ctx, `SELECT status, requested_by FROM contacts WHERE agent_a = $1 AND agent_b = $2`, a, b).Scan(&status, &requestedBy)
	if err == pgx.ErrNoRows {
		return errs.NotFound("no pending contact between %q and %q", actor, counterparty)
	}
	if err != nil {
		return errs.Internal(err, "load contact")
	}
	if status != string(model.ContactPending) {
		return errs.Conflict("contact between %q and %q is not pending", actor, counterparty)
	}
	if requestedBy == actor {
		return errs.Auth("only the recipient of a contact request may respond to it")
	}

	if accept {
		if _, err := tx.Exec(ctx, `UPDATE contacts SET status = $1, updated_at = now() WHERE agent_a = $2 AND agent_b = $3`, model.ContactActive, a, b); err != nil {
			return errs.Internal(err, "accept contact")
		}
	} else {
		if _, err := tx.Exec(ctx, `DELETE FROM contacts WHERE agent_a = $1 AND agent_b = $2`, a, b); err != nil {
			return errs.Internal(err, "deny contact")
		}
	}

	return tx.Commit(ctx)
}

// ListContacts returns every active or pending contact involving username.
func (s *Store) ListContacts(ctx context.Context, username string) ([]model.Contact, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT agent_a, agent_b, status, requested_by, greeting, created_at, updated_at
		FROM contacts WHERE agent_a = $1 OR agent_b = $1
		ORDER BY created_at DESC
	`, username)
	if err != nil {
		return nil, errs.Internal(err, "list contacts")
	}
	defer rows.Close()

	var out []model.Contact
	for rows.Next() {
		var c model.Contact
		if err := rows.Scan(&c.AgentA, &c.AgentB, &c.Status, &c.RequestedBy, &c.Greeting, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, errs.Internal(err, "scan contact")
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Internal(err, "iterate contacts")
	}
	return out, nil
}

// ListPendingContactsForRecipient returns pending contact requests
// where username is a party but not the requester: the set they are
// entitled to accept or deny.
func (s *Store) ListPendingContactsForRecipient(ctx context.Context, username string) ([]model.Contact, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT agent_a, agent_b, status, requested_by, greeting, created_at, updated_at
		FROM contacts
		WHERE (agent_a = $1 OR agent_b = $1) AND status = $2 AND requested_by != $1
		ORDER BY created_at DESC
	`, username, model.ContactPending)
	if err != nil {
		return nil, errs.Internal(err, "list pending contacts")
	}
	defer rows.Close()

	var out []model.Contact
	for rows.Next() {
		var c model.Contact
		if err := rows.Scan(&c.AgentA, &c.AgentB, &c.Status, &c.RequestedBy, &c.Greeting, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, errs.Internal(err, "scan pending contact")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListContactViews returns every contact of username joined against
// the agents table, with online derived from heartbeatInterval.
func (s *Store) ListContactViews(ctx context.Context, username string, heartbeatInterval time.Duration) ([]model.ContactView, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT
			CASE WHEN c.agent_a = $1 THEN c.agent_b ELSE c.agent_a END AS peer,
			a.public_key, a.endpoint, c.status, c.created_at, a.last_seen, a.key_updated_at
		FROM contacts c
		JOIN agents a ON a.username = CASE WHEN c.agent_a = $1 THEN c.agent_b ELSE c.agent_a END
		WHERE c.agent_a = $1 OR c.agent_b = $1
	`, username)
	if err != nil {
		return nil, errs.Internal(err, "list contact views")
	}
	defer rows.Close()

	now := time.Now()
	var out []model.ContactView
	for rows.Next() {
		var v model.ContactView
		if err := rows.Scan(&v.Agent, &v.PublicKey, &v.Endpoint, &v.Status, &v.Since, &v.LastSeen, &v.KeyUpdatedAt); err != nil {
			return nil, errs.Internal(err, "scan contact view")
		}
		v.Online = model.IsOnline(v.LastSeen, heartbeatInterval, now)
		out = append(out, v)
	}
	return out, rows.Err()
}

// AreContacts reports whether a and b have an active contact.
func (s *Store) AreContacts(ctx context.Context, a, b string) (bool, error) {
	x, y := model.OrderPair(a, b)
	var status string
	err := s.Pool.QueryRow(ctx, `SELECT status FROM contacts WHERE agent_a = $1 AND agent_b = $2`, x, y).Scan(&status)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errs.Internal(err, "check contact status")
	}
	return status == string(model.ContactActive), nil
}
