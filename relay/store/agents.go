// SPDX-License-Identifier: LGPL-3.0-or-later

package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cc4me/agentmesh/internal/errs"
	"github.com/cc4me/agentmesh/model"
)

const agentColumns = `username, public_key, display_name, owner_email, endpoint, email_verified, status, created_at, last_seen, key_updated_at, approved_by, approved_at`

func scanAgent(row interface {
	Scan(dest ...any) error
}) (*model.Agent, error) {
	var a model.Agent
	err := row.Scan(&a.Username, &a.PublicKey, &a.DisplayName, &a.OwnerEmail, &a.Endpoint, &a.EmailVerified, &a.Status, &a.CreatedAt, &a.LastSeen, &a.KeyUpdatedAt, &a.ApprovedBy, &a.ApprovedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAgent inserts a new agent record as status=pending, but only
// when email_verifications already holds a verified=true row for this
// username and email: the precondition spec.md's admission invariant
// requires (no agent row without a prior verified email). The check
// and insert run in one transaction so a racing confirm/register pair
// can't slip an unverified agent through.
func (s *Store) CreateAgent(ctx context.Context, a *model.Agent) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return errs.Internal(err, "begin agent registration tx")
	}
	defer tx.Rollback(ctx)

	var verified bool
	err = tx.QueryRow(ctx, `SELECT verified FROM email_verifications WHERE email = $1 AND username = $2`, a.OwnerEmail, a.Username).Scan(&verified)
	if err != nil && err != pgx.ErrNoRows {
		return errs.Internal(err, "check email verification")
	}
	if err == pgx.ErrNoRows || !verified {
		return errs.Validation("no verified email confirmation on file for %q", a.Username)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO agents (username, public_key, display_name, owner_email, endpoint, email_verified, status, created_at, last_seen, key_updated_at)
		VALUES ($1, $2, $3, $4, $5, true, $6, $7, $7, $7)
	`, a.Username, a.PublicKey, a.DisplayName, a.OwnerEmail, a.Endpoint, model.AgentPending, a.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.Conflict("agent %q already registered", a.Username)
		}
		return errs.Internal(err, "create agent")
	}
	if err := tx.Commit(ctx); err != nil {
		return errs.Internal(err, "commit agent registration")
	}
	a.Status = model.AgentPending
	a.EmailVerified = true
	return nil
}

// GetAgent retrieves an agent by username.
func (s *Store) GetAgent(ctx context.Context, username string) (*model.Agent, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE username = $1`, username)
	a, err := scanAgent(row)
	if err == pgx.ErrNoRows {
		return nil, errs.NotFound("agent %q not found", username)
	}
	if err != nil {
		return nil, errs.Internal(err, "get agent")
	}
	return a, nil
}

// ListAgents returns every registered agent, oldest first.
func (s *Store) ListAgents(ctx context.Context) ([]model.Agent, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, errs.Internal(err, "list agents")
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, errs.Internal(err, "scan agent row")
		}
		agents = append(agents, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Internal(err, "iterate agent rows")
	}
	return agents, nil
}

// ApproveAgent moves username from pending to active, recording which
// admin approved it and when. Approving an agent that isn't currently
// pending is a conflict rather than a silent no-op.
func (s *Store) ApproveAgent(ctx context.Context, username, approvedBy string) error {
	now := time.Now()
	result, err := s.Pool.Exec(ctx, `
		UPDATE agents SET status = $1, approved_by = $2, approved_at = $3
		WHERE username = $4 AND status = $5
	`, model.AgentActive, approvedBy, now, username, model.AgentPending)
	if err != nil {
		return errs.Internal(err, "approve agent")
	}
	if result.RowsAffected() > 0 {
		return nil
	}
	existing, err := s.GetAgent(ctx, username)
	if err != nil {
		return err
	}
	return errs.Conflict("agent %q is not pending approval (status=%s)", username, existing.Status)
}

// TouchLastSeen updates an agent's heartbeat timestamp and reported endpoint.
func (s *Store) TouchLastSeen(ctx context.Context, username, endpoint string) error {
	result, err := s.Pool.Exec(ctx, `UPDATE agents SET last_seen = now(), endpoint = $1 WHERE username = $2`, endpoint, username)
	if err != nil {
		return errs.Internal(err, "touch last seen")
	}
	if result.RowsAffected() == 0 {
		return errs.NotFound("agent %q not found", username)
	}
	return nil
}

// RevokeAgent marks an agent as revoked. Idempotent: revoking an
// already-revoked agent still succeeds.
func (s *Store) RevokeAgent(ctx context.Context, username string) error {
	result, err := s.Pool.Exec(ctx, `UPDATE agents SET status = $1 WHERE username = $2`, model.AgentRevoked, username)
	if err != nil {
		return errs.Internal(err, "revoke agent")
	}
	if result.RowsAffected() == 0 {
		return errs.NotFound("agent %q not found", username)
	}
	return nil
}

// UpdatePublicKey rotates an agent's signing key.
func (s *Store) UpdatePublicKey(ctx context.Context, username string, newKey []byte) error {
	result, err := s.Pool.Exec(ctx, `UPDATE agents SET public_key = $1, key_updated_at = now() WHERE username = $2`, newKey, username)
	if err != nil {
		return errs.Internal(err, "update agent public key")
	}
	if result.RowsAffected() == 0 {
		return errs.NotFound("agent %q not found", username)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	type pgError interface {
		SQLState() string
	}
	pe, ok := err.(pgError)
	return ok && pe.SQLState() == "23505"
}
