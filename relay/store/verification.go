// SPDX-License-Identifier: LGPL-3.0-or-later

package store

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cc4me/agentmesh/internal/errs"
)

// PutEmailVerification upserts a pending verification code for email,
// resetting verified to false so a fresh code must be confirmed again.
func (s *Store) PutEmailVerification(ctx context.Context, email, username string, codeHash []byte, expiresAt time.Time) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO email_verifications (email, username, code_hash, attempts, verified, expires_at)
		VALUES ($1, $2, $3, 0, false, $4)
		ON CONFLICT (email) DO UPDATE
		SET username = EXCLUDED.username, code_hash = EXCLUDED.code_hash, attempts = 0, verified = false, expires_at = EXCLUDED.expires_at, created_at = now()
	`, email, username, codeHash, expiresAt)
	if err != nil {
		return errs.Internal(err, "store email verification")
	}
	return nil
}

// HasVerifiedEmail reports whether email has a verified row on file
// for username, the admission precondition CreateAgent checks before
// inserting a new agent.
func (s *Store) HasVerifiedEmail(ctx context.Context, email, username string) (bool, error) {
	var verified bool
	err := s.Pool.QueryRow(ctx, `
		SELECT verified FROM email_verifications WHERE email = $1 AND username = $2
	`, email, username).Scan(&verified)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errs.Internal(err, "check verified email")
	}
	return verified, nil
}

// CheckEmailVerification validates codeHash against the stored hash
// for email, consuming one attempt. It returns Expired once the
// record is past expiresAt, and RateLimited (structurally — callers
// map it through as too-many-attempts) once the 3-attempt cap is hit.
func (s *Store) CheckEmailVerification(ctx context.Context, email string, codeHash []byte) (username string, err error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return "", errs.Internal(err, "begin verification check tx")
	}
	defer tx.Rollback(ctx)

	var (
		storedHash []byte
		attempts   int
		expiresAt  time.Time
	)
	row := tx.QueryRow(ctx, `SELECT username, code_hash, attempts, expires_at FROM email_verifications WHERE email = $1`, email)
	if err := row.Scan(&username, &storedHash, &attempts, &expiresAt); err != nil {
		if err == pgx.ErrNoRows {
			return "", errs.NotFound("no verification pending for %q", email)
		}
		return "", errs.Internal(err, "load verification")
	}

	if time.Now().After(expiresAt) {
		return "", errs.Expired("verification code for %q has expired", email)
	}
	if attempts >= 3 {
		return "", errs.RateLimited("too many verification attempts for %q", email)
	}

	if subtle.ConstantTimeCompare(storedHash, codeHash) != 1 {
		if _, err := tx.Exec(ctx, `UPDATE email_verifications SET attempts = attempts + 1 WHERE email = $1`, email); err != nil {
			return "", errs.Internal(err, "record failed attempt")
		}
		if err := tx.Commit(ctx); err != nil {
			return "", errs.Internal(err, "commit failed attempt")
		}
		return "", errs.Validation("incorrect verification code")
	}

	if _, err := tx.Exec(ctx, `UPDATE email_verifications SET verified = true WHERE email = $1`, email); err != nil {
		return "", errs.Internal(err, "mark verification confirmed")
	}
	if err := tx.Commit(ctx); err != nil {
		return "", errs.Internal(err, "commit verification confirmation")
	}
	return username, nil
}
