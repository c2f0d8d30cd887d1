// SPDX-License-Identifier: LGPL-3.0-or-later

package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cc4me/agentmesh/internal/errs"
	"github.com/cc4me/agentmesh/model"
)

// GetAdmin retrieves the named admin's public key record.
func (s *Store) GetAdmin(ctx context.Context, name string) (*model.Admin, error) {
	var a model.Admin
	err := s.Pool.QueryRow(ctx, `SELECT name, public_key, created_at FROM admins WHERE name = $1`, name).
		Scan(&a.Name, &a.PublicKey, &a.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, errs.NotFound("admin %q not found", name)
	}
	if err != nil {
		return nil, errs.Internal(err, "get admin")
	}
	return &a, nil
}

// ListAdmins returns every admin's public key record, used by clients
// to refresh their trusted admin-key set on heartbeat.
func (s *Store) ListAdmins(ctx context.Context) ([]model.Admin, error) {
	rows, err := s.Pool.Query(ctx, `SELECT name, public_key, created_at FROM admins`)
	if err != nil {
		return nil, errs.Internal(err, "list admins")
	}
	defer rows.Close()

	var out []model.Admin
	for rows.Next() {
		var a model.Admin
		if err := rows.Scan(&a.Name, &a.PublicKey, &a.CreatedAt); err != nil {
			return nil, errs.Internal(err, "scan admin")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// PutBroadcast records a broadcast. IDs are caller-supplied and
// idempotent: inserting the same ID twice is a no-op, matching
// revocation's idempotent-broadcast requirement.
func (s *Store) PutBroadcast(ctx context.Context, b *model.Broadcast) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO broadcasts (id, type, body, signature, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, b.ID, b.Type, b.Body, b.Signature, b.CreatedAt)
	if err != nil {
		return errs.Internal(err, "store broadcast")
	}
	return nil
}

// ListBroadcastsSince returns broadcasts created at or after since, oldest first.
func (s *Store) ListBroadcastsSince(ctx context.Context, since time.Time) ([]model.Broadcast, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, type, body, signature, created_at FROM broadcasts
		WHERE created_at >= $1
		ORDER BY created_at ASC
	`, since)
	if err != nil {
		return nil, errs.Internal(err, "list broadcasts")
	}
	defer rows.Close()

	var out []model.Broadcast
	for rows.Next() {
		var b model.Broadcast
		if err := rows.Scan(&b.ID, &b.Type, &b.Body, &b.Signature, &b.CreatedAt); err != nil {
			return nil, errs.Internal(err, "scan broadcast")
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
