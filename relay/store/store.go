// SPDX-License-Identifier: LGPL-3.0-or-later

// Package store is the relay's persisted relational store: agents,
// contacts, email verifications, admins, broadcasts, and groups, all
// backed by Postgres via pgx/pgxpool. Grounded on the teacher's
// pkg/storage/postgres package (Store wrapping a *pgxpool.Pool with
// one file per table), generalized from DID/session/nonce storage to
// this module's agent-mesh schema.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps a Postgres connection pool holding every relay table.
type Store struct {
	Pool *pgxpool.Pool
}

// New connects to databaseURL, pings it, and ensures the schema exists.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{Pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.Pool.Close()
}

// migrate creates every table if it doesn't already exist. Running it
// is what makes the store "embedded": no external migration tool is
// required, the schema comes up with the process.
func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			username       TEXT PRIMARY KEY,
			public_key     BYTEA NOT NULL,
			display_name   TEXT NOT NULL DEFAULT '',
			owner_email    TEXT NOT NULL DEFAULT '',
			endpoint       TEXT NOT NULL DEFAULT '',
			email_verified BOOLEAN NOT NULL DEFAULT false,
			status         TEXT NOT NULL DEFAULT 'pending',
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_seen      TIMESTAMPTZ NOT NULL DEFAULT now(),
			key_updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			approved_by    TEXT,
			approved_at    TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			agent_a      TEXT NOT NULL REFERENCES agents(username),
			agent_b      TEXT NOT NULL REFERENCES agents(username),
			status       TEXT NOT NULL,
			requested_by TEXT NOT NULL,
			greeting     TEXT NOT NULL DEFAULT '',
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (agent_a, agent_b),
			CHECK (agent_a < agent_b)
		)`,
		`CREATE TABLE IF NOT EXISTS email_verifications (
			email      TEXT PRIMARY KEY,
			username   TEXT NOT NULL,
			code_hash  BYTEA NOT NULL,
			attempts   INT NOT NULL DEFAULT 0,
			verified   BOOLEAN NOT NULL DEFAULT false,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS admins (
			name       TEXT PRIMARY KEY,
			public_key BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS broadcasts (
			id         TEXT PRIMARY KEY,
			type       TEXT NOT NULL,
			body       BYTEA NOT NULL,
			signature  BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS groups (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			owner      TEXT NOT NULL REFERENCES agents(username),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS group_members (
			group_id  TEXT NOT NULL REFERENCES groups(id),
			username  TEXT NOT NULL REFERENCES agents(username),
			joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (group_id, username)
		)`,
		`CREATE TABLE IF NOT EXISTS group_invitations (
			group_id   TEXT NOT NULL REFERENCES groups(id),
			invitee    TEXT NOT NULL REFERENCES agents(username),
			invited_by TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (group_id, invitee)
		)`,
		`CREATE TABLE IF NOT EXISTS rate_limits (
			bucket     TEXT NOT NULL,
			subject    TEXT NOT NULL,
			window_start TIMESTAMPTZ NOT NULL,
			count      INT NOT NULL DEFAULT 0,
			PRIMARY KEY (bucket, subject, window_start)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration statement: %w", err)
		}
	}
	return nil
}
