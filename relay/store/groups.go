// SPDX-License-Identifier: LGPL-3.0-or-later

package store

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/cc4me/agentmesh/internal/errs"
	"github.com/cc4me/agentmesh/model"
)

// CreateGroup creates a new group owned by owner and adds owner as
// its first member.
func (s *Store) CreateGroup(ctx context.Context, g *model.Group) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return errs.Internal(err, "begin create group tx")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `INSERT INTO groups (id, name, owner, created_at) VALUES ($1, $2, $3, $4)`,
		g.ID, g.Name, g.Owner, g.CreatedAt); err != nil {
		return errs.Internal(err, "insert group")
	}
	if _, err := tx.Exec(ctx, `INSERT INTO group_members (group_id, username) VALUES ($1, $2)`, g.ID, g.Owner); err != nil {
		return errs.Internal(err, "add owner as member")
	}
	return tx.Commit(ctx)
}

// InviteToGroup records a pending invitation.
func (s *Store) InviteToGroup(ctx context.Context, inv *model.GroupInvitation) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO group_invitations (group_id, invitee, invited_by, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (group_id, invitee) DO NOTHING
	`, inv.GroupID, inv.Invitee, inv.InvitedBy, inv.CreatedAt)
	if err != nil {
		return errs.Internal(err, "invite to group")
	}
	return nil
}

// AcceptInvitation converts a pending invitation into membership.
func (s *Store) AcceptInvitation(ctx context.Context, groupID, invitee string) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return errs.Internal(err, "begin accept invitation tx")
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `DELETE FROM group_invitations WHERE group_id = $1 AND invitee = $2`, groupID, invitee)
	if err != nil {
		return errs.Internal(err, "consume invitation")
	}
	if result.RowsAffected() == 0 {
		return errs.NotFound("no pending invitation for %q to group %q", invitee, groupID)
	}

	if _, err := tx.Exec(ctx, `INSERT INTO group_members (group_id, username) VALUES ($1, $2) ON CONFLICT DO NOTHING`, groupID, invitee); err != nil {
		return errs.Internal(err, "add group member")
	}
	return tx.Commit(ctx)
}

// ListMembers returns every member of a group.
func (s *Store) ListMembers(ctx context.Context, groupID string) ([]model.GroupMember, error) {
	rows, err := s.Pool.Query(ctx, `SELECT group_id, username, joined_at FROM group_members WHERE group_id = $1`, groupID)
	if err != nil {
		return nil, errs.Internal(err, "list group members")
	}
	defer rows.Close()

	var out []model.GroupMember
	for rows.Next() {
		var m model.GroupMember
		if err := rows.Scan(&m.GroupID, &m.Username, &m.JoinedAt); err != nil {
			return nil, errs.Internal(err, "scan group member")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetGroup retrieves a group by ID.
func (s *Store) GetGroup(ctx context.Context, id string) (*model.Group, error) {
	var g model.Group
	err := s.Pool.QueryRow(ctx, `SELECT id, name, owner, created_at FROM groups WHERE id = $1`, id).
		Scan(&g.ID, &g.Name, &g.Owner, &g.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, errs.NotFound("group %q not found", id)
	}
	if err != nil {
		return nil, errs.Internal(err, "get group")
	}
	return &g, nil
}
