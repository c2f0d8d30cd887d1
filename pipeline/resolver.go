// SPDX-License-Identifier: LGPL-3.0-or-later

package pipeline

import (
	"context"
	"crypto/ed25519"
)

// Recipient is what the pipeline needs to know about a message target:
// enough to encrypt, address, and route a direct delivery attempt.
type Recipient struct {
	Username  string
	PublicKey ed25519.PublicKey
	Endpoint  string
	Online    bool
}

// ContactResolver is the narrow interface the pipeline borrows from
// the community manager: look up a known contact, refreshing from the
// relay on miss or stale, without the pipeline ever embedding the
// manager itself.
type ContactResolver interface {
	ResolveContact(ctx context.Context, username string) (Recipient, error)
	IsContact(ctx context.Context, username string) bool
}

// GroupResolver looks up group membership, with relay refresh on a
// member not found in the local cache.
type GroupResolver interface {
	Members(ctx context.Context, groupID string) ([]string, error)
}

// AdminKeySource supplies the relay's current admin public keys,
// refreshed on heartbeat by whatever owns it (the community manager).
type AdminKeySource interface {
	AdminKeys(ctx context.Context) ([]ed25519.PublicKey, error)
}

// contactKeyResolver adapts a ContactResolver into wire.KeyResolver so
// wire.Decode can resolve and, on verification failure, refresh a
// sender's signing key without knowing about contacts at all.
type contactKeyResolver struct {
	resolver ContactResolver
}

func (r contactKeyResolver) ResolveKey(ctx context.Context, username string) (ed25519.PublicKey, error) {
	c, err := r.resolver.ResolveContact(ctx, username)
	if err != nil {
		return nil, err
	}
	return c.PublicKey, nil
}

func (r contactKeyResolver) RefreshKey(ctx context.Context, username string) (ed25519.PublicKey, error) {
	// ResolveContact already refreshes from the relay on a stale or
	// missing cache entry, so a refresh is just a second resolve.
	return r.ResolveKey(ctx, username)
}
