// SPDX-License-Identifier: LGPL-3.0-or-later

package wire

import (
	"context"
	"crypto/ed25519"
	"time"

	"github.com/cc4me/agentmesh/internal/errs"
)

// ClockSkew is the maximum allowed difference between an envelope's
// timestamp and the receiver's clock.
const ClockSkew = 5 * time.Minute

// KeyResolver looks up an agent's current signing public key, with an
// explicit refresh path for when verification fails against a cached
// key (the agent may have rotated keys since the cache was populated).
type KeyResolver interface {
	ResolveKey(ctx context.Context, username string) (ed25519.PublicKey, error)
	RefreshKey(ctx context.Context, username string) (ed25519.PublicKey, error)
}

// Decode runs the receive-side validation pipeline on env: version
// check, recipient check, clock-skew check, sender key resolution
// (with one refresh-and-retry on verification failure), and signature
// verification. It does not decrypt the payload; callers do that with
// the shared key derived from the now-trusted sender key.
func Decode(ctx context.Context, env *Envelope, selfUsername string, resolver KeyResolver) error {
	if !CompatibleVersion(env.Version) {
		return errs.Validation("unsupported envelope version %q", env.Version)
	}
	if env.Recipient != selfUsername {
		return errs.Validation("envelope addressed to %q, not %q", env.Recipient, selfUsername)
	}

	skew := time.Since(env.Timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > ClockSkew {
		return errs.Validation("envelope timestamp outside %s skew window", ClockSkew)
	}

	pub, err := resolver.ResolveKey(ctx, env.Sender)
	if err != nil {
		return errs.Wrap(errs.KindAuth, "resolve sender key", err)
	}

	ok, err := env.VerifySignature(pub)
	if err != nil {
		return errs.Crypto("compute signing bytes: %v", err)
	}
	if !ok {
		// Key may have rotated since it was cached; refresh once and retry.
		pub, err = resolver.RefreshKey(ctx, env.Sender)
		if err != nil {
			return errs.Wrap(errs.KindAuth, "refresh sender key", err)
		}
		ok, err = env.VerifySignature(pub)
		if err != nil {
			return errs.Crypto("compute signing bytes: %v", err)
		}
		if !ok {
			return errs.Auth("signature verification failed for sender %q", env.Sender)
		}
	}

	return nil
}
