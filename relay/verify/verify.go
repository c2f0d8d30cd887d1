// SPDX-License-Identifier: LGPL-3.0-or-later

// Package verify implements email-verification codes gating agent
// registration: a 6-digit code, hashed before storage, expiring after
// 10 minutes, with a 3-attempt cap enforced by the store.
package verify

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
	"time"

	"github.com/cc4me/agentmesh/internal/errs"
)

const codeTTL = 10 * time.Minute

// Sender is the external collaborator that actually delivers a code;
// this module only generates, hashes, and checks codes.
type Sender interface {
	SendCode(ctx context.Context, email, code string) error
}

// Store is the subset of relay/store.Store this package needs.
type Store interface {
	PutEmailVerification(ctx context.Context, email, username string, codeHash []byte, expiresAt time.Time) error
	CheckEmailVerification(ctx context.Context, email string, codeHash []byte) (username string, err error)
}

// Verifier issues and checks email verification codes.
type Verifier struct {
	store  Store
	sender Sender
}

func New(store Store, sender Sender) *Verifier {
	return &Verifier{store: store, sender: sender}
}

// Issue generates a new 6-digit code for username's registration
// attempt, stores its hash, and dispatches it via the sender.
func (v *Verifier) Issue(ctx context.Context, email, username string) error {
	code, err := generateCode()
	if err != nil {
		return errs.Crypto("generate verification code: %v", err)
	}
	hash := hashCode(email, code)
	if err := v.store.PutEmailVerification(ctx, email, username, hash, time.Now().Add(codeTTL)); err != nil {
		return err
	}
	if err := v.sender.SendCode(ctx, email, code); err != nil {
		return errs.Transient(err, "send verification email")
	}
	return nil
}

// Confirm checks code against the pending verification for email and
// returns the username it was issued for on success.
func (v *Verifier) Confirm(ctx context.Context, email, code string) (string, error) {
	hash := hashCode(email, code)
	return v.store.CheckEmailVerification(ctx, email, hash)
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// hashCode binds the code to the email address so a leaked hash can't
// be replayed against a different recipient's verification row.
func hashCode(email, code string) []byte {
	sum := sha256.Sum256([]byte(email + ":" + code))
	return sum[:]
}
