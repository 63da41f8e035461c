// Package redeemer exchanges vouchers for unblinded tokens.
//
// A Redeemer is the one capability the redemption controller needs from
// the outside world. Production talks to an issuer over HTTP; the other
// variants exist for tests and development deployments.
package redeemer

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/0gfoundation/0g-zkap-authorizer/internal/pass"
)

var (
	// ErrDoubleSpend means the voucher was already redeemed, by this
	// client or another. Terminal.
	ErrDoubleSpend = errors.New("voucher already redeemed")

	// ErrUnpaid means the issuer has not seen payment for the voucher yet.
	ErrUnpaid = errors.New("voucher not paid")
)

// TransientError is a retryable failure with a human-readable reason.
type TransientError struct {
	Details string
}

func (e *TransientError) Error() string { return "redemption failed: " + e.Details }

// Redeemer converts a voucher into count unblinded tokens. counter is the
// attempt number; (voucher, counter) identifies an attempt, so repeating
// a call with the same pair is safe.
//
// Failures are ErrDoubleSpend, ErrUnpaid or *TransientError. Any other
// error is treated by callers as transient.
type Redeemer interface {
	Redeem(ctx context.Context, voucher string, counter, count int) ([]pass.UnblindedToken, error)
}

// ── Dummy ──────────────────────────────────────────────────────────────────

// Dummy mints tokens locally with its own signing key. Token preimages
// are derived from (voucher, counter, index), so repeated attempts return
// identical tokens.
type Dummy struct {
	key *ecdsa.PrivateKey
}

func NewDummy(key *ecdsa.PrivateKey) *Dummy {
	return &Dummy{key: key}
}

func (d *Dummy) Redeem(ctx context.Context, voucher string, counter, count int) ([]pass.UnblindedToken, error) {
	tokens := make([]pass.UnblindedToken, count)
	for i := range tokens {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t, err := pass.Issue(d.key, dummyPreimage(voucher, counter, i))
		if err != nil {
			return nil, fmt.Errorf("dummy redeemer: %w", err)
		}
		tokens[i] = t
	}
	return tokens, nil
}

func dummyPreimage(voucher string, counter, index int) []byte {
	var nums [16]byte
	binary.BigEndian.PutUint64(nums[:8], uint64(counter))
	binary.BigEndian.PutUint64(nums[8:], uint64(index))
	return crypto.Keccak256([]byte(voucher), nums[:])
}

// ── Failure variants ───────────────────────────────────────────────────────

// DoubleSpend rejects every voucher as already redeemed.
type DoubleSpend struct{}

func (DoubleSpend) Redeem(context.Context, string, int, int) ([]pass.UnblindedToken, error) {
	return nil, ErrDoubleSpend
}

// Unpaid rejects every voucher as not yet paid.
type Unpaid struct{}

func (Unpaid) Redeem(context.Context, string, int, int) ([]pass.UnblindedToken, error) {
	return nil, ErrUnpaid
}

// Error fails every redemption with the same details.
type Error struct {
	Details string
}

func (e Error) Redeem(context.Context, string, int, int) ([]pass.UnblindedToken, error) {
	return nil, &TransientError{Details: e.Details}
}

// Non never completes a redemption; the call returns only when ctx ends.
type Non struct{}

func (Non) Redeem(ctx context.Context, _ string, _, _ int) ([]pass.UnblindedToken, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// ── Recording ──────────────────────────────────────────────────────────────

// Call is one observed Redeem invocation.
type Call struct {
	Voucher string
	Counter int
	Count   int
}

// Recording wraps a Redeemer and records every call.
type Recording struct {
	Inner Redeemer

	mu    sync.Mutex
	calls []Call
}

func (r *Recording) Redeem(ctx context.Context, voucher string, counter, count int) ([]pass.UnblindedToken, error) {
	r.mu.Lock()
	r.calls = append(r.calls, Call{Voucher: voucher, Counter: counter, Count: count})
	r.mu.Unlock()
	return r.Inner.Redeem(ctx, voucher, counter, count)
}

// Calls returns a copy of the recorded calls.
func (r *Recording) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}
