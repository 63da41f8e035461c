package redeemer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/0gfoundation/0g-zkap-authorizer/internal/pass"
)

const testVoucher = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAB"

func newDummy(t *testing.T) (*Dummy, *pass.Verifier) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return NewDummy(key), pass.NewVerifier(crypto.PubkeyToAddress(key.PublicKey))
}

// ── Dummy ──────────────────────────────────────────────────────────────────

func TestDummy_IssuesVerifiableTokens(t *testing.T) {
	d, verifier := newDummy(t)
	tokens, err := d.Redeem(context.Background(), testVoucher, 0, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(tokens) != 5 {
		t.Fatalf("expected 5 tokens, got %d", len(tokens))
	}
	seen := map[pass.UnblindedToken]bool{}
	for _, tok := range tokens {
		p, err := tok.Pass()
		if err != nil {
			t.Fatal(err)
		}
		if err := verifier.Verify(p); err != nil {
			t.Fatalf("token does not verify: %v", err)
		}
		if seen[tok] {
			t.Fatal("duplicate token")
		}
		seen[tok] = true
	}
}

func TestDummy_DeterministicPerAttempt(t *testing.T) {
	d, _ := newDummy(t)
	ctx := context.Background()
	a, _ := d.Redeem(ctx, testVoucher, 1, 3)
	b, _ := d.Redeem(ctx, testVoucher, 1, 3)
	c, _ := d.Redeem(ctx, testVoucher, 2, 3)
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("same attempt must yield the same tokens")
		}
		if a[i] == c[i] {
			t.Fatal("different counters must yield different tokens")
		}
	}
}

// ── Failure variants ───────────────────────────────────────────────────────

func TestFailureVariants(t *testing.T) {
	ctx := context.Background()
	if _, err := (DoubleSpend{}).Redeem(ctx, testVoucher, 0, 1); !errors.Is(err, ErrDoubleSpend) {
		t.Fatalf("DoubleSpend: %v", err)
	}
	if _, err := (Unpaid{}).Redeem(ctx, testVoucher, 0, 1); !errors.Is(err, ErrUnpaid) {
		t.Fatalf("Unpaid: %v", err)
	}
	_, err := (Error{Details: "nope"}).Redeem(ctx, testVoucher, 0, 1)
	var te *TransientError
	if !errors.As(err, &te) || te.Details != "nope" {
		t.Fatalf("Error: %v", err)
	}
}

func TestNon_BlocksUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := (Non{}).Redeem(ctx, testVoucher, 0, 1)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRecording(t *testing.T) {
	r := &Recording{Inner: Unpaid{}}
	r.Redeem(context.Background(), "a", 0, 3)
	r.Redeem(context.Background(), "a", 1, 3)
	calls := r.Calls()
	if len(calls) != 2 || calls[1] != (Call{Voucher: "a", Counter: 1, Count: 3}) {
		t.Fatalf("unexpected calls %+v", calls)
	}
}

func TestNew(t *testing.T) {
	key, _ := crypto.GenerateKey()
	for _, kind := range []string{"dummy", "double-spend", "unpaid", "error", "non"} {
		if _, err := New(Options{Kind: kind, SigningKey: key}); err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
	}
	if _, err := New(Options{Kind: "issuer"}); err == nil {
		t.Fatal("issuer without URL must fail")
	}
	if _, err := New(Options{Kind: "dummy"}); err == nil {
		t.Fatal("dummy without key must fail")
	}
	if _, err := New(Options{Kind: "bogus"}); err == nil {
		t.Fatal("unknown kind must fail")
	}
}

// ── Issuer (httptest) ──────────────────────────────────────────────────────

func mockIssuer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestIssuer_Success(t *testing.T) {
	d, verifier := newDummy(t)
	var got redeemRequest
	srv := mockIssuer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/redeem" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		tokens, _ := d.Redeem(r.Context(), got.Voucher, got.Counter, got.Count)
		json.NewEncoder(w).Encode(redeemResponse{Success: true, UnblindedTokens: tokens})
	})

	tokens, err := NewIssuer(srv.URL+"/", verifier).Redeem(context.Background(), testVoucher, 3, 4)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if len(tokens) != 4 {
		t.Fatalf("expected 4 tokens, got %d", len(tokens))
	}
	if got.Voucher != testVoucher || got.Counter != 3 || got.Count != 4 {
		t.Fatalf("unexpected request body %+v", got)
	}
}

func TestIssuer_Reasons(t *testing.T) {
	cases := []struct {
		reason string
		status int
		check  func(error) bool
	}{
		{"double-spend", http.StatusBadRequest, func(err error) bool { return errors.Is(err, ErrDoubleSpend) }},
		{"unpaid", http.StatusBadRequest, func(err error) bool { return errors.Is(err, ErrUnpaid) }},
		{"overloaded", http.StatusServiceUnavailable, func(err error) bool {
			var te *TransientError
			return errors.As(err, &te)
		}},
	}
	for _, tc := range cases {
		srv := mockIssuer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			json.NewEncoder(w).Encode(redeemResponse{Success: false, Reason: tc.reason})
		})
		_, err := NewIssuer(srv.URL, nil).Redeem(context.Background(), testVoucher, 0, 1)
		if !tc.check(err) {
			t.Fatalf("%s: unexpected error %v", tc.reason, err)
		}
	}
}

func TestIssuer_RejectsForeignTokens(t *testing.T) {
	d, _ := newDummy(t)
	_, otherVerifier := newDummy(t)
	srv := mockIssuer(t, func(w http.ResponseWriter, r *http.Request) {
		tokens, _ := d.Redeem(r.Context(), testVoucher, 0, 2)
		json.NewEncoder(w).Encode(redeemResponse{Success: true, UnblindedTokens: tokens})
	})
	_, err := NewIssuer(srv.URL, otherVerifier).Redeem(context.Background(), testVoucher, 0, 2)
	var te *TransientError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransientError, got %v", err)
	}
}

func TestIssuer_WrongTokenCount(t *testing.T) {
	srv := mockIssuer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(redeemResponse{Success: true})
	})
	_, err := NewIssuer(srv.URL, nil).Redeem(context.Background(), testVoucher, 0, 2)
	var te *TransientError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransientError, got %v", err)
	}
}

func TestIssuer_Unreachable(t *testing.T) {
	srv := mockIssuer(t, func(w http.ResponseWriter, r *http.Request) {})
	url := srv.URL
	srv.Close()
	_, err := NewIssuer(url, nil).Redeem(context.Background(), testVoucher, 0, 1)
	var te *TransientError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransientError, got %v", err)
	}
}
