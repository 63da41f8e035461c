package redeemer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/0gfoundation/0g-zkap-authorizer/internal/pass"
)

// Issuer redeems vouchers against a remote issuer over HTTP.
type Issuer struct {
	baseURL  string
	verifier *pass.Verifier
	http     *http.Client
}

// NewIssuer returns an HTTP redeemer. When verifier is non-nil every
// returned token must verify against it, so a misbehaving issuer cannot
// hand out tokens the storage servers will refuse.
func NewIssuer(baseURL string, verifier *pass.Verifier) *Issuer {
	return &Issuer{
		baseURL:  strings.TrimRight(baseURL, "/"),
		verifier: verifier,
		http:     &http.Client{Timeout: 60 * time.Second},
	}
}

type redeemRequest struct {
	Voucher string `json:"redeemVoucher"`
	Counter int    `json:"redeemCounter"`
	Count   int    `json:"redeemCount"`
}

type redeemResponse struct {
	Success         bool                  `json:"success"`
	Reason          string                `json:"reason,omitempty"`
	UnblindedTokens []pass.UnblindedToken `json:"unblindedTokens,omitempty"`
}

func (c *Issuer) Redeem(ctx context.Context, voucher string, counter, count int) ([]pass.UnblindedToken, error) {
	body, err := json.Marshal(redeemRequest{Voucher: voucher, Counter: counter, Count: count})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/redeem", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Details: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, &TransientError{Details: fmt.Sprintf("read response: %v", err)}
	}
	var out redeemResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &TransientError{Details: fmt.Sprintf("issuer status %d: undecodable response", resp.StatusCode)}
	}
	if !out.Success {
		switch out.Reason {
		case "double-spend":
			return nil, ErrDoubleSpend
		case "unpaid":
			return nil, ErrUnpaid
		default:
			return nil, &TransientError{Details: fmt.Sprintf("issuer status %d: %s", resp.StatusCode, out.Reason)}
		}
	}
	if len(out.UnblindedTokens) != count {
		return nil, &TransientError{Details: fmt.Sprintf("issuer returned %d tokens, expected %d", len(out.UnblindedTokens), count)}
	}
	if c.verifier != nil {
		for i, t := range out.UnblindedTokens {
			p, err := t.Pass()
			if err == nil {
				err = c.verifier.Verify(p)
			}
			if err != nil {
				return nil, &TransientError{Details: fmt.Sprintf("token %d: %v", i, err)}
			}
		}
	}
	return out.UnblindedTokens, nil
}
