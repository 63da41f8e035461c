// Package pass defines unblinded tokens and the passes derived from them.
//
// An unblinded token is a 32-byte preimage followed by the issuer's
// 65-byte secp256k1 signature over the preimage digest. A pass is the
// fixed-length wire form of a token: base64(preimage) SP base64(signature).
// The storage server accepts a pass when the signature recovers to one
// of its allowed issuer addresses.
package pass

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	PreimageLength  = 32
	SignatureLength = 65

	// TokenLength is the decoded length of an unblinded token.
	TokenLength = PreimageLength + SignatureLength

	// Length is the length of a serialized pass.
	Length = 44 + 1 + 88
)

var domain = []byte("zkap-pass-v1")

var (
	ErrMalformed        = errors.New("malformed pass")
	ErrMalformedToken   = errors.New("malformed unblinded token")
	ErrUnknownSigner    = errors.New("pass not signed by an allowed issuer")
	ErrInvalidSignature = errors.New("invalid pass signature")
)

// UnblindedToken is the base64 text form of a redeemed token.
type UnblindedToken string

// Pass is the serialized form presented to the storage server.
type Pass []byte

// Digest is the message signed by the issuer for a preimage.
func Digest(preimage []byte) []byte {
	return crypto.Keccak256(domain, preimage)
}

// Issue signs preimage with the issuer key, producing an unblinded token.
func Issue(key *ecdsa.PrivateKey, preimage []byte) (UnblindedToken, error) {
	if len(preimage) != PreimageLength {
		return "", fmt.Errorf("preimage must be %d bytes, got %d", PreimageLength, len(preimage))
	}
	sig, err := crypto.Sign(Digest(preimage), key)
	if err != nil {
		return "", fmt.Errorf("sign preimage: %w", err)
	}
	raw := make([]byte, 0, TokenLength)
	raw = append(raw, preimage...)
	raw = append(raw, sig...)
	return UnblindedToken(base64.StdEncoding.EncodeToString(raw)), nil
}

// RandomPreimage returns a fresh preimage from crypto/rand.
func RandomPreimage() ([]byte, error) {
	p := make([]byte, PreimageLength)
	if _, err := rand.Read(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Decode returns the preimage and signature of the token.
func (t UnblindedToken) Decode() (preimage, signature []byte, err error) {
	raw, err := base64.StdEncoding.DecodeString(string(t))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if len(raw) != TokenLength {
		return nil, nil, fmt.Errorf("%w: length %d", ErrMalformedToken, len(raw))
	}
	return raw[:PreimageLength], raw[PreimageLength:], nil
}

// Pass derives the wire pass for the token.
func (t UnblindedToken) Pass() (Pass, error) {
	preimage, sig, err := t.Decode()
	if err != nil {
		return nil, err
	}
	var b bytes.Buffer
	b.Grow(Length)
	b.WriteString(base64.StdEncoding.EncodeToString(preimage))
	b.WriteByte(' ')
	b.WriteString(base64.StdEncoding.EncodeToString(sig))
	return Pass(b.Bytes()), nil
}

// Passes converts tokens to passes, preserving order.
func Passes(tokens []UnblindedToken) ([]Pass, error) {
	out := make([]Pass, len(tokens))
	for i, t := range tokens {
		p, err := t.Pass()
		if err != nil {
			return nil, fmt.Errorf("token %d: %w", i, err)
		}
		out[i] = p
	}
	return out, nil
}

// Parse splits a pass into preimage and signature.
func Parse(p Pass) (preimage, signature []byte, err error) {
	if len(p) != Length {
		return nil, nil, fmt.Errorf("%w: length %d", ErrMalformed, len(p))
	}
	left, right, ok := strings.Cut(string(p), " ")
	if !ok {
		return nil, nil, ErrMalformed
	}
	preimage, err = base64.StdEncoding.DecodeString(left)
	if err != nil || len(preimage) != PreimageLength {
		return nil, nil, fmt.Errorf("%w: preimage", ErrMalformed)
	}
	signature, err = base64.StdEncoding.DecodeString(right)
	if err != nil || len(signature) != SignatureLength {
		return nil, nil, fmt.Errorf("%w: signature", ErrMalformed)
	}
	return preimage, signature, nil
}

// ID is the spend-tracking key of a pass: its preimage in base64.
func (p Pass) ID() string {
	if len(p) < 44 {
		return string(p)
	}
	return string(p[:44])
}

// Verifier checks passes against a set of allowed issuer addresses.
type Verifier struct {
	allowed map[common.Address]struct{}
}

// NewVerifier accepts passes signed by any of the given issuers.
func NewVerifier(issuers ...common.Address) *Verifier {
	v := &Verifier{allowed: make(map[common.Address]struct{}, len(issuers))}
	for _, a := range issuers {
		v.allowed[a] = struct{}{}
	}
	return v
}

// Verify returns nil if p is well formed and signed by an allowed issuer.
func (v *Verifier) Verify(p Pass) error {
	preimage, sig, err := Parse(p)
	if err != nil {
		return err
	}
	recovery := make([]byte, SignatureLength)
	copy(recovery, sig)
	if recovery[64] >= 27 {
		recovery[64] -= 27
	}
	pub, err := crypto.SigToPub(Digest(preimage), recovery)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if _, ok := v.allowed[crypto.PubkeyToAddress(*pub)]; !ok {
		return ErrUnknownSigner
	}
	return nil
}
