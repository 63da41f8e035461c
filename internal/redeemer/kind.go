package redeemer

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/0gfoundation/0g-zkap-authorizer/internal/pass"
)

// Options selects and parameterizes a redeemer variant.
type Options struct {
	Kind         string // issuer|dummy|double-spend|unpaid|error|non
	URL          string
	SigningKey   *ecdsa.PrivateKey
	ErrorDetails string
	Verifier     *pass.Verifier
}

// New builds the redeemer named by opts.Kind.
func New(opts Options) (Redeemer, error) {
	switch opts.Kind {
	case "issuer":
		if opts.URL == "" {
			return nil, fmt.Errorf("issuer redeemer requires a URL")
		}
		return NewIssuer(opts.URL, opts.Verifier), nil
	case "dummy":
		if opts.SigningKey == nil {
			return nil, fmt.Errorf("dummy redeemer requires a signing key")
		}
		return NewDummy(opts.SigningKey), nil
	case "double-spend":
		return DoubleSpend{}, nil
	case "unpaid":
		return Unpaid{}, nil
	case "error":
		return Error{Details: opts.ErrorDetails}, nil
	case "non":
		return Non{}, nil
	default:
		return nil, fmt.Errorf("unknown redeemer kind %q", opts.Kind)
	}
}
