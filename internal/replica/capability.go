package replica

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
)

var ErrMalformedCapability = errors.New("malformed replica capability")

const (
	prefixReadOnly  = "ro:"
	prefixReadWrite = "rw:"
)

// Capability names a replica and the access it grants. Its string form
// is "ro:" or "rw:" followed by an OCI tag reference.
type Capability struct {
	Writable  bool
	Reference name.Tag
}

// ParseCapability parses the string form of a Capability.
func ParseCapability(s string) (Capability, error) {
	var c Capability
	var ref string
	switch {
	case strings.HasPrefix(s, prefixReadOnly):
		ref = s[len(prefixReadOnly):]
	case strings.HasPrefix(s, prefixReadWrite):
		ref, c.Writable = s[len(prefixReadWrite):], true
	default:
		return Capability{}, fmt.Errorf("%w: unknown prefix", ErrMalformedCapability)
	}
	tag, err := name.NewTag(ref)
	if err != nil {
		return Capability{}, fmt.Errorf("%w: %v", ErrMalformedCapability, err)
	}
	c.Reference = tag
	return c, nil
}

// ParseReadCapability parses s and rejects anything but a read-only capability.
func ParseReadCapability(s string) (Capability, error) {
	c, err := ParseCapability(s)
	if err != nil {
		return Capability{}, err
	}
	if c.Writable {
		return Capability{}, fmt.Errorf("%w: not read-only", ErrMalformedCapability)
	}
	return c, nil
}

// ReadOnly attenuates c.
func (c Capability) ReadOnly() Capability {
	return Capability{Reference: c.Reference}
}

func (c Capability) String() string {
	if c.Writable {
		return prefixReadWrite + c.Reference.String()
	}
	return prefixReadOnly + c.Reference.String()
}
