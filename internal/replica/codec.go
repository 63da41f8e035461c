// Package replica stores ledger replicas in an OCI registry.
//
// A replica is one image: the first layer holds the snapshot statements,
// each further layer one event stream recorded after it. Layers are CBOR
// bundles compressed with zstd.
package replica

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// BundleVersion is the only bundle version read or written.
const BundleVersion = 1

const (
	KindSnapshot = "snapshot"
	KindEvents   = "events"
)

var ErrBadBundle = errors.New("bad replica bundle")

// Bundle is one replica layer. An events bundle carries the ledger
// sequence of each statement, increasing.
type Bundle struct {
	Version    int      `cbor:"1,keyasint"`
	Kind       string   `cbor:"2,keyasint"`
	Statements []string `cbor:"3,keyasint"`
	Sequences  []int64  `cbor:"4,keyasint,omitempty"`
}

// Event is one recorded ledger mutation.
type Event struct {
	Sequence  int64
	Statement string
}

var (
	encMode     cbor.EncMode
	decMode     cbor.DecMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("replica: cbor encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("replica: cbor decoder: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("replica: zstd encoder: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("replica: zstd decoder: " + err.Error())
	}
}

// EncodeSnapshot serializes statements as a compressed snapshot bundle.
func EncodeSnapshot(statements []string) ([]byte, error) {
	if statements == nil {
		statements = []string{}
	}
	return encode(Bundle{Version: BundleVersion, Kind: KindSnapshot, Statements: statements})
}

// EncodeEvents serializes events as a compressed events bundle.
func EncodeEvents(events []Event) ([]byte, error) {
	b := Bundle{
		Version:    BundleVersion,
		Kind:       KindEvents,
		Statements: make([]string, len(events)),
		Sequences:  make([]int64, len(events)),
	}
	for i, e := range events {
		b.Statements[i] = e.Statement
		b.Sequences[i] = e.Sequence
	}
	return encode(b)
}

func encode(b Bundle) ([]byte, error) {
	raw, err := encMode.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode %s bundle: %w", b.Kind, err)
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

// Decode reverses EncodeSnapshot and EncodeEvents.
func Decode(data []byte) (Bundle, error) {
	raw, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return Bundle{}, fmt.Errorf("%w: %v", ErrBadBundle, err)
	}
	var b Bundle
	if err := decMode.Unmarshal(raw, &b); err != nil {
		return Bundle{}, fmt.Errorf("%w: %v", ErrBadBundle, err)
	}
	if b.Version != BundleVersion {
		return Bundle{}, fmt.Errorf("%w: version %d", ErrBadBundle, b.Version)
	}
	switch b.Kind {
	case KindSnapshot:
	case KindEvents:
		if len(b.Sequences) != len(b.Statements) {
			return Bundle{}, fmt.Errorf("%w: %d sequences for %d statements", ErrBadBundle, len(b.Sequences), len(b.Statements))
		}
		for i := 1; i < len(b.Sequences); i++ {
			if b.Sequences[i] <= b.Sequences[i-1] {
				return Bundle{}, fmt.Errorf("%w: sequences not increasing", ErrBadBundle)
			}
		}
	default:
		return Bundle{}, fmt.Errorf("%w: kind %q", ErrBadBundle, b.Kind)
	}
	return b, nil
}
