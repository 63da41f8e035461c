// Package rpc carries the pass-authorized storage protocol over gRPC.
//
// Messages are plain Go structs encoded as JSON by a registered gRPC
// codec; the service descriptor is declared by hand. Every request is a
// versioned envelope, and the gated operations carry their passes in it.
package rpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype of the JSON codec.
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
