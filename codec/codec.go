// Package codec provides the pluggable serialization layer for message
// headers and bodies.
//
// Two formats are supported: a compact self-describing binary format
// (preferred) and JSON. Both implement the same Codec interface so the
// frame header's codec-type byte can select either transparently. The
// binary format adds an "embed" tag so forwarding paths can carry an
// already-encoded sub-message through without a decode+re-encode round
// trip.
package codec

// Type identifies the serialization format, carried as 1 byte in the frame
// header so the receiver knows which codec decoded a given frame.
type Type byte

const (
	TypeBinary Type = 0
	TypeJSON   Type = 1
)

// Codec serializes and deserializes arbitrary values for the wire.
type Codec interface {
	// Encode serializes v.
	Encode(v interface{}) ([]byte, error)
	// Decode deserializes data into a generic Go value (nil, bool, int64,
	// float64, string, []byte, []interface{}, or map[string]interface{}).
	Decode(data []byte) (interface{}, error)
	// Type returns the codec type identifier stored in the frame header.
	Type() Type
}

// Embedder is implemented by codecs that support carrying an
// already-encoded sub-message through without re-decoding it, used by
// forwarding paths.
type Embedder interface {
	// EncodeEmbedded wraps raw (an already-Encode'd value in this same
	// codec) so that Decode returns its decoded value without the caller
	// needing to re-encode it first.
	EncodeEmbedded(raw []byte) ([]byte, error)
}

// Get returns the codec for the given type. Unrecognized types fall back
// to the binary codec.
func Get(t Type) Codec {
	if t == TypeJSON {
		return &JSONCodec{}
	}
	return &BinaryCodec{}
}
