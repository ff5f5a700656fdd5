package codec

import (
	"encoding/binary"
	"fmt"
	"math"
)

// BinaryCodec is a compact, self-describing binary format for arbitrary
// values: every encoded value starts with a 1-byte type tag, so a decoder
// never needs an out-of-band schema. Faster than JSON because it skips
// string escaping and repeated field names.
//
// Tags:
//
//	nilTag     — no payload
//	boolTag    — 1 byte (0/1)
//	intTag     — 8 bytes, big-endian int64
//	floatTag   — 8 bytes, big-endian float64 bits
//	stringTag  — 4-byte length + UTF-8 bytes
//	bytesTag   — 4-byte length + raw bytes
//	arrayTag   — 4-byte count + each element, tag-prefixed
//	mapTag     — 4-byte count + (string key, tag-prefixed value) pairs
//	embedTag   — 4-byte length + an already-encoded value, carried through
//	             unparsed on encode (see EncodeEmbedded) and transparently
//	             unwrapped on decode — used by forwarding paths that must
//	             re-emit a body without decoding and re-encoding it.
type BinaryCodec struct{}

const (
	nilTag byte = iota
	boolTag
	intTag
	floatTag
	stringTag
	bytesTag
	arrayTag
	mapTag
	embedTag
)

func (c *BinaryCodec) Type() Type { return TypeBinary }

func (c *BinaryCodec) Encode(v interface{}) ([]byte, error) {
	var buf []byte
	buf, err := encodeValue(buf, v)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte) (interface{}, error) {
	v, rest, err := decodeValue(data)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("codec: %d trailing bytes after decode", len(rest))
	}
	return v, nil
}

// EncodeEmbedded wraps an already-Encode'd value so a subsequent Decode
// returns its decoded value directly, without the caller re-encoding it.
func (c *BinaryCodec) EncodeEmbedded(raw []byte) ([]byte, error) {
	buf := make([]byte, 0, 1+4+len(raw))
	buf = append(buf, embedTag)
	buf = appendUint32(buf, uint32(len(raw)))
	buf = append(buf, raw...)
	return buf, nil
}

func encodeValue(buf []byte, v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return append(buf, nilTag), nil
	case bool:
		buf = append(buf, boolTag)
		if val {
			return append(buf, 1), nil
		}
		return append(buf, 0), nil
	case int:
		return encodeInt(buf, int64(val)), nil
	case int64:
		return encodeInt(buf, val), nil
	case float64:
		buf = append(buf, floatTag)
		return appendUint64(buf, math.Float64bits(val)), nil
	case string:
		return encodeString(buf, val), nil
	case []byte:
		buf = append(buf, bytesTag)
		buf = appendUint32(buf, uint32(len(val)))
		return append(buf, val...), nil
	case []interface{}:
		buf = append(buf, arrayTag)
		buf = appendUint32(buf, uint32(len(val)))
		var err error
		for _, item := range val {
			buf, err = encodeValue(buf, item)
			if err != nil {
				return nil, err
			}
		}
		return buf, nil
	case map[string]interface{}:
		buf = append(buf, mapTag)
		buf = appendUint32(buf, uint32(len(val)))
		var err error
		for k, item := range val {
			buf = encodeString(buf, k)
			buf, err = encodeValue(buf, item)
			if err != nil {
				return nil, err
			}
		}
		return buf, nil
	default:
		return nil, fmt.Errorf("codec: BinaryCodec cannot encode %T", v)
	}
}

func encodeInt(buf []byte, v int64) []byte {
	buf = append(buf, intTag)
	return appendUint64(buf, uint64(v))
}

func encodeString(buf []byte, s string) []byte {
	buf = append(buf, stringTag)
	buf = appendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func decodeValue(data []byte) (interface{}, []byte, error) {
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("codec: unexpected end of data")
	}
	tag, rest := data[0], data[1:]
	switch tag {
	case nilTag:
		return nil, rest, nil
	case boolTag:
		if len(rest) < 1 {
			return nil, nil, fmt.Errorf("codec: truncated bool")
		}
		return rest[0] != 0, rest[1:], nil
	case intTag:
		if len(rest) < 8 {
			return nil, nil, fmt.Errorf("codec: truncated int")
		}
		return int64(binary.BigEndian.Uint64(rest[:8])), rest[8:], nil
	case floatTag:
		if len(rest) < 8 {
			return nil, nil, fmt.Errorf("codec: truncated float")
		}
		return math.Float64frombits(binary.BigEndian.Uint64(rest[:8])), rest[8:], nil
	case stringTag:
		s, tail, err := decodeLenPrefixed(rest)
		if err != nil {
			return nil, nil, err
		}
		return string(s), tail, nil
	case bytesTag:
		b, tail, err := decodeLenPrefixed(rest)
		if err != nil {
			return nil, nil, err
		}
		out := make([]byte, len(b))
		copy(out, b)
		return out, tail, nil
	case arrayTag:
		n, tail, err := decodeUint32(rest)
		if err != nil {
			return nil, nil, err
		}
		arr := make([]interface{}, 0, n)
		for i := uint32(0); i < n; i++ {
			var item interface{}
			item, tail, err = decodeValue(tail)
			if err != nil {
				return nil, nil, err
			}
			arr = append(arr, item)
		}
		return arr, tail, nil
	case mapTag:
		n, tail, err := decodeUint32(rest)
		if err != nil {
			return nil, nil, err
		}
		m := make(map[string]interface{}, n)
		for i := uint32(0); i < n; i++ {
			keyBytes, afterKey, err := decodeLenPrefixedTagged(tail, stringTag)
			if err != nil {
				return nil, nil, err
			}
			var item interface{}
			item, tail, err = decodeValue(afterKey)
			if err != nil {
				return nil, nil, err
			}
			m[string(keyBytes)] = item
		}
		return m, tail, nil
	case embedTag:
		raw, tail, err := decodeLenPrefixed(rest)
		if err != nil {
			return nil, nil, err
		}
		inner, leftover, err := decodeValue(raw)
		if err != nil {
			return nil, nil, err
		}
		if len(leftover) != 0 {
			return nil, nil, fmt.Errorf("codec: trailing bytes inside embedded value")
		}
		return inner, tail, nil
	default:
		return nil, nil, fmt.Errorf("codec: unknown tag %d", tag)
	}
}

func decodeUint32(data []byte) (uint32, []byte, error) {
	if len(data) < 4 {
		return 0, nil, fmt.Errorf("codec: truncated length prefix")
	}
	return binary.BigEndian.Uint32(data[:4]), data[4:], nil
}

func decodeLenPrefixed(data []byte) ([]byte, []byte, error) {
	n, rest, err := decodeUint32(data)
	if err != nil {
		return nil, nil, err
	}
	if uint32(len(rest)) < n {
		return nil, nil, fmt.Errorf("codec: truncated value (want %d bytes, have %d)", n, len(rest))
	}
	return rest[:n], rest[n:], nil
}

// decodeLenPrefixedTagged expects data to start with the given tag
// followed by a 4-byte length prefix and that many bytes (used for map
// keys, which are always written via encodeString).
func decodeLenPrefixedTagged(data []byte, want byte) ([]byte, []byte, error) {
	if len(data) == 0 || data[0] != want {
		return nil, nil, fmt.Errorf("codec: expected tag %d for map key", want)
	}
	return decodeLenPrefixed(data[1:])
}
