package codec

import "encoding/json"

// JSONCodec uses the standard library's encoding/json. Human-readable,
// cross-language, easy to debug; slower than BinaryCodec due to
// reflection and string parsing.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (c *JSONCodec) Type() Type { return TypeJSON }

// EncodeEmbedded re-emits raw verbatim: a JSON value nested inside another
// JSON document is just its own bytes, no wrapping needed.
func (c *JSONCodec) EncodeEmbedded(raw []byte) ([]byte, error) {
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}
