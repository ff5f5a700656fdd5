package protocol

import (
	"fmt"

	"github.com/lattice-mesh/lattice/codec"
	"github.com/lattice-mesh/lattice/errs"
	"github.com/lattice-mesh/lattice/message"
)

// FrameCount is the number of frames a message envelope carries:
// [source, id, type, subject, headers, body].
const FrameCount = 6

// EncodeMessage serializes m into its six wire frames using c. The headers
// frame carries a one-byte codec-type prefix ahead of the encoded header
// map, so DecodeMessage can pick the matching codec for the headers without
// any out-of-band negotiation; the body frame is left raw for the receiver
// to decode.
func EncodeMessage(c codec.Codec, m *message.Message) ([][]byte, error) {
	headerValues := make(map[string]interface{}, len(m.Headers))
	for k, v := range m.Headers {
		headerValues[k] = v
	}
	headerBytes, err := c.Encode(headerValues)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode headers: %w", err)
	}
	headerFrame := append([]byte{byte(c.Type())}, headerBytes...)

	var bodyBytes []byte
	if embedder, ok := c.(codec.Embedder); ok && m.HasRawBody() {
		bodyBytes, err = embedder.EncodeEmbedded(m.RawBody())
	} else {
		bodyBytes, err = c.Encode(m.Body())
	}
	if err != nil {
		return nil, fmt.Errorf("protocol: encode body: %w", err)
	}

	return [][]byte{
		[]byte(m.Source),
		[]byte(m.ID),
		[]byte(m.Type.String()),
		[]byte(m.Subject),
		headerFrame,
		bodyBytes,
	}, nil
}

// DecodeMessage reconstructs a Message from exactly FrameCount wire frames.
// A malformed envelope (wrong frame count, unparsable type, non-string
// header value) yields a *errs.BadFormat — the caller should log and drop
// the message, not close the connection.
func DecodeMessage(frames [][]byte) (*message.Message, error) {
	if len(frames) != FrameCount {
		return nil, &errs.BadFormat{Reason: fmt.Sprintf("expected %d frames, got %d", FrameCount, len(frames))}
	}
	source := string(frames[0])
	id := string(frames[1])
	typ, err := message.ParseType(string(frames[2]))
	if err != nil {
		return nil, &errs.BadFormat{Reason: err.Error()}
	}
	subject := string(frames[3])

	headerFrame := frames[4]
	if len(headerFrame) < 1 {
		return nil, &errs.BadFormat{Reason: "empty headers frame"}
	}
	headerCodec := codec.Get(codec.Type(headerFrame[0]))
	decodedHeaders, err := headerCodec.Decode(headerFrame[1:])
	if err != nil {
		return nil, &errs.BadFormat{Reason: "decode headers: " + err.Error()}
	}
	headerValues, ok := decodedHeaders.(map[string]interface{})
	if !ok {
		return nil, &errs.BadFormat{Reason: "headers frame did not decode to a map"}
	}
	headers := make(map[string]string, len(headerValues))
	for k, v := range headerValues {
		s, ok := v.(string)
		if !ok {
			return nil, &errs.BadFormat{Reason: fmt.Sprintf("header %q is not a string", k)}
		}
		headers[k] = s
	}

	return message.FromWire(id, typ, subject, source, headers, frames[5]), nil
}
