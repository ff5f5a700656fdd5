// Package message defines the RPC/event envelope exchanged between
// containers.
//
// A Message is immutable once created. Its wire representation is six
// frames: [source, id, type, subject, headers, body]. Body decoding is
// lazy — frames arriving off the wire keep their raw bytes until a codec
// decodes them and SetDecodedBody caches the result, which pairs with the
// binary codec's embed extension
// used by forwarding paths that must re-emit a body unparsed.
package message

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Type is the closed set of message kinds allowed on the wire.
type Type byte

const (
	REQ Type = iota
	REP
	ACK
	NACK
	ERROR
)

func (t Type) String() string {
	switch t {
	case REQ:
		return "REQ"
	case REP:
		return "REP"
	case ACK:
		return "ACK"
	case NACK:
		return "NACK"
	case ERROR:
		return "ERROR"
	default:
		return fmt.Sprintf("Type(%d)", t)
	}
}

// ParseType maps a frame's wire string back to a Type.
func ParseType(s string) (Type, error) {
	switch s {
	case "REQ":
		return REQ, nil
	case "REP":
		return REP, nil
	case "ACK":
		return ACK, nil
	case "NACK":
		return NACK, nil
	case "ERROR":
		return ERROR, nil
	default:
		return 0, fmt.Errorf("message: unknown type %q", s)
	}
}

// TraceHeader is the header key every message carries.
const TraceHeader = "trace_id"

// VersionHeader is set on replies from versioned interfaces.
const VersionHeader = "version"

// PingSubject is the meta-interface's heartbeat probe subject.
const PingSubject = "lattice.ping"

// Message is the immutable RPC/event envelope. Headers are always decoded
// (they are small, fixed-shape string maps); Body is lazily decoded via
// SetDecodedBody so that forwarding paths can re-emit it unparsed.
type Message struct {
	ID      string
	Type    Type
	Subject string
	Source  string
	Headers map[string]string

	rawBody []byte      // undecoded wire bytes, if the message arrived off the wire
	body    interface{} // decoded value, valid once decoded is true
	decoded bool
}

// New constructs a Message with a freshly minted id. For REQ messages
// Subject is "<interface>.<method>"; for reply kinds Subject is the
// originating request's id.
func New(typ Type, subject, source string, headers map[string]string, body interface{}) *Message {
	if headers == nil {
		headers = map[string]string{}
	}
	return &Message{
		ID:      NewID(),
		Type:    typ,
		Subject: subject,
		Source:  source,
		Headers: headers,
		body:    body,
		decoded: true,
	}
}

// NewID mints a fresh 128-bit hex-encoded message id.
func NewID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// FromWire constructs a Message whose body is still raw bytes, for frames
// just decoded off the transport. Call SetDecodedBody after running it
// through a codec to cache the decoded value.
func FromWire(id string, typ Type, subject, source string, headers map[string]string, rawBody []byte) *Message {
	if headers == nil {
		headers = map[string]string{}
	}
	return &Message{
		ID:      id,
		Type:    typ,
		Subject: subject,
		Source:  source,
		Headers: headers,
		rawBody: rawBody,
	}
}

// IsRequest reports whether the message is a REQ.
func (m *Message) IsRequest() bool { return m.Type == REQ }

// IsReply reports whether the message is one of REP/ACK/NACK/ERROR.
func (m *Message) IsReply() bool {
	switch m.Type {
	case REP, ACK, NACK, ERROR:
		return true
	default:
		return false
	}
}

// IsIdleChatter reports whether this message should NOT update a
// Connection's last_message timestamp — only heartbeat pings are idle
// chatter; everything else counts as real traffic for idle-timeout
// purposes.
func (m *Message) IsIdleChatter() bool {
	return m.Subject == PingSubject
}

// RawBody returns the undecoded wire bytes, if any (nil once the message
// was constructed in-process with an already-typed body).
func (m *Message) RawBody() []byte { return m.rawBody }

// HasRawBody reports whether the message still carries undecoded bytes.
func (m *Message) HasRawBody() bool { return m.rawBody != nil && !m.decoded }

// SetDecodedBody caches a decoded body value (used by codecs after decode).
func (m *Message) SetDecodedBody(v interface{}) {
	m.body = v
	m.decoded = true
}

// Body returns the decoded body value. Wire-origin messages must be
// decoded first (see HasRawBody) before this is meaningful.
func (m *Message) Body() interface{} { return m.body }

// Clone returns a shallow copy of m with an independent header map, used
// when forwarding a message while overriding a single header.
func (m *Message) Clone() *Message {
	headers := make(map[string]string, len(m.Headers))
	for k, v := range m.Headers {
		headers[k] = v
	}
	c := *m
	c.Headers = headers
	return &c
}

// Header returns a header value and whether it was present.
func (m *Message) Header(key string) (string, bool) {
	v, ok := m.Headers[key]
	return v, ok
}

// TraceID returns the trace_id header, or "" if absent.
func (m *Message) TraceID() string {
	return m.Headers[TraceHeader]
}
