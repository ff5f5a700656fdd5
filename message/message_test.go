package message

import "testing"

func TestNewSetsFreshID(t *testing.T) {
	m1 := New(REQ, "echo.echo", "tcp://127.0.0.1:9000", nil, map[string]interface{}{"text": "hi"})
	m2 := New(REQ, "echo.echo", "tcp://127.0.0.1:9000", nil, map[string]interface{}{"text": "hi"})
	if m1.ID == m2.ID {
		t.Fatalf("expected distinct message ids, got %q twice", m1.ID)
	}
	if len(m1.ID) != 32 {
		t.Fatalf("expected a 32-hex-char id, got %q (len=%d)", m1.ID, len(m1.ID))
	}
}

func TestIsRequestIsReply(t *testing.T) {
	req := New(REQ, "echo.echo", "src", nil, nil)
	if !req.IsRequest() || req.IsReply() {
		t.Fatalf("REQ should be a request, not a reply")
	}
	for _, typ := range []Type{REP, ACK, NACK, ERROR} {
		reply := New(typ, req.ID, "src", nil, nil)
		if reply.IsRequest() || !reply.IsReply() {
			t.Fatalf("%s should be a reply, not a request", typ)
		}
	}
}

func TestIsIdleChatter(t *testing.T) {
	ping := New(REQ, PingSubject, "src", nil, nil)
	if !ping.IsIdleChatter() {
		t.Fatalf("ping should be idle chatter")
	}
	req := New(REQ, "echo.echo", "src", nil, nil)
	if req.IsIdleChatter() {
		t.Fatalf("a regular request should not be idle chatter")
	}
}

func TestParseTypeRoundTrip(t *testing.T) {
	for _, typ := range []Type{REQ, REP, ACK, NACK, ERROR} {
		parsed, err := ParseType(typ.String())
		if err != nil {
			t.Fatalf("ParseType(%s): %v", typ, err)
		}
		if parsed != typ {
			t.Fatalf("ParseType(%s) = %v, want %v", typ, parsed, typ)
		}
	}
	if _, err := ParseType("BOGUS"); err == nil {
		t.Fatalf("expected an error for an unknown type")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	m := New(REQ, "echo.echo", "src", map[string]string{TraceHeader: "abc"}, nil)
	c := m.Clone()
	c.Headers["extra"] = "1"
	if _, ok := m.Header("extra"); ok {
		t.Fatalf("mutating the clone's headers must not affect the original")
	}
	if c.TraceID() != "abc" {
		t.Fatalf("clone should retain trace id, got %q", c.TraceID())
	}
}
