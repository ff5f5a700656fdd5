package interfaces

import (
	"context"
	"errors"
	"testing"

	"github.com/lattice-mesh/lattice/channel"
	"github.com/lattice-mesh/lattice/message"
)

type recordingReplier struct {
	typ  message.Type
	body interface{}
}

func (r *recordingReplier) SendReply(request *message.Message, typ message.Type, body interface{}) error {
	r.typ = typ
	r.body = body
	return nil
}

func newRequest(subject string, body interface{}) (*message.Message, *channel.ReplyChannel, *recordingReplier) {
	req := message.New(message.REQ, subject, "caller:1", nil, body)
	rr := &recordingReplier{}
	return req, channel.NewReplyChannel(req, rr), rr
}

func TestDispatchEchoRoundTrip(t *testing.T) {
	reg := NewRegistry()
	iface := NewInterface("echo", nil)
	iface.AddMethod(&Method{
		Name:   "echo",
		Kind:   RPC,
		Params: []string{"text"},
		Func: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return params["text"], nil
		},
	})
	if err := reg.Register(iface); err != nil {
		t.Fatal(err)
	}

	req, reply, rr := newRequest("echo.echo", map[string]interface{}{"text": "hi"})
	reg.Dispatch(context.Background(), req, reply)

	if rr.typ != message.REP || rr.body != "hi" {
		t.Fatalf("expect REP %q, got %v %v", "hi", rr.typ, rr.body)
	}
}

func TestDispatchUnknownInterfaceNacks(t *testing.T) {
	reg := NewRegistry()
	req, reply, rr := newRequest("ghost.call", nil)
	reg.Dispatch(context.Background(), req, reply)
	if rr.typ != message.NACK {
		t.Fatalf("expect NACK, got %v", rr.typ)
	}
}

func TestDispatchUnknownParamNacks(t *testing.T) {
	reg := NewRegistry()
	iface := NewInterface("echo", nil)
	iface.AddMethod(&Method{
		Name:   "echo",
		Kind:   RPC,
		Params: []string{"text"},
		Func: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return params["text"], nil
		},
	})
	reg.Register(iface)

	req, reply, rr := newRequest("echo.echo", map[string]interface{}{"text": "hi", "bogus": 1})
	reg.Dispatch(context.Background(), req, reply)
	if rr.typ != message.NACK {
		t.Fatalf("expect NACK for unknown param, got %v", rr.typ)
	}
}

var errQuotaExceeded = errors.New("quota exceeded")

func TestDispatchDeclaredErrorBecomesTypedError(t *testing.T) {
	reg := NewRegistry()
	iface := NewInterface("billing", nil)
	iface.AddMethod(&Method{
		Name: "charge",
		Kind: RPC,
		Func: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return nil, errQuotaExceeded
		},
		Errors: map[error]string{errQuotaExceeded: "QuotaExceeded"},
	})
	reg.Register(iface)

	req, reply, rr := newRequest("billing.charge", nil)
	reg.Dispatch(context.Background(), req, reply)

	if rr.typ != message.ERROR {
		t.Fatalf("expect ERROR, got %v", rr.typ)
	}
	body, ok := rr.body.(map[string]interface{})
	if !ok || body["type"] != "QuotaExceeded" {
		t.Fatalf("expect type QuotaExceeded, got %v", rr.body)
	}
}

func TestDispatchUndeclaredErrorNacksAndReportsHook(t *testing.T) {
	reg := NewRegistry()
	var reported error
	reg.OnError(func(err error, req *message.Message) { reported = err })

	iface := NewInterface("flaky", nil)
	iface.AddMethod(&Method{
		Name: "fail",
		Kind: RPC,
		Func: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return nil, errors.New("boom")
		},
	})
	reg.Register(iface)

	req, reply, rr := newRequest("flaky.fail", nil)
	reg.Dispatch(context.Background(), req, reply)

	if rr.typ != message.NACK {
		t.Fatalf("expect NACK, got %v", rr.typ)
	}
	if reported == nil {
		t.Fatal("expect error hook invoked")
	}
}

func TestDispatchRawRPCControlsReplyItself(t *testing.T) {
	reg := NewRegistry()
	iface := NewInterface("raw", nil)
	iface.AddMethod(&Method{
		Name: "fireforget",
		Kind: RawRPC,
		Raw: func(ctx context.Context, req *message.Message, reply *channel.ReplyChannel, params map[string]interface{}) {
			reply.Ack(false)
		},
	})
	reg.Register(iface)

	req, reply, rr := newRequest("raw.fireforget", nil)
	reg.Dispatch(context.Background(), req, reply)

	if rr.typ != message.ACK {
		t.Fatalf("expect ACK, got %v", rr.typ)
	}
}

func TestDispatchHandlerPanicNacks(t *testing.T) {
	reg := NewRegistry()
	iface := NewInterface("panicky", nil)
	iface.AddMethod(&Method{
		Name: "blow",
		Kind: RPC,
		Func: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			panic("kaboom")
		},
	})
	reg.Register(iface)

	req, reply, rr := newRequest("panicky.blow", nil)
	reg.Dispatch(context.Background(), req, reply)

	if rr.typ != message.NACK {
		t.Fatalf("expect NACK on panic, got %v", rr.typ)
	}
}
