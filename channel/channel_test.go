package channel

import (
	"context"
	"testing"
	"time"

	"github.com/lattice-mesh/lattice/errs"
	"github.com/lattice-mesh/lattice/message"
)

func TestRequestChannelGetDeliversReply(t *testing.T) {
	table := NewTable()
	rc := table.Register("req-1")

	reply := message.New(message.REP, "req-1", "peer", nil, "ok")
	if !table.Deliver(reply) {
		t.Fatalf("expected Deliver to find the registered channel")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := rc.Get(ctx)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Body() != "ok" {
		t.Fatalf("got body %#v, want \"ok\"", got.Body())
	}
	if table.Len() != 0 {
		t.Fatalf("expected the channel to be removed from the table after Get, Len=%d", table.Len())
	}
}

func TestRequestChannelGetTimesOut(t *testing.T) {
	table := NewTable()
	rc := table.Register("req-2")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := rc.Get(ctx)
	if !errs.IsTimeout(err) {
		t.Fatalf("expected a Timeout error, got %v", err)
	}
}

func TestRequestChannelGetNack(t *testing.T) {
	table := NewTable()
	rc := table.Register("req-3")
	table.Deliver(message.New(message.NACK, "req-3", "peer", nil, nil))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := rc.Get(ctx)
	if !errs.IsNack(err) {
		t.Fatalf("expected a Nack error, got %v", err)
	}
}

func TestRequestChannelGetRemoteError(t *testing.T) {
	table := NewTable()
	rc := table.Register("req-4")
	body := map[string]interface{}{"type": "ValueError", "message": "bad arg"}
	table.Deliver(message.New(message.ERROR, "req-4", "peer", nil, body))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := rc.Get(ctx)
	re, ok := err.(*errs.RemoteError)
	if !ok {
		t.Fatalf("expected a *errs.RemoteError, got %T: %v", err, err)
	}
	if re.Kind != "ValueError" || re.Message != "bad arg" {
		t.Fatalf("unexpected remote error fields: %+v", re)
	}
}

func TestDeliverToUnknownRequestIsNoop(t *testing.T) {
	table := NewTable()
	if table.Deliver(message.New(message.REP, "nobody-waiting", "peer", nil, nil)) {
		t.Fatalf("expected Deliver to report no waiting channel")
	}
}

type fakeReplier struct {
	lastType message.Type
	lastBody interface{}
	calls    int
}

func (f *fakeReplier) SendReply(request *message.Message, typ message.Type, body interface{}) error {
	f.lastType = typ
	f.lastBody = body
	f.calls++
	return nil
}

func TestReplyChannelAckUnlessReplySent(t *testing.T) {
	req := message.New(message.REQ, "echo.echo", "peer", nil, nil)
	fr := &fakeReplier{}
	rc := NewReplyChannel(req, fr)

	if err := rc.Reply("done"); err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
	if err := rc.Ack(true); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	if fr.calls != 1 {
		t.Fatalf("expected Ack after Reply(unlessReplySent=true) to be a no-op, got %d calls", fr.calls)
	}
	if fr.lastType != message.REP {
		t.Fatalf("expected last send to still be REP, got %v", fr.lastType)
	}
}

func TestReplyChannelError(t *testing.T) {
	req := message.New(message.REQ, "echo.echo", "peer", nil, nil)
	fr := &fakeReplier{}
	rc := NewReplyChannel(req, fr)
	if err := rc.Error("ValueError", "bad arg"); err != nil {
		t.Fatalf("Error failed: %v", err)
	}
	if fr.lastType != message.ERROR {
		t.Fatalf("expected ERROR reply, got %v", fr.lastType)
	}
	body, ok := fr.lastBody.(map[string]interface{})
	if !ok || body["type"] != "ValueError" || body["message"] != "bad arg" {
		t.Fatalf("unexpected error body: %#v", fr.lastBody)
	}
}
