package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lattice-mesh/lattice/message"
	"github.com/lattice-mesh/lattice/trace"
)

type fakePinger struct {
	mu  sync.Mutex
	err error
}

func (p *fakePinger) Ping(ctx context.Context, endpoint string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *fakePinger) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

type fakeDisconnector struct {
	mu       sync.Mutex
	endpoint string
	calls    int
}

func (d *fakeDisconnector) Disconnect(endpoint string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.endpoint = endpoint
	d.calls++
}

func TestConnectionOnRecvUpdatesStatus(t *testing.T) {
	group := trace.NewGroup(context.Background())
	defer group.Shutdown(time.Second)

	pinger := &fakePinger{}
	disc := &fakeDisconnector{}
	opts := DefaultOptions()
	opts.HeartbeatInterval = time.Hour // don't let the loop interfere with this test
	c := New(group, pinger, disc, "tcp://peer:9000", opts, nil)

	c.OnRecv(message.New(message.REQ, "echo.echo", "peer", nil, nil))
	c.updateStatus()
	if c.Status() != Responsive {
		t.Fatalf("expected Responsive after a fresh recv, got %v", c.Status())
	}
}

func TestConnectionCloseIsIdempotent(t *testing.T) {
	group := trace.NewGroup(context.Background())
	pinger := &fakePinger{}
	disc := &fakeDisconnector{}
	opts := DefaultOptions()
	opts.HeartbeatInterval = time.Hour
	c := New(group, pinger, disc, "tcp://peer:9000", opts, nil)

	c.Close()
	c.Close()
	if disc.calls != 1 {
		t.Fatalf("expected exactly one Disconnect call, got %d", disc.calls)
	}
	if c.Status() != Closed {
		t.Fatalf("expected Closed status, got %v", c.Status())
	}
	group.Shutdown(time.Second)
}

func TestConnectionHeartbeatFailureDoesNotPanic(t *testing.T) {
	group := trace.NewGroup(context.Background())
	pinger := &fakePinger{err: errors.New("boom")}
	disc := &fakeDisconnector{}
	opts := DefaultOptions()
	opts.HeartbeatInterval = 5 * time.Millisecond
	c := New(group, pinger, disc, "tcp://peer:9000", opts, nil)

	time.Sleep(30 * time.Millisecond)
	c.Close()
	group.Shutdown(time.Second)
}

func TestConnectionIsAliveBeforeFirstContact(t *testing.T) {
	group := trace.NewGroup(context.Background())
	defer group.Shutdown(time.Second)
	pinger := &fakePinger{}
	disc := &fakeDisconnector{}
	opts := DefaultOptions()
	opts.HeartbeatInterval = time.Hour
	c := New(group, pinger, disc, "tcp://peer:9000", opts, nil)

	if !c.IsAlive() {
		t.Fatalf("a freshly created connection (Unknown status) should be considered alive")
	}
}
