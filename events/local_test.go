package events

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lattice-mesh/lattice/trace"
)

func TestLocalEmitInvokesMatchingHandler(t *testing.T) {
	group := trace.NewGroup(context.Background())
	defer group.Shutdown(time.Second)

	l := NewLocal(group)
	var got atomic.Value
	var wg sync.WaitGroup
	wg.Add(1)
	h, err := NewHandler("echo-upper", []string{"uppercase_transform_finished"}, func(evt *Event) {
		got.Store(evt.Body["text"])
		wg.Done()
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Subscribe(h, true); err != nil {
		t.Fatal(err)
	}

	if err := l.Emit(&Event{Type: "uppercase_transform_finished", Body: map[string]interface{}{"text": "foo"}}, 0); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}
	if got.Load() != "foo" {
		t.Fatalf("expect body text %q, got %v", "foo", got.Load())
	}
}

func TestLocalSequentialRunsInline(t *testing.T) {
	group := trace.NewGroup(context.Background())
	defer group.Shutdown(time.Second)

	l := NewLocal(group)
	invoked := false
	h, err := NewHandler("inline", []string{"foo"}, func(*Event) { invoked = true }, Sequential())
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Subscribe(h, true); err != nil {
		t.Fatal(err)
	}
	if err := l.Emit(&Event{Type: "foo"}, 0); err != nil {
		t.Fatal(err)
	}
	if !invoked {
		t.Fatal("expect sequential handler invoked synchronously within Emit")
	}
}

func TestLocalOnceUnsubscribesAfterFirstDelivery(t *testing.T) {
	group := trace.NewGroup(context.Background())
	defer group.Shutdown(time.Second)

	l := NewLocal(group)
	var count int32
	h, err := NewHandler("once", []string{"foo"}, func(*Event) {
		atomic.AddInt32(&count, 1)
	}, Sequential(), Once())
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Subscribe(h, true); err != nil {
		t.Fatal(err)
	}
	l.Emit(&Event{Type: "foo"}, 0)
	l.Emit(&Event{Type: "foo"}, 0)

	if atomic.LoadInt32(&count) != 1 {
		t.Fatalf("expect exactly one delivery, got %d", count)
	}
}

func TestLocalDelayedEmit(t *testing.T) {
	group := trace.NewGroup(context.Background())
	defer group.Shutdown(time.Second)

	l := NewLocal(group)
	fired := make(chan struct{}, 1)
	h, err := NewHandler("delayed", []string{"foo"}, func(*Event) { fired <- struct{}{} }, Sequential())
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Subscribe(h, true); err != nil {
		t.Fatal(err)
	}

	if err := l.Emit(&Event{Type: "foo"}, 500*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	select {
	case <-fired:
		t.Fatal("handler fired before delay elapsed")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("delayed handler never fired")
	}
}
