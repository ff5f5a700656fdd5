package events

import (
	"context"
	"fmt"
	"time"

	"github.com/lattice-mesh/lattice/trace"
)

// Local is the in-process event backend: subscriptions are pattern
// bindings in one Dispatcher, and emit dispatches straight into it (or,
// for a delayed emit, after a timer fires on a group-tracked goroutine).
// Used for single-process deployments and wherever a test wants to drive
// event dispatch without a broker.
type Local struct {
	dispatcher *Dispatcher
	group      *trace.Group
	errorHook  func(err error, evt *Event)
}

// NewLocal returns a Local event system whose delayed emits and
// concurrent handler dispatch are tracked by group.
func NewLocal(group *trace.Group) *Local {
	return &Local{dispatcher: NewDispatcher(), group: group}
}

// OnError installs the callback invoked when a handler panics.
func (l *Local) OnError(hook func(err error, evt *Event)) { l.errorHook = hook }

// Subscribe registers handler's patterns. consume=false registers nothing,
// so Emit will not invoke the handler until a later Subscribe call with
// consume=true (there is no separate "start consuming" step for an
// in-process dispatcher, so this just controls whether Match can find it
// at all).
func (l *Local) Subscribe(h *Handler, consume bool) error {
	if !consume {
		return nil
	}
	for _, pattern := range h.Patterns {
		l.dispatcher.Register(pattern, h)
	}
	return nil
}

// Unsubscribe removes every binding for h.
func (l *Local) Unsubscribe(h *Handler) error {
	l.dispatcher.Unregister(h)
	return nil
}

// Emit dispatches evt to every matching handler, immediately or after
// delay elapses. A canceled group aborts a pending delayed emit rather
// than firing it after shutdown.
func (l *Local) Emit(evt *Event, delay time.Duration) error {
	if delay <= 0 {
		l.dispatch(evt)
		return nil
	}
	l.group.Spawn(func(ctx context.Context) {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			l.dispatch(evt)
		case <-ctx.Done():
		}
	})
	return nil
}

func (l *Local) dispatch(evt *Event) {
	for _, h := range l.dispatcher.Match(evt.Type) {
		h := h
		if h.Sequential {
			l.deliver(h, evt)
		} else {
			l.group.Spawn(func(context.Context) { l.deliver(h, evt) })
		}
	}
}

func (l *Local) deliver(h *Handler, evt *Event) {
	defer func() {
		if r := recover(); r != nil && l.errorHook != nil {
			l.errorHook(fmt.Errorf("events: handler panic: %v", r), evt)
		}
	}()
	h.Func(evt)
	if h.Once {
		l.Unsubscribe(h)
	}
}
