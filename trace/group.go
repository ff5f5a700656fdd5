package trace

import (
	"context"
	"sync"
	"time"
)

// Group is the container's cooperative task group: every long-running
// goroutine the container spawns is tracked here so Shutdown can cancel the
// root context, wait for cleanup, and forcibly give up after a grace period
// rather than block forever on a handler that ignores cancellation.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGroup creates a task group whose root context is derived from parent.
func NewGroup(parent context.Context) *Group {
	ctx, cancel := context.WithCancel(parent)
	return &Group{ctx: ctx, cancel: cancel}
}

// Context returns the group's root context; fibers should select on
// ctx.Done() at every suspension point.
func (g *Group) Context() context.Context { return g.ctx }

// Spawn runs fn in its own goroutine, tracked by the group's WaitGroup.
func (g *Group) Spawn(fn func(ctx context.Context)) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn(g.ctx)
	}()
}

// Shutdown cancels the group's root context and waits up to grace for all
// spawned goroutines to return. It returns false if the grace period
// elapsed with goroutines still running — they are abandoned, not killed,
// since Go has no forcible goroutine termination.
func (g *Group) Shutdown(grace time.Duration) bool {
	g.cancel()
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(grace):
		return false
	}
}
