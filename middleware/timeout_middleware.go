package middleware

import (
	"context"
	"time"

	"github.com/lattice-mesh/lattice/message"
)

// TimeOutMiddleware enforces a maximum duration for each dispatch. If the
// handler doesn't complete within timeout, it returns a Timeout ERROR
// reply immediately.
//
// The handler goroutine is not cancelled when the timeout fires — it
// keeps running in the background (ctx carries the deadline so a
// well-behaved handler can still notice and bail early itself).
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Message, 1) // buffered so the goroutine never blocks if the timeout fires first
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case reply := <-done:
				return reply
			case <-ctx.Done():
				return errorReply(req, "Timeout", "request timed out")
			}
		}
	}
}
