package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/lattice-mesh/lattice/message"
)

// RateLimitMiddleware creates a token-bucket rate limiter: tokens refill
// at r per second up to burst, and each request consumes one. A request
// arriving with an empty bucket is rejected with a RateLimited ERROR
// reply rather than calling next.
//
// The limiter is created once, in the outer closure, and shared across
// every request through this middleware instance — creating it per
// request would hand every request a fresh full bucket and defeat rate
// limiting entirely.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			if !limiter.Allow() {
				return errorReply(req, "RateLimited", "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
