package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lattice-mesh/lattice/message"
)

// retryableErrorKinds are the ERROR reply kinds worth retrying — ones
// that plausibly reflect a transient condition rather than the handler
// rejecting the request on its merits.
var retryableErrorKinds = map[string]bool{
	"Timeout":      true,
	"NotConnected": true,
}

// RetryMiddleware retries a dispatch up to maxRetries times, with
// exponential backoff starting at baseDelay, but only when the reply is
// an ERROR of a retryable kind. A NACK or a non-retryable ERROR is
// returned immediately.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			reply := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if !isRetryable(reply) {
					return reply
				}
				logger.Debug("retrying dispatch",
					zap.String("subject", req.Subject),
					zap.Int("attempt", i+1),
				)
				time.Sleep(baseDelay * time.Duration(1<<i))
				reply = next(ctx, req)
			}
			return reply
		}
	}
}

func isRetryable(reply *message.Message) bool {
	if reply == nil || reply.Type != message.ERROR {
		return false
	}
	body, ok := reply.Body().(map[string]interface{})
	if !ok {
		return false
	}
	kind, _ := body["type"].(string)
	return retryableErrorKinds[kind]
}
