package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lattice-mesh/lattice/message"
)

// LoggingMiddleware records the subject and duration of every dispatched
// request, plus the error type and message when the reply is an ERROR. It
// captures the start time before calling next, and logs the elapsed time
// after next returns.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			start := time.Now()
			reply := next(ctx, req)
			duration := time.Since(start)

			fields := []zap.Field{
				zap.String("subject", req.Subject),
				zap.Duration("duration", duration),
			}
			if reply != nil && reply.Type == message.ERROR {
				if body, ok := reply.Body().(map[string]interface{}); ok {
					fields = append(fields, zap.Any("error_type", body["type"]), zap.Any("error_message", body["message"]))
				}
				logger.Warn("rpc dispatch failed", fields...)
			} else {
				logger.Debug("rpc dispatch", fields...)
			}
			return reply
		}
	}
}
