// Package middleware implements the onion-model chain wrapping a
// container's inbound RPC dispatch handler.
//
// Middleware wraps the business handler to add cross-cutting concerns
// (logging, timeout, retry, rate limiting) without modifying the handler
// itself.
//
// Onion model execution order:
//
//	Chain(A, B, C)(handler)  →  A(B(C(handler)))
//
//	Request:   A.before → B.before → C.before → handler
//	Response:  handler → C.after → B.after → A.after
//
// Each middleware can do pre-processing, call next to pass the request
// deeper, do post-processing on the reply, or short-circuit by returning
// without calling next (e.g. rate limiting).
package middleware

import (
	"context"

	"github.com/lattice-mesh/lattice/message"
)

// HandlerFunc dispatches a REQ message and returns its reply (REP, ACK,
// NACK, or ERROR). Both the business handler and middleware-wrapped
// handlers share this signature.
type HandlerFunc func(ctx context.Context, req *message.Message) *message.Message

// Middleware wraps a handler with a new handler that adds behavior
// around it — the decorator pattern.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one, built right-to-left so the first
// middleware passed is the outermost layer (runs first on the request,
// last on the reply).
//
//	chain := Chain(Logging, Timeout, RateLimit)
//	handler := chain(businessHandler)
//	// Execution: Logging → Timeout → RateLimit → businessHandler → RateLimit → Timeout → Logging
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// errorReply builds an ERROR reply to req carrying {"type": kind,
// "message": text} as its body, matching the wire shape a peer's
// channel.RequestChannel.Get expects to translate back into an
// *errs.RemoteError.
func errorReply(req *message.Message, kind, text string) *message.Message {
	return message.New(message.ERROR, req.ID, "", nil, map[string]interface{}{
		"type":    kind,
		"message": text,
	})
}
