// Package trace carries the ambient trace id across a logical request and
// provides the container's cooperative task group.
//
// The trace id has no implicit per-goroutine home, so it travels explicitly
// on context.Context rather than through a thread/greenlet-local.
package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

type traceIDKey struct{}

// NewID mints a fresh 128-bit id, hex-encoded to 32 characters — the same
// shape as a message id.
func NewID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// WithID attaches a trace id to ctx, returning a child context.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, id)
}

// ID returns the trace id carried by ctx, minting a fresh one if absent.
func ID(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey{}).(string); ok && id != "" {
		return id
	}
	return NewID()
}
