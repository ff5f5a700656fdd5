// Package events implements the topic-routed event subsystem: the Event
// envelope, wildcard pattern dispatch, and the in-process and
// broker-backed System implementations that share one
// subscribe/unsubscribe/emit contract.
package events

import (
	"errors"
	"time"
)

// Event is a topic-routed notification. Serialization uses the same
// shape as a message body, so it rides either codec unchanged.
type Event struct {
	Type    string
	Body    map[string]interface{}
	Source  string
	Headers map[string]string
}

// Serialize returns the wire shape of e.
func (e *Event) Serialize() map[string]interface{} {
	headers := make(map[string]interface{}, len(e.Headers))
	for k, v := range e.Headers {
		headers[k] = v
	}
	return map[string]interface{}{
		"type":    e.Type,
		"body":    e.Body,
		"source":  e.Source,
		"headers": headers,
	}
}

// Deserialize reconstructs an Event from its wire shape. Missing fields
// are left at their zero value rather than erroring, mirroring the
// permissive decode at message boundaries elsewhere in the system.
func Deserialize(data map[string]interface{}) *Event {
	evt := &Event{}
	if t, ok := data["type"].(string); ok {
		evt.Type = t
	}
	if b, ok := data["body"].(map[string]interface{}); ok {
		evt.Body = b
	}
	if s, ok := data["source"].(string); ok {
		evt.Source = s
	}
	if h, ok := data["headers"].(map[string]interface{}); ok {
		evt.Headers = make(map[string]string, len(h))
		for k, v := range h {
			if s, ok := v.(string); ok {
				evt.Headers[k] = s
			}
		}
	}
	return evt
}

// Handler is a bound event subscription: the patterns it listens on, the
// function to invoke, and the delivery flags from the EventHandler
// binding's invariants.
type Handler struct {
	QueueName  string
	Patterns   []string
	Func       func(evt *Event)
	Sequential bool
	Once       bool
	Broadcast  bool
	Active     bool
}

// HandlerOption configures a Handler at construction time.
type HandlerOption func(*Handler)

// Sequential marks the handler to run inline on the delivering goroutine
// rather than handed off for concurrent dispatch.
func Sequential() HandlerOption { return func(h *Handler) { h.Sequential = true } }

// Once marks the handler to unsubscribe itself after its first successful
// delivery. Mutually exclusive with Broadcast.
func Once() HandlerOption { return func(h *Handler) { h.Once = true } }

// Broadcast marks the handler so every replica of the owning interface
// gets its own queue and therefore sees every matching event, rather than
// the default where replicas compete for one shared queue. Mutually
// exclusive with Once.
func Broadcast() HandlerOption { return func(h *Handler) { h.Broadcast = true } }

// Inactive clears the handler's Active flag. It binds nothing itself: a
// container installing the owning interface skips inactive handlers, and
// such a handler is only bound once it is passed to Subscribe explicitly.
func Inactive() HandlerOption { return func(h *Handler) { h.Active = false } }

// NewHandler builds a Handler bound to queueName (typically
// "<interface>-<function>") and one or more wildcard patterns.
func NewHandler(queueName string, patterns []string, fn func(*Event), opts ...HandlerOption) (*Handler, error) {
	if len(patterns) == 0 {
		return nil, errors.New("events: handler needs at least one pattern")
	}
	h := &Handler{QueueName: queueName, Patterns: patterns, Func: fn, Active: true}
	for _, opt := range opts {
		opt(h)
	}
	if h.Once && h.Broadcast {
		return nil, errors.New("events: once and broadcast are mutually exclusive")
	}
	return h, nil
}

// System is the contract shared by every event backend. delay of zero
// means emit immediately.
type System interface {
	Subscribe(h *Handler, consume bool) error
	Unsubscribe(h *Handler) error
	Emit(evt *Event, delay time.Duration) error
}
