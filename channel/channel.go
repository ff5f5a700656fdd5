// Package channel provides the per-request delivery primitives a Server
// uses to hand an incoming reply back to the goroutine that sent the
// original request, and to send a reply back out for an inbound one.
package channel

import (
	"context"
	"sync"

	"github.com/lattice-mesh/lattice/errs"
	"github.com/lattice-mesh/lattice/message"
)

// Table owns the request-id -> RequestChannel map shared by a Server's
// send and receive paths. It has its own lock so it can be updated from
// the read loop (delivering a reply) concurrently with the send path
// (registering a new outstanding request) without contending with any
// other table a Server keeps (connections, services).
type Table struct {
	mu       sync.Mutex
	channels map[string]*RequestChannel
}

// NewTable returns an empty channel table.
func NewTable() *Table {
	return &Table{channels: make(map[string]*RequestChannel)}
}

// Register creates a RequestChannel for a freshly sent request and tracks
// it under requestID until the channel is closed.
func (t *Table) Register(requestID string) *RequestChannel {
	rc := &RequestChannel{requestID: requestID, table: t, queue: make(chan *message.Message, 1)}
	t.mu.Lock()
	t.channels[requestID] = rc
	t.mu.Unlock()
	return rc
}

// Deliver routes an inbound reply to the RequestChannel waiting on its
// request id, if any is still registered. Returns false if no channel was
// waiting (the request already timed out, or the reply is a duplicate).
func (t *Table) Deliver(msg *message.Message) bool {
	t.mu.Lock()
	rc, ok := t.channels[msg.Subject]
	t.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case rc.queue <- msg:
		return true
	default:
		return false
	}
}

func (t *Table) remove(requestID string) {
	t.mu.Lock()
	delete(t.channels, requestID)
	t.mu.Unlock()
}

// Len reports the number of outstanding requests, used by tests and the
// metrics aggregator.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.channels)
}

// RequestChannel is handed to the caller of Server.SendRequest; Get blocks
// (respecting ctx) until a reply arrives, the context is canceled, or the
// request times out.
type RequestChannel struct {
	requestID string
	table     *Table
	queue     chan *message.Message
	once      sync.Once
}

// Get waits for the matching reply. A NACK reply surfaces as an
// *errs.RequestError with Kind "Nack"; an ERROR reply surfaces as an
// *errs.RemoteError; ctx expiring (deadline or cancellation) surfaces as
// an *errs.RequestError with Kind "Timeout". The channel is always
// unregistered from its table before Get returns, so a second Get or a
// late duplicate reply cannot resurrect it.
func (rc *RequestChannel) Get(ctx context.Context) (*message.Message, error) {
	defer rc.close()
	select {
	case msg := <-rc.queue:
		switch msg.Type {
		case message.NACK:
			return nil, errs.NewNack(rc.requestID)
		case message.ERROR:
			kind, text := remoteErrorFields(msg)
			return nil, &errs.RemoteError{Kind: kind, Message: text, RequestID: rc.requestID}
		default:
			return msg, nil
		}
	case <-ctx.Done():
		return nil, errs.NewTimeout(rc.requestID)
	}
}

func remoteErrorFields(msg *message.Message) (kind, text string) {
	body, ok := msg.Body().(map[string]interface{})
	if !ok {
		return "RemoteError", ""
	}
	if k, ok := body["type"].(string); ok {
		kind = k
	}
	if m, ok := body["message"].(string); ok {
		text = m
	}
	return kind, text
}

func (rc *RequestChannel) close() {
	rc.once.Do(func() { rc.table.remove(rc.requestID) })
}

// Replier is the subset of a Server a ReplyChannel needs to emit a reply;
// satisfied by rpc.Server.
type Replier interface {
	SendReply(request *message.Message, typ message.Type, body interface{}) error
}

// ReplyChannel is handed to an inbound request's handler so it can send
// exactly one terminal reply (REP, ACK, NACK, or ERROR) back to the
// caller.
type ReplyChannel struct {
	request  *message.Message
	server   Replier
	replied  bool
	mu       sync.Mutex
}

// NewReplyChannel wraps request so a handler can reply to it through
// server.
func NewReplyChannel(request *message.Message, server Replier) *ReplyChannel {
	return &ReplyChannel{request: request, server: server}
}

// Reply sends a REP with body as the payload.
func (rc *ReplyChannel) Reply(body interface{}) error {
	return rc.send(message.REP, body)
}

// Ack sends an ACK (empty body), unless unlessReplySent is true and a
// terminal reply was already sent.
func (rc *ReplyChannel) Ack(unlessReplySent bool) error {
	if unlessReplySent && rc.hasReplied() {
		return nil
	}
	return rc.send(message.ACK, nil)
}

// Nack sends a NACK, unless unlessReplySent is true and a terminal reply
// was already sent.
func (rc *ReplyChannel) Nack(unlessReplySent bool) error {
	if unlessReplySent && rc.hasReplied() {
		return nil
	}
	return rc.send(message.NACK, nil)
}

// Error sends an ERROR reply carrying {"type": kind, "message": text}.
func (rc *ReplyChannel) Error(kind, text string) error {
	return rc.send(message.ERROR, map[string]interface{}{"type": kind, "message": text})
}

func (rc *ReplyChannel) hasReplied() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.replied
}

func (rc *ReplyChannel) send(typ message.Type, body interface{}) error {
	rc.mu.Lock()
	rc.replied = true
	rc.mu.Unlock()
	return rc.server.SendReply(rc.request, typ, body)
}
