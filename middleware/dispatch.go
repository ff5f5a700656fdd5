package middleware

import (
	"context"

	"github.com/lattice-mesh/lattice/channel"
	"github.com/lattice-mesh/lattice/message"
)

// Dispatcher is satisfied by anything shaped like rpc.Dispatcher
// (interfaces.Registry, in particular) — kept local so middleware never
// imports rpc.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *message.Message, reply *channel.ReplyChannel)
}

// DispatcherFunc adapts a plain function to Dispatcher.
type DispatcherFunc func(ctx context.Context, req *message.Message, reply *channel.ReplyChannel)

// Dispatch implements Dispatcher.
func (f DispatcherFunc) Dispatch(ctx context.Context, req *message.Message, reply *channel.ReplyChannel) {
	f(ctx, req, reply)
}

// capturingReplier stands in for the real reply channel's Replier while
// next runs, so its eventual Reply/Ack/Nack/Error call can be replayed
// onto the real one after chain has had a chance to observe or replace it.
type capturingReplier struct {
	typ  message.Type
	body interface{}
	sent bool
}

func (c *capturingReplier) SendReply(request *message.Message, typ message.Type, body interface{}) error {
	c.typ, c.body, c.sent = typ, body, true
	return nil
}

// Wrap builds a Dispatcher that runs chain around next's handling of
// every request. next's Reply/Ack/Nack/Error call is captured as a plain
// *message.Message so a HandlerFunc-shaped middleware (logging, timeout,
// retry, rate limiting) can log it, replace it, or short-circuit before
// next ever runs — then the result is replayed onto the real reply
// channel.
func Wrap(chain Middleware, next Dispatcher) Dispatcher {
	handler := chain(func(ctx context.Context, req *message.Message) *message.Message {
		capture := &capturingReplier{}
		rc := channel.NewReplyChannel(req, capture)
		next.Dispatch(ctx, req, rc)
		if !capture.sent {
			return nil
		}
		return message.New(capture.typ, req.ID, req.Source, nil, capture.body)
	})
	return DispatcherFunc(func(ctx context.Context, req *message.Message, reply *channel.ReplyChannel) {
		result := handler(ctx, req)
		if result == nil {
			return
		}
		replay(reply, result)
	})
}

func replay(reply *channel.ReplyChannel, result *message.Message) {
	switch result.Type {
	case message.REP:
		reply.Reply(result.Body())
	case message.ACK:
		reply.Ack(false)
	case message.NACK:
		reply.Nack(false)
	case message.ERROR:
		kind, text := errorFields(result.Body())
		reply.Error(kind, text)
	}
}

func errorFields(body interface{}) (kind, text string) {
	m, ok := body.(map[string]interface{})
	if !ok {
		return "", ""
	}
	if k, ok := m["type"].(string); ok {
		kind = k
	}
	if t, ok := m["message"].(string); ok {
		text = t
	}
	return kind, text
}
