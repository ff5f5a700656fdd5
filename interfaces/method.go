// Package interfaces implements the static interface/method model:
// instead of runtime attribute lookup on a handler object, an Interface
// registers a table of pre-bound Method descriptors, and a Registry
// dispatches inbound requests against them by "<interface>.<method>"
// subject.
package interfaces

import (
	"context"
	"fmt"

	"github.com/lattice-mesh/lattice/channel"
	"github.com/lattice-mesh/lattice/message"
)

// Kind tags how a Method is invoked and how its return value becomes a
// reply.
type Kind int

const (
	// RPC methods return (result, error); the registry turns a nil error
	// into a REP, a declared error into a typed ERROR, anything else into
	// a NACK.
	RPC Kind = iota
	// RawRPC methods receive the ReplyChannel directly and are
	// responsible for sending exactly one terminal reply themselves —
	// used for fire-and-forget acknowledgement or custom error payloads.
	RawRPC
)

// Func is an RPC method body. params is the request body's field map,
// already validated against Method.Params by Registry.Dispatch.
type Func func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// RawFunc is a raw_rpc method body.
type RawFunc func(ctx context.Context, req *message.Message, reply *channel.ReplyChannel, params map[string]interface{})

// Method is one bound RPC handler.
type Method struct {
	Name   string
	Kind   Kind
	Doc    string
	Params []string // declared parameter names; nil means accept any
	Func   Func
	Raw    RawFunc
	Errors map[error]string // declared sentinel -> wire error kind name
}

// bindParams enforces the "unknown keys -> NACK" parameter-binding rule:
// body must be a map whose keys are a subset of the method's declared
// params (a nil Params means any key is accepted). A nil body is treated
// as an empty parameter map.
func bindParams(params []string, body interface{}) (map[string]interface{}, error) {
	if body == nil {
		return map[string]interface{}{}, nil
	}
	m, ok := body.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("interfaces: request body is not a parameter map")
	}
	if params == nil {
		return m, nil
	}
	allowed := make(map[string]bool, len(params))
	for _, p := range params {
		allowed[p] = true
	}
	for k := range m {
		if !allowed[k] {
			return nil, fmt.Errorf("interfaces: unknown parameter %q", k)
		}
	}
	return m, nil
}
