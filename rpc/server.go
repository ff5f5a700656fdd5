// Package rpc implements the container's bidirectional RPC transport: one
// Server both accepts inbound requests and sends outbound ones over
// plain TCP connections, using the six-frame message envelope.
//
// There is no separate client type. A container calling another service
// and a container serving requests are the same process wearing both
// hats at once, so Server plays every role the lower layers expect of
// it: channel.Replier for outgoing replies, connection.Pinger/Disconnector
// for health checks, and service.Connector so a Service view can open
// connections lazily.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lattice-mesh/lattice/channel"
	"github.com/lattice-mesh/lattice/codec"
	"github.com/lattice-mesh/lattice/connection"
	"github.com/lattice-mesh/lattice/errs"
	"github.com/lattice-mesh/lattice/message"
	"github.com/lattice-mesh/lattice/protocol"
	"github.com/lattice-mesh/lattice/service"
	"github.com/lattice-mesh/lattice/trace"
)

// Dispatcher resolves "interface.method" subjects against a handler and
// invokes it. Satisfied by interfaces.Registry; kept as an interface here
// so rpc has no dependency on the interface-registration layer.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *message.Message, reply *channel.ReplyChannel)
}

// ErrorHook is called when an inbound request's dispatcher panics; the
// request is then NACKed unless a reply was already sent.
type ErrorHook func(err error, req *message.Message)

// Options configures a Server.
type Options struct {
	Codec          codec.Codec
	ConnOptions    connection.Options
	RebindAttempts int           // bind attempts in all on EADDRINUSE; 0 or 1 disables retry
	RebindDelay    time.Duration
	Logger         *zap.Logger
}

// DefaultOptions returns sensible defaults: the binary codec, default
// connection health thresholds, and five rebind attempts a second apart.
func DefaultOptions() Options {
	return Options{
		Codec:          &codec.BinaryCodec{},
		ConnOptions:    connection.DefaultOptions(),
		RebindAttempts: 5,
		RebindDelay:    time.Second,
		Logger:         zap.NewNop(),
	}
}

// peer is one endpoint's outbound/inbound connection state: the raw TCP
// socket plus the phi-accrual health tracker layered over it.
type peer struct {
	endpoint string
	conn     net.Conn
	writeMu  sync.Mutex
	health   *connection.Connection
}

// Server is the container's RPC endpoint: it listens for inbound
// connections, dispatches requests to a Dispatcher, and sends outbound
// requests/replies over connections it dials and caches per endpoint.
type Server struct {
	endpoint   string
	opts       Options
	group      *trace.Group
	channels   *channel.Table
	dispatcher Dispatcher
	errorHook  ErrorHook
	onRequest  func(subject string)

	listener net.Listener
	shutdown atomic.Bool
	wg       sync.WaitGroup

	peersMu sync.Mutex
	peers   map[string]*peer
}

// NewServer returns a Server identified by endpoint (the address other
// containers should dial to reach it, e.g. "10.0.0.4:7000" — may differ
// from the bind address when behind NAT).
func NewServer(endpoint string, group *trace.Group, opts Options) *Server {
	if opts.Codec == nil {
		opts.Codec = &codec.BinaryCodec{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Server{
		endpoint: endpoint,
		opts:     opts,
		group:    group,
		channels: channel.NewTable(),
		peers:    make(map[string]*peer),
	}
}

// Endpoint returns this server's own advertised address.
func (s *Server) Endpoint() string { return s.endpoint }

// SetDispatcher installs the handler lookup used for inbound REQ
// messages. Must be called before Listen.
func (s *Server) SetDispatcher(d Dispatcher) { s.dispatcher = d }

// OnError installs a hook invoked when an inbound handler's reply is a
// NACK emitted because of an uncaught error.
func (s *Server) OnError(hook ErrorHook) { s.errorHook = hook }

// OnRequest installs a hook invoked once per received REQ, before
// dispatch, keyed by subject — used by the metrics aggregator to count
// requests without rpc depending on metrics.
func (s *Server) OnRequest(hook func(subject string)) { s.onRequest = hook }

// Listen binds network/address and starts the accept loop in the
// background. On EADDRINUSE it retries, making up to opts.RebindAttempts
// attempts in all (at least one) and sleeping opts.RebindDelay between
// them, before giving up; any other listen error is returned at once.
func (s *Server) Listen(network, address string) error {
	var lastErr error
	attempts := s.opts.RebindAttempts
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		ln, err := net.Listen(network, address)
		if err == nil {
			s.listener = ln
			go s.acceptLoop()
			return nil
		}
		lastErr = err
		if !errors.Is(err, syscall.EADDRINUSE) {
			break
		}
		if i < attempts-1 {
			time.Sleep(s.opts.RebindDelay)
		}
	}
	return fmt.Errorf("rpc: listen %s %s: %w", network, address, lastErr)
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return
			}
			s.opts.Logger.Warn("rpc: accept error", zap.Error(err))
			return
		}
		s.wg.Add(1)
		go s.serveConn(conn, nil)
	}
}

// serveConn runs the read loop for one TCP connection. known is set when
// this connection was dialed by us (so we already know who's on the
// other end); for accepted connections the peer is discovered from the
// first frame's source field.
func (s *Server) serveConn(conn net.Conn, known *peer) {
	defer s.wg.Done()
	defer conn.Close()

	p := known

	for {
		frames, err := protocol.DecodeFrames(conn)
		if err != nil {
			if p != nil {
				s.dropPeer(p.endpoint, conn)
			}
			return
		}

		msg, err := protocol.DecodeMessage(frames)
		if err != nil {
			s.opts.Logger.Warn("rpc: malformed envelope", zap.Error(err))
			continue
		}

		if bodyVal, err := s.opts.Codec.Decode(msg.RawBody()); err == nil {
			msg.SetDecodedBody(bodyVal)
		}

		if p == nil {
			p = s.peerFor(msg.Source)
			p.writeMu.Lock()
			if p.conn == nil {
				p.conn = conn
			}
			p.writeMu.Unlock()
		}
		p.health.OnRecv(msg)

		if msg.IsRequest() {
			if s.onRequest != nil {
				s.onRequest(msg.Subject)
			}
			s.wg.Add(1)
			go s.handleRequest(msg)
			continue
		}

		if !s.channels.Deliver(msg) {
			s.opts.Logger.Debug("rpc: dropped reply for unknown request", zap.String("subject", msg.Subject))
		}
	}
}

func (s *Server) handleRequest(req *message.Message) {
	defer s.wg.Done()
	reply := channel.NewReplyChannel(req, s)
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("rpc: handler panic: %v", r)
			reply.Nack(true)
			if s.errorHook != nil {
				s.errorHook(err, req)
			}
		}
	}()
	if s.dispatcher == nil {
		reply.Error("NotConnected", "no dispatcher installed")
		return
	}
	traceID := req.TraceID()
	if traceID == "" {
		traceID = trace.NewID()
	}
	s.dispatcher.Dispatch(trace.WithID(context.Background(), traceID), req, reply)
}

// peerFor returns the tracked peer for endpoint, creating its health
// tracker on first reference. The peer's conn may still be nil — dial
// fills it in lazily — so a failed dial never leaves behind an orphaned
// health tracker that a retry would duplicate.
func (s *Server) peerFor(endpoint string) *peer {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	if p, ok := s.peers[endpoint]; ok {
		return p
	}
	p := &peer{endpoint: endpoint}
	p.health = connection.New(s.group, s, s, endpoint, s.opts.ConnOptions, s.opts.Logger)
	s.peers[endpoint] = p
	return p
}

// dial returns endpoint's peer, opening a transport connection for it if
// one isn't already established.
func (s *Server) dial(endpoint string) (*peer, error) {
	p := s.peerFor(endpoint)

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.conn != nil {
		return p, nil
	}

	conn, err := net.Dial("tcp", endpoint)
	if err != nil {
		return nil, err
	}
	p.conn = conn
	s.wg.Add(1)
	go s.serveConn(conn, p)
	return p, nil
}

// dropPeer clears a peer's transport after its read loop exits, but only
// if the peer hasn't already been redialed on a different connection in
// the meantime (conn identity check guards that race).
func (s *Server) dropPeer(endpoint string, conn net.Conn) {
	s.peersMu.Lock()
	p, ok := s.peers[endpoint]
	s.peersMu.Unlock()
	if !ok {
		return
	}
	p.writeMu.Lock()
	if p.conn == conn {
		p.conn = nil
	}
	p.writeMu.Unlock()
}

// send transmits msg to endpoint, dialing the connection on demand.
func (s *Server) send(endpoint string, msg *message.Message) error {
	p, err := s.dial(endpoint)
	if err != nil {
		return err
	}
	frames, err := protocol.EncodeMessage(s.opts.Codec, msg)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := protocol.EncodeFrames(p.conn, frames); err != nil {
		return err
	}
	p.health.OnSend(msg)
	return nil
}

// SendRequest sends subject/body directly to endpoint and returns the
// RequestChannel the caller should Get() a reply from. Used for
// endpoint-addressed traffic (health pings, the meta-interface) where
// there's no Service view to resolve through.
func (s *Server) SendRequest(ctx context.Context, endpoint, subject string, headers map[string]string, body interface{}) (*channel.RequestChannel, error) {
	req := message.New(message.REQ, subject, s.endpoint, headers, body)
	req.Headers[message.TraceHeader] = trace.ID(ctx)
	rc := s.channels.Register(req.ID)
	if err := s.send(endpoint, req); err != nil {
		s.failChannel(req.ID, "NotConnected", err.Error())
	}
	return rc, nil
}

// Call sends subject/body to svc, resolving a live instance by
// preferring a RESPONSIVE/IDLE/UNKNOWN instance, random among survivors.
// If svc has no instances at all the request
// still gets a RequestChannel, but Get() fails immediately with a
// NotConnected-flavored error instead of blocking until ctx expires.
func (s *Server) Call(ctx context.Context, svc *service.Service, subject string, headers map[string]string, body interface{}) (*channel.RequestChannel, error) {
	req := message.New(message.REQ, subject, s.endpoint, headers, body)
	req.Headers[message.TraceHeader] = trace.ID(ctx)
	rc := s.channels.Register(req.ID)

	conn, err := svc.Connect()
	if err != nil {
		s.failChannel(req.ID, "NotConnected", err.Error())
		return rc, nil
	}
	if err := s.send(conn.Endpoint(), req); err != nil {
		s.failChannel(req.ID, "NotConnected", err.Error())
	}
	return rc, nil
}

// failChannel synthesizes an ERROR reply into the channel table so a
// blocked Get() returns promptly instead of riding out the full timeout.
func (s *Server) failChannel(requestID, kind, text string) {
	errMsg := message.New(message.ERROR, requestID, s.endpoint, nil, map[string]interface{}{
		"type":    kind,
		"message": text,
	})
	s.channels.Deliver(errMsg)
}

// SendReply implements channel.Replier.
func (s *Server) SendReply(request *message.Message, typ message.Type, body interface{}) error {
	reply := message.New(typ, request.ID, s.endpoint, nil, body)
	reply.Headers[message.TraceHeader] = request.TraceID()
	return s.send(request.Source, reply)
}

// Ping implements connection.Pinger: it sends a ping REQ and blocks for a
// reply, bounded by ctx.
func (s *Server) Ping(ctx context.Context, endpoint string) error {
	rc, err := s.SendRequest(ctx, endpoint, message.PingSubject, nil, nil)
	if err != nil {
		return err
	}
	_, err = rc.Get(ctx)
	if nack, ok := err.(*errs.RequestError); ok && nack.Kind == "Nack" {
		return nil
	}
	return err
}

// Connect implements service.Connector: returns the health tracker for
// endpoint, dialing a transport connection if one doesn't exist yet. A
// failed dial still returns the (unconnected) health tracker — its
// Status stays Unknown until a heartbeat or the next send succeeds.
func (s *Server) Connect(endpoint string) *connection.Connection {
	p, err := s.dial(endpoint)
	if err != nil {
		s.opts.Logger.Debug("rpc: dial failed", zap.String("endpoint", endpoint), zap.Error(err))
		return s.peerFor(endpoint).health
	}
	return p.health
}

// Disconnect implements service.Connector and connection.Disconnector:
// it closes endpoint's transport socket and drops the peer entirely, so
// the next Connect dials fresh and starts a new health tracker.
func (s *Server) Disconnect(endpoint string) {
	s.peersMu.Lock()
	p, ok := s.peers[endpoint]
	delete(s.peers, endpoint)
	s.peersMu.Unlock()
	if !ok {
		return
	}
	p.writeMu.Lock()
	conn := p.conn
	p.writeMu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Shutdown stops accepting new connections, closes every tracked peer,
// and waits up to timeout for in-flight request handlers to finish.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.shutdown.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}

	s.peersMu.Lock()
	snapshot := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		snapshot = append(snapshot, p)
	}
	s.peersMu.Unlock()

	for _, p := range snapshot {
		p.health.Close() // triggers Disconnect, which removes it from s.peers and closes p.conn
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("rpc: timed out waiting for in-flight requests")
	}
}
