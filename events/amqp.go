package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"github.com/lattice-mesh/lattice/codec"
	"github.com/lattice-mesh/lattice/trace"
)

const (
	defaultExchange   = "lattice"
	defaultMaxRetries = 3
)

// AMQPOption configures an AMQP system at construction time.
type AMQPOption func(*AMQP)

// WithExchange overrides the default "lattice" topic exchange name.
func WithExchange(name string) AMQPOption {
	return func(a *AMQP) { a.exchange = name }
}

// WithCodec overrides the default JSON body codec.
func WithCodec(c codec.Codec) AMQPOption {
	return func(a *AMQP) { a.codec = c }
}

const reconnectDelay = time.Second

type consumerState struct {
	handler *Handler
	consume bool
	channel *amqp.Channel
	queue   string
	cancel  context.CancelFunc
}

// AMQP is the broker-backed event system. One durable topic exchange
// carries all events; every handler gets its own queue, bound to the
// exchange once per pattern, whose durability and lifetime follow its
// once/broadcast flags.
//
// A broker failover or dropped TCP connection is detected via
// amqp.Connection.NotifyClose; the reconnect loop redials, re-declares
// the topic exchange, and re-Subscribes every handler that was active at
// the time of the disconnect, since auto-delete queues and their
// bindings don't survive the broker losing them.
type AMQP struct {
	url          string
	exchange     string
	waitExchange string
	codec        codec.Codec
	group        *trace.Group
	errorHook    func(err error, evt *Event)

	connMu sync.Mutex
	conn   *amqp.Connection

	mu        sync.Mutex
	consumers map[string]*consumerState
}

// NewAMQP dials url, declares the topic exchange, and returns a ready
// AMQP event system. Delayed queues on the companion "waiting" exchange
// are declared lazily, only the first time a delayed Emit needs one.
func NewAMQP(url string, group *trace.Group, opts ...AMQPOption) (*AMQP, error) {
	a := &AMQP{
		url:       url,
		exchange:  defaultExchange,
		codec:     &codec.JSONCodec{},
		group:     group,
		consumers: make(map[string]*consumerState),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.waitExchange = a.exchange + "_waiting"

	conn, err := a.dial()
	if err != nil {
		return nil, err
	}
	a.conn = conn
	a.watchConnection(conn)
	return a, nil
}

// dial opens a fresh connection and declares the topic exchange on it.
func (a *AMQP) dial() (*amqp.Connection, error) {
	conn, err := amqp.Dial(a.url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(a.exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (a *AMQP) connection() *amqp.Connection {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	return a.conn
}

// watchConnection spawns the goroutine that notices conn closing and
// triggers a reconnect. Each redial re-arms watchConnection on the new
// connection.
func (a *AMQP) watchConnection(conn *amqp.Connection) {
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	a.group.Spawn(func(ctx context.Context) {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-closed:
			if !ok {
				return
			}
			a.reconnect(ctx, err)
		}
	})
}

// reconnect redials until it succeeds (or ctx is cancelled), then
// re-Subscribes every handler that was active when the connection
// dropped, redeclaring its queue and bindings from scratch.
func (a *AMQP) reconnect(ctx context.Context, cause *amqp.Error) {
	a.mu.Lock()
	stale := make([]*consumerState, 0, len(a.consumers))
	for _, s := range a.consumers {
		stale = append(stale, s)
	}
	a.consumers = make(map[string]*consumerState)
	a.mu.Unlock()

	var conn *amqp.Connection
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c, err := a.dial()
		if err == nil {
			conn = c
			break
		}
		if a.errorHook != nil {
			a.errorHook(fmt.Errorf("events: reconnect after %v failed: %w", cause, err), nil)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}

	a.connMu.Lock()
	a.conn = conn
	a.connMu.Unlock()
	a.watchConnection(conn)

	for _, s := range stale {
		if err := a.Subscribe(s.handler, s.consume); err != nil && a.errorHook != nil {
			a.errorHook(fmt.Errorf("events: re-subscribe to %q after reconnect failed: %w", s.handler.QueueName, err), nil)
		}
	}
}

// OnError installs the callback invoked when a handler errors or panics,
// or a delivery fails to deserialize.
func (a *AMQP) OnError(hook func(err error, evt *Event)) { a.errorHook = hook }

func (a *AMQP) queueName(h *Handler) string {
	if h.Broadcast || h.Once {
		return fmt.Sprintf("%s-%s", h.QueueName, uuid.NewString())
	}
	return h.QueueName
}

// Subscribe declares handler's queue and binds it to the topic exchange
// under every one of handler's patterns, then (if consume) starts its
// consumer loop.
func (a *AMQP) Subscribe(h *Handler, consume bool) error {
	a.mu.Lock()
	if _, exists := a.consumers[h.QueueName]; exists {
		a.mu.Unlock()
		return fmt.Errorf("events: already subscribed to queue %q", h.QueueName)
	}
	a.mu.Unlock()

	ch, err := a.connection().Channel()
	if err != nil {
		return err
	}

	queue := a.queueName(h)
	durable := !h.Once && !h.Broadcast
	autoDelete := h.Once || h.Broadcast
	q, err := ch.QueueDeclare(queue, durable, autoDelete, false, false, nil)
	if err != nil {
		ch.Close()
		return err
	}
	for _, pattern := range h.Patterns {
		if err := ch.QueueBind(q.Name, pattern, a.exchange, false, nil); err != nil {
			ch.Close()
			return err
		}
	}

	state := &consumerState{handler: h, consume: consume, channel: ch, queue: q.Name}
	a.mu.Lock()
	a.consumers[h.QueueName] = state
	a.mu.Unlock()

	if !consume {
		return nil
	}
	return a.startConsuming(h, state)
}

func (a *AMQP) startConsuming(h *Handler, state *consumerState) error {
	deliveries, err := state.channel.Consume(state.queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(a.group.Context())
	state.cancel = cancel
	a.group.Spawn(func(context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				a.handleDelivery(h, d)
			}
		}
	})
	return nil
}

func (a *AMQP) handleDelivery(h *Handler, d amqp.Delivery) {
	deliver := func() { a.deliver(h, d) }
	if h.Sequential {
		deliver()
		return
	}
	a.group.Spawn(func(context.Context) { deliver() })
}

func (a *AMQP) deliver(h *Handler, d amqp.Delivery) {
	evt, err := a.decodeEvent(d.Body)
	if err != nil {
		d.Reject(false)
		if a.errorHook != nil {
			a.errorHook(err, nil)
		}
		return
	}

	if err := a.invoke(h, evt); err != nil {
		d.Reject(false)
		if a.errorHook != nil {
			a.errorHook(err, evt)
		}
		return
	}

	d.Ack(false)
	if h.Once {
		a.Unsubscribe(h)
	}
}

func (a *AMQP) invoke(h *Handler, evt *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("events: handler panic: %v", r)
		}
	}()
	h.Func(evt)
	return nil
}

func (a *AMQP) decodeEvent(body []byte) (*Event, error) {
	v, err := a.codec.Decode(body)
	if err != nil {
		return nil, err
	}
	data, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("events: malformed event payload")
	}
	return Deserialize(data), nil
}

// Unsubscribe stops handler's consumer loop and closes its channel. A
// reconnect later re-declares from scratch via Subscribe, since
// auto-delete queues may have vanished underneath a broker failover.
func (a *AMQP) Unsubscribe(h *Handler) error {
	a.mu.Lock()
	state, ok := a.consumers[h.QueueName]
	if ok {
		delete(a.consumers, h.QueueName)
	}
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("events: no subscription for queue %q", h.QueueName)
	}
	if state.cancel != nil {
		state.cancel()
	}
	return state.channel.Close()
}

// Emit publishes evt to the topic exchange under its type as routing
// key, or — if delay is positive — through the intermediate
// wait-then-dead-letter path described by emitDelayed.
func (a *AMQP) Emit(evt *Event, delay time.Duration) error {
	ch, err := a.connection().Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	body, err := a.codec.Encode(evt.Serialize())
	if err != nil {
		return err
	}

	if delay <= 0 {
		return ch.Publish(a.exchange, evt.Type, false, false, amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		})
	}
	return a.emitDelayed(ch, evt, body, delay)
}

// emitDelayed publishes evt to a queue on the direct "waiting" exchange
// instead of the main topic exchange. The queue has no consumer; its
// per-message TTL equals delay, and its dead-letter-exchange is the main
// topic exchange with the original routing key, so expiry re-delivers
// the message for normal dispatch without any server-side scheduler.
func (a *AMQP) emitDelayed(ch *amqp.Channel, evt *Event, body []byte, delay time.Duration) error {
	if err := ch.ExchangeDeclare(a.waitExchange, "direct", true, false, false, false, nil); err != nil {
		return err
	}
	ttlMs := delay.Milliseconds()
	queueName := fmt.Sprintf("%s-wait_%d", evt.Type, ttlMs)
	_, err := ch.QueueDeclare(queueName, false, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    a.exchange,
		"x-dead-letter-routing-key": evt.Type,
		"x-message-ttl":             ttlMs,
	})
	if err != nil {
		return err
	}
	if err := ch.QueueBind(queueName, evt.Type, a.waitExchange, false, nil); err != nil {
		return err
	}
	return ch.Publish(a.waitExchange, evt.Type, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

// Close stops every consumer and closes the underlying connection.
func (a *AMQP) Close() error {
	a.mu.Lock()
	states := make([]*consumerState, 0, len(a.consumers))
	for _, s := range a.consumers {
		states = append(states, s)
	}
	a.consumers = make(map[string]*consumerState)
	a.mu.Unlock()

	for _, s := range states {
		if s.cancel != nil {
			s.cancel()
		}
		s.channel.Close()
	}
	return a.connection().Close()
}
