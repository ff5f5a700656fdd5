// Package connection tracks the liveness of a single peer endpoint: a
// phi-accrual failure detector fed by periodic heartbeat round-trips, and
// a small state machine (Unknown/Responsive/Idle/Unresponsive/Closed)
// derived from how long it's been since anything, or anything but a
// heartbeat, was last seen.
package connection

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lattice-mesh/lattice/message"
	"github.com/lattice-mesh/lattice/trace"
)

// minHeartbeatSleep floors the heartbeat loop's between-ping delay so a
// consistently slow or already-timed-out ping can't drive it into a
// tight spin.
const minHeartbeatSleep = 10 * time.Millisecond

// Status is the connection's current liveness classification.
type Status int

const (
	Unknown Status = iota
	Responsive
	Idle
	Unresponsive
	Closed
)

func (s Status) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case Responsive:
		return "responsive"
	case Idle:
		return "idle"
	case Unresponsive:
		return "unresponsive"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("Status(%d)", s)
	}
}

// Pinger sends a heartbeat probe to endpoint and waits for the reply.
type Pinger interface {
	Ping(ctx context.Context, endpoint string) error
}

// Disconnector tears down the transport-level connection to endpoint
// once a Connection closes.
type Disconnector interface {
	Disconnect(endpoint string)
}

// Options configures the heartbeat cadence and the timeouts that drive
// Status transitions. HeartbeatInterval must be less than Timeout, which
// must be less than IdleTimeout.
type Options struct {
	HeartbeatInterval      time.Duration
	Timeout                time.Duration
	IdleTimeout            time.Duration
	UnresponsiveDisconnect time.Duration
	IdleDisconnect         time.Duration
}

// DefaultOptions matches the reference cadence: 1s heartbeats, 3s
// unresponsive threshold, 10s idle threshold.
func DefaultOptions() Options {
	return Options{
		HeartbeatInterval:      time.Second,
		Timeout:                3 * time.Second,
		IdleTimeout:            10 * time.Second,
		UnresponsiveDisconnect: 30 * time.Second,
		IdleDisconnect:         60 * time.Second,
	}
}

// Connection tracks one peer endpoint's liveness. It is created with a
// reference to the owning task group so its heartbeat and live-check
// loops are canceled automatically on container shutdown, independent of
// Close being called directly.
type Connection struct {
	endpoint     string
	opts         Options
	pinger       Pinger
	disconnector Disconnector
	logger       *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu                     sync.Mutex
	lastSeen               time.Time
	lastMessage            time.Time
	idleSince              time.Time
	createdAt              time.Time
	status                 Status
	heartbeatSamples       *SampleWindow
	explicitHeartbeatCount int
	receivedMessageCount   int64
	sentMessageCount       int64
}

// New starts tracking endpoint, spawning its heartbeat and live-check
// loops under group.
func New(group *trace.Group, pinger Pinger, disconnector Disconnector, endpoint string, opts Options, logger *zap.Logger) *Connection {
	if opts.HeartbeatInterval <= 0 {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(group.Context())
	c := &Connection{
		endpoint:         endpoint,
		opts:             opts,
		pinger:           pinger,
		disconnector:     disconnector,
		logger:           logger,
		ctx:              ctx,
		cancel:           cancel,
		createdAt:        time.Now(),
		heartbeatSamples: NewSampleWindow(100, 1000), // samples stored in milliseconds
		status:           Unknown,
	}
	group.Spawn(func(context.Context) { c.heartbeatLoop() })
	group.Spawn(func(context.Context) { c.liveCheckLoop() })
	return c
}

func (c *Connection) heartbeatLoop() {
	for {
		start := time.Now()
		pingCtx, cancel := context.WithTimeout(c.ctx, c.opts.HeartbeatInterval)
		err := c.pinger.Ping(pingCtx, c.endpoint)
		cancel()
		took := time.Since(start)
		if err != nil {
			c.logger.Debug("heartbeat error", zap.String("endpoint", c.endpoint), zap.Error(err))
		} else {
			c.heartbeatSamples.Add(took.Seconds())
			c.mu.Lock()
			c.explicitHeartbeatCount++
			c.mu.Unlock()
		}
		sleep := c.opts.HeartbeatInterval - took
		if sleep < minHeartbeatSleep {
			sleep = minHeartbeatSleep
		}
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

func (c *Connection) liveCheckLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.updateStatus()
			c.logStats()
		}
	}
}

func (c *Connection) updateStatus() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastSeen.IsZero() {
		return
	}
	now := time.Now()
	switch {
	case now.Sub(c.lastSeen) >= c.opts.Timeout:
		c.status = Unresponsive
	case now.Sub(c.lastMessage) >= c.opts.IdleTimeout:
		c.status = Idle
		c.idleSince = now
	default:
		c.status = Responsive
	}
}

func (c *Connection) logStats() {
	c.logger.Debug("connection stats",
		zap.String("endpoint", c.endpoint),
		zap.Float64("rtt_mean_ms", c.heartbeatSamples.Mean()),
		zap.Float64("rtt_stddev_ms", c.heartbeatSamples.Stddev()),
		zap.Float64("phi", c.Phi()),
		zap.String("status", c.Status().String()),
	)
}

// Phi returns the phi-accrual suspicion level: -log10(p), where p is the
// probability (under a Gaussian fit to the heartbeat window) of an
// inter-arrival gap at least as large as the one currently observed.
// Larger phi means more confident the peer is down; +Inf once p reaches
// zero.
func (c *Connection) Phi() float64 {
	c.mu.Lock()
	lastSeen := c.lastSeen
	c.mu.Unlock()
	if lastSeen.IsZero() {
		return 0
	}
	dt := time.Since(lastSeen).Seconds()
	p := c.heartbeatSamples.P(dt)
	if p == 0 {
		return math.Inf(1)
	}
	return -math.Log10(p)
}

// OnRecv records that a message was received, refreshing last-seen (and
// last-message, unless it was idle chatter).
func (c *Connection) OnRecv(msg *message.Message) {
	now := time.Now()
	c.mu.Lock()
	c.lastSeen = now
	if !msg.IsIdleChatter() {
		c.lastMessage = now
	}
	c.receivedMessageCount++
	c.mu.Unlock()
}

// OnSend records that a message was sent, refreshing last-message unless
// it was idle chatter.
func (c *Connection) OnSend(msg *message.Message) {
	c.mu.Lock()
	if !msg.IsIdleChatter() {
		c.lastMessage = time.Now()
	}
	c.sentMessageCount++
	c.mu.Unlock()
}

// Status returns the connection's current liveness classification.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// IsAlive reports whether the connection should still be considered
// usable for routing new requests.
func (c *Connection) IsAlive() bool {
	switch c.Status() {
	case Responsive, Idle, Unknown:
		return true
	default:
		return false
	}
}

// Close is idempotent: it marks the connection Closed, cancels its
// heartbeat/live-check loops, and tells the disconnector to tear down the
// underlying transport.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.status == Closed {
		c.mu.Unlock()
		return
	}
	c.status = Closed
	c.mu.Unlock()
	c.cancel()
	c.disconnector.Disconnect(c.endpoint)
}

// Stats reports a snapshot suitable for the metrics aggregator or an
// inspect call.
func (c *Connection) Stats() map[string]interface{} {
	phi := c.Phi() // Phi takes c.mu itself
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]interface{}{
		"endpoint":      c.endpoint,
		"rtt_mean_ms":   c.heartbeatSamples.Mean(),
		"rtt_stddev_ms": c.heartbeatSamples.Stddev(),
		"phi":           phi,
		"status":        c.status.String(),
		"sent":          c.sentMessageCount,
		"received":      c.receivedMessageCount,
	}
}

// Endpoint returns the peer endpoint this connection tracks.
func (c *Connection) Endpoint() string { return c.endpoint }
