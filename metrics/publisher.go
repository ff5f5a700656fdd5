package metrics

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lattice-mesh/lattice/trace"
)

// DefaultPushInterval matches the source monitor pusher's default sleep.
const DefaultPushInterval = 2 * time.Second

// Publisher sends a harvested series somewhere: a log, a metrics
// backend, a test spy.
type Publisher interface {
	Publish(timestamp time.Time, series []Sample) error
}

// PublisherFunc adapts a plain function to Publisher.
type PublisherFunc func(timestamp time.Time, series []Sample) error

// Publish implements Publisher.
func (f PublisherFunc) Publish(timestamp time.Time, series []Sample) error {
	return f(timestamp, series)
}

// Pusher periodically harvests an Aggregator and hands the series to a
// Publisher, mirroring the source monitor pusher's sleep/collect/send
// loop but over a pluggable sink instead of a fixed pub/sub socket.
type Pusher struct {
	aggregator *Aggregator
	publisher  Publisher
	interval   time.Duration
	logger     *zap.Logger
}

// NewPusher builds a Pusher; interval <= 0 falls back to
// DefaultPushInterval.
func NewPusher(aggregator *Aggregator, publisher Publisher, interval time.Duration, logger *zap.Logger) *Pusher {
	if interval <= 0 {
		interval = DefaultPushInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pusher{aggregator: aggregator, publisher: publisher, interval: interval, logger: logger}
}

// Run spawns the harvest loop on group; it stops when group's context is
// cancelled.
func (p *Pusher) Run(group *trace.Group) {
	group.Spawn(func(ctx context.Context) {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				series := p.aggregator.Samples()
				if err := p.publisher.Publish(now, series); err != nil {
					p.logger.Warn("metrics: publish failed", zap.Error(err))
				}
			}
		}
	})
}
