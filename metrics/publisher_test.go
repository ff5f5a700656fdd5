package metrics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lattice-mesh/lattice/trace"
)

func TestPusherPublishesPeriodicSnapshots(t *testing.T) {
	agg := NewAggregator(nil)
	c := agg.Add(NewCounter("uptime", nil)).(*Counter)
	c.Add(7)

	var mu sync.Mutex
	var calls int
	publisher := PublisherFunc(func(timestamp time.Time, series []Sample) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})

	group := trace.NewGroup(context.Background())
	pusher := NewPusher(agg, publisher, 20*time.Millisecond, nil)
	pusher.Run(group)

	time.Sleep(90 * time.Millisecond)
	group.Shutdown(time.Second)

	mu.Lock()
	defer mu.Unlock()
	if calls < 2 {
		t.Fatalf("expect at least 2 publish calls, got %d", calls)
	}
}
