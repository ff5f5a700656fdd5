package interfaces

import (
	"context"
	"fmt"

	"github.com/lattice-mesh/lattice/events"
	"github.com/lattice-mesh/lattice/trace"
)

// NextEvent subscribes a one-shot handler to sys under patterns and
// returns a function that blocks for the first matching event. If ctx
// expires first, the handler is unsubscribed so it never fires after
// the caller has stopped waiting on it.
func NextEvent(sys events.System, patterns ...string) (func(ctx context.Context) (*events.Event, error), error) {
	result := make(chan *events.Event, 1)
	h, err := events.NewHandler(
		fmt.Sprintf("next-event-%s", trace.NewID()),
		patterns,
		func(evt *events.Event) {
			select {
			case result <- evt:
			default:
			}
		},
		events.Once(), events.Sequential(),
	)
	if err != nil {
		return nil, err
	}
	if err := sys.Subscribe(h, true); err != nil {
		return nil, err
	}

	return func(ctx context.Context) (*events.Event, error) {
		select {
		case evt := <-result:
			return evt, nil
		case <-ctx.Done():
			sys.Unsubscribe(h)
			return nil, ctx.Err()
		}
	}, nil
}
