// Package broadcast replicates one stream event source to N independent
// sinks with backpressure isolation. Each sink gets its own bounded queue: a
// slow sink can only stall delivery to itself beyond that bound, at which
// point the feeder blocks on the full queue and backpressure reaches the
// source rather than sibling sinks.
package broadcast

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"goa.design/runstream/event"
)

type (
	// Sink receives broadcast events. Implementations must tolerate Send
	// being called from a goroutine other than the caller of Run.
	Sink interface {
		// Send delivers one event. Returning an error aborts the whole
		// broadcast: all sibling deliveries are canceled and the error
		// propagates to the Run caller.
		Send(ctx context.Context, ev event.StreamEvent) error
	}

	// SinkFunc adapts an ordinary function to the Sink interface.
	SinkFunc func(ctx context.Context, ev event.StreamEvent) error

	// Options configures a Broadcaster.
	Options struct {
		// QueueSize bounds each sink's queue. Defaults to 10.
		QueueSize int
	}

	// Broadcaster fans one event source out to independent sinks.
	Broadcaster struct {
		queueSize int
	}
)

const defaultQueueSize = 10

// Send implements Sink by invoking the function.
func (fn SinkFunc) Send(ctx context.Context, ev event.StreamEvent) error {
	return fn(ctx, ev)
}

// New returns a Broadcaster with the given options.
func New(opts Options) *Broadcaster {
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Broadcaster{queueSize: size}
}

// Run drains source and delivers every event to every sink in order. One
// feeder goroutine pushes events into per-sink bounded queues and closes
// them when source completes; one consumer goroutine per sink drains its
// queue into the sink. Run returns when source is exhausted and all queues
// are drained, or with the first error once any task fails, in which case
// all sibling tasks are canceled; there is no partial silent success.
func (b *Broadcaster) Run(ctx context.Context, source <-chan event.StreamEvent, sinks ...Sink) error {
	if source == nil {
		return errors.New("source is required")
	}
	g, gctx := errgroup.WithContext(ctx)
	queues := make([]chan event.StreamEvent, len(sinks))
	for i := range sinks {
		queues[i] = make(chan event.StreamEvent, b.queueSize)
	}
	g.Go(func() error {
		defer func() {
			for _, q := range queues {
				close(q)
			}
		}()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case ev, ok := <-source:
				if !ok {
					return nil
				}
				for _, q := range queues {
					select {
					case q <- ev:
					case <-gctx.Done():
						return gctx.Err()
					}
				}
			}
		}
	})
	for i, sink := range sinks {
		g.Go(func() error {
			for ev := range queues[i] {
				if err := sink.Send(gctx, ev); err != nil {
					return fmt.Errorf("sink %d: %w", i, err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}
