package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/runstream/event"
)

// recordingSink collects events, optionally sleeping per Send to simulate a
// slow consumer.
type recordingSink struct {
	mu    sync.Mutex
	got   []event.StreamEvent
	delay time.Duration
}

func (s *recordingSink) Send(_ context.Context, ev event.StreamEvent) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, ev)
	return nil
}

func (s *recordingSink) events() []event.StreamEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]event.StreamEvent(nil), s.got...)
}

func sourceOf(events ...event.StreamEvent) <-chan event.StreamEvent {
	ch := make(chan event.StreamEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

func deltas(n int) []event.StreamEvent {
	out := make([]event.StreamEvent, n)
	for i := range out {
		out[i] = event.Delta{Raw: fmt.Appendf(nil, `{"n":%d}`, i)}
	}
	return out
}

func TestAllSinksReceiveAllEventsInOrder(t *testing.T) {
	events := deltas(25)
	sinks := []*recordingSink{{}, {}, {}}

	b := New(Options{})
	err := b.Run(context.Background(), sourceOf(events...),
		sinks[0], sinks[1], sinks[2])
	require.NoError(t, err)

	for i, s := range sinks {
		require.Equal(t, events, s.events(), "sink %d", i)
	}
}

func TestSlowSinkDoesNotStallFastSink(t *testing.T) {
	const n = 20
	events := deltas(n)

	fast := &recordingSink{}
	slow := &recordingSink{delay: 20 * time.Millisecond}

	fastDone := make(chan time.Time, 1)
	observer := SinkFunc(func(_ context.Context, ev event.StreamEvent) error {
		if err := fast.Send(context.Background(), ev); err != nil {
			return err
		}
		if len(fast.events()) == n {
			fastDone <- time.Now()
		}
		return nil
	})

	// Queue size >= event count so the slow sink never backpressures the
	// feeder.
	b := New(Options{QueueSize: n})
	start := time.Now()
	err := b.Run(context.Background(), sourceOf(events...), observer, slow)
	require.NoError(t, err)
	finished := time.Now()

	select {
	case fastAt := <-fastDone:
		// The fast sink finished all n events while the slow sink was still
		// working through its own queue.
		require.Less(t, fastAt.Sub(start), finished.Sub(start))
	default:
		t.Fatal("fast sink never finished")
	}
	// The slow sink still receives everything, in order.
	require.Equal(t, events, slow.events())
}

func TestSinkErrorCancelsSiblingsAndPropagates(t *testing.T) {
	sinkErr := errors.New("sink exploded")
	failing := SinkFunc(func(context.Context, event.StreamEvent) error {
		return sinkErr
	})
	sibling := &recordingSink{}

	// An unbuffered, never-closed source: without cancellation Run would
	// block forever waiting for more events.
	source := make(chan event.StreamEvent)
	go func() { source <- event.Delta{Raw: []byte(`{}`)} }()

	b := New(Options{})
	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background(), source, failing, sibling) }()

	select {
	case err := <-done:
		require.ErrorIs(t, err, sinkErr)
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast did not stop after sink failure")
	}
}

func TestContextCancellationStopsBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	source := make(chan event.StreamEvent)
	sink := &recordingSink{}

	b := New(Options{})
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, source, sink) }()

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast did not observe cancellation")
	}
}

func TestRunWithNoSinksDrainsSource(t *testing.T) {
	b := New(Options{})
	err := b.Run(context.Background(), sourceOf(deltas(3)...))
	require.NoError(t, err)
}
