package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/runstream/checkpoint"
	checkpointinmem "goa.design/runstream/checkpoint/inmem"
	"goa.design/runstream/event"
	"goa.design/runstream/journal"
	journalinmem "goa.design/runstream/journal/inmem"
)

// appendEvent encodes and appends one stream event to the journal.
func appendEvent(t *testing.T, log journal.Log, conversationID string, ev event.StreamEvent) journal.EntryID {
	t.Helper()
	payload, err := event.Encode(ev)
	require.NoError(t, err)
	id, err := log.Append(context.Background(), conversationID, payload)
	require.NoError(t, err)
	return id
}

// collector accumulates emitted events. Stream calls emit from a single
// goroutine so no locking is needed.
type collector struct {
	events []event.StreamEvent
}

func (c *collector) emit(_ context.Context, ev event.StreamEvent) error {
	c.events = append(c.events, ev)
	return nil
}

func (c *collector) kinds() []event.EventType {
	out := make([]event.EventType, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.EventType()
	}
	return out
}

func newConsumer(t *testing.T, opts Options) *Consumer {
	t.Helper()
	if opts.BlockTimeout == 0 {
		opts.BlockTimeout = 10 * time.Millisecond
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Millisecond
	}
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

func TestCleanTermination(t *testing.T) {
	log := journalinmem.New(journalinmem.Options{})
	checkpoints := checkpointinmem.New()
	ctx := context.Background()

	appendEvent(t, log, "c1", event.Delta{Raw: json.RawMessage(`{"kind":"text_delta","text":"Hi"}`)})
	appendEvent(t, log, "c1", event.DurableMessage{Message: event.Message{
		Role:  event.RoleResponse,
		Parts: []event.Part{event.TextPart{Text: "Hi there"}},
	}})
	endID := appendEvent(t, log, "c1", event.End{})

	cons := newConsumer(t, Options{Journal: log, Checkpoints: checkpoints, StopAtEnd: true})
	var got collector
	require.NoError(t, cons.Stream(ctx, "c1", nil, got.emit))

	require.Equal(t, []event.EventType{
		event.TypeConnected,
		event.TypeDelta,
		event.TypeMessage,
		event.TypeEnd,
	}, got.kinds())
	require.Equal(t, event.Connected{}, got.events[0])

	last, err := checkpoints.Last(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, endID, last)
}

func TestCheckpointPersistsWhenCallerCancelsAfterEnd(t *testing.T) {
	log := journalinmem.New(journalinmem.Options{})
	checkpoints := checkpointinmem.New()

	appendEvent(t, log, "c1", event.Delta{Raw: json.RawMessage(`{"text":"Hi"}`)})
	endID := appendEvent(t, log, "c1", event.End{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cons := newConsumer(t, Options{Journal: log, Checkpoints: checkpoints, StopAtEnd: true})
	var got collector
	emit := func(ctx2 context.Context, ev event.StreamEvent) error {
		if err := got.emit(ctx2, ev); err != nil {
			return err
		}
		if _, isEnd := ev.(event.End); isEnd {
			cancel()
		}
		return nil
	}
	require.NoError(t, cons.Stream(ctx, "c1", nil, emit))

	last, err := checkpoints.Last(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, endID, last)
}

func TestResumabilityAfterDisconnect(t *testing.T) {
	log := journalinmem.New(journalinmem.Options{})
	checkpoints := checkpointinmem.New()
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three"} {
		appendEvent(t, log, "c1", event.Delta{Raw: fmt.Appendf(nil, `{"text":%q}`, text)})
	}

	// First viewer processes the initial batch then disconnects.
	var first collector
	var delivered atomic.Int32
	cons := newConsumer(t, Options{Journal: log, Checkpoints: checkpoints})
	stop := func() bool { return delivered.Load() >= 3 }
	emit := func(ctx context.Context, ev event.StreamEvent) error {
		if err := first.emit(ctx, ev); err != nil {
			return err
		}
		if _, ok := ev.(event.Delta); ok {
			delivered.Add(1)
		}
		return nil
	}
	require.NoError(t, cons.Stream(ctx, "c1", stop, emit))
	require.Equal(t, []event.EventType{
		event.TypeConnected, event.TypeDelta, event.TypeDelta, event.TypeDelta, event.TypeEnd,
	}, first.kinds())

	resumeFrom, err := checkpoints.Last(ctx, "c1")
	require.NoError(t, err)

	// New entries arrive while the viewer is gone.
	appendEvent(t, log, "c1", event.Delta{Raw: json.RawMessage(`{"text":"four"}`)})
	appendEvent(t, log, "c1", event.Delta{Raw: json.RawMessage(`{"text":"five"}`)})
	endID := appendEvent(t, log, "c1", event.End{})

	// The reconnecting viewer resumes exactly after the checkpoint: no
	// duplicates, no gaps.
	var second collector
	cons2 := newConsumer(t, Options{Journal: log, Checkpoints: checkpoints, StopAtEnd: true})
	require.NoError(t, cons2.Stream(ctx, "c1", nil, second.emit))

	require.Equal(t, []event.EventType{
		event.TypeConnected, event.TypeDelta, event.TypeDelta, event.TypeEnd,
	}, second.kinds())
	require.Equal(t, event.Connected{Cursor: string(resumeFrom)}, second.events[0])
	require.JSONEq(t, `{"text":"four"}`, string(second.events[1].(event.Delta).Raw))
	require.JSONEq(t, `{"text":"five"}`, string(second.events[2].(event.Delta).Raw))

	last, err := checkpoints.Last(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, endID, last)
}

func TestKeepAliveLiveness(t *testing.T) {
	log := journalinmem.New(journalinmem.Options{})
	checkpoints := checkpointinmem.New()

	var keepAlives atomic.Int32
	cons := newConsumer(t, Options{
		Journal:           log,
		Checkpoints:       checkpoints,
		BlockTimeout:      5 * time.Millisecond,
		KeepAliveInterval: 20 * time.Millisecond,
	})
	stop := func() bool { return keepAlives.Load() >= 2 }
	emit := func(_ context.Context, ev event.StreamEvent) error {
		if _, ok := ev.(event.KeepAlive); ok {
			keepAlives.Add(1)
		}
		return nil
	}
	require.NoError(t, cons.Stream(context.Background(), "c1", stop, emit))
	require.GreaterOrEqual(t, keepAlives.Load(), int32(2))

	// Keep-alives never advance the checkpoint.
	_, err := checkpoints.Last(context.Background(), "c1")
	require.ErrorIs(t, err, checkpoint.ErrNotFound)
}

// flakyJournal fails the first few Tail calls, then delegates.
type flakyJournal struct {
	journal.Log
	failures atomic.Int32
	budget   int32
}

func (f *flakyJournal) Tail(ctx context.Context, conversationID string, after journal.EntryID, batch int, block time.Duration) ([]journal.Entry, error) {
	if f.failures.Add(1) <= f.budget {
		return nil, errors.New("transient fault")
	}
	return f.Log.Tail(ctx, conversationID, after, batch, block)
}

func TestTransientReadFaultsAreRetried(t *testing.T) {
	inner := journalinmem.New(journalinmem.Options{})
	checkpoints := checkpointinmem.New()
	ctx := context.Background()

	appendEvent(t, inner, "c1", event.Delta{Raw: json.RawMessage(`{"text":"Hi"}`)})
	appendEvent(t, inner, "c1", event.End{})

	flaky := &flakyJournal{Log: inner, budget: 2}
	cons := newConsumer(t, Options{Journal: flaky, Checkpoints: checkpoints, StopAtEnd: true})
	var got collector
	require.NoError(t, cons.Stream(ctx, "c1", nil, got.emit))

	require.Equal(t, []event.EventType{
		event.TypeConnected,
		event.TypeError,
		event.TypeError,
		event.TypeDelta,
		event.TypeEnd,
	}, got.kinds())
}

func TestUnrecognizedPayloadsAreDropped(t *testing.T) {
	log := journalinmem.New(journalinmem.Options{})
	checkpoints := checkpointinmem.New()
	ctx := context.Background()

	appendEvent(t, log, "c1", event.Delta{Raw: json.RawMessage(`{"text":"Hi"}`)})
	_, err := log.Append(ctx, "c1", []byte(`{"kind":"wormhole","payload":{}}`))
	require.NoError(t, err)
	endID := appendEvent(t, log, "c1", event.End{})

	cons := newConsumer(t, Options{Journal: log, Checkpoints: checkpoints, StopAtEnd: true})
	var got collector
	require.NoError(t, cons.Stream(ctx, "c1", nil, got.emit))

	require.Equal(t, []event.EventType{
		event.TypeConnected, event.TypeDelta, event.TypeEnd,
	}, got.kinds())

	// The dropped entry still advances the checkpoint.
	last, cerr := checkpoints.Last(ctx, "c1")
	require.NoError(t, cerr)
	require.Equal(t, endID, last)
}

func TestEndResumesForLaterRunsThenStillClosesWithEnd(t *testing.T) {
	log := journalinmem.New(journalinmem.Options{})
	checkpoints := checkpointinmem.New()

	// One complete run followed by the start of a second run in the same
	// conversation. Without StopAtEnd the loop tails past the first End.
	appendEvent(t, log, "c1", event.Delta{Raw: json.RawMessage(`{"text":"Hi"}`)})
	appendEvent(t, log, "c1", event.End{})
	appendEvent(t, log, "c1", event.Delta{Raw: json.RawMessage(`{"text":"run two"}`)})

	ctx, cancel := context.WithCancel(context.Background())
	cons := newConsumer(t, Options{Journal: log, Checkpoints: checkpoints})
	var got collector
	var deltas atomic.Int32
	emit := func(ctx2 context.Context, ev event.StreamEvent) error {
		if err := got.emit(ctx2, ev); err != nil {
			return err
		}
		if _, ok := ev.(event.Delta); ok && deltas.Add(1) == 2 {
			cancel()
		}
		return nil
	}
	err := cons.Stream(ctx, "c1", nil, emit)
	require.ErrorIs(t, err, context.Canceled)

	// The first run's End does not satisfy the close guarantee once the
	// second run has emitted; the stream's last frame is still an End.
	require.Equal(t, []event.EventType{
		event.TypeConnected, event.TypeDelta, event.TypeEnd, event.TypeDelta, event.TypeEnd,
	}, got.kinds())
}

// failingCheckpoints fails every load so the connection handshake cannot
// resolve a cursor.
type failingCheckpoints struct{}

func (failingCheckpoints) Last(context.Context, string) (journal.EntryID, error) {
	return "", errors.New("checkpoint store down")
}

func (failingCheckpoints) Set(context.Context, string, journal.EntryID) error {
	return errors.New("checkpoint store down")
}

func TestCheckpointLoadFailureEmitsFullBracket(t *testing.T) {
	log := journalinmem.New(journalinmem.Options{})
	cons := newConsumer(t, Options{Journal: log, Checkpoints: failingCheckpoints{}})

	var got collector
	err := cons.Stream(context.Background(), "c1", nil, got.emit)
	require.ErrorContains(t, err, "checkpoint store down")

	// The wire contract is uniform: even a failed handshake brackets the
	// stream with Connected and End around the error frame.
	require.Equal(t, []event.EventType{
		event.TypeConnected, event.TypeError, event.TypeEnd,
	}, got.kinds())
	require.Equal(t, event.Connected{}, got.events[0])
}

func TestStreamAlwaysClosesWithEnd(t *testing.T) {
	log := journalinmem.New(journalinmem.Options{})
	checkpoints := checkpointinmem.New()

	appendEvent(t, log, "c1", event.Delta{Raw: json.RawMessage(`{"text":"Hi"}`)})

	ctx, cancel := context.WithCancel(context.Background())
	cons := newConsumer(t, Options{Journal: log, Checkpoints: checkpoints})
	var got collector
	emit := func(ctx2 context.Context, ev event.StreamEvent) error {
		if err := got.emit(ctx2, ev); err != nil {
			return err
		}
		if _, ok := ev.(event.Delta); ok {
			cancel()
		}
		return nil
	}
	err := cons.Stream(ctx, "c1", nil, emit)
	require.ErrorIs(t, err, context.Canceled)

	// Cancellation still yields a clean close.
	require.Equal(t, []event.EventType{
		event.TypeConnected, event.TypeDelta, event.TypeEnd,
	}, got.kinds())
}
