package pulse

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"goa.design/runstream/event"
	clientspulse "goa.design/runstream/feed/pulse/clients/pulse"
)

type (
	// fakeClient hands out fakeStreams keyed by name.
	fakeClient struct {
		mu      sync.Mutex
		streams map[string]*fakeStream
	}

	fakeStream struct {
		mu    sync.Mutex
		added []addedEvent
		sink  *fakeSink
	}

	addedEvent struct {
		name    string
		payload []byte
	}

	fakeSink struct {
		ch    chan *streaming.Event
		mu    sync.Mutex
		acked int
	}
)

func newFakeClient() *fakeClient {
	return &fakeClient{streams: make(map[string]*fakeStream)}
}

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{sink: &fakeSink{ch: make(chan *streaming.Event, 16)}}
		c.streams[name] = s
	}
	return s, nil
}

func (c *fakeClient) Close(context.Context) error { return nil }

func (s *fakeStream) Add(_ context.Context, name string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, addedEvent{name: name, payload: payload})
	return "1-0", nil
}

func (s *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (clientspulse.Sink, error) {
	return s.sink, nil
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.ch }

func (s *fakeSink) Ack(context.Context, *streaming.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked++
	return nil
}

func (s *fakeSink) Close(context.Context) {}

func TestStreamName(t *testing.T) {
	require.Equal(t, "conv/c1", StreamName("c1"))
}

func TestFeedPublishesEncodedEvents(t *testing.T) {
	client := newFakeClient()
	feed, err := NewFeed(FeedOptions{Client: client, ConversationID: "c1"})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, feed.Send(ctx, event.Delta{Raw: json.RawMessage(`{"text":"Hi"}`)}))
	require.NoError(t, feed.Send(ctx, event.End{}))

	stream := client.streams["conv/c1"]
	require.NotNil(t, stream)
	require.Len(t, stream.added, 2)
	require.Equal(t, "delta", stream.added[0].name)
	require.Equal(t, "end", stream.added[1].name)

	decoded, err := event.Decode(stream.added[0].payload)
	require.NoError(t, err)
	require.Equal(t, event.Delta{Raw: json.RawMessage(`{"text":"Hi"}`)}, decoded)
}

func TestFeedRequiresConversationID(t *testing.T) {
	_, err := NewFeed(FeedOptions{Client: newFakeClient()})
	require.Error(t, err)
}

func TestSubscriberDecodesAndAcks(t *testing.T) {
	client := newFakeClient()
	sub, err := NewSubscriber(SubscriberOptions{Client: client})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), "c1")
	require.NoError(t, err)
	defer cancel()

	stream := client.streams["conv/c1"]
	require.NotNil(t, stream)

	payload, err := event.Encode(event.Error{Text: "boom"})
	require.NoError(t, err)
	stream.sink.ch <- &streaming.Event{EventName: "error", Payload: payload}

	select {
	case got := <-events:
		require.Equal(t, event.Error{Text: "boom"}, got)
	case err := <-errs:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	require.Eventually(t, func() bool {
		stream.sink.mu.Lock()
		defer stream.sink.mu.Unlock()
		return stream.sink.acked == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSubscriberSurfacesDecodeErrors(t *testing.T) {
	client := newFakeClient()
	sub, err := NewSubscriber(SubscriberOptions{Client: client})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), "c1")
	require.NoError(t, err)
	defer cancel()

	client.streams["conv/c1"].sink.ch <- &streaming.Event{EventName: "junk", Payload: []byte("not json")}

	select {
	case err := <-errs:
		require.Error(t, err)
	case ev := <-events:
		t.Fatalf("unexpected event: %v", ev)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for decode error")
	}
}

func TestSubscriberCancelClosesChannels(t *testing.T) {
	client := newFakeClient()
	sub, err := NewSubscriber(SubscriberOptions{Client: client})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), "c1")
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-events:
		require.False(t, ok, "events channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("events channel did not close")
	}
	select {
	case _, ok := <-errs:
		require.False(t, ok, "errors channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("errors channel did not close")
	}
}
