package pulse

import (
	"context"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	"goa.design/runstream/event"
	clientspulse "goa.design/runstream/feed/pulse/clients/pulse"
)

type (
	// SubscriberOptions configures a Subscriber.
	SubscriberOptions struct {
		// Client consumes from Pulse. Required.
		Client clientspulse.Client
		// SinkName identifies the consumer group. Defaults to
		// "runstream_viewer".
		SinkName string
		// Buffer is the event channel capacity. Defaults to 64.
		Buffer int
	}

	// Subscriber consumes a conversation's Pulse stream and emits decoded
	// stream events.
	Subscriber struct {
		client clientspulse.Client
		name   string
		buffer int
	}
)

// NewSubscriber constructs a Pulse-backed subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "runstream_viewer"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{client: opts.Client, name: name, buffer: buffer}, nil
}

// Subscribe opens a consumer group on the conversation's stream and returns
// channels for decoded events and errors. The cancel function stops
// consumption, closes the sink and closes both channels.
func (s *Subscriber) Subscribe(
	ctx context.Context,
	conversationID string,
	opts ...streamopts.Sink,
) (<-chan event.StreamEvent, <-chan error, context.CancelFunc, error) {
	if conversationID == "" {
		return nil, nil, nil, errors.New("conversation id is required")
	}
	str, err := s.client.Stream(StreamName(conversationID))
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan event.StreamEvent, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, events, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return events, errs, cancelFunc, nil
}

// consume drains the Pulse sink, decodes payloads and emits them, acking
// each event after emission. Both channels close when ctx is canceled or
// the sink channel closes; a decode or ack failure is sent on errs and ends
// consumption.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- event.StreamEvent, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			decoded, err := event.Decode(evt.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
			if ackErr := sink.Ack(ctx, evt); ackErr != nil {
				errs <- fmt.Errorf("pulse ack: %w", ackErr)
				return
			}
		}
	}
}
