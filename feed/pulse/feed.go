// Package pulse republishes conversation stream events onto goa.design/pulse
// streams so viewers in other processes can follow a conversation without
// tailing the journal themselves. Feed satisfies broadcast.Sink; Subscriber
// turns a Pulse consumer group back into decoded stream events.
package pulse

import (
	"context"
	"errors"
	"fmt"

	"goa.design/runstream/event"
	clientspulse "goa.design/runstream/feed/pulse/clients/pulse"
)

type (
	// FeedOptions configures a Feed.
	FeedOptions struct {
		// Client publishes to Pulse. Required.
		Client clientspulse.Client
		// ConversationID names the conversation this feed serves. Required.
		ConversationID string
		// StreamName overrides the derived Pulse stream name. Defaults to
		// "conv/<conversation id>".
		StreamName string
	}

	// Feed publishes stream events for one conversation onto a Pulse stream.
	// Safe for concurrent Send calls.
	Feed struct {
		stream clientspulse.Stream
	}
)

// StreamName derives the Pulse stream name for a conversation.
func StreamName(conversationID string) string {
	return fmt.Sprintf("conv/%s", conversationID)
}

// NewFeed constructs a Pulse-backed broadcast sink for one conversation.
func NewFeed(opts FeedOptions) (*Feed, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.ConversationID == "" {
		return nil, errors.New("conversation id is required")
	}
	name := opts.StreamName
	if name == "" {
		name = StreamName(opts.ConversationID)
	}
	stream, err := opts.Client.Stream(name)
	if err != nil {
		return nil, fmt.Errorf("open feed stream: %w", err)
	}
	return &Feed{stream: stream}, nil
}

// Send publishes ev onto the conversation's Pulse stream, named by its event
// kind and carrying the standard encoded form as payload.
func (f *Feed) Send(ctx context.Context, ev event.StreamEvent) error {
	payload, err := event.Encode(ev)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.EventType(), err)
	}
	if _, err := f.stream.Add(ctx, string(ev.EventType()), payload); err != nil {
		return fmt.Errorf("publish %s: %w", ev.EventType(), err)
	}
	return nil
}
