package pulse

import (
	"context"
	"errors"

	"goa.design/runstream/consumer"
	"goa.design/runstream/event"
	"goa.design/runstream/telemetry"
)

type (
	// StreamerOptions configures a Streamer.
	StreamerOptions struct {
		// Subscriber consumes the conversation feeds. Required.
		Subscriber *Subscriber
		// Logger defaults to noop.
		Logger telemetry.Logger
	}

	// Streamer adapts a Subscriber to the conversation stream contract used
	// by the SSE handler: every stream opens with Connected and its last
	// frame is End, so a live Pulse feed and a journal replay look identical
	// on the wire. Unlike the journal consumer there is no cursor to resume
	// from; Connected carries an empty cursor and the stream covers only
	// events published while it is open.
	Streamer struct {
		sub    *Subscriber
		logger telemetry.Logger
	}
)

// NewStreamer constructs a live conversation streamer over Pulse.
func NewStreamer(opts StreamerOptions) (*Streamer, error) {
	if opts.Subscriber == nil {
		return nil, errors.New("subscriber is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Streamer{sub: opts.Subscriber, logger: logger}, nil
}

// Stream forwards the conversation's live feed to emit until the run's End
// marker arrives, ctx is canceled or a feed fault occurs. stop is ignored:
// a live viewer has no batch boundary to check it on, so disconnection is
// driven by ctx alone.
func (s *Streamer) Stream(ctx context.Context, conversationID string, _ func() bool, emit consumer.EmitFunc) (err error) {
	if conversationID == "" {
		return errors.New("conversation id is required")
	}
	if emit == nil {
		return errors.New("emit func is required")
	}
	events, errs, cancel, serr := s.sub.Subscribe(ctx, conversationID)
	if serr != nil {
		clean := context.WithoutCancel(ctx)
		_ = emit(clean, event.Connected{})
		_ = emit(clean, event.Error{Text: serr.Error()})
		_ = emit(clean, event.End{})
		return serr
	}
	defer cancel()

	ended := false
	defer func() {
		// The close guarantee holds on every exit path, cancellation
		// included.
		if !ended {
			clean := context.WithoutCancel(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				_ = emit(clean, event.Error{Text: err.Error()})
			}
			_ = emit(clean, event.End{})
		}
	}()

	if err := emit(ctx, event.Connected{}); err != nil {
		return err
	}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				// The subscriber closed down; a buffered fault may still be
				// pending on the error channel.
				if errs != nil {
					if ferr, ok := <-errs; ok && ferr != nil {
						s.logger.Error(ctx, "pulse feed fault",
							"conversation_id", conversationID, "err", ferr)
						return ferr
					}
				}
				return nil
			}
			if err := emit(ctx, ev); err != nil {
				return err
			}
			if _, isEnd := ev.(event.End); isEnd {
				ended = true
				return nil
			}
		case ferr, ok := <-errs:
			if !ok {
				// Closed without a fault: keep draining buffered events.
				errs = nil
				continue
			}
			s.logger.Error(ctx, "pulse feed fault",
				"conversation_id", conversationID, "err", ferr)
			return ferr
		}
	}
}
