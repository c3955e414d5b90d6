// Package sse renders stream events as Server-Sent Events frames and exposes
// an http.Handler that bridges a conversation stream onto an SSE response.
// Two wire framings are supported: a plain framing with explicit event names,
// and a provider-compatible data-only framing that closes with a [DONE]
// sentinel.
package sse

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"goa.design/runstream/consumer"
	"goa.design/runstream/event"
	"goa.design/runstream/telemetry"
)

type (
	// Format selects the SSE wire framing.
	Format string

	// Streamer produces the events for one conversation. *consumer.Consumer
	// satisfies it.
	Streamer interface {
		Stream(ctx context.Context, conversationID string, stop func() bool, emit consumer.EmitFunc) error
	}

	// Options configures a Handler.
	Options struct {
		// Streamer supplies the event stream. Required.
		Streamer Streamer
		// Format defaults to FormatPlain.
		Format Format
		// ConversationID extracts the conversation identifier from the
		// request. Defaults to the "id" path value.
		ConversationID func(*http.Request) string
		// Logger defaults to noop.
		Logger telemetry.Logger
	}

	// Handler serves one SSE stream per request.
	Handler struct {
		streamer Streamer
		format   Format
		convID   func(*http.Request) string
		logger   telemetry.Logger
	}
)

const (
	// FormatPlain writes "event: <kind>" plus a "data:" JSON payload for
	// every event.
	FormatPlain Format = "plain"
	// FormatProvider writes data-only JSON frames and terminates the stream
	// with "data: [DONE]". Keep-alives become SSE comments so the data
	// channel stays pure JSON.
	FormatProvider Format = "provider"
)

// Render formats one stream event as a complete SSE frame, trailing blank
// line included.
func Render(ev event.StreamEvent, format Format) (string, error) {
	switch format {
	case FormatProvider:
		switch ev.(type) {
		case event.End:
			return "data: [DONE]\n\n", nil
		case event.KeepAlive:
			return ": keep-alive\n\n", nil
		}
		b, err := event.Encode(ev)
		if err != nil {
			return "", fmt.Errorf("encode %s: %w", ev.EventType(), err)
		}
		return fmt.Sprintf("data: %s\n\n", b), nil
	case FormatPlain, "":
		b, err := event.Encode(ev)
		if err != nil {
			return "", fmt.Errorf("encode %s: %w", ev.EventType(), err)
		}
		return fmt.Sprintf("event: %s\ndata: %s\n\n", ev.EventType(), b), nil
	default:
		return "", fmt.Errorf("unknown SSE format %q", format)
	}
}

// NewHandler returns an http.Handler streaming conversation events over SSE.
func NewHandler(opts Options) (*Handler, error) {
	if opts.Streamer == nil {
		return nil, errors.New("streamer is required")
	}
	format := opts.Format
	if format == "" {
		format = FormatPlain
	}
	convID := opts.ConversationID
	if convID == nil {
		convID = func(r *http.Request) string { return r.PathValue("id") }
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Handler{
		streamer: opts.Streamer,
		format:   format,
		convID:   convID,
		logger:   logger,
	}, nil
}

// ServeHTTP streams the conversation identified by the request until the
// client disconnects or the stream ends. The response is held open for the
// duration of the stream.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conversationID := h.convID(r)
	if conversationID == "" {
		http.Error(w, "missing conversation id", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	err := h.streamer.Stream(ctx, conversationID, nil, func(_ context.Context, ev event.StreamEvent) error {
		frame, rerr := Render(ev, h.format)
		if rerr != nil {
			return rerr
		}
		if _, werr := fmt.Fprint(w, frame); werr != nil {
			return fmt.Errorf("write frame: %w", werr)
		}
		flusher.Flush()
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Error(ctx, "conversation stream ended with error",
			"conversation_id", conversationID, "err", err)
	}
}
