// Package writer translates the fine-grained events of one model run into
// durable journal entries. Tool calls and tool returns are appended
// immediately as complete messages; streamed text is appended twice: once
// per fragment as lightweight Delta control entries for low-latency partial
// rendering, and once accumulated as the single authoritative message when
// the response completes. Replaying the delta-then-final flow therefore never
// produces more than one durable message per text turn.
//
// Journal failures are logged and swallowed per entry: the writer's primary
// job is to keep the model loop moving, and the authoritative conversation
// history is tracked independently by the model runtime. The one hard
// guarantee is the terminal marker: exactly one End entry is appended as the
// last action of every run, success or failure.
package writer

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"golang.org/x/time/rate"

	"goa.design/runstream/event"
	"goa.design/runstream/journal"
	"goa.design/runstream/telemetry"
)

type (
	// Options configures a Writer.
	Options struct {
		// Journal receives the durable entries. Required.
		Journal journal.Log
		// PinnedArgs maps tool names to fixed arguments merged into every
		// call of that tool. Pinned values win on key conflict.
		PinnedArgs map[string]map[string]any
		// DeltaLimit optionally throttles Delta control entries: fragments
		// arriving faster than the limit are still accumulated but no
		// control entry is appended for them. Nil appends every delta.
		DeltaLimit *rate.Limiter
		// Logger receives per-entry append failures. Defaults to noop.
		Logger telemetry.Logger
	}

	// Writer appends one run's events to a conversation journal.
	Writer struct {
		journal    journal.Log
		pinned     map[string]map[string]any
		deltaLimit *rate.Limiter
		logger     telemetry.Logger
	}

	// accumulator collects streamed text fragments for the current response
	// turn. It is reset whenever a new text turn starts and cleared on flush,
	// so a turn flushes at most once.
	accumulator struct {
		buf strings.Builder
	}
)

// New returns a Writer appending to the provided journal.
func New(opts Options) (*Writer, error) {
	if opts.Journal == nil {
		return nil, errors.New("journal is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Writer{
		journal:    opts.Journal,
		pinned:     opts.PinnedArgs,
		deltaLimit: opts.DeltaLimit,
		logger:     logger,
	}, nil
}

// Stream consumes the run nodes for one run and appends the corresponding
// journal entries. It returns when nodes is closed or ctx is canceled.
// Regardless of how it returns, exactly one End marker is appended as the
// last action so every run has exactly one terminal entry.
func (w *Writer) Stream(ctx context.Context, conversationID string, nodes <-chan event.RunNode) error {
	var acc accumulator
	defer func() {
		// The terminal marker must be attempted even when the run was
		// canceled, so it uses a context detached from cancellation.
		w.append(context.WithoutCancel(ctx), conversationID, event.End{})
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case node, ok := <-nodes:
			if !ok {
				return nil
			}
			w.writeNode(ctx, conversationID, node, &acc)
		}
	}
}

func (w *Writer) writeNode(ctx context.Context, conversationID string, node event.RunNode, acc *accumulator) {
	switch n := node.(type) {
	case event.UserPromptNode:
		w.append(ctx, conversationID, event.DurableMessage{Message: event.Message{
			Role:  event.RoleRequest,
			Parts: []event.Part{event.UserPromptPart{Text: n.Content}},
		}})
	case event.ModelRequestNode:
		for _, ev := range n.Events {
			w.writeModelEvent(ctx, conversationID, ev, acc)
		}
	case event.CallToolsNode:
		for _, ev := range n.Events {
			w.writeModelEvent(ctx, conversationID, ev, acc)
		}
	case event.EndNode:
		w.flushText(ctx, conversationID, acc)
	default:
		w.logger.Warn(ctx, "unrecognized run node",
			"conversation_id", conversationID, "kind", string(node.NodeKind()))
	}
}

func (w *Writer) writeModelEvent(ctx context.Context, conversationID string, ev event.ModelEvent, acc *accumulator) {
	switch e := ev.(type) {
	case event.TextStartEvent:
		acc.buf.Reset()
	case event.TextDeltaEvent:
		acc.buf.WriteString(e.Text)
		if w.deltaLimit != nil && !w.deltaLimit.Allow() {
			return
		}
		raw, err := json.Marshal(struct {
			Kind event.ModelEventKind `json:"kind"`
			Text string               `json:"text"`
		}{Kind: event.ModelEventTextDelta, Text: e.Text})
		if err != nil {
			w.logger.Error(ctx, "encode text delta", "conversation_id", conversationID, "err", err)
			return
		}
		w.append(ctx, conversationID, event.Delta{Raw: raw})
	case event.FinalResultEvent:
		w.flushText(ctx, conversationID, acc)
	case event.ToolCallEvent:
		w.append(ctx, conversationID, event.DurableMessage{Message: event.Message{
			Role: event.RoleResponse,
			Parts: []event.Part{event.ToolCallPart{
				ToolName:   e.ToolName,
				Args:       w.mergeArgs(e.ToolName, e.Args),
				ToolCallID: e.ToolCallID,
			}},
		}})
	case event.ToolResultEvent:
		if len(e.Content) == 0 {
			return
		}
		w.append(ctx, conversationID, event.DurableMessage{Message: event.Message{
			Role: event.RoleRequest,
			Parts: []event.Part{event.ToolReturnPart{
				ToolName:   e.ToolName,
				ToolCallID: e.ToolCallID,
				Content:    e.Content,
			}},
		}})
	default:
		w.logger.Warn(ctx, "unrecognized model event",
			"conversation_id", conversationID, "kind", string(ev.ModelEventKind()))
	}
}

// flushText appends the accumulated text as one complete response message
// and clears the buffer. Flushing an empty buffer is a no-op, so duplicate
// final-result events cannot duplicate history.
func (w *Writer) flushText(ctx context.Context, conversationID string, acc *accumulator) {
	if acc.buf.Len() == 0 {
		return
	}
	text := acc.buf.String()
	acc.buf.Reset()
	w.append(ctx, conversationID, event.DurableMessage{Message: event.Message{
		Role:  event.RoleResponse,
		Parts: []event.Part{event.TextPart{Text: text}},
	}})
}

// mergeArgs overlays the tool's pinned arguments onto the call arguments,
// pinned values winning on conflict. The input map is never mutated.
func (w *Writer) mergeArgs(toolName string, args map[string]any) map[string]any {
	pinned := w.pinned[toolName]
	if len(pinned) == 0 {
		return args
	}
	merged := make(map[string]any, len(args)+len(pinned))
	for k, v := range args {
		merged[k] = v
	}
	for k, v := range pinned {
		merged[k] = v
	}
	return merged
}

// append encodes and appends one durable entry. Failures are logged and
// swallowed: stream delivery is best-effort relative to the run itself.
func (w *Writer) append(ctx context.Context, conversationID string, ev event.StreamEvent) {
	payload, err := event.Encode(ev)
	if err != nil {
		w.logger.Error(ctx, "encode journal entry",
			"conversation_id", conversationID, "kind", string(ev.EventType()), "err", err)
		return
	}
	if _, err := w.journal.Append(ctx, conversationID, payload); err != nil {
		w.logger.Error(ctx, "append journal entry",
			"conversation_id", conversationID, "kind", string(ev.EventType()), "err", err)
	}
}
