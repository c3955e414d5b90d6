// Package event defines the closed vocabulary exchanged between the model
// runtime, the durable journal, and streaming consumers. Three unions live
// here:
//
//   - RunNode: the coarse nodes produced by the external model runtime while
//     driving a run. Nodes are consumed exactly once and never replayed.
//   - Message / Part: the durable conversation history. Messages are the only
//     payloads that survive as authoritative history in the journal.
//   - StreamEvent: the wire-level vocabulary emitted to viewers. Stream events
//     are distinct from messages: a Delta is a transient rendering aid while a
//     DurableMessage wraps persisted history.
//
// All unions are closed: decoding happens exactly once at the journal boundary
// (see codec.go) and every consumer switches over the concrete types. Unknown
// kinds surface as ErrUnknownKind so callers can log and drop them instead of
// guessing at payload shapes.
package event

import "encoding/json"

type (
	// Role tags a message with the side of the conversation that produced it.
	Role string

	// Message is one durable conversation turn: an ordered list of parts
	// tagged with the role that produced them. User prompts and tool returns
	// are Request messages; assistant text and tool calls are Response
	// messages, mirroring the turn structure the model sees.
	Message struct {
		// Role is RoleRequest for user/tool-return turns and RoleResponse
		// for assistant/tool-call turns.
		Role Role `json:"role"`
		// Parts holds the ordered message parts for this turn.
		Parts []Part `json:"parts"`
	}

	// Part is one element of a message. Concrete types are UserPromptPart,
	// TextPart, ToolCallPart and ToolReturnPart.
	Part interface {
		// PartKind returns the tag identifying the concrete part type.
		PartKind() PartKind
	}

	// PartKind tags the concrete type of a message part.
	PartKind string

	// UserPromptPart carries the raw user prompt text.
	UserPromptPart struct {
		Text string `json:"text"`
	}

	// TextPart carries assistant-produced text, always the complete text of
	// one response turn (never an intermediate delta).
	TextPart struct {
		Text string `json:"text"`
	}

	// ToolCallPart records a tool invocation proposed by the model. A
	// ToolCallPart must always be followed, later in the journal, by a
	// ToolReturnPart sharing ToolCallID and ToolName. The journal itself
	// provides the ordering; the invariant is sequencing, not referential.
	ToolCallPart struct {
		// ToolName identifies the tool being invoked.
		ToolName string `json:"tool_name"`
		// Args holds the call arguments after pinned arguments are merged in.
		Args map[string]any `json:"args,omitempty"`
		// ToolCallID is the runtime-assigned identifier for this call.
		ToolCallID string `json:"tool_call_id"`
	}

	// ToolReturnPart records the result of a completed tool call.
	ToolReturnPart struct {
		ToolName   string          `json:"tool_name"`
		ToolCallID string          `json:"tool_call_id"`
		Content    json.RawMessage `json:"content,omitempty"`
	}
)

const (
	// RoleRequest tags messages flowing toward the model (user prompts,
	// tool returns).
	RoleRequest Role = "request"
	// RoleResponse tags messages produced by the model (assistant text,
	// tool calls).
	RoleResponse Role = "response"
)

// Part kind tags. These are wire-stable: they appear inside persisted
// journal payloads and must not be renamed.
const (
	PartUserPrompt PartKind = "user_prompt"
	PartText       PartKind = "text"
	PartToolCall   PartKind = "tool_call"
	PartToolReturn PartKind = "tool_return"
)

// PartKind implements Part.
func (UserPromptPart) PartKind() PartKind { return PartUserPrompt }

// PartKind implements Part.
func (TextPart) PartKind() PartKind { return PartText }

// PartKind implements Part.
func (ToolCallPart) PartKind() PartKind { return PartToolCall }

// PartKind implements Part.
func (ToolReturnPart) PartKind() PartKind { return PartToolReturn }

type (
	// RunNode is one step of a model run as produced by the external model
	// runtime. The streaming core consumes each node exactly once; nodes are
	// never persisted or replayed. Concrete types are UserPromptNode,
	// ModelRequestNode, CallToolsNode and EndNode.
	RunNode interface {
		// NodeKind returns the tag identifying the concrete node type.
		NodeKind() NodeKind
	}

	// NodeKind tags the concrete type of a run node.
	NodeKind string

	// UserPromptNode carries the prompt that started (or re-drove) the run.
	UserPromptNode struct {
		Content string
	}

	// ModelRequestNode represents one model invocation. Parts holds the
	// request parts sent to the model (tracked independently by the runtime;
	// the writer does not re-persist them). Events holds the streamed
	// response events observed while the model produced its answer.
	ModelRequestNode struct {
		Parts  []Part
		Events []ModelEvent
	}

	// CallToolsNode represents the tool-execution phase of a run step. Events
	// holds the fine-grained tool call and tool result events observed while
	// the runtime executed the calls the model proposed.
	CallToolsNode struct {
		Events []ModelEvent
	}

	// EndNode terminates a run. Output carries the final textual output when
	// the run ended with plain text; ToolName and ToolCallID are set when a
	// final-result tool ended the run.
	EndNode struct {
		Output     string
		ToolName   string
		ToolCallID string
	}

	// ModelEvent is a fine-grained event observed inside a run node. Concrete
	// types are TextStartEvent, TextDeltaEvent, FinalResultEvent,
	// ToolCallEvent and ToolResultEvent.
	ModelEvent interface {
		// ModelEventKind returns the tag identifying the concrete event type.
		ModelEventKind() ModelEventKind
	}

	// ModelEventKind tags the concrete type of a model event.
	ModelEventKind string

	// TextStartEvent marks the beginning of a streamed text turn. The writer
	// resets its accumulation buffer when it sees one.
	TextStartEvent struct{}

	// TextDeltaEvent carries one streamed text fragment.
	TextDeltaEvent struct {
		Text string
	}

	// FinalResultEvent marks the end of a streamed model response. Any
	// accumulated text is flushed as one complete response message.
	FinalResultEvent struct{}

	// ToolCallEvent reports a tool call proposed by the model.
	ToolCallEvent struct {
		ToolName   string
		Args       map[string]any
		ToolCallID string
	}

	// ToolResultEvent reports the completion of a tool call. Content is nil
	// when the tool produced no return content, in which case nothing is
	// persisted for the event.
	ToolResultEvent struct {
		ToolName   string
		ToolCallID string
		Content    json.RawMessage
	}
)

// Run node kind tags.
const (
	NodeUserPrompt   NodeKind = "user_prompt"
	NodeModelRequest NodeKind = "model_request"
	NodeCallTools    NodeKind = "call_tools"
	NodeEnd          NodeKind = "end"
)

// Model event kind tags.
const (
	ModelEventTextStart   ModelEventKind = "text_start"
	ModelEventTextDelta   ModelEventKind = "text_delta"
	ModelEventFinalResult ModelEventKind = "final_result"
	ModelEventToolCall    ModelEventKind = "tool_call"
	ModelEventToolResult  ModelEventKind = "tool_result"
)

// NodeKind implements RunNode.
func (UserPromptNode) NodeKind() NodeKind { return NodeUserPrompt }

// NodeKind implements RunNode.
func (ModelRequestNode) NodeKind() NodeKind { return NodeModelRequest }

// NodeKind implements RunNode.
func (CallToolsNode) NodeKind() NodeKind { return NodeCallTools }

// NodeKind implements RunNode.
func (EndNode) NodeKind() NodeKind { return NodeEnd }

// ModelEventKind implements ModelEvent.
func (TextStartEvent) ModelEventKind() ModelEventKind { return ModelEventTextStart }

// ModelEventKind implements ModelEvent.
func (TextDeltaEvent) ModelEventKind() ModelEventKind { return ModelEventTextDelta }

// ModelEventKind implements ModelEvent.
func (FinalResultEvent) ModelEventKind() ModelEventKind { return ModelEventFinalResult }

// ModelEventKind implements ModelEvent.
func (ToolCallEvent) ModelEventKind() ModelEventKind { return ModelEventToolCall }

// ModelEventKind implements ModelEvent.
func (ToolResultEvent) ModelEventKind() ModelEventKind { return ModelEventToolResult }

type (
	// StreamEvent is the wire-level vocabulary emitted to viewers. Delta,
	// DurableMessage, Error and End also double as journal payloads;
	// KeepAlive and Connected are synthesized by the consumer and never
	// persisted.
	StreamEvent interface {
		// EventType returns the tag identifying the concrete event type.
		EventType() EventType
	}

	// EventType tags the concrete type of a stream event.
	EventType string

	// Delta is a lightweight, non-authoritative control entry carrying one
	// raw streamed fragment for low-latency partial rendering. Deltas are
	// never treated as durable messages.
	Delta struct {
		Raw json.RawMessage `json:"raw"`
	}

	// DurableMessage wraps a persisted conversation message.
	DurableMessage struct {
		Message Message `json:"message"`
	}

	// Error surfaces a fault to viewers. Transient journal faults emit one
	// Error per retry; fatal consumer faults emit a terminal Error before End.
	Error struct {
		Text string `json:"text"`
	}

	// End marks the clean close of a stream. Every run appends exactly one
	// End entry to the journal, and every consumer emits End before
	// returning, so clients can distinguish "the server closed the stream"
	// from "the connection dropped".
	End struct{}

	// KeepAlive is a pure liveness signal emitted when no real data has
	// flowed for the keep-alive window. It never advances the checkpoint.
	KeepAlive struct{}

	// Connected is the first event of every viewer stream. Cursor is the
	// journal entry id the stream resumes after; empty means the stream
	// starts from the beginning of retained history.
	Connected struct {
		Cursor string `json:"cursor,omitempty"`
	}
)

// Stream event type tags. TypeDelta, TypeMessage, TypeError and TypeEnd are
// wire-stable journal payload kinds; TypeKeepAlive and TypeConnected only
// appear on live transports.
const (
	TypeDelta     EventType = "delta"
	TypeMessage   EventType = "message"
	TypeError     EventType = "error"
	TypeEnd       EventType = "end"
	TypeKeepAlive EventType = "keep_alive"
	TypeConnected EventType = "connected"
)

// EventType implements StreamEvent.
func (Delta) EventType() EventType { return TypeDelta }

// EventType implements StreamEvent.
func (DurableMessage) EventType() EventType { return TypeMessage }

// EventType implements StreamEvent.
func (Error) EventType() EventType { return TypeError }

// EventType implements StreamEvent.
func (End) EventType() EventType { return TypeEnd }

// EventType implements StreamEvent.
func (KeepAlive) EventType() EventType { return TypeKeepAlive }

// EventType implements StreamEvent.
func (Connected) EventType() EventType { return TypeConnected }
