// Package approval implements the human-in-the-loop gate for tool calls.
// Proposals are keyed by a content hash of the tool name and its canonical
// arguments, so the same semantic call maps to the same key across process
// restarts and across distinct runtime-assigned call ids. Decisions are
// single-use: recorded once by an out-of-band actor, consumed (deleted) by
// the next proposal carrying the same hash.
//
// The gate never executes tools and never blocks waiting for a human. A
// Pending outcome is a suspend point: the caller persists nothing in memory
// and simply returns; the run is later re-driven with the prompt from
// ResumePrompt, the model reissues the same call, and the second Propose
// finds the cached verdict.
package approval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/runstream/telemetry"
)

type (
	// Decision is the outcome of a proposal.
	Decision string

	// Verdict is the human answer recorded for a proposal.
	Verdict string

	// PendingProposal is the durable context of a suspended tool call,
	// keyed by conversation id. Location addresses the UI surface the
	// approval request was sent to so the decision handler can update it.
	PendingProposal struct {
		ConversationID string         `json:"conversation_id"`
		ToolName       string         `json:"tool_name"`
		Args           map[string]any `json:"args,omitempty"`
		Hash           string         `json:"hash"`
		Location       string         `json:"location,omitempty"`
		CreatedAt      time.Time      `json:"created_at"`
	}

	// DecisionStore holds single-use verdicts keyed by tool-call hash.
	// Take is read-then-delete: at most one caller observes a given record.
	DecisionStore interface {
		Put(ctx context.Context, key string, v Verdict) error
		Take(ctx context.Context, key string) (Verdict, bool, error)
	}

	// PendingStore holds at most one suspended proposal per conversation.
	PendingStore interface {
		Put(ctx context.Context, conversationID string, p PendingProposal) error
		Get(ctx context.Context, conversationID string) (PendingProposal, bool, error)
		Delete(ctx context.Context, conversationID string) error
	}

	// ResultStore holds finished tool outputs addressed by opaque id, read
	// by "view result" actions only, never by the run loop.
	ResultStore interface {
		Put(ctx context.Context, id string, content []byte) error
		Get(ctx context.Context, id string) ([]byte, bool, error)
	}

	// Options configures a Gate.
	Options struct {
		// Decisions and Pending are required.
		Decisions DecisionStore
		Pending   PendingStore
		// Results is optional; StoreResult and Result error without it.
		Results ResultStore
		// Schemas maps tool names to argument schemas validated before a
		// proposal is hashed. Tools without a schema are not validated.
		Schemas map[string]*jsonschema.Schema
		// Logger defaults to noop.
		Logger telemetry.Logger
	}

	// Gate mediates tool-call approval.
	Gate struct {
		decisions DecisionStore
		pending   PendingStore
		results   ResultStore
		schemas   map[string]*jsonschema.Schema
		logger    telemetry.Logger
	}
)

const (
	// AlreadyApproved means a cached Run verdict was consumed: execute the
	// tool without asking again.
	AlreadyApproved Decision = "already_approved"
	// AlreadyDenied means a cached Skip verdict was consumed: skip the tool
	// without asking again.
	AlreadyDenied Decision = "already_denied"
	// Pending means no verdict exists yet: the proposal context was
	// persisted and the caller must suspend.
	Pending Decision = "pending"

	// VerdictRun approves execution, VerdictSkip denies it.
	VerdictRun  Verdict = "run"
	VerdictSkip Verdict = "skip"
)

// ErrNoPending is returned by Decide when the conversation has no suspended
// proposal to decide on.
var ErrNoPending = errors.New("no pending proposal for conversation")

// NewGate returns a Gate with the given options.
func NewGate(opts Options) (*Gate, error) {
	if opts.Decisions == nil {
		return nil, errors.New("decision store is required")
	}
	if opts.Pending == nil {
		return nil, errors.New("pending store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Gate{
		decisions: opts.Decisions,
		pending:   opts.Pending,
		results:   opts.Results,
		schemas:   opts.Schemas,
		logger:    logger,
	}, nil
}

// Hash computes the stable approval key for a tool call: the hex SHA-256 of
// the tool name and the canonical JSON encoding of its arguments. Two calls
// with the same name and semantically equal arguments hash identically
// regardless of map iteration order or runtime-assigned call ids.
func Hash(toolName string, args map[string]any) (string, error) {
	canonical, err := canonicalize(args)
	if err != nil {
		return "", fmt.Errorf("canonicalize args for %q: %w", toolName, err)
	}
	h := sha256.New()
	h.Write([]byte(toolName))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Propose checks for a cached verdict on (toolName, args). With a cached
// verdict it consumes the record and clears the conversation's pending
// proposal. Without one it persists the proposal context under the
// conversation id and returns Pending; location is the addressable UI
// surface of the approval request.
func (g *Gate) Propose(ctx context.Context, conversationID, toolName string, args map[string]any, location string) (Decision, error) {
	if sch := g.schemas[toolName]; sch != nil {
		inst, err := normalize(args)
		if err != nil {
			return "", fmt.Errorf("normalize args for %q: %w", toolName, err)
		}
		if err := sch.Validate(inst); err != nil {
			return "", fmt.Errorf("invalid args for %q: %w", toolName, err)
		}
	}
	key, err := Hash(toolName, args)
	if err != nil {
		return "", err
	}
	verdict, found, err := g.decisions.Take(ctx, key)
	if err != nil {
		return "", fmt.Errorf("take decision: %w", err)
	}
	if found {
		if derr := g.pending.Delete(ctx, conversationID); derr != nil {
			g.logger.Warn(ctx, "clear pending proposal",
				"conversation_id", conversationID, "err", derr)
		}
		if verdict == VerdictRun {
			return AlreadyApproved, nil
		}
		return AlreadyDenied, nil
	}
	p := PendingProposal{
		ConversationID: conversationID,
		ToolName:       toolName,
		Args:           args,
		Hash:           key,
		Location:       location,
		CreatedAt:      time.Now().UTC(),
	}
	if err := g.pending.Put(ctx, conversationID, p); err != nil {
		return "", fmt.Errorf("persist pending proposal: %w", err)
	}
	return Pending, nil
}

// Decide records the human verdict for the conversation's suspended proposal
// and returns that proposal so the caller can re-drive the run. Resubmitting
// overwrites the previous verdict. Returns ErrNoPending when nothing is
// suspended.
func (g *Gate) Decide(ctx context.Context, conversationID string, v Verdict) (PendingProposal, error) {
	if v != VerdictRun && v != VerdictSkip {
		return PendingProposal{}, fmt.Errorf("unknown verdict %q", v)
	}
	p, found, err := g.pending.Get(ctx, conversationID)
	if err != nil {
		return PendingProposal{}, fmt.Errorf("load pending proposal: %w", err)
	}
	if !found {
		return PendingProposal{}, ErrNoPending
	}
	if err := g.decisions.Put(ctx, p.Hash, v); err != nil {
		return PendingProposal{}, fmt.Errorf("record decision: %w", err)
	}
	return p, nil
}

// ResumePrompt builds the directive prompt used to re-drive the model after
// a decision so it reissues the same semantic tool call. The reissued call
// hashes to the recorded key and Propose resolves it without a second human
// prompt.
func ResumePrompt(p PendingProposal, v Verdict) string {
	args, err := canonicalize(p.Args)
	if err != nil {
		args = []byte("{}")
	}
	if v == VerdictRun {
		return fmt.Sprintf(
			"The user approved your call to %s. Call %s again with exactly these arguments: %s",
			p.ToolName, p.ToolName, args)
	}
	return fmt.Sprintf(
		"The user declined your call to %s with arguments %s. Do not call it again with these arguments; explain what you would have done and continue without it.",
		p.ToolName, args)
}

// StoreResult saves finished tool output and returns the opaque id viewers
// use to fetch it.
func (g *Gate) StoreResult(ctx context.Context, content []byte) (string, error) {
	if g.results == nil {
		return "", errors.New("no result store configured")
	}
	id := uuid.NewString()
	if err := g.results.Put(ctx, id, content); err != nil {
		return "", fmt.Errorf("store result: %w", err)
	}
	return id, nil
}

// Result fetches stored tool output by id.
func (g *Gate) Result(ctx context.Context, id string) ([]byte, bool, error) {
	if g.results == nil {
		return nil, false, errors.New("no result store configured")
	}
	return g.results.Get(ctx, id)
}

// canonicalize produces the canonical JSON encoding of args: keys sorted,
// numbers in their decoded form, independent of input map ordering.
func canonicalize(args map[string]any) ([]byte, error) {
	inst, err := normalize(args)
	if err != nil {
		return nil, err
	}
	return json.Marshal(inst)
}

// normalize round-trips args through JSON so values built from different Go
// types (int vs float64, json.RawMessage vs decoded) compare equal.
func normalize(args map[string]any) (any, error) {
	if args == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	var inst any
	if err := json.Unmarshal(b, &inst); err != nil {
		return nil, err
	}
	return inst, nil
}
