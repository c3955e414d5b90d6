// Package checkpoint defines the narrow key-value interface used to persist
// the last journal entry id delivered to a conversation's viewers. The store
// is typically backed by whatever system already holds chat/session metadata;
// this subsystem only ever reads and writes the single id field.
package checkpoint

import (
	"context"
	"errors"

	"goa.design/runstream/journal"
)

// ErrNotFound is returned by Last when no checkpoint has been recorded for a
// conversation yet.
var ErrNotFound = errors.New("no checkpoint for conversation")

// Store persists per-conversation delivery checkpoints. A checkpoint is
// created on first Set, updated continuously while a consumer runs and never
// deleted by this subsystem.
type Store interface {
	// Last returns the last delivered entry id for the conversation, or
	// ErrNotFound when none was ever recorded.
	Last(ctx context.Context, conversationID string) (journal.EntryID, error)

	// Set records the last delivered entry id for the conversation.
	Set(ctx context.Context, conversationID string, id journal.EntryID) error
}
