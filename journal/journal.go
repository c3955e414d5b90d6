// Package journal defines the durable, append-only, per-conversation log the
// streaming core is built on. A journal is an ordered sequence of opaque
// payload blobs addressed by conversation id; entry ids are assigned by the
// store and are monotonically increasing within a conversation.
//
// The journal never interprets payloads. Retained length is capped
// approximately (bounded, not exact), so consumers must not assume full
// history is retrievable beyond the cap.
package journal

import (
	"context"
	"time"
)

type (
	// EntryID identifies one journal entry within a conversation. Ids are
	// store-assigned and ordered: for two entries of the same conversation,
	// the later append has the greater id. The zero value addresses the
	// position before the first entry.
	EntryID string

	// Entry is one record read back from the journal.
	Entry struct {
		// ConversationID is the stream the entry belongs to.
		ConversationID string
		// ID is the store-assigned entry id.
		ID EntryID
		// Payload is the opaque blob handed to Append.
		Payload []byte
	}

	// Log is the durable log client contract. Implementations must preserve
	// append order per conversation; there is no ordering guarantee across
	// conversations.
	Log interface {
		// Append adds a payload to the conversation's log and returns the
		// store-assigned entry id. The store may trim old entries to keep the
		// retained length approximately bounded.
		Append(ctx context.Context, conversationID string, payload []byte) (EntryID, error)

		// ReadRange returns up to limit entries with ids in [from, to]. The
		// zero EntryID means "start of retained history" for from and "end"
		// for to. Entries are returned in id order.
		ReadRange(ctx context.Context, conversationID string, from, to EntryID, limit int) ([]Entry, error)

		// Tail returns up to batch entries with ids strictly greater than
		// after, blocking up to block for new data. A timeout with no new
		// data returns an empty slice and a nil error, never an error.
		Tail(ctx context.Context, conversationID string, after EntryID, batch int, block time.Duration) ([]Entry, error)
	}
)
