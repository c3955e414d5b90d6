// Package inmem provides an in-memory journal for tests and single-process
// deployments. It mirrors the Redis implementation's semantics: monotonic
// per-conversation entry ids, approximate length capping and a bounded
// blocking tail.
package inmem

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"goa.design/runstream/journal"
)

type (
	// Options configures the in-memory journal.
	Options struct {
		// MaxLen bounds the number of retained entries per conversation.
		// Defaults to 4096. Trimming is approximate: the log is allowed to
		// overshoot by a small slack before old entries are dropped.
		MaxLen int
	}

	// Log is the in-memory implementation of journal.Log.
	Log struct {
		mu      sync.Mutex
		streams map[string]*stream
		maxLen  int
	}

	stream struct {
		seq     int64
		entries []journal.Entry
		// waiters are closed (and replaced) on every append so blocked
		// Tail calls wake up.
		waiter chan struct{}
	}
)

const (
	defaultMaxLen = 4096
	// trimSlack is how far past MaxLen a stream may grow before trimming.
	trimSlack = 64
)

// New returns an empty in-memory journal.
func New(opts Options) *Log {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	return &Log{streams: make(map[string]*stream), maxLen: maxLen}
}

func (l *Log) stream(conversationID string) *stream {
	s, ok := l.streams[conversationID]
	if !ok {
		s = &stream{waiter: make(chan struct{})}
		l.streams[conversationID] = s
	}
	return s
}

// Append implements journal.Log.
func (l *Log) Append(ctx context.Context, conversationID string, payload []byte) (journal.EntryID, error) {
	if conversationID == "" {
		return "", errors.New("conversation id is required")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stream(conversationID)
	s.seq++
	id := journal.EntryID(strconv.FormatInt(s.seq, 10) + "-0")
	blob := make([]byte, len(payload))
	copy(blob, payload)
	s.entries = append(s.entries, journal.Entry{ConversationID: conversationID, ID: id, Payload: blob})
	if len(s.entries) > l.maxLen+trimSlack {
		s.entries = append([]journal.Entry(nil), s.entries[len(s.entries)-l.maxLen:]...)
	}
	close(s.waiter)
	s.waiter = make(chan struct{})
	return id, nil
}

// ReadRange implements journal.Log.
func (l *Log) ReadRange(ctx context.Context, conversationID string, from, to journal.EntryID, limit int) ([]journal.Entry, error) {
	if conversationID == "" {
		return nil, errors.New("conversation id is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stream(conversationID)
	var out []journal.Entry
	for _, e := range s.entries {
		if from != "" && less(e.ID, from) {
			continue
		}
		if to != "" && less(to, e.ID) {
			break
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Tail implements journal.Log.
func (l *Log) Tail(ctx context.Context, conversationID string, after journal.EntryID, batch int, block time.Duration) ([]journal.Entry, error) {
	if conversationID == "" {
		return nil, errors.New("conversation id is required")
	}
	if batch <= 0 {
		batch = 1
	}
	deadline := time.Now().Add(block)
	for {
		l.mu.Lock()
		s := l.stream(conversationID)
		out := pending(s.entries, after, batch)
		if len(out) > 0 {
			l.mu.Unlock()
			return out, nil
		}
		waiter := s.waiter
		l.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-waiter:
			timer.Stop()
		}
	}
}

func pending(entries []journal.Entry, after journal.EntryID, batch int) []journal.Entry {
	var out []journal.Entry
	for _, e := range entries {
		if after != "" && !less(after, e.ID) {
			continue
		}
		out = append(out, e)
		if len(out) == batch {
			break
		}
	}
	return out
}

// less orders entry ids of the form "<seq>" or "<seq>-<sub>" numerically,
// matching Redis stream id ordering for the ids this package generates.
func less(a, b journal.EntryID) bool {
	amaj, amin := split(a)
	bmaj, bmin := split(b)
	if amaj != bmaj {
		return amaj < bmaj
	}
	return amin < bmin
}

func split(id journal.EntryID) (int64, int64) {
	s := string(id)
	var maj, min int64
	if i := strings.IndexByte(s, '-'); i >= 0 {
		maj, _ = strconv.ParseInt(s[:i], 10, 64)
		min, _ = strconv.ParseInt(s[i+1:], 10, 64)
	} else {
		maj, _ = strconv.ParseInt(s, 10, 64)
	}
	return maj, min
}
