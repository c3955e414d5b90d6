// Package redis implements the journal on Redis streams. Each conversation
// maps to one stream key; XADD assigns the monotonic entry ids, XRANGE serves
// bounded reads and XREAD with BLOCK serves the tail poll. Streams are
// trimmed with approximate MAXLEN so retained length stays bounded without
// paying for exact trimming on every append.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"goa.design/runstream/journal"
)

type (
	// Options configures the Redis-backed journal.
	Options struct {
		// Client is the Redis connection used for all operations. Required.
		// The caller owns its lifecycle: construct it at process start,
		// share it by reference and close it at shutdown.
		Client *goredis.Client
		// KeyPrefix is prepended to conversation ids to form stream keys.
		// Defaults to "runstream:log:".
		KeyPrefix string
		// MaxLen bounds the number of retained entries per conversation.
		// Trimming is approximate. Defaults to 4096.
		MaxLen int64
	}

	// Log is the Redis implementation of journal.Log.
	Log struct {
		rdb    *goredis.Client
		prefix string
		maxLen int64
	}
)

const (
	defaultKeyPrefix = "runstream:log:"
	defaultMaxLen    = 4096

	// payloadField is the single stream field carrying the opaque blob.
	payloadField = "payload"

	clientName = "journal-redis"
)

// New returns a journal backed by Redis streams.
func New(opts Options) (*Log, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	return &Log{rdb: opts.Client, prefix: prefix, maxLen: maxLen}, nil
}

// Name implements health.Pinger.
func (l *Log) Name() string { return clientName }

// Ping implements health.Pinger.
func (l *Log) Ping(ctx context.Context) error {
	return l.rdb.Ping(ctx).Err()
}

func (l *Log) key(conversationID string) string {
	return l.prefix + conversationID
}

// Append implements journal.Log.
func (l *Log) Append(ctx context.Context, conversationID string, payload []byte) (journal.EntryID, error) {
	if conversationID == "" {
		return "", errors.New("conversation id is required")
	}
	id, err := l.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: l.key(conversationID),
		MaxLen: l.maxLen,
		Approx: true,
		Values: map[string]any{payloadField: payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("append to %s: %w", conversationID, err)
	}
	return journal.EntryID(id), nil
}

// ReadRange implements journal.Log.
func (l *Log) ReadRange(ctx context.Context, conversationID string, from, to journal.EntryID, limit int) ([]journal.Entry, error) {
	if conversationID == "" {
		return nil, errors.New("conversation id is required")
	}
	start, stop := "-", "+"
	if from != "" {
		start = string(from)
	}
	if to != "" {
		stop = string(to)
	}
	var (
		msgs []goredis.XMessage
		err  error
	)
	if limit > 0 {
		msgs, err = l.rdb.XRangeN(ctx, l.key(conversationID), start, stop, int64(limit)).Result()
	} else {
		msgs, err = l.rdb.XRange(ctx, l.key(conversationID), start, stop).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("read range of %s: %w", conversationID, err)
	}
	return l.entries(conversationID, msgs), nil
}

// Tail implements journal.Log. The blocking wait is delegated to XREAD; a
// Redis-side timeout surfaces as redis.Nil and is translated to an empty
// result so callers can loop without special-casing "no new data".
func (l *Log) Tail(ctx context.Context, conversationID string, after journal.EntryID, batch int, block time.Duration) ([]journal.Entry, error) {
	if conversationID == "" {
		return nil, errors.New("conversation id is required")
	}
	if batch <= 0 {
		batch = 1
	}
	// BLOCK 0 means "forever" to Redis; keep the poll bounded.
	if block <= 0 {
		block = time.Millisecond
	}
	cursor := "0"
	if after != "" {
		cursor = string(after)
	}
	res, err := l.rdb.XRead(ctx, &goredis.XReadArgs{
		Streams: []string{l.key(conversationID), cursor},
		Count:   int64(batch),
		Block:   block,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tail %s: %w", conversationID, err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	return l.entries(conversationID, res[0].Messages), nil
}

func (l *Log) entries(conversationID string, msgs []goredis.XMessage) []journal.Entry {
	entries := make([]journal.Entry, 0, len(msgs))
	for _, m := range msgs {
		var payload []byte
		if v, ok := m.Values[payloadField]; ok {
			if s, ok := v.(string); ok {
				payload = []byte(s)
			}
		}
		entries = append(entries, journal.Entry{
			ConversationID: conversationID,
			ID:             journal.EntryID(m.ID),
			Payload:        payload,
		})
	}
	return entries
}
