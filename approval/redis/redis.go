// Package redis provides Redis-backed approval stores. All records carry
// explicit TTLs so abandoned proposals and unread results age out instead of
// accumulating. Single-use decision consumption relies on GETDEL, which is
// atomic per key, so at most one proposal ever observes a recorded verdict
// even across processes.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"goa.design/runstream/approval"
)

type (
	// Options configures the Redis approval stores.
	Options struct {
		// Client is the shared Redis client handle. Required.
		Client *goredis.Client
		// KeyPrefix namespaces all approval keys. Defaults to
		// "runstream:approval:".
		KeyPrefix string
		// DecisionTTL and PendingTTL default to 24h, ResultTTL to 1h.
		DecisionTTL time.Duration
		PendingTTL  time.Duration
		ResultTTL   time.Duration
	}

	// Client bundles the three approval stores over one Redis connection.
	Client struct {
		// Decisions, Pending and Results satisfy the corresponding
		// approval store interfaces.
		Decisions *DecisionStore
		Pending   *PendingStore
		Results   *ResultStore

		rdb *goredis.Client
	}

	// DecisionStore holds single-use verdicts with a TTL.
	DecisionStore struct {
		rdb    *goredis.Client
		prefix string
		ttl    time.Duration
	}

	// PendingStore holds suspended proposals keyed by conversation id.
	PendingStore struct {
		rdb    *goredis.Client
		prefix string
		ttl    time.Duration
	}

	// ResultStore holds tool outputs keyed by opaque id.
	ResultStore struct {
		rdb    *goredis.Client
		prefix string
		ttl    time.Duration
	}
)

const (
	defaultKeyPrefix   = "runstream:approval:"
	defaultDecisionTTL = 24 * time.Hour
	defaultPendingTTL  = 24 * time.Hour
	defaultResultTTL   = time.Hour
)

// New returns approval stores backed by the given Redis client.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	decisionTTL := opts.DecisionTTL
	if decisionTTL <= 0 {
		decisionTTL = defaultDecisionTTL
	}
	pendingTTL := opts.PendingTTL
	if pendingTTL <= 0 {
		pendingTTL = defaultPendingTTL
	}
	resultTTL := opts.ResultTTL
	if resultTTL <= 0 {
		resultTTL = defaultResultTTL
	}
	return &Client{
		Decisions: &DecisionStore{rdb: opts.Client, prefix: prefix + "decision:", ttl: decisionTTL},
		Pending:   &PendingStore{rdb: opts.Client, prefix: prefix + "pending:", ttl: pendingTTL},
		Results:   &ResultStore{rdb: opts.Client, prefix: prefix + "result:", ttl: resultTTL},
		rdb:       opts.Client,
	}, nil
}

// Name implements health.Pinger.
func (c *Client) Name() string { return "approval-redis" }

// Ping implements health.Pinger.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Put records v under key, overwriting any previous verdict and refreshing
// the TTL.
func (s *DecisionStore) Put(ctx context.Context, key string, v approval.Verdict) error {
	if err := s.rdb.Set(ctx, s.prefix+key, string(v), s.ttl).Err(); err != nil {
		return fmt.Errorf("set decision: %w", err)
	}
	return nil
}

// Take atomically returns and deletes the verdict for key.
func (s *DecisionStore) Take(ctx context.Context, key string) (approval.Verdict, bool, error) {
	v, err := s.rdb.GetDel(ctx, s.prefix+key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("getdel decision: %w", err)
	}
	return approval.Verdict(v), true, nil
}

// Put stores p as the conversation's suspended proposal.
func (s *PendingStore) Put(ctx context.Context, conversationID string, p approval.PendingProposal) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pending proposal: %w", err)
	}
	if err := s.rdb.Set(ctx, s.prefix+conversationID, b, s.ttl).Err(); err != nil {
		return fmt.Errorf("set pending proposal: %w", err)
	}
	return nil
}

// Get returns the conversation's suspended proposal, if any.
func (s *PendingStore) Get(ctx context.Context, conversationID string) (approval.PendingProposal, bool, error) {
	b, err := s.rdb.Get(ctx, s.prefix+conversationID).Bytes()
	if errors.Is(err, goredis.Nil) {
		return approval.PendingProposal{}, false, nil
	}
	if err != nil {
		return approval.PendingProposal{}, false, fmt.Errorf("get pending proposal: %w", err)
	}
	var p approval.PendingProposal
	if err := json.Unmarshal(b, &p); err != nil {
		return approval.PendingProposal{}, false, fmt.Errorf("unmarshal pending proposal: %w", err)
	}
	return p, true, nil
}

// Delete removes the conversation's suspended proposal.
func (s *PendingStore) Delete(ctx context.Context, conversationID string) error {
	if err := s.rdb.Del(ctx, s.prefix+conversationID).Err(); err != nil {
		return fmt.Errorf("delete pending proposal: %w", err)
	}
	return nil
}

// Put stores content under id.
func (s *ResultStore) Put(ctx context.Context, id string, content []byte) error {
	if err := s.rdb.Set(ctx, s.prefix+id, content, s.ttl).Err(); err != nil {
		return fmt.Errorf("set result: %w", err)
	}
	return nil
}

// Get returns the content stored under id, if any.
func (s *ResultStore) Get(ctx context.Context, id string) ([]byte, bool, error) {
	b, err := s.rdb.Get(ctx, s.prefix+id).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get result: %w", err)
	}
	return b, true, nil
}
