// Package inmem provides in-process approval stores for tests and
// single-process deployments. Records never expire; production deployments
// should prefer the Redis stores, which carry TTLs.
package inmem

import (
	"context"
	"sync"

	"goa.design/runstream/approval"
)

type (
	// DecisionStore is a mutex-guarded map of single-use verdicts.
	DecisionStore struct {
		mu       sync.Mutex
		verdicts map[string]approval.Verdict
	}

	// PendingStore holds suspended proposals keyed by conversation id.
	PendingStore struct {
		mu      sync.Mutex
		pending map[string]approval.PendingProposal
	}

	// ResultStore holds tool outputs keyed by opaque id.
	ResultStore struct {
		mu      sync.Mutex
		results map[string][]byte
	}
)

// NewDecisionStore returns an empty in-memory decision store.
func NewDecisionStore() *DecisionStore {
	return &DecisionStore{verdicts: make(map[string]approval.Verdict)}
}

// Put records v under key, overwriting any previous verdict.
func (s *DecisionStore) Put(_ context.Context, key string, v approval.Verdict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verdicts[key] = v
	return nil
}

// Take returns and deletes the verdict for key.
func (s *DecisionStore) Take(_ context.Context, key string) (approval.Verdict, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.verdicts[key]
	if ok {
		delete(s.verdicts, key)
	}
	return v, ok, nil
}

// NewPendingStore returns an empty in-memory pending proposal store.
func NewPendingStore() *PendingStore {
	return &PendingStore{pending: make(map[string]approval.PendingProposal)}
}

// Put stores p as the conversation's suspended proposal.
func (s *PendingStore) Put(_ context.Context, conversationID string, p approval.PendingProposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[conversationID] = p
	return nil
}

// Get returns the conversation's suspended proposal, if any.
func (s *PendingStore) Get(_ context.Context, conversationID string) (approval.PendingProposal, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[conversationID]
	return p, ok, nil
}

// Delete removes the conversation's suspended proposal.
func (s *PendingStore) Delete(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, conversationID)
	return nil
}

// NewResultStore returns an empty in-memory result store.
func NewResultStore() *ResultStore {
	return &ResultStore{results: make(map[string][]byte)}
}

// Put stores content under id.
func (s *ResultStore) Put(_ context.Context, id string, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[id] = content
	return nil
}

// Get returns the content stored under id, if any.
func (s *ResultStore) Get(_ context.Context, id string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.results[id]
	return content, ok, nil
}
