// Package inmem provides an in-memory checkpoint store for tests and
// single-process deployments.
package inmem

import (
	"context"
	"sync"

	"goa.design/runstream/checkpoint"
	"goa.design/runstream/journal"
)

// Store is the in-memory implementation of checkpoint.Store.
type Store struct {
	mu   sync.RWMutex
	last map[string]journal.EntryID
}

// New returns an empty in-memory checkpoint store.
func New() *Store {
	return &Store{last: make(map[string]journal.EntryID)}
}

// Last implements checkpoint.Store.
func (s *Store) Last(ctx context.Context, conversationID string) (journal.EntryID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.last[conversationID]
	if !ok {
		return "", checkpoint.ErrNotFound
	}
	return id, nil
}

// Set implements checkpoint.Store.
func (s *Store) Set(ctx context.Context, conversationID string, id journal.EntryID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last[conversationID] = id
	return nil
}
