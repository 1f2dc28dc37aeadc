package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the default single-process session table.
type MemoryStore struct {
	mu       sync.RWMutex
	attempts map[string]Attempt
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{attempts: make(map[string]Attempt)}
}

func (s *MemoryStore) Get(ctx context.Context, userID string) (*Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attempts[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := a
	return &cp, nil
}

func (s *MemoryStore) Put(ctx context.Context, a *Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[a.UserID] = *a
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, userID)
	return nil
}

func (s *MemoryStore) IdleBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, a := range s.attempts {
		if a.UpdatedAt.Before(cutoff) {
			out = append(out, id)
		}
	}
	return out, nil
}
