package receipt

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. It is used when no database is
// configured and in tests; it gives no cross-instance guarantee.
type MemoryStore struct {
	windowDays int

	mu      sync.Mutex
	records map[string]time.Time
}

// NewMemoryStore creates an empty in-memory store. Records older than the
// window are replaced on insert.
func NewMemoryStore(windowDays int) *MemoryStore {
	return &MemoryStore{
		windowDays: windowDays,
		records:    make(map[string]time.Time),
	}
}

func (s *MemoryStore) Exists(ctx context.Context, receipt string, since time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.records[receipt]
	return ok && !at.Before(since), nil
}

func (s *MemoryStore) Insert(ctx context.Context, receipt string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.records[receipt]; ok && !prev.Before(WindowStart(at, s.windowDays)) {
		return ErrConflict
	}
	s.records[receipt] = at
	return nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
