package certindex

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is the in-process index used by tests and local development.
// A single mutex makes Put's read-modify-write atomic across concurrent
// issuance requests.
type MemoryStore struct {
	mu     sync.Mutex
	byID   map[string]Entry
	byHash map[[32]byte]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]Entry),
		byHash: make(map[[32]byte]string),
	}
}

func (s *MemoryStore) Put(_ context.Context, e Entry) error {
	if err := e.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[e.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, e.ID)
	}
	if otherID, ok := s.byHash[e.ContentHash]; ok && otherID != e.ID {
		return fmt.Errorf("%w: held by %s", ErrDuplicateContent, otherID)
	}

	s.byID[e.ID] = e
	s.byHash[e.ContentHash] = e.ID
	return nil
}

func (s *MemoryStore) Get(_ context.Context, normalizedID string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[normalizedID]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, normalizedID)
	}
	return e, nil
}

func (s *MemoryStore) GetByContentHash(_ context.Context, hash [32]byte) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byHash[hash]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return s.byID[id], nil
}

func (s *MemoryStore) List(_ context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.byID))
	for _, e := range s.byID {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
