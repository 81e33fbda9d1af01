package institution

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore is an in-memory Store for tests and local runs.
type MemoryStore struct {
	mu            sync.Mutex
	registrations map[common.Address]Registration
	requests      map[common.Address]Request
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		registrations: make(map[common.Address]Registration),
		requests:      make(map[common.Address]Request),
	}
}

func (s *MemoryStore) PutRegistration(_ context.Context, reg Registration) error {
	if err := reg.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registrations[reg.Identity] = reg
	return nil
}

func (s *MemoryStore) GetRegistration(_ context.Context, identity common.Address) (Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.registrations[identity]
	if !ok {
		return Registration{}, ErrNotFound
	}
	return reg, nil
}

func (s *MemoryStore) PutRequest(_ context.Context, req Request) error {
	if err := req.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.Identity] = req
	return nil
}

func (s *MemoryStore) GetRequest(_ context.Context, identity common.Address) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[identity]
	if !ok {
		return Request{}, ErrNotFound
	}
	return req, nil
}

func (s *MemoryStore) ListRequests(_ context.Context) ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, 0, len(s.requests))
	for _, req := range s.requests {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		return out[i].Identity.Hex() < out[j].Identity.Hex()
	})
	return out, nil
}
