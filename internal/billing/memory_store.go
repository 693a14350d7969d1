package billing

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu         sync.Mutex
	byTeam     map[string]*TeamBilling
	byCustomer map[string]string
	events     map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byTeam:     make(map[string]*TeamBilling),
		byCustomer: make(map[string]string),
		events:     make(map[string]string),
	}
}

func (s *MemoryStore) GetByTeam(ctx context.Context, teamID string) (*TeamBilling, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tb, ok := s.byTeam[teamID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tb
	return &cp, nil
}

func (s *MemoryStore) GetByCustomer(ctx context.Context, customerID string) (*TeamBilling, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	teamID, ok := s.byCustomer[customerID]
	if !ok {
		return nil, ErrCustomerNotFound
	}
	cp := *s.byTeam[teamID]
	return &cp, nil
}

func (s *MemoryStore) Ensure(ctx context.Context, teamID string) (*TeamBilling, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tb, ok := s.byTeam[teamID]; ok {
		cp := *tb
		return &cp, nil
	}
	tb := NewRecord(teamID)
	s.byTeam[teamID] = tb
	cp := *tb
	return &cp, nil
}

func (s *MemoryStore) Update(ctx context.Context, tb *TeamBilling) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byTeam[tb.TeamID]
	if !ok {
		return ErrNotFound
	}
	if existing.CustomerID != "" && existing.CustomerID != tb.CustomerID {
		delete(s.byCustomer, existing.CustomerID)
	}
	tb.UpdatedAt = time.Now().UTC()
	cp := *tb
	s.byTeam[tb.TeamID] = &cp
	if tb.CustomerID != "" {
		s.byCustomer[tb.CustomerID] = tb.TeamID
	}
	return nil
}

func (s *MemoryStore) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.events[eventID]; seen {
		return ErrEventProcessed
	}
	s.events[eventID] = eventType
	return nil
}

var _ Store = (*MemoryStore)(nil)
