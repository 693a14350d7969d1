package team

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/clinscale/clinscale/internal/idgen"
	"github.com/clinscale/clinscale/internal/pagination"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	teams  map[string]*Team
	bySlug map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		teams:  make(map[string]*Team),
		bySlug: make(map[string]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, t *Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.bySlug[t.Slug]; exists {
		return ErrSlugTaken
	}
	if t.ID == "" {
		t.ID = idgen.WithPrefix("team_")
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	cp := *t
	s.teams[t.ID] = &cp
	s.bySlug[t.Slug] = t.ID
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.teams[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) GetBySlug(ctx context.Context, slug string) (*Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.bySlug[slug]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.teams[id]
	return &cp, nil
}

func (s *MemoryStore) List(ctx context.Context, cursor *pagination.Cursor, limit int) ([]*Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*Team, 0, len(s.teams))
	for _, t := range s.teams {
		cp := *t
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	out := []*Team{}
	for _, t := range all {
		if cursor != nil {
			if t.CreatedAt.After(cursor.CreatedAt) {
				continue
			}
			if t.CreatedAt.Equal(cursor.CreatedAt) && t.ID >= cursor.ID {
				continue
			}
		}
		out = append(out, t)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, t *Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.teams[t.ID]
	if !ok {
		return ErrNotFound
	}
	if t.Slug != existing.Slug {
		if _, taken := s.bySlug[t.Slug]; taken {
			return ErrSlugTaken
		}
		delete(s.bySlug, existing.Slug)
		s.bySlug[t.Slug] = t.ID
	}
	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = time.Now().UTC()
	cp := *t
	s.teams[t.ID] = &cp
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.teams[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.bySlug, t.Slug)
	delete(s.teams, id)
	return nil
}
