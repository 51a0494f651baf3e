package vfs

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/opensandbox/runbox/pkg/types"
)

// Store persists projects. Implementations must return copies so callers
// can mutate what they get without affecting stored state.
type Store interface {
	Create(ctx context.Context, p *types.Project) error
	Get(ctx context.Context, id string) (*types.Project, error)
	Put(ctx context.Context, p *types.Project) error
	Delete(ctx context.Context, id string) error
	ListByOwner(ctx context.Context, ownerID string) ([]*types.Project, error)
}

// MemoryStore keeps projects in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	projects map[string]*types.Project
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{projects: make(map[string]*types.Project)}
}

func (s *MemoryStore) Create(ctx context.Context, p *types.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[p.ID]; ok {
		return fmt.Errorf("project %s already exists", p.ID)
	}
	s.projects[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*types.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", id, types.ErrNotFound)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) Put(ctx context.Context, p *types.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[p.ID]; !ok {
		return fmt.Errorf("project %s: %w", p.ID, types.ErrNotFound)
	}
	s.projects[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.projects, id)
	return nil
}

func (s *MemoryStore) ListByOwner(ctx context.Context, ownerID string) ([]*types.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Project
	for _, p := range s.projects {
		if p.OwnerID == ownerID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
