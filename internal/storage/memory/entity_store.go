// Package memory provides in-process implementations of storage interfaces.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jmpumuro/judex/internal/progress"
	"github.com/jmpumuro/judex/internal/store"
)

// EntityStore keeps the latest snapshot of every entity in memory. It is the
// default view model behind the read API.
type EntityStore struct {
	mu       sync.RWMutex
	entities map[string]store.Entity
}

var _ store.EntityRepository = (*EntityStore)(nil)

// NewEntityStore constructs an empty EntityStore.
func NewEntityStore() *EntityStore {
	return &EntityStore{entities: make(map[string]store.Entity)}
}

// UpsertEntity applies patch onto the stored entity, creating it if needed.
func (s *EntityStore) UpsertEntity(_ context.Context, entityID string, patch progress.Patch, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[entityID]
	if !ok {
		e = store.Entity{ID: entityID}
	}
	s.entities[entityID] = e.Apply(patch, at.UTC())
	return nil
}

// GetEntity returns a copy of the stored entity.
func (s *EntityStore) GetEntity(_ context.Context, entityID string) (store.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[entityID]
	if !ok {
		return store.Entity{}, store.ErrNotFound
	}
	return cloneEntity(e), nil
}

// ListEntities returns entities ordered by UpdatedAt descending, then ID.
func (s *EntityStore) ListEntities(_ context.Context, limit, offset int) ([]store.Entity, error) {
	s.mu.RLock()
	out := make([]store.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, cloneEntity(e))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if offset < 0 {
		offset = 0
	}
	if offset >= len(out) {
		return []store.Entity{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// Len reports how many entities are stored.
func (s *EntityStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

func cloneEntity(e store.Entity) store.Entity {
	if e.Result != nil {
		e.Result = append([]byte(nil), e.Result...)
	}
	return e
}
