// Package memory provides in-process storage for development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/drfirst/go-regimen/internal/domain/regimen"
)

// RegimenStore keeps schedule snapshots in a map with the same versioning rules as the
// PostgreSQL repository. Committed events are kept in order in place of an outbox.
type RegimenStore struct {
	mu     sync.RWMutex
	byID   map[string]*regimen.Schedule
	events []*regimen.Event
}

var _ regimen.Store = (*RegimenStore)(nil)

func NewRegimenStore() *RegimenStore {
	return &RegimenStore{byID: make(map[string]*regimen.Schedule)}
}

func (r *RegimenStore) Get(ctx context.Context, id string) (*regimen.Schedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byID[id]
	if !ok {
		return nil, &regimen.NotFoundError{Resource: "regimen", ID: id}
	}
	return s.Clone(), nil
}

func (r *RegimenStore) Create(ctx context.Context, s *regimen.Schedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if strings.TrimSpace(s.ID) == "" {
		return errors.New("regimen id required")
	}
	if _, exists := r.byID[s.ID]; exists {
		return fmt.Errorf("regimen %s already exists", s.ID)
	}
	s.Version = 1
	r.commit(s)
	return nil
}

func (r *RegimenStore) Update(ctx context.Context, s *regimen.Schedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.byID[s.ID]
	if !ok {
		return &regimen.NotFoundError{Resource: "regimen", ID: s.ID}
	}
	if stored.Version != s.Version {
		return fmt.Errorf("regimen %s at version %d, stored %d: %w",
			s.ID, s.Version, stored.Version, regimen.ErrVersionConflict)
	}
	s.Version++
	r.commit(s)
	return nil
}

func (r *RegimenStore) ListActive(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active := make([]*regimen.Schedule, 0, len(r.byID))
	for _, s := range r.byID {
		if s.IsActive {
			active = append(active, s)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].ID < active[j].ID
		}
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})

	ids := make([]string, len(active))
	for i, s := range active {
		ids[i] = s.ID
	}
	return ids, nil
}

// Events returns every committed event in commit order.
func (r *RegimenStore) Events() []*regimen.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*regimen.Event(nil), r.events...)
}

// commit must be called with the write lock held.
func (r *RegimenStore) commit(s *regimen.Schedule) {
	r.events = append(r.events, s.Changes()...)
	s.ClearChanges()
	r.byID[s.ID] = s.Clone()
}
