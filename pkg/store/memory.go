package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store. All methods are concurrent-safe.
type MemoryStore struct {
	mu        sync.RWMutex
	templates map[string]*Template
	now       func() time.Time
}

// NewMemoryStore returns an empty MemoryStore, optionally seeded with templates.
// Seeded templates are inserted as if created now.
func NewMemoryStore(seed ...*Template) (*MemoryStore, error) {
	s := &MemoryStore{
		templates: make(map[string]*Template),
		now:       time.Now,
	}
	for _, t := range seed {
		if _, err := s.Create(context.Background(), t, false); err != nil {
			return nil, fmt.Errorf("failed to seed template %q: %w", t.ID, err)
		}
	}
	return s, nil
}

// Read returns a copy of the stored template.
func (s *MemoryStore) Read(_ context.Context, id string) (*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t.Clone(), nil
}

// Create inserts a new template.
func (s *MemoryStore) Create(ctx context.Context, t *Template, overwrite bool) (*Template, error) {
	if t == nil {
		return nil, errors.New("template is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.templates[t.ID]; ok {
		if !overwrite {
			return nil, fmt.Errorf("%w: %s", ErrExists, t.ID)
		}
		updated := applyUpdate(existing, t, s.now())
		s.templates[t.ID] = updated
		return updated.Clone(), nil
	}
	created, err := prepareNew(t, s.now())
	if err != nil {
		return nil, err
	}
	s.templates[created.ID] = created
	return created.Clone(), nil
}

// Update replaces an existing template.
func (s *MemoryStore) Update(_ context.Context, t *Template) (*Template, error) {
	if t == nil {
		return nil, errors.New("template is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.templates[t.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, t.ID)
	}
	updated := applyUpdate(existing, t, s.now())
	s.templates[t.ID] = updated
	return updated.Clone(), nil
}

// Delete removes a template.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.templates, id)
	return nil
}

// List returns all templates ordered by id.
func (s *MemoryStore) List(_ context.Context) ([]*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Template, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
