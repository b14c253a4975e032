package tenant

import (
	"slices"
	"strings"
	"sync"
)

// Store maps tenant ids to tenants.
//
// The store lock is coarse: configure and remove take it exclusively, lookups
// and the snapshot pass share it. It never guards a tenant's registry.
type Store struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{tenants: make(map[string]*Tenant)}
}

// Get returns the tenant with the given id
func (s *Store) Get(id string) (*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tenants[id]
	if !ok {
		return nil, ErrTenantNotFound
	}
	return t, nil
}

// GetOrCreate returns the existing tenant or stores the one built by create.
// created reports whether create was called.
func (s *Store) GetOrCreate(id string, create func() (*Tenant, error)) (t *Tenant, created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tenants[id]; ok {
		return t, false, nil
	}
	t, err = create()
	if err != nil {
		return nil, false, err
	}
	s.tenants[id] = t
	return t, true, nil
}

// Put stores t, replacing any tenant with the same id.
func (s *Store) Put(t *Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[t.ID] = t
}

// Delete removes and returns the tenant with the given id.
func (s *Store) Delete(id string) (*Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tenants[id]
	if !ok {
		return nil, ErrTenantNotFound
	}
	delete(s.tenants, id)
	return t, nil
}

// Replace swaps the whole content of the store, used after a load.
func (s *Store) Replace(tenants []*Tenant) {
	m := make(map[string]*Tenant, len(tenants))
	for _, t := range tenants {
		m[t.ID] = t
	}
	s.mu.Lock()
	s.tenants = m
	s.mu.Unlock()
}

// List returns all tenants ordered by id.
func (s *Store) List() []*Tenant {
	s.mu.RLock()
	out := make([]*Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, t)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Tenant) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Range calls fn for every tenant in id order while holding the store read
// lock, so no tenant is added or removed during the walk. It stops at the
// first error.
func (s *Store) Range(fn func(*Tenant) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.tenants))
	for id := range s.tenants {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if err := fn(s.tenants[id]); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of tenants.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tenants)
}
