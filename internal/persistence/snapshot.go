package persistence

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/realmkeeper/realmkeeper/internal/registry"
)

// ErrSnapshotNotFound is returned by a SnapshotStore that holds no snapshot yet.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// TenantRecord is the persisted form of one tenant.
type TenantRecord struct {
	EntitlementID      string               `json:"entitlement_id"`
	CommandAlias       string               `json:"command_alias"`
	Keys               []string             `json:"keys"`
	MessageTemplates   []string             `json:"message_templates"`
	CooldownSeconds    int                  `json:"cooldown_seconds"`
	AnnouncementTarget *string              `json:"announcement_target"`
	Stats              registry.Stats       `json:"stats"`
	KeyExpiry          map[string]time.Time `json:"key_expiry,omitempty"`
}

// Snapshot is the full persisted state: the structured document keyed by
// tenant id plus one opaque filter blob per tenant.
type Snapshot struct {
	Tenants map[string]TenantRecord
	Filters map[string][]byte
}

// NewSnapshot returns an empty snapshot
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Tenants: make(map[string]TenantRecord),
		Filters: make(map[string][]byte),
	}
}

// SnapshotStore is durable storage for snapshots.
type SnapshotStore interface {
	// Save replaces the stored snapshot.
	Save(ctx context.Context, snap *Snapshot) error
	// Load returns the stored snapshot or ErrSnapshotNotFound. A missing or
	// unreadable filter blob is reported by leaving it out of Filters.
	Load(ctx context.Context) (*Snapshot, error)
}

// MemoryStore keeps the snapshot in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	snap *Snapshot
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Save(_ context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = cloneSnapshot(snap)
	return nil
}

func (s *MemoryStore) Load(_ context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		return nil, ErrSnapshotNotFound
	}
	return cloneSnapshot(s.snap), nil
}

// DeleteFilter drops one tenant's filter blob.
func (s *MemoryStore) DeleteFilter(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap != nil {
		delete(s.snap.Filters, tenantID)
	}
}

func cloneSnapshot(snap *Snapshot) *Snapshot {
	out := &Snapshot{
		Tenants: maps.Clone(snap.Tenants),
		Filters: make(map[string][]byte, len(snap.Filters)),
	}
	if out.Tenants == nil {
		out.Tenants = make(map[string]TenantRecord)
	}
	for id, blob := range snap.Filters {
		out.Filters[id] = append([]byte(nil), blob...)
	}
	return out
}
