// Package pipeline orchestrates the batch refresh: read transactions, build
// the linkage graph, filter strong links, detect communities, persist the
// results, and publish an immutable snapshot.
package pipeline

import (
	"sync"

	"github.com/opensource-finance/arachne/internal/domain"
)

// SnapshotStore holds the latest published snapshot per tenant. Publication
// swaps a pointer under a short write lock, so queries running against the
// previous snapshot finish unharmed and new queries see the new one.
type SnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string]*domain.Snapshot
}

// NewSnapshotStore creates an empty snapshot store.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{snapshots: make(map[string]*domain.Snapshot)}
}

// Get returns the tenant's current snapshot, or false if none has been
// published yet.
func (s *SnapshotStore) Get(tenantID string) (*domain.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[tenantID]
	return snap, ok
}

// Publish atomically replaces the tenant's current snapshot.
func (s *SnapshotStore) Publish(snap *domain.Snapshot) {
	s.mu.Lock()
	s.snapshots[snap.TenantID] = snap
	s.mu.Unlock()
}
