package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/arachne/internal/alerts"
	"github.com/opensource-finance/arachne/internal/bus"
	"github.com/opensource-finance/arachne/internal/domain"
)

// memRepo is an in-memory Repository for pipeline tests.
type memRepo struct {
	mu          sync.Mutex
	txs         map[string][]*domain.Transaction
	policies    map[string][]*domain.AlertPolicy
	edges       map[string][]domain.LinkageEdge
	links       map[string][]domain.StrongLinkEdge
	assignments map[string]domain.CommunityAssignment
}

func newMemRepo() *memRepo {
	return &memRepo{
		txs:         make(map[string][]*domain.Transaction),
		policies:    make(map[string][]*domain.AlertPolicy),
		edges:       make(map[string][]domain.LinkageEdge),
		links:       make(map[string][]domain.StrongLinkEdge),
		assignments: make(map[string]domain.CommunityAssignment),
	}
}

func (m *memRepo) SaveTransaction(ctx context.Context, tenantID string, tx *domain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs[tenantID] = append(m.txs[tenantID], tx)
	return nil
}

func (m *memRepo) GetTransaction(ctx context.Context, tenantID string, txID string) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.txs[tenantID] {
		if tx.ID == txID {
			return tx, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memRepo) CountTransactions(ctx context.Context, tenantID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.txs[tenantID])), nil
}

func (m *memRepo) EachTransaction(ctx context.Context, tenantID string, fn func(tx *domain.Transaction) error) error {
	m.mu.Lock()
	txs := append([]*domain.Transaction(nil), m.txs[tenantID]...)
	m.mu.Unlock()
	for _, tx := range txs {
		if err := fn(tx); err != nil {
			return err
		}
	}
	return nil
}

func (m *memRepo) ReplaceLinkageEdges(ctx context.Context, tenantID string, refreshID string, edges []domain.LinkageEdge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edges[tenantID] = edges
	return nil
}

func (m *memRepo) ReplaceStrongLinks(ctx context.Context, tenantID string, refreshID string, links []domain.StrongLinkEdge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[tenantID] = links
	return nil
}

func (m *memRepo) ReplaceCommunityAssignment(ctx context.Context, tenantID string, refreshID string, assignment domain.CommunityAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments[tenantID] = assignment
	return nil
}

func (m *memRepo) SaveAlertPolicy(ctx context.Context, tenantID string, policy *domain.AlertPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[tenantID] = append(m.policies[tenantID], policy)
	return nil
}

func (m *memRepo) ListAlertPolicies(ctx context.Context, tenantID string) ([]*domain.AlertPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.AlertPolicy(nil), m.policies[tenantID]...), nil
}

func (m *memRepo) DeleteAlertPolicy(ctx context.Context, tenantID string, policyID string) error {
	return nil
}

func (m *memRepo) Ping(ctx context.Context) error { return nil }
func (m *memRepo) Close() error                   { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// seedRing stores transactions for a 6-person ring sharing 3 devices and 3
// cards. Every pair shares all 6 artifacts, weight 3*5 + 3*6 = 33.
func seedRing(t *testing.T, repo *memRepo, tenantID string) {
	t.Helper()
	ctx := context.Background()
	n := 0
	for i := 0; i < 6; i++ {
		person := fmt.Sprintf("ring-p%d", i)
		for j := 0; j < 3; j++ {
			n++
			if err := repo.SaveTransaction(ctx, tenantID, &domain.Transaction{
				ID:       fmt.Sprintf("tx-%d", n),
				TenantID: tenantID,
				PersonID: person,
				DeviceID: fmt.Sprintf("dev-%d", j),
				CardHash: fmt.Sprintf("card-%d", j),
				IsFraud:  true,
			}); err != nil {
				t.Fatalf("seed failed: %v", err)
			}
		}
	}
}

func newTestRefresher(t *testing.T, repo *memRepo) (*Refresher, *SnapshotStore, domain.EventBus) {
	t.Helper()
	logger := testLogger()
	store := NewSnapshotStore()
	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	alertEngine, err := alerts.NewEngine(logger)
	if err != nil {
		t.Fatalf("alerts.NewEngine failed: %v", err)
	}

	r := NewRefresher(repo, repo, store, eventBus, domain.DefaultConfig(), alertEngine, logger)
	return r, store, eventBus
}

func TestRefreshPublishesSnapshot(t *testing.T) {
	repo := newMemRepo()
	tenantID := "tenant-001"
	seedRing(t, repo, tenantID)

	r, store, _ := newTestRefresher(t, repo)

	if _, ok := store.Get(tenantID); ok {
		t.Fatal("no snapshot should exist before the first refresh")
	}

	snap, err := r.Refresh(context.Background(), tenantID)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	// 6-person ring: 15 pairs, all at weight 33, all strong.
	if len(snap.Edges) != 15 {
		t.Errorf("expected 15 edges, got %d", len(snap.Edges))
	}
	if len(snap.StrongLinks) != 15 {
		t.Errorf("expected 15 strong links, got %d", len(snap.StrongLinks))
	}
	if len(snap.Assignment.Communities) != 6 {
		t.Errorf("expected 6 persons in communities, got %d", len(snap.Assignment.Communities))
	}
	for id, c := range snap.Assignment.Communities {
		if c != 0 {
			t.Errorf("person %s: expected community 0, got %d", id, c)
		}
	}

	published, ok := store.Get(tenantID)
	if !ok || published.RefreshID != snap.RefreshID {
		t.Error("snapshot not published to store")
	}

	// Results were written back.
	if len(repo.edges[tenantID]) != 15 || len(repo.links[tenantID]) != 15 {
		t.Error("linkage results not persisted")
	}
	if len(repo.assignments[tenantID].Communities) != 6 {
		t.Error("community assignment not persisted")
	}
}

func TestRefreshEmptyTenant(t *testing.T) {
	repo := newMemRepo()
	r, store, _ := newTestRefresher(t, repo)

	snap, err := r.Refresh(context.Background(), "tenant-empty")
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if len(snap.Edges) != 0 || len(snap.StrongLinks) != 0 || len(snap.Assignment.Communities) != 0 {
		t.Errorf("expected empty snapshot, got %+v", snap)
	}
	if _, ok := store.Get("tenant-empty"); !ok {
		t.Error("even an empty snapshot must be published")
	}
}

func TestRefreshRequiresTenant(t *testing.T) {
	repo := newMemRepo()
	r, _, _ := newTestRefresher(t, repo)

	if _, err := r.Refresh(context.Background(), ""); err == nil {
		t.Error("expected error for empty tenant id")
	}
}

func TestRefreshEmitsCompletionAndAlerts(t *testing.T) {
	repo := newMemRepo()
	tenantID := "tenant-001"
	seedRing(t, repo, tenantID)

	// Policy matches the ring: 6 members, fraud rate 1.0.
	_ = repo.SaveAlertPolicy(context.Background(), tenantID, &domain.AlertPolicy{
		ID:         "pol-ring",
		Name:       "high fraud ring",
		Expression: "person_count >= 5 && fraud_rate > 0.9",
		Enabled:    true,
	})

	r, _, eventBus := newTestRefresher(t, repo)

	completed := make(chan *domain.Message, 1)
	alerted := make(chan *domain.Message, 1)
	ctx := context.Background()
	if _, err := eventBus.Subscribe(ctx, tenantID, domain.TopicRefreshCompleted, func(ctx context.Context, msg *domain.Message) error {
		select {
		case completed <- msg:
		default:
		}
		return nil
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if _, err := eventBus.Subscribe(ctx, tenantID, domain.TopicRingAlert, func(ctx context.Context, msg *domain.Message) error {
		select {
		case alerted <- msg:
		default:
		}
		return nil
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if _, err := r.Refresh(ctx, tenantID); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	select {
	case <-completed:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for refresh completion event")
	}
	select {
	case <-alerted:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for ring alert")
	}
}

func TestSnapshotStoreSwap(t *testing.T) {
	store := NewSnapshotStore()

	first := &domain.Snapshot{TenantID: "t1", RefreshID: "r1"}
	second := &domain.Snapshot{TenantID: "t1", RefreshID: "r2"}
	other := &domain.Snapshot{TenantID: "t2", RefreshID: "r9"}

	store.Publish(first)
	store.Publish(other)

	got, ok := store.Get("t1")
	if !ok || got.RefreshID != "r1" {
		t.Fatalf("expected r1, got %+v", got)
	}

	store.Publish(second)
	got, _ = store.Get("t1")
	if got.RefreshID != "r2" {
		t.Errorf("expected r2 after swap, got %s", got.RefreshID)
	}

	// Other tenants are untouched.
	got, _ = store.Get("t2")
	if got.RefreshID != "r9" {
		t.Errorf("tenant t2 snapshot disturbed: %s", got.RefreshID)
	}
}

func TestWorkerRefreshesOnRequest(t *testing.T) {
	repo := newMemRepo()
	tenantID := "tenant-001"
	seedRing(t, repo, tenantID)

	r, store, eventBus := newTestRefresher(t, repo)

	worker := NewWorker(eventBus, r, testLogger())
	if err := worker.Start(WorkerConfig{TenantIDs: []string{tenantID}}); err != nil {
		t.Fatalf("worker start failed: %v", err)
	}
	defer worker.Stop()

	time.Sleep(10 * time.Millisecond)

	if err := eventBus.Publish(context.Background(), tenantID, domain.TopicRefreshRequested, []byte(`{}`)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := store.Get(tenantID); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("worker did not publish a snapshot after refresh request")
}
