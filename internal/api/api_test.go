package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/opensource-finance/arachne/internal/alerts"
	"github.com/opensource-finance/arachne/internal/bus"
	"github.com/opensource-finance/arachne/internal/cache"
	"github.com/opensource-finance/arachne/internal/domain"
	"github.com/opensource-finance/arachne/internal/pipeline"
	"github.com/opensource-finance/arachne/internal/risk"
)

const testTenant = "tenant-001"

// memRepo is an in-memory Repository for API tests.
type memRepo struct {
	mu          sync.Mutex
	txs         map[string]map[string]*domain.Transaction
	policies    map[string]map[string]*domain.AlertPolicy
	edges       map[string][]domain.LinkageEdge
	links       map[string][]domain.StrongLinkEdge
	assignments map[string]domain.CommunityAssignment
}

func newMemRepo() *memRepo {
	return &memRepo{
		txs:         make(map[string]map[string]*domain.Transaction),
		policies:    make(map[string]map[string]*domain.AlertPolicy),
		edges:       make(map[string][]domain.LinkageEdge),
		links:       make(map[string][]domain.StrongLinkEdge),
		assignments: make(map[string]domain.CommunityAssignment),
	}
}

func (m *memRepo) SaveTransaction(ctx context.Context, tenantID string, tx *domain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.txs[tenantID] == nil {
		m.txs[tenantID] = make(map[string]*domain.Transaction)
	}
	m.txs[tenantID][tx.ID] = tx
	return nil
}

func (m *memRepo) GetTransaction(ctx context.Context, tenantID string, txID string) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[tenantID][txID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return tx, nil
}

func (m *memRepo) CountTransactions(ctx context.Context, tenantID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.txs[tenantID])), nil
}

func (m *memRepo) EachTransaction(ctx context.Context, tenantID string, fn func(tx *domain.Transaction) error) error {
	m.mu.Lock()
	txs := make([]*domain.Transaction, 0, len(m.txs[tenantID]))
	for _, tx := range m.txs[tenantID] {
		txs = append(txs, tx)
	}
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
	if m.policies[tenantID] == nil {
		m.policies[tenantID] = make(map[string]*domain.AlertPolicy)
	}
	m.policies[tenantID][policy.ID] = policy
	return nil
}

func (m *memRepo) ListAlertPolicies(ctx context.Context, tenantID string) ([]*domain.AlertPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	policies := make([]*domain.AlertPolicy, 0, len(m.policies[tenantID]))
	for _, p := range m.policies[tenantID] {
		policies = append(policies, p)
	}
	return policies, nil
}

func (m *memRepo) DeleteAlertPolicy(ctx context.Context, tenantID string, policyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[tenantID][policyID]; !ok {
		return domain.ErrNotFound
	}
	delete(m.policies[tenantID], policyID)
	return nil
}

func (m *memRepo) Ping(ctx context.Context) error { return nil }
func (m *memRepo) Close() error                   { return nil }

func newTestServer(t *testing.T) (*Server, *memRepo) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := domain.DefaultConfig()

	repo := newMemRepo()
	queryCache := cache.NewLRUCache(100)
	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	store := pipeline.NewSnapshotStore()
	alertEngine, err := alerts.NewEngine(logger)
	if err != nil {
		t.Fatalf("alerts.NewEngine failed: %v", err)
	}
	refresher := pipeline.NewRefresher(repo, repo, store, eventBus, cfg, alertEngine, logger)
	riskEngine := risk.NewEngine(cfg.Risk, logger)

	server := NewServer(cfg.Server, repo, queryCache, eventBus, store, refresher, riskEngine, alertEngine, "test")
	return server, repo
}

func doRequest(t *testing.T, s *Server, method, path string, body interface{}, tenant bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tenant {
		req.Header.Set(TenantIDHeader, testTenant)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

// seedRing ingests a 6-person ring sharing 3 devices and 3 cards, every
// pair at weight 33.
func seedRing(t *testing.T, s *Server) {
	t.Helper()
	n := 0
	for i := 0; i < 6; i++ {
		for j := 0; j < 3; j++ {
			n++
			rec := doRequest(t, s, http.MethodPost, "/transactions", map[string]interface{}{
				"id":       fmt.Sprintf("tx-%d", n),
				"personId": fmt.Sprintf("ring-p%d", i),
				"deviceId": fmt.Sprintf("dev-%d", j),
				"cardHash": fmt.Sprintf("card-%d", j),
				"isFraud":  true,
			}, true)
			if rec.Code != http.StatusCreated {
				t.Fatalf("seed transaction: status %d: %s", rec.Code, rec.Body.String())
			}
		}
	}
}

func refresh(t *testing.T, s *Server) {
	t.Helper()
	rec := doRequest(t, s, http.MethodPost, "/refresh", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh: status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHealthEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/health", nil, false)
	if rec.Code != http.StatusOK {
		t.Errorf("health: status %d", rec.Code)
	}
	var health map[string]string
	decodeBody(t, rec, &health)
	if health["status"] != "healthy" {
		t.Errorf("expected healthy, got %q", health["status"])
	}

	rec = doRequest(t, s, http.MethodGet, "/ready", nil, false)
	if rec.Code != http.StatusOK {
		t.Errorf("ready: status %d", rec.Code)
	}
}

func TestTenantHeaderRequired(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/communities/top", nil, false)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without tenant header, got %d", rec.Code)
	}
}

func TestIngestAndGetTransaction(t *testing.T) {
	s, _ := newTestServer(t)

	t.Run("Ingest", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodPost, "/transactions", map[string]interface{}{
			"id":       "tx-1",
			"personId": "p1",
			"deviceId": "dev-1",
			"amount":   42.5,
		}, true)
		if rec.Code != http.StatusCreated {
			t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("Get", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodGet, "/transactions/tx-1", nil, true)
		if rec.Code != http.StatusOK {
			t.Fatalf("status %d", rec.Code)
		}
		var tx domain.Transaction
		decodeBody(t, rec, &tx)
		if tx.PersonID != "p1" || tx.DeviceID != "dev-1" {
			t.Errorf("unexpected transaction: %+v", tx)
		}
	})

	t.Run("MissingPerson", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodPost, "/transactions", map[string]interface{}{
			"id": "tx-2",
		}, true)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for missing personId, got %d", rec.Code)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodGet, "/transactions/nope", nil, true)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})
}

func TestQueriesBeforeFirstRefresh(t *testing.T) {
	s, _ := newTestServer(t)

	for _, path := range []string{
		"/communities/top",
		"/communities/0",
		"/communities/0/artifacts/device",
		"/persons/p1/risk",
		"/persons/p1/neighbors",
	} {
		rec := doRequest(t, s, http.MethodGet, path, nil, true)
		if rec.Code != http.StatusConflict {
			t.Errorf("%s: expected 409 before first refresh, got %d", path, rec.Code)
		}
	}
}

func TestRefreshAndRingQueries(t *testing.T) {
	s, _ := newTestServer(t)
	seedRing(t, s)

	rec := doRequest(t, s, http.MethodPost, "/refresh", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh: status %d: %s", rec.Code, rec.Body.String())
	}
	var result struct {
		RefreshID   string `json:"refreshId"`
		Edges       int    `json:"edges"`
		StrongLinks int    `json:"strongLinks"`
		Persons     int    `json:"persons"`
		Truncated   bool   `json:"truncated"`
	}
	decodeBody(t, rec, &result)
	if result.RefreshID == "" {
		t.Error("expected a refresh id")
	}
	if result.Edges != 15 || result.StrongLinks != 15 || result.Persons != 6 {
		t.Errorf("unexpected refresh result: %+v", result)
	}
	if result.Truncated {
		t.Error("small graph must not be truncated")
	}

	t.Run("TopCommunities", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodGet, "/communities/top", nil, true)
		if rec.Code != http.StatusOK {
			t.Fatalf("status %d", rec.Code)
		}
		var resp struct {
			Communities []domain.CommunityStats `json:"communities"`
			Count       int                     `json:"count"`
		}
		decodeBody(t, rec, &resp)
		if resp.Count != 1 || len(resp.Communities) != 1 {
			t.Fatalf("expected 1 ranked community, got %+v", resp)
		}
		if resp.Communities[0].PersonCount != 6 || resp.Communities[0].FraudRate != 1.0 {
			t.Errorf("unexpected community stats: %+v", resp.Communities[0])
		}
	})

	t.Run("CommunitySummary", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodGet, "/communities/0", nil, true)
		if rec.Code != http.StatusOK {
			t.Fatalf("status %d", rec.Code)
		}
		var summary domain.CommunitySummary
		decodeBody(t, rec, &summary)
		if summary.PersonCount != 6 || len(summary.TopMembers) != 6 {
			t.Errorf("unexpected summary: %+v", summary)
		}
	})

	t.Run("UnknownCommunityIsEmpty", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodGet, "/communities/99", nil, true)
		if rec.Code != http.StatusOK {
			t.Fatalf("status %d", rec.Code)
		}
		var summary domain.CommunitySummary
		decodeBody(t, rec, &summary)
		if summary.PersonCount != 0 || len(summary.TopMembers) != 0 {
			t.Errorf("expected empty summary, got %+v", summary)
		}
	})

	t.Run("MalformedCommunityID", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodGet, "/communities/abc", nil, true)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for non-integer id, got %d", rec.Code)
		}
	})

	t.Run("ArtifactEvidence", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodGet, "/communities/0/artifacts/device", nil, true)
		if rec.Code != http.StatusOK {
			t.Fatalf("status %d", rec.Code)
		}
		var resp struct {
			Artifacts []domain.ArtifactEvidence `json:"artifacts"`
		}
		decodeBody(t, rec, &resp)
		if len(resp.Artifacts) != 3 {
			t.Fatalf("expected 3 shared devices, got %d", len(resp.Artifacts))
		}
		for _, a := range resp.Artifacts {
			if a.PersonCount != 6 || a.TxCount != 6 {
				t.Errorf("unexpected artifact evidence: %+v", a)
			}
		}
	})

	t.Run("InvalidCategory", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodGet, "/communities/0/artifacts/bogus", nil, true)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for unknown category, got %d", rec.Code)
		}
	})

	t.Run("PersonRisk", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodGet, "/persons/ring-p0/risk", nil, true)
		if rec.Code != http.StatusOK {
			t.Fatalf("status %d", rec.Code)
		}
		var summary domain.PersonRiskSummary
		decodeBody(t, rec, &summary)
		if summary.TxTotal != 3 || summary.TxFraud != 3 {
			t.Errorf("unexpected person risk: %+v", summary)
		}
		if summary.CommunityID == nil || *summary.CommunityID != 0 {
			t.Errorf("expected community 0, got %v", summary.CommunityID)
		}
	})

	t.Run("UnknownPersonRisk", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodGet, "/persons/stranger/risk", nil, true)
		if rec.Code != http.StatusOK {
			t.Fatalf("status %d", rec.Code)
		}
		var summary domain.PersonRiskSummary
		decodeBody(t, rec, &summary)
		if summary.TxTotal != 0 || summary.CommunityID != nil {
			t.Errorf("expected zero summary, got %+v", summary)
		}
	})

	t.Run("Neighbors", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodGet, "/persons/ring-p0/neighbors", nil, true)
		if rec.Code != http.StatusOK {
			t.Fatalf("status %d", rec.Code)
		}
		var resp struct {
			Neighbors []domain.NeighborEvidence `json:"neighbors"`
			Count     int                       `json:"count"`
		}
		decodeBody(t, rec, &resp)
		if resp.Count != 5 {
			t.Fatalf("expected 5 neighbors, got %d", resp.Count)
		}
		for _, n := range resp.Neighbors {
			if n.Weight != 33 {
				t.Errorf("neighbor %s: expected weight 33, got %d", n.PersonID, n.Weight)
			}
		}
	})

	t.Run("CachedQueryIsStable", func(t *testing.T) {
		first := doRequest(t, s, http.MethodGet, "/communities/top", nil, true)
		second := doRequest(t, s, http.MethodGet, "/communities/top", nil, true)
		if first.Body.String() != second.Body.String() {
			t.Error("repeated query returned different bodies")
		}
	})
}

func TestRefreshReplacesSnapshot(t *testing.T) {
	s, _ := newTestServer(t)
	seedRing(t, s)
	refresh(t, s)

	rec := doRequest(t, s, http.MethodGet, "/communities/top", nil, true)
	var before struct {
		RefreshID string `json:"refreshId"`
	}
	decodeBody(t, rec, &before)

	refresh(t, s)
	rec = doRequest(t, s, http.MethodGet, "/communities/top", nil, true)
	var after struct {
		RefreshID string `json:"refreshId"`
	}
	decodeBody(t, rec, &after)

	if before.RefreshID == after.RefreshID {
		t.Error("second refresh must publish a new snapshot")
	}
}

func TestPolicyEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	var policyID string

	t.Run("Create", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodPost, "/policies", map[string]interface{}{
			"name":       "big fraudulent ring",
			"expression": "person_count >= 8 && fraud_rate > 0.5",
			"enabled":    true,
		}, true)
		if rec.Code != http.StatusCreated {
			t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
		}
		var resp struct {
			Policy domain.AlertPolicy `json:"policy"`
		}
		decodeBody(t, rec, &resp)
		if resp.Policy.ID == "" {
			t.Fatal("expected a generated policy id")
		}
		policyID = resp.Policy.ID
	})

	t.Run("RejectsBadExpression", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodPost, "/policies", map[string]interface{}{
			"name":       "broken",
			"expression": "person_count >=",
			"enabled":    true,
		}, true)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for bad expression, got %d", rec.Code)
		}
	})

	t.Run("RejectsNonBoolean", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodPost, "/policies", map[string]interface{}{
			"name":       "numeric",
			"expression": "person_count + 1",
			"enabled":    true,
		}, true)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for non-boolean expression, got %d", rec.Code)
		}
	})

	t.Run("Reload", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodPost, "/policies/reload", nil, true)
		if rec.Code != http.StatusOK {
			t.Fatalf("status %d", rec.Code)
		}
		var resp struct {
			Count int `json:"count"`
		}
		decodeBody(t, rec, &resp)
		if resp.Count != 1 {
			t.Errorf("expected 1 loaded policy, got %d", resp.Count)
		}
	})

	t.Run("List", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodGet, "/policies", nil, true)
		if rec.Code != http.StatusOK {
			t.Fatalf("status %d", rec.Code)
		}
		var resp struct {
			Count  int `json:"count"`
			Loaded int `json:"loaded"`
		}
		decodeBody(t, rec, &resp)
		if resp.Count != 1 || resp.Loaded != 1 {
			t.Errorf("expected 1 policy and 1 loaded, got %+v", resp)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodDelete, "/policies/"+policyID, nil, true)
		if rec.Code != http.StatusOK {
			t.Fatalf("status %d", rec.Code)
		}
		rec = doRequest(t, s, http.MethodDelete, "/policies/"+policyID, nil, true)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404 deleting twice, got %d", rec.Code)
		}
	})
}
