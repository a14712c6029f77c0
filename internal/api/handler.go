package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/arachne/internal/alerts"
	"github.com/opensource-finance/arachne/internal/domain"
	"github.com/opensource-finance/arachne/internal/pipeline"
	"github.com/opensource-finance/arachne/internal/risk"
)

// queryCacheTTL bounds how long query results live in the cache. Keys carry
// the refresh id, so entries for superseded snapshots simply age out.
const queryCacheTTL = 5 * time.Minute

// Handler holds HTTP handlers and their dependencies.
type Handler struct {
	repo        domain.Repository
	cache       domain.Cache
	bus         domain.EventBus
	store       *pipeline.SnapshotStore
	refresher   *pipeline.Refresher
	riskEngine  *risk.Engine
	alertEngine *alerts.Engine
	version     string
}

// NewHandler creates a new API handler.
func NewHandler(
	repo domain.Repository,
	cache domain.Cache,
	bus domain.EventBus,
	store *pipeline.SnapshotStore,
	refresher *pipeline.Refresher,
	riskEngine *risk.Engine,
	alertEngine *alerts.Engine,
	version string,
) *Handler {
	return &Handler{
		repo:        repo,
		cache:       cache,
		bus:         bus,
		store:       store,
		refresher:   refresher,
		riskEngine:  riskEngine,
		alertEngine: alertEngine,
		version:     version,
	}
}

// Health returns the server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// IngestTransactionRequest is the request body for ingesting a transaction.
type IngestTransactionRequest struct {
	ID          string    `json:"id,omitempty"`
	PersonID    string    `json:"personId"`
	DeviceID    string    `json:"deviceId,omitempty"`
	IP          string    `json:"ip,omitempty"`
	CardHash    string    `json:"cardHash,omitempty"`
	AddressHash string    `json:"addressHash,omitempty"`
	MerchantID  string    `json:"merchantId,omitempty"`
	Amount      float64   `json:"amount"`
	Currency    string    `json:"currency,omitempty"`
	IsFraud     bool      `json:"isFraud"`
	Timestamp   time.Time `json:"timestamp,omitempty"`
}

// IngestTransaction stores a transaction for the tenant. The transaction
// becomes linkage input on the next refresh; ingestion never recomputes
// anything by itself.
func (h *Handler) IngestTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req IngestTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.PersonID == "" {
		writeError(w, domain.NewValidationError("personId", "must not be empty"))
		return
	}

	tx := &domain.Transaction{
		ID:          req.ID,
		TenantID:    tenantID,
		PersonID:    req.PersonID,
		DeviceID:    req.DeviceID,
		IP:          req.IP,
		CardHash:    req.CardHash,
		AddressHash: req.AddressHash,
		MerchantID:  req.MerchantID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		IsFraud:     req.IsFraud,
		Timestamp:   req.Timestamp,
	}
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = time.Now().UTC()
	}

	if err := h.repo.SaveTransaction(ctx, tenantID, tx); err != nil {
		slog.Error("failed to save transaction", "id", tx.ID, "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, tx)
}

// GetTransaction retrieves a transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	txID := chi.URLParam(r, "id")

	if txID == "" {
		writeError(w, domain.NewValidationError("transaction id", "must not be empty"))
		return
	}

	tx, err := h.repo.GetTransaction(ctx, tenantID, txID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tx)
}

// TriggerRefresh runs the full refresh pipeline for the tenant and returns
// once the new snapshot is published. Concurrent requests for the same
// tenant are serialized by the refresher.
func (h *Handler) TriggerRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	snap, err := h.refresher.Refresh(ctx, tenantID)
	if err != nil {
		slog.Error("refresh failed", "tenant_id", tenantID, "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"refreshId":   snap.RefreshID,
		"builtAt":     snap.BuiltAt,
		"edges":       len(snap.Edges),
		"strongLinks": len(snap.StrongLinks),
		"persons":     len(snap.Assignment.Communities),
		"modularity":  snap.Assignment.Modularity,
		"levels":      snap.Assignment.Levels,
		"truncated":   snap.Assignment.Truncated,
	})
}

// snapshot fetches the tenant's current snapshot, writing the error response
// itself when none has been published yet.
func (h *Handler) snapshot(w http.ResponseWriter, tenantID string) (*domain.Snapshot, bool) {
	snap, ok := h.store.Get(tenantID)
	if !ok {
		writeError(w, domain.ErrNoSnapshot)
		return nil, false
	}
	return snap, true
}

// TopCommunities returns the highest-risk communities of the current snapshot.
func (h *Handler) TopCommunities(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())

	snap, ok := h.snapshot(w, tenantID)
	if !ok {
		return
	}

	cacheKey := fmt.Sprintf("risk:%s:communities:top", snap.RefreshID)
	if h.serveCached(w, r, tenantID, cacheKey) {
		return
	}

	ranked := h.riskEngine.TopCommunities(snap)
	h.respondCached(w, r, tenantID, cacheKey, map[string]interface{}{
		"refreshId":   snap.RefreshID,
		"communities": ranked,
		"count":       len(ranked),
	})
}

// GetCommunity returns the summary and top members for one community.
func (h *Handler) GetCommunity(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())

	communityID, err := parseCommunityID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	snap, ok := h.snapshot(w, tenantID)
	if !ok {
		return
	}

	cacheKey := fmt.Sprintf("risk:%s:community:%d", snap.RefreshID, communityID)
	if h.serveCached(w, r, tenantID, cacheKey) {
		return
	}

	summary, err := h.riskEngine.CommunitySummary(snap, communityID)
	if err != nil {
		writeError(w, err)
		return
	}
	h.respondCached(w, r, tenantID, cacheKey, summary)
}

// GetArtifactEvidence returns the shared artifacts binding a community
// together in one category.
func (h *Handler) GetArtifactEvidence(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())

	communityID, err := parseCommunityID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	category := domain.ArtifactCategory(chi.URLParam(r, "category"))

	snap, ok := h.snapshot(w, tenantID)
	if !ok {
		return
	}

	cacheKey := fmt.Sprintf("risk:%s:community:%d:artifacts:%s", snap.RefreshID, communityID, category)
	if h.serveCached(w, r, tenantID, cacheKey) {
		return
	}

	evidence, err := h.riskEngine.ArtifactEvidence(snap, communityID, category)
	if err != nil {
		writeError(w, err)
		return
	}
	h.respondCached(w, r, tenantID, cacheKey, map[string]interface{}{
		"communityId": communityID,
		"category":    category,
		"artifacts":   evidence,
		"count":       len(evidence),
	})
}

// GetPersonRisk returns one person's fraud exposure and community membership.
func (h *Handler) GetPersonRisk(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())
	personID := chi.URLParam(r, "id")

	snap, ok := h.snapshot(w, tenantID)
	if !ok {
		return
	}

	cacheKey := fmt.Sprintf("risk:%s:person:%s", snap.RefreshID, personID)
	if h.serveCached(w, r, tenantID, cacheKey) {
		return
	}

	summary, err := h.riskEngine.PersonRisk(snap, personID)
	if err != nil {
		writeError(w, err)
		return
	}
	h.respondCached(w, r, tenantID, cacheKey, summary)
}

// GetNeighbors returns the linkage edges around one person, strongest first.
func (h *Handler) GetNeighbors(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())
	personID := chi.URLParam(r, "id")

	snap, ok := h.snapshot(w, tenantID)
	if !ok {
		return
	}

	cacheKey := fmt.Sprintf("risk:%s:person:%s:neighbors", snap.RefreshID, personID)
	if h.serveCached(w, r, tenantID, cacheKey) {
		return
	}

	neighbors, err := h.riskEngine.Neighbors(snap, personID)
	if err != nil {
		writeError(w, err)
		return
	}
	h.respondCached(w, r, tenantID, cacheKey, map[string]interface{}{
		"personId":  personID,
		"neighbors": neighbors,
		"count":     len(neighbors),
	})
}

// ListPolicies returns the tenant's alert policies.
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	policies, err := h.repo.ListAlertPolicies(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list alert policies", "tenant_id", tenantID, "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"policies": policies,
		"count":    len(policies),
		"loaded":   h.alertEngine.PolicyCount(tenantID),
	})
}

// CreatePolicyRequest is the request body for creating an alert policy.
type CreatePolicyRequest struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Expression  string `json:"expression"`
	Enabled     bool   `json:"enabled"`
}

// CreatePolicy validates and saves an alert policy. The CEL expression is
// compiled before anything is persisted; a policy that cannot compile is
// rejected outright.
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req CreatePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.Name == "" || req.Expression == "" {
		writeError(w, domain.NewValidationError("policy", "name and expression are required"))
		return
	}

	if _, err := h.alertEngine.Compile(req.Expression); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid policy expression: " + err.Error(),
		})
		return
	}

	now := time.Now().UTC()
	policy := &domain.AlertPolicy{
		ID:          req.ID,
		TenantID:    tenantID,
		Name:        req.Name,
		Description: req.Description,
		Expression:  req.Expression,
		Enabled:     req.Enabled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if policy.ID == "" {
		policy.ID = uuid.New().String()
	}

	if err := h.repo.SaveAlertPolicy(ctx, tenantID, policy); err != nil {
		slog.Error("failed to save alert policy", "id", policy.ID, "error", err)
		writeError(w, err)
		return
	}

	slog.Info("alert policy created", "id", policy.ID, "name", policy.Name)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"policy":  policy,
		"message": "Policy created. Call POST /policies/reload to apply changes.",
	})
}

// DeletePolicy removes an alert policy and reloads the engine.
func (h *Handler) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	policyID := chi.URLParam(r, "id")

	if policyID == "" {
		writeError(w, domain.NewValidationError("policy id", "must not be empty"))
		return
	}

	if err := h.repo.DeleteAlertPolicy(ctx, tenantID, policyID); err != nil {
		writeError(w, err)
		return
	}

	if err := h.reloadPolicies(ctx, tenantID); err != nil {
		slog.Error("failed to reload policies after delete", "tenant_id", tenantID, "error", err)
	}

	slog.Info("alert policy deleted", "id", policyID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Policy deleted and engine reloaded.",
	})
}

// ReloadPolicies reloads all of the tenant's alert policies from the
// repository into the evaluation engine.
func (h *Handler) ReloadPolicies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if err := h.reloadPolicies(ctx, tenantID); err != nil {
		slog.Error("failed to reload alert policies", "tenant_id", tenantID, "error", err)
		writeError(w, err)
		return
	}

	count := h.alertEngine.PolicyCount(tenantID)
	slog.Info("alert policies reloaded", "tenant_id", tenantID, "count", count)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "policies reloaded successfully",
		"count":   count,
	})
}

func (h *Handler) reloadPolicies(ctx context.Context, tenantID string) error {
	policies, err := h.repo.ListAlertPolicies(ctx, tenantID)
	if err != nil {
		return err
	}
	return h.alertEngine.Load(tenantID, policies)
}

// parseCommunityID parses a community id path segment. Anything that is not
// a non-negative integer is a validation error.
func parseCommunityID(raw string) (int, error) {
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.NewValidationError("community id", "must be an integer")
	}
	if id < 0 {
		return 0, domain.NewValidationError("community id", "must be non-negative")
	}
	return id, nil
}

// serveCached writes a previously cached response for the key, if any.
func (h *Handler) serveCached(w http.ResponseWriter, r *http.Request, tenantID, key string) bool {
	if h.cache == nil {
		return false
	}
	body, err := h.cache.Get(r.Context(), tenantID, key)
	if err != nil || body == nil {
		return false
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
	return true
}

// respondCached writes the response and stores it under the cache key.
func (h *Handler) respondCached(w http.ResponseWriter, r *http.Request, tenantID, key string, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to encode response",
		})
		return
	}
	if h.cache != nil {
		if err := h.cache.Set(r.Context(), tenantID, key, body, queryCacheTTL); err != nil {
			slog.Debug("failed to cache query result", "key", key, "error", err)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrTenantRequired):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrNoSnapshot):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
