package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/opensource-finance/arachne/internal/alerts"
	"github.com/opensource-finance/arachne/internal/community"
	"github.com/opensource-finance/arachne/internal/domain"
	"github.com/opensource-finance/arachne/internal/linkage"
	"github.com/opensource-finance/arachne/internal/risk"
)

// Refresher runs the full refresh pipeline for a tenant and publishes the
// resulting snapshot. Refreshes for the same tenant are serialized; a second
// request while one is running waits its turn and then recomputes.
type Refresher struct {
	provider    domain.Provider
	repo        domain.Repository
	store       *SnapshotStore
	bus         domain.EventBus
	builder     *linkage.Builder
	filter      *linkage.Filter
	detector    *community.Detector
	riskEngine  *risk.Engine
	alertEngine *alerts.Engine
	logger      *slog.Logger

	mu      sync.Mutex
	tenants map[string]*sync.Mutex
}

// RefreshCompletedEvent is the payload published on TopicRefreshCompleted.
type RefreshCompletedEvent struct {
	TenantID     string  `json:"tenantId"`
	RefreshID    string  `json:"refreshId"`
	Transactions int     `json:"transactions"`
	Edges        int     `json:"edges"`
	StrongLinks  int     `json:"strongLinks"`
	Communities  int     `json:"communities"`
	Modularity   float64 `json:"modularity"`
	Truncated    bool    `json:"truncated"`
	Alerts       int     `json:"alerts"`
	DurationMs   int64   `json:"durationMs"`
}

// NewRefresher wires the pipeline stages together.
func NewRefresher(
	provider domain.Provider,
	repo domain.Repository,
	store *SnapshotStore,
	bus domain.EventBus,
	cfg *domain.Config,
	alertEngine *alerts.Engine,
	logger *slog.Logger,
) *Refresher {
	return &Refresher{
		provider:    provider,
		repo:        repo,
		store:       store,
		bus:         bus,
		builder:     linkage.NewBuilder(cfg.Linkage, logger),
		filter:      linkage.NewFilter(cfg.Linkage.StrongLinkThreshold),
		detector:    community.NewDetector(cfg.Detector, logger),
		riskEngine:  risk.NewEngine(cfg.Risk, logger),
		alertEngine: alertEngine,
		logger:      logger.With("component", "refresher"),
		tenants:     make(map[string]*sync.Mutex),
	}
}

func (r *Refresher) tenantLock(tenantID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.tenants[tenantID]
	if !ok {
		lock = &sync.Mutex{}
		r.tenants[tenantID] = lock
	}
	return lock
}

// Refresh recomputes the tenant's linkage graph, strong links, and community
// partition from the current transaction set, persists the results, and
// publishes the snapshot. The previous snapshot stays visible until the new
// one is complete.
func (r *Refresher) Refresh(ctx context.Context, tenantID string) (*domain.Snapshot, error) {
	if tenantID == "" {
		return nil, domain.ErrTenantRequired
	}

	lock := r.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	tracer := otel.Tracer("arachne-pipeline")
	ctx, span := tracer.Start(ctx, "pipeline.refresh")
	span.SetAttributes(attribute.String("tenant.id", tenantID))
	defer span.End()

	start := time.Now()
	refreshID := uuid.New().String()

	var txs []*domain.Transaction
	if err := r.provider.EachTransaction(ctx, tenantID, func(tx *domain.Transaction) error {
		txs = append(txs, tx)
		return nil
	}); err != nil {
		r.failed(ctx, tenantID, refreshID, err)
		return nil, fmt.Errorf("reading transactions: %w", err)
	}

	edges, err := r.builder.Build(ctx, txs)
	if err != nil {
		r.failed(ctx, tenantID, refreshID, err)
		return nil, fmt.Errorf("building linkage graph: %w", err)
	}

	links := r.filter.Apply(edges)

	assignment, err := r.detector.Detect(ctx, links)
	if err != nil {
		r.failed(ctx, tenantID, refreshID, err)
		return nil, fmt.Errorf("detecting communities: %w", err)
	}

	snap := &domain.Snapshot{
		TenantID:     tenantID,
		RefreshID:    refreshID,
		BuiltAt:      time.Now().UTC(),
		Transactions: txs,
		Edges:        edges,
		StrongLinks:  links,
		Assignment:   assignment,
	}

	if err := r.persist(ctx, snap); err != nil {
		r.failed(ctx, tenantID, refreshID, err)
		return nil, fmt.Errorf("persisting refresh results: %w", err)
	}

	r.store.Publish(snap)

	alertCount := r.evaluateAlerts(ctx, snap)

	communities := 0
	seen := make(map[int]struct{})
	for _, c := range assignment.Communities {
		if _, ok := seen[c]; !ok {
			seen[c] = struct{}{}
			communities++
		}
	}

	event := RefreshCompletedEvent{
		TenantID:     tenantID,
		RefreshID:    refreshID,
		Transactions: len(txs),
		Edges:        len(edges),
		StrongLinks:  len(links),
		Communities:  communities,
		Modularity:   assignment.Modularity,
		Truncated:    assignment.Truncated,
		Alerts:       alertCount,
		DurationMs:   time.Since(start).Milliseconds(),
	}
	if payload, err := json.Marshal(event); err == nil {
		if err := r.bus.Publish(ctx, tenantID, domain.TopicRefreshCompleted, payload); err != nil {
			r.logger.Error("failed to publish refresh completion",
				"tenant_id", tenantID,
				"refresh_id", refreshID,
				"error", err)
		}
	}

	r.logger.Info("refresh completed",
		"tenant_id", tenantID,
		"refresh_id", refreshID,
		"transactions", len(txs),
		"edges", len(edges),
		"strong_links", len(links),
		"communities", communities,
		"modularity", assignment.Modularity,
		"truncated", assignment.Truncated,
		"alerts", alertCount,
		"duration_ms", event.DurationMs)

	return snap, nil
}

// persist writes the refresh results back to the repository.
func (r *Refresher) persist(ctx context.Context, snap *domain.Snapshot) error {
	if err := r.repo.ReplaceLinkageEdges(ctx, snap.TenantID, snap.RefreshID, snap.Edges); err != nil {
		return err
	}
	if err := r.repo.ReplaceStrongLinks(ctx, snap.TenantID, snap.RefreshID, snap.StrongLinks); err != nil {
		return err
	}
	return r.repo.ReplaceCommunityAssignment(ctx, snap.TenantID, snap.RefreshID, snap.Assignment)
}

// evaluateAlerts reloads the tenant's policies, runs them over the ranked
// communities, and publishes every alert that fired. Alerting must never
// fail the refresh; problems are logged and the snapshot stands.
func (r *Refresher) evaluateAlerts(ctx context.Context, snap *domain.Snapshot) int {
	if r.alertEngine == nil {
		return 0
	}

	policies, err := r.repo.ListAlertPolicies(ctx, snap.TenantID)
	if err != nil {
		r.logger.Error("failed to load alert policies",
			"tenant_id", snap.TenantID,
			"error", err)
		return 0
	}
	if err := r.alertEngine.Load(snap.TenantID, policies); err != nil {
		r.logger.Error("failed to load alert policies into engine",
			"tenant_id", snap.TenantID,
			"error", err)
		return 0
	}

	ranked := r.riskEngine.TopCommunities(snap)
	fired := r.alertEngine.Evaluate(snap.TenantID, snap.RefreshID, ranked)
	for _, alert := range fired {
		payload, err := json.Marshal(alert)
		if err != nil {
			continue
		}
		if err := r.bus.Publish(ctx, snap.TenantID, domain.TopicRingAlert, payload); err != nil {
			r.logger.Error("failed to publish ring alert",
				"tenant_id", snap.TenantID,
				"policy_id", alert.PolicyID,
				"error", err)
		}
	}
	return len(fired)
}

func (r *Refresher) failed(ctx context.Context, tenantID, refreshID string, cause error) {
	r.logger.Error("refresh failed",
		"tenant_id", tenantID,
		"refresh_id", refreshID,
		"error", cause)
	payload, err := json.Marshal(map[string]string{
		"tenantId":  tenantID,
		"refreshId": refreshID,
		"error":     cause.Error(),
	})
	if err != nil {
		return
	}
	_ = r.bus.Publish(ctx, tenantID, domain.TopicRefreshFailed, payload)
}
