package pipeline

import (
	"context"
	"log/slog"

	"github.com/opensource-finance/arachne/internal/domain"
)

// Worker drives refreshes from the event bus. Publishing to
// TopicRefreshRequested for a tenant triggers a full refresh; the worker
// serializes per tenant through the Refresher.
type Worker struct {
	bus       domain.EventBus
	refresher *Refresher
	logger    *slog.Logger

	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// WorkerConfig holds worker configuration.
type WorkerConfig struct {
	// TenantIDs is the list of tenants to serve refresh requests for.
	TenantIDs []string
}

// NewWorker creates a refresh worker.
func NewWorker(bus domain.EventBus, refresher *Refresher, logger *slog.Logger) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		refresher: refresher,
		logger:    logger.With("component", "refresh-worker"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to refresh requests for the configured tenants.
func (w *Worker) Start(cfg WorkerConfig) error {
	for _, tenantID := range cfg.TenantIDs {
		tenantID := tenantID
		sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicRefreshRequested, func(ctx context.Context, msg *domain.Message) error {
			return w.handleRefreshRequest(ctx, tenantID, msg)
		})
		if err != nil {
			w.logger.Error("failed to subscribe for tenant",
				"tenant_id", tenantID,
				"error", err)
			continue
		}
		w.subscriptions = append(w.subscriptions, sub)
		w.logger.Info("refresh worker subscribed",
			"tenant_id", tenantID,
			"topic", domain.TopicRefreshRequested)
	}
	return nil
}

func (w *Worker) handleRefreshRequest(ctx context.Context, tenantID string, msg *domain.Message) error {
	if msg.TenantID != "" {
		tenantID = msg.TenantID
	}
	w.logger.Info("refresh requested",
		"tenant_id", tenantID,
		"message_id", msg.ID)

	if _, err := w.refresher.Refresh(ctx, tenantID); err != nil {
		w.logger.Error("requested refresh failed",
			"tenant_id", tenantID,
			"message_id", msg.ID,
			"error", err)
		return err
	}
	return nil
}

// Stop unsubscribes and stops processing.
func (w *Worker) Stop() {
	w.cancel()
	for _, sub := range w.subscriptions {
		_ = sub.Unsubscribe()
	}
	w.subscriptions = nil
	w.logger.Info("refresh worker stopped")
}
