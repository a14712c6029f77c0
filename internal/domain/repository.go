// Package domain defines the core interfaces and types for Arachne.
package domain

import (
	"context"
	"time"
)

// Provider is the iteration contract over normalized transaction records.
// The refresh pipeline reads through it and never mutates what it sees.
type Provider interface {
	// EachTransaction streams every transaction for a tenant. Iteration
	// stops early if fn returns an error.
	EachTransaction(ctx context.Context, tenantID string, fn func(tx *Transaction) error) error
}

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	Provider

	// Transaction operations
	SaveTransaction(ctx context.Context, tenantID string, tx *Transaction) error
	GetTransaction(ctx context.Context, tenantID string, txID string) (*Transaction, error)
	CountTransactions(ctx context.Context, tenantID string) (int64, error)

	// Linkage write-back. Each Replace* call swaps the tenant's rows for a
	// refresh wholesale; a refresh either lands completely or not at all.
	ReplaceLinkageEdges(ctx context.Context, tenantID string, refreshID string, edges []LinkageEdge) error
	ReplaceStrongLinks(ctx context.Context, tenantID string, refreshID string, links []StrongLinkEdge) error
	ReplaceCommunityAssignment(ctx context.Context, tenantID string, refreshID string, assignment CommunityAssignment) error

	// Alert policy operations
	SaveAlertPolicy(ctx context.Context, tenantID string, policy *AlertPolicy) error
	ListAlertPolicies(ctx context.Context, tenantID string) ([]*AlertPolicy, error)
	DeleteAlertPolicy(ctx context.Context, tenantID string, policyID string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
