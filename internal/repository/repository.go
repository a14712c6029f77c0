// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/arachne/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveTransaction stores a transaction with tenant isolation.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tenantID string, tx *domain.Transaction) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	if tx.ID == "" || tx.PersonID == "" {
		return fmt.Errorf("%w: transaction id and person id are required", domain.ErrInvalidInput)
	}

	isFraud := 0
	if tx.IsFraud {
		isFraud = 1
	}

	query := `
		INSERT INTO transactions (
			id, tenant_id, person_id, device_id, ip, card_hash,
			address_hash, merchant_id, amount, currency, is_fraud,
			timestamp, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tenantID, tx.PersonID,
		tx.DeviceID, tx.IP, tx.CardHash,
		tx.AddressHash, tx.MerchantID,
		tx.Amount, tx.Currency, isFraud,
		tx.Timestamp, tx.CreatedAt,
	)
	return err
}

// GetTransaction retrieves a transaction by ID with tenant isolation.
func (r *SQLRepository) GetTransaction(ctx context.Context, tenantID string, txID string) (*domain.Transaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, person_id, device_id, ip, card_hash,
		       address_hash, merchant_id, amount, currency, is_fraud,
		       timestamp, created_at
		FROM transactions
		WHERE tenant_id = ? AND id = ?
	`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return tx, err
}

// CountTransactions returns the number of stored transactions for a tenant.
func (r *SQLRepository) CountTransactions(ctx context.Context, tenantID string) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	var count int64
	err := r.db.QueryRowContext(ctx,
		r.rebind(`SELECT COUNT(*) FROM transactions WHERE tenant_id = ?`),
		tenantID,
	).Scan(&count)
	return count, err
}

// EachTransaction streams every transaction for a tenant in insertion order.
func (r *SQLRepository) EachTransaction(ctx context.Context, tenantID string, fn func(tx *domain.Transaction) error) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, person_id, device_id, ip, card_hash,
		       address_hash, merchant_id, amount, currency, is_fraud,
		       timestamp, created_at
		FROM transactions
		WHERE tenant_id = ?
		ORDER BY created_at, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			return err
		}
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var deviceID, ip, cardHash, addressHash, merchantID sql.NullString
	var isFraud int

	err := row.Scan(
		&tx.ID, &tx.TenantID, &tx.PersonID,
		&deviceID, &ip, &cardHash,
		&addressHash, &merchantID,
		&tx.Amount, &tx.Currency, &isFraud,
		&tx.Timestamp, &tx.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	tx.DeviceID = deviceID.String
	tx.IP = ip.String
	tx.CardHash = cardHash.String
	tx.AddressHash = addressHash.String
	tx.MerchantID = merchantID.String
	tx.IsFraud = isFraud == 1
	return &tx, nil
}

// ReplaceLinkageEdges swaps the tenant's linkage graph for a refresh inside
// a single database transaction.
func (r *SQLRepository) ReplaceLinkageEdges(ctx context.Context, tenantID string, refreshID string, edges []domain.LinkageEdge) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	return r.inTx(ctx, func(dbtx *sql.Tx) error {
		if _, err := dbtx.ExecContext(ctx,
			r.rebind(`DELETE FROM linkage_edges WHERE tenant_id = ?`), tenantID); err != nil {
			return err
		}

		stmt, err := dbtx.PrepareContext(ctx, r.rebind(`
			INSERT INTO linkage_edges (
				tenant_id, refresh_id, person_a, person_b,
				shared_device, shared_ip, shared_card, shared_address, weight
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`))
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, e := range edges {
			if _, err := stmt.ExecContext(ctx,
				tenantID, refreshID, e.PersonA, e.PersonB,
				e.SharedDevice, e.SharedIP, e.SharedCard, e.SharedAddress, e.Weight,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReplaceStrongLinks swaps the tenant's strong links for a refresh.
func (r *SQLRepository) ReplaceStrongLinks(ctx context.Context, tenantID string, refreshID string, links []domain.StrongLinkEdge) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	return r.inTx(ctx, func(dbtx *sql.Tx) error {
		if _, err := dbtx.ExecContext(ctx,
			r.rebind(`DELETE FROM strong_links WHERE tenant_id = ?`), tenantID); err != nil {
			return err
		}

		stmt, err := dbtx.PrepareContext(ctx, r.rebind(`
			INSERT INTO strong_links (tenant_id, refresh_id, person_a, person_b, weight)
			VALUES (?, ?, ?, ?, ?)
		`))
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, l := range links {
			if _, err := stmt.ExecContext(ctx, tenantID, refreshID, l.PersonA, l.PersonB, l.Weight); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReplaceCommunityAssignment swaps the tenant's community assignment for a
// refresh and records the run's metadata.
func (r *SQLRepository) ReplaceCommunityAssignment(ctx context.Context, tenantID string, refreshID string, assignment domain.CommunityAssignment) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	return r.inTx(ctx, func(dbtx *sql.Tx) error {
		if _, err := dbtx.ExecContext(ctx,
			r.rebind(`DELETE FROM community_assignments WHERE tenant_id = ?`), tenantID); err != nil {
			return err
		}

		stmt, err := dbtx.PrepareContext(ctx, r.rebind(`
			INSERT INTO community_assignments (tenant_id, refresh_id, person_id, community_id)
			VALUES (?, ?, ?, ?)
		`))
		if err != nil {
			return err
		}
		defer stmt.Close()

		for personID, communityID := range assignment.Communities {
			if _, err := stmt.ExecContext(ctx, tenantID, refreshID, personID, communityID); err != nil {
				return err
			}
		}

		truncated := 0
		if assignment.Truncated {
			truncated = 1
		}
		_, err = dbtx.ExecContext(ctx, r.rebind(`
			INSERT INTO refresh_runs (tenant_id, refresh_id, built_at, modularity, levels, truncated)
			VALUES (?, ?, ?, ?, ?, ?)
		`), tenantID, refreshID, time.Now().UTC(), assignment.Modularity, assignment.Levels, truncated)
		return err
	})
}

// SaveAlertPolicy inserts or updates an alert policy with tenant isolation.
func (r *SQLRepository) SaveAlertPolicy(ctx context.Context, tenantID string, policy *domain.AlertPolicy) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	if policy.ID == "" || policy.Expression == "" {
		return fmt.Errorf("%w: policy id and expression are required", domain.ErrInvalidInput)
	}

	enabled := 0
	if policy.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = now
	}
	policy.UpdatedAt = now

	query := `
		INSERT INTO alert_policies (
			id, tenant_id, name, description, expression, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		policy.ID, tenantID, policy.Name, policy.Description,
		policy.Expression, enabled, policy.CreatedAt, policy.UpdatedAt,
	)
	return err
}

// ListAlertPolicies retrieves all alert policies for a tenant.
func (r *SQLRepository) ListAlertPolicies(ctx context.Context, tenantID string) ([]*domain.AlertPolicy, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, expression, enabled, created_at, updated_at
		FROM alert_policies
		WHERE tenant_id = ?
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []*domain.AlertPolicy
	for rows.Next() {
		var p domain.AlertPolicy
		var description sql.NullString
		var enabled int

		if err := rows.Scan(
			&p.ID, &p.TenantID, &p.Name, &description,
			&p.Expression, &enabled, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, err
		}

		p.Description = description.String
		p.Enabled = enabled == 1
		policies = append(policies, &p)
	}

	return policies, rows.Err()
}

// DeleteAlertPolicy removes an alert policy.
func (r *SQLRepository) DeleteAlertPolicy(ctx context.Context, tenantID string, policyID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	result, err := r.db.ExecContext(ctx,
		r.rebind(`DELETE FROM alert_policies WHERE tenant_id = ? AND id = ?`),
		tenantID, policyID,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// inTx runs fn inside a database transaction.
func (r *SQLRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(dbtx); err != nil {
		dbtx.Rollback()
		return err
	}
	return dbtx.Commit()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
