package repository

// Schema definitions for the Arachne database.
// Compatible with both SQLite and PostgreSQL.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    person_id TEXT NOT NULL,
    device_id TEXT,
    ip TEXT,
    card_hash TEXT,
    address_hash TEXT,
    merchant_id TEXT,
    amount REAL NOT NULL,
    currency TEXT NOT NULL,
    is_fraud INTEGER NOT NULL DEFAULT 0,
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_tenant ON transactions(tenant_id);
CREATE INDEX IF NOT EXISTS idx_transactions_person ON transactions(tenant_id, person_id);
CREATE INDEX IF NOT EXISTS idx_transactions_device ON transactions(tenant_id, device_id);
CREATE INDEX IF NOT EXISTS idx_transactions_card ON transactions(tenant_id, card_hash);
CREATE INDEX IF NOT EXISTS idx_transactions_timestamp ON transactions(tenant_id, timestamp);
`

// schemaLinkageEdges persists the full linkage graph of a refresh for
// offline inspection. Rows are replaced wholesale per tenant on every
// refresh.
const schemaLinkageEdges = `
CREATE TABLE IF NOT EXISTS linkage_edges (
    tenant_id TEXT NOT NULL,
    refresh_id TEXT NOT NULL,
    person_a TEXT NOT NULL,
    person_b TEXT NOT NULL,
    shared_device INTEGER NOT NULL DEFAULT 0,
    shared_ip INTEGER NOT NULL DEFAULT 0,
    shared_card INTEGER NOT NULL DEFAULT 0,
    shared_address INTEGER NOT NULL DEFAULT 0,
    weight INTEGER NOT NULL,
    PRIMARY KEY (tenant_id, person_a, person_b)
);

CREATE INDEX IF NOT EXISTS idx_linkage_edges_person_a ON linkage_edges(tenant_id, person_a);
CREATE INDEX IF NOT EXISTS idx_linkage_edges_person_b ON linkage_edges(tenant_id, person_b);
CREATE INDEX IF NOT EXISTS idx_linkage_edges_weight ON linkage_edges(tenant_id, weight);
`

const schemaStrongLinks = `
CREATE TABLE IF NOT EXISTS strong_links (
    tenant_id TEXT NOT NULL,
    refresh_id TEXT NOT NULL,
    person_a TEXT NOT NULL,
    person_b TEXT NOT NULL,
    weight INTEGER NOT NULL,
    PRIMARY KEY (tenant_id, person_a, person_b)
);

CREATE INDEX IF NOT EXISTS idx_strong_links_person_a ON strong_links(tenant_id, person_a);
CREATE INDEX IF NOT EXISTS idx_strong_links_person_b ON strong_links(tenant_id, person_b);
`

const schemaCommunityAssignments = `
CREATE TABLE IF NOT EXISTS community_assignments (
    tenant_id TEXT NOT NULL,
    refresh_id TEXT NOT NULL,
    person_id TEXT NOT NULL,
    community_id INTEGER NOT NULL,
    PRIMARY KEY (tenant_id, person_id)
);

CREATE INDEX IF NOT EXISTS idx_community_assignments_community ON community_assignments(tenant_id, community_id);
`

const schemaRefreshRuns = `
CREATE TABLE IF NOT EXISTS refresh_runs (
    tenant_id TEXT NOT NULL,
    refresh_id TEXT NOT NULL,
    built_at TIMESTAMP NOT NULL,
    modularity REAL NOT NULL,
    levels INTEGER NOT NULL,
    truncated INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (tenant_id, refresh_id)
);
`

const schemaAlertPolicies = `
CREATE TABLE IF NOT EXISTS alert_policies (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    expression TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_alert_policies_tenant ON alert_policies(tenant_id);
CREATE INDEX IF NOT EXISTS idx_alert_policies_enabled ON alert_policies(tenant_id, enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaLinkageEdges,
		schemaStrongLinks,
		schemaCommunityAssignments,
		schemaRefreshRuns,
		schemaAlertPolicies,
	}
}
