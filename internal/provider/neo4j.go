// Package provider supplies transaction records to the refresh pipeline
// from sources other than the primary repository.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/opensource-finance/arachne/internal/domain"
)

// Neo4jProvider reads transactions from a Neo4j entity graph and can write
// refresh results back as graph structure. Deployments that already keep
// their persons, devices, cards, and addresses in Neo4j point Arachne at it
// instead of ingesting into the SQL store.
//
// Expected graph shape:
//
//	(p:Person)-[:MADE]->(t:Transaction)
//	(t)-[:USED_DEVICE]->(:Device)
//	(t)-[:FROM_IP]->(:IP)
//	(t)-[:PAID_WITH]->(:Card)
//	(t)-[:BILLED_TO]->(:Address)
type Neo4jProvider struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *slog.Logger
}

// NewNeo4j connects to Neo4j and verifies connectivity.
func NewNeo4j(cfg domain.ProviderConfig, logger *slog.Logger) (*Neo4jProvider, error) {
	driver, err := neo4j.NewDriverWithContext(
		cfg.Neo4jURI,
		neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPassword, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("failed to verify neo4j connectivity: %w", err)
	}

	return &Neo4jProvider{
		driver:   driver,
		database: cfg.Neo4jDatabase,
		logger:   logger.With("component", "neo4j-provider"),
	}, nil
}

const eachTransactionQuery = `
MATCH (p:Person {tenant_id: $tenantId})-[:MADE]->(t:Transaction)
OPTIONAL MATCH (t)-[:USED_DEVICE]->(d:Device)
OPTIONAL MATCH (t)-[:FROM_IP]->(ip:IP)
OPTIONAL MATCH (t)-[:PAID_WITH]->(c:Card)
OPTIONAL MATCH (t)-[:BILLED_TO]->(a:Address)
RETURN t.id AS id,
       p.id AS personId,
       d.id AS deviceId,
       ip.addr AS ip,
       c.hash AS cardHash,
       a.hash AS addressHash,
       t.merchant_id AS merchantId,
       t.amount AS amount,
       t.currency AS currency,
       t.is_fraud AS isFraud,
       t.ts AS timestamp
ORDER BY t.id
`

// EachTransaction streams the tenant's transactions out of the graph.
func (p *Neo4jProvider) EachTransaction(ctx context.Context, tenantID string, fn func(tx *domain.Transaction) error) error {
	if tenantID == "" {
		return domain.ErrTenantRequired
	}

	session := p.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: p.database,
		AccessMode:   neo4j.AccessModeRead,
	})
	defer session.Close(ctx)

	_, err := session.ExecuteRead(ctx, func(work neo4j.ManagedTransaction) (any, error) {
		result, err := work.Run(ctx, eachTransactionQuery, map[string]any{"tenantId": tenantID})
		if err != nil {
			return nil, err
		}
		for result.Next(ctx) {
			record := result.Record()
			tx := &domain.Transaction{
				ID:          recordString(record, "id"),
				TenantID:    tenantID,
				PersonID:    recordString(record, "personId"),
				DeviceID:    recordString(record, "deviceId"),
				IP:          recordString(record, "ip"),
				CardHash:    recordString(record, "cardHash"),
				AddressHash: recordString(record, "addressHash"),
				MerchantID:  recordString(record, "merchantId"),
				Amount:      recordFloat(record, "amount"),
				Currency:    recordString(record, "currency"),
				IsFraud:     recordBool(record, "isFraud"),
			}
			if ts, ok := record.Get("timestamp"); ok {
				if t, ok := ts.(time.Time); ok {
					tx.Timestamp = t
				}
			}
			if err := fn(tx); err != nil {
				return nil, err
			}
		}
		return nil, result.Err()
	})
	return err
}

const deleteLinksQuery = `
MATCH (:Person {tenant_id: $tenantId})-[r:LINKED_TO]-(:Person)
DELETE r
`

const writeLinksQuery = `
UNWIND $edges AS e
MATCH (a:Person {tenant_id: $tenantId, id: e.personA})
MATCH (b:Person {tenant_id: $tenantId, id: e.personB})
MERGE (a)-[r:LINKED_TO]->(b)
SET r.w = e.weight,
    r.shared_device = e.sharedDevice,
    r.shared_ip = e.sharedIp,
    r.shared_card = e.sharedCard,
    r.shared_address = e.sharedAddress,
    r.refresh_id = $refreshId
`

const writeCommunitiesQuery = `
MATCH (p:Person {tenant_id: $tenantId})
REMOVE p.community_id_strong
WITH count(p) AS cleared
UNWIND $members AS m
MATCH (p:Person {tenant_id: $tenantId, id: m.personId})
SET p.community_id_strong = m.communityId
`

// WriteBack mirrors a snapshot into the graph: LINKED_TO edges carrying the
// per-category counters and weight, and community_id_strong on every
// assigned person. Old edges and community ids are cleared first so the
// graph always reflects exactly one refresh.
func (p *Neo4jProvider) WriteBack(ctx context.Context, snap *domain.Snapshot) error {
	session := p.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: p.database,
		AccessMode:   neo4j.AccessModeWrite,
	})
	defer session.Close(ctx)

	edges := make([]map[string]any, 0, len(snap.Edges))
	for _, e := range snap.Edges {
		edges = append(edges, map[string]any{
			"personA":       e.PersonA,
			"personB":       e.PersonB,
			"weight":        e.Weight,
			"sharedDevice":  e.SharedDevice,
			"sharedIp":      e.SharedIP,
			"sharedCard":    e.SharedCard,
			"sharedAddress": e.SharedAddress,
		})
	}
	members := make([]map[string]any, 0, len(snap.Assignment.Communities))
	for personID, communityID := range snap.Assignment.Communities {
		members = append(members, map[string]any{
			"personId":    personID,
			"communityId": communityID,
		})
	}

	_, err := session.ExecuteWrite(ctx, func(work neo4j.ManagedTransaction) (any, error) {
		params := map[string]any{"tenantId": snap.TenantID}
		if _, err := work.Run(ctx, deleteLinksQuery, params); err != nil {
			return nil, err
		}
		if _, err := work.Run(ctx, writeLinksQuery, map[string]any{
			"tenantId":  snap.TenantID,
			"refreshId": snap.RefreshID,
			"edges":     edges,
		}); err != nil {
			return nil, err
		}
		_, err := work.Run(ctx, writeCommunitiesQuery, map[string]any{
			"tenantId": snap.TenantID,
			"members":  members,
		})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("failed to write snapshot to graph: %w", err)
	}

	p.logger.Info("snapshot written back to graph",
		"tenant_id", snap.TenantID,
		"refresh_id", snap.RefreshID,
		"edges", len(edges),
		"assigned_persons", len(members))
	return nil
}

// Ping verifies graph connectivity.
func (p *Neo4jProvider) Ping(ctx context.Context) error {
	return p.driver.VerifyConnectivity(ctx)
}

// Close shuts down the driver.
func (p *Neo4jProvider) Close(ctx context.Context) error {
	return p.driver.Close(ctx)
}

func recordString(record *neo4j.Record, key string) string {
	v, ok := record.Get(key)
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func recordFloat(record *neo4j.Record, key string) float64 {
	v, ok := record.Get(key)
	if !ok || v == nil {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	}
	return 0
}

func recordBool(record *neo4j.Record, key string) bool {
	v, ok := record.Get(key)
	if !ok || v == nil {
		return false
	}
	b, _ := v.(bool)
	return b
}
