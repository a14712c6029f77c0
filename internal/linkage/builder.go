// Package linkage builds the person-to-person linkage graph from shared
// infrastructure artifacts (devices, IPs, cards, billing addresses).
package linkage

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/opensource-finance/arachne/internal/domain"
)

// Builder turns a batch of transactions into weighted linkage edges.
//
// For each artifact category, transactions are grouped by artifact id. A
// group with 2..cap distinct persons contributes one shared-artifact count to
// every unordered person pair inside it. Groups above the cap are hub
// artifacts (public wifi, shared kiosks) and are skipped wholesale. Counts
// are per distinct artifact, so the same pair hitting the same device in ten
// transactions still counts once for that device.
type Builder struct {
	cfg    domain.LinkageConfig
	logger *slog.Logger
}

// NewBuilder creates a linkage graph builder.
func NewBuilder(cfg domain.LinkageConfig, logger *slog.Logger) *Builder {
	return &Builder{
		cfg:    cfg,
		logger: logger.With("component", "linkage-builder"),
	}
}

// Build computes the full linkage edge set for a transaction batch.
// Categories are counted concurrently and merged; the merge is commutative,
// so the result is independent of transaction order and scheduling.
// Edges are returned sorted by (PersonA, PersonB).
func (b *Builder) Build(ctx context.Context, txs []*domain.Transaction) ([]domain.LinkageEdge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	categories := domain.Categories()
	counts := make([]map[domain.PairKey]int, len(categories))

	var wg sync.WaitGroup
	for i, category := range categories {
		wg.Add(1)
		go func(i int, category domain.ArtifactCategory) {
			defer wg.Done()
			counts[i] = b.countCategory(category, txs)
		}(i, category)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	merged := make(map[domain.PairKey]*domain.LinkageEdge)
	for i, category := range categories {
		for key, n := range counts[i] {
			edge := merged[key]
			if edge == nil {
				edge = &domain.LinkageEdge{PersonA: key.A, PersonB: key.B}
				merged[key] = edge
			}
			switch category {
			case domain.CategoryDevice:
				edge.SharedDevice += n
			case domain.CategoryIP:
				edge.SharedIP += n
			case domain.CategoryCard:
				edge.SharedCard += n
			case domain.CategoryAddress:
				edge.SharedAddress += n
			}
		}
	}

	edges := make([]domain.LinkageEdge, 0, len(merged))
	for _, edge := range merged {
		edge.Weight = b.cfg.WeightDevice*edge.SharedDevice +
			b.cfg.WeightIP*edge.SharedIP +
			b.cfg.WeightCard*edge.SharedCard +
			b.cfg.WeightAddress*edge.SharedAddress
		edges = append(edges, *edge)
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].PersonA != edges[j].PersonA {
			return edges[i].PersonA < edges[j].PersonA
		}
		return edges[i].PersonB < edges[j].PersonB
	})

	b.logger.Debug("linkage graph built",
		"transactions", len(txs),
		"edges", len(edges))

	return edges, nil
}

// countCategory returns, per person pair, the number of distinct artifacts of
// one category the pair shared.
func (b *Builder) countCategory(category domain.ArtifactCategory, txs []*domain.Transaction) map[domain.PairKey]int {
	// artifact id -> set of distinct persons that used it
	groups := make(map[string]map[string]struct{})
	for _, tx := range txs {
		artifact := tx.Artifact(category)
		if artifact == "" || tx.PersonID == "" {
			continue
		}
		persons := groups[artifact]
		if persons == nil {
			persons = make(map[string]struct{})
			groups[artifact] = persons
		}
		persons[tx.PersonID] = struct{}{}
	}

	cap := b.cfg.Cap(category)
	counts := make(map[domain.PairKey]int)
	skipped := 0
	for _, persons := range groups {
		n := len(persons)
		if n < 2 {
			continue
		}
		if cap > 0 && n > cap {
			skipped++
			continue
		}
		ids := make([]string, 0, n)
		for id := range persons {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				counts[domain.PairKey{A: ids[i], B: ids[j]}]++
			}
		}
	}
	if skipped > 0 {
		b.logger.Debug("hub artifacts skipped",
			"category", string(category),
			"count", skipped)
	}
	return counts
}
