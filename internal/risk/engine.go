// Package risk answers explainability queries over a published snapshot:
// which communities look worst, why a community hangs together, and how
// risky an individual person is.
package risk

import (
	"log/slog"
	"sort"

	"github.com/opensource-finance/arachne/internal/domain"
)

// Engine evaluates ranking and evidence queries against an immutable
// snapshot. All orderings are total (ids break every tie), so identical
// snapshots always produce identical result lists.
type Engine struct {
	cfg    domain.RiskConfig
	logger *slog.Logger
}

// NewEngine creates a risk query engine.
func NewEngine(cfg domain.RiskConfig, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		logger: logger.With("component", "risk-engine"),
	}
}

type personTally struct {
	txTotal int
	txFraud int
}

func tallyPersons(snap *domain.Snapshot) map[string]*personTally {
	tallies := make(map[string]*personTally)
	for _, tx := range snap.Transactions {
		if tx.PersonID == "" {
			continue
		}
		t := tallies[tx.PersonID]
		if t == nil {
			t = &personTally{}
			tallies[tx.PersonID] = t
		}
		t.txTotal++
		if tx.IsFraud {
			t.txFraud++
		}
	}
	return tallies
}

func rate(fraud, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(fraud) / float64(total)
}

// TopCommunities ranks detected communities by fraud rate, then fraud
// transaction count, then id. Communities below the minimum size are not
// ranked at all; they are noise, not rings.
func (e *Engine) TopCommunities(snap *domain.Snapshot) []domain.CommunityStats {
	tallies := tallyPersons(snap)

	byID := make(map[int]*domain.CommunityStats)
	for personID, c := range snap.Assignment.Communities {
		stats := byID[c]
		if stats == nil {
			stats = &domain.CommunityStats{CommunityID: c}
			byID[c] = stats
		}
		stats.PersonCount++
		if t := tallies[personID]; t != nil {
			stats.TxTotal += t.txTotal
			stats.TxFraud += t.txFraud
		}
	}

	ranked := make([]domain.CommunityStats, 0, len(byID))
	for _, stats := range byID {
		if stats.PersonCount < e.cfg.MinCommunitySize {
			continue
		}
		stats.FraudRate = rate(stats.TxFraud, stats.TxTotal)
		ranked = append(ranked, *stats)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].FraudRate != ranked[j].FraudRate {
			return ranked[i].FraudRate > ranked[j].FraudRate
		}
		if ranked[i].TxFraud != ranked[j].TxFraud {
			return ranked[i].TxFraud > ranked[j].TxFraud
		}
		return ranked[i].CommunityID < ranked[j].CommunityID
	})
	if len(ranked) > e.cfg.TopCommunitiesLimit {
		ranked = ranked[:e.cfg.TopCommunitiesLimit]
	}
	return ranked
}

// CommunitySummary builds the case file for one community: aggregate fraud
// statistics plus its most implicated members. An id that matches no
// detected community yields an empty summary, not an error.
func (e *Engine) CommunitySummary(snap *domain.Snapshot, communityID int) (domain.CommunitySummary, error) {
	if communityID < 0 {
		return domain.CommunitySummary{}, domain.NewValidationError("community id", "must be non-negative")
	}

	tallies := tallyPersons(snap)

	summary := domain.CommunitySummary{
		CommunityStats: domain.CommunityStats{CommunityID: communityID},
		TopMembers:     []domain.PersonRiskSummary{},
	}
	members := make([]domain.PersonRiskSummary, 0)
	for personID, c := range snap.Assignment.Communities {
		if c != communityID {
			continue
		}
		cid := c
		member := domain.PersonRiskSummary{PersonID: personID, CommunityID: &cid}
		if t := tallies[personID]; t != nil {
			member.TxTotal = t.txTotal
			member.TxFraud = t.txFraud
			member.FraudRate = rate(t.txFraud, t.txTotal)
		}
		members = append(members, member)
		summary.PersonCount++
		summary.TxTotal += member.TxTotal
		summary.TxFraud += member.TxFraud
	}
	summary.FraudRate = rate(summary.TxFraud, summary.TxTotal)

	sort.Slice(members, func(i, j int) bool {
		if members[i].TxFraud != members[j].TxFraud {
			return members[i].TxFraud > members[j].TxFraud
		}
		if members[i].FraudRate != members[j].FraudRate {
			return members[i].FraudRate > members[j].FraudRate
		}
		if members[i].TxTotal != members[j].TxTotal {
			return members[i].TxTotal > members[j].TxTotal
		}
		return members[i].PersonID < members[j].PersonID
	})
	if len(members) > e.cfg.TopMembersLimit {
		members = members[:e.cfg.TopMembersLimit]
	}
	summary.TopMembers = members
	return summary, nil
}

// ArtifactEvidence lists the shared artifacts of one category that bind a
// community together: every artifact touched by at least two members, ranked
// by how many members touched it and across how many transactions. Unknown
// community ids yield an empty list.
func (e *Engine) ArtifactEvidence(snap *domain.Snapshot, communityID int, category domain.ArtifactCategory) ([]domain.ArtifactEvidence, error) {
	if communityID < 0 {
		return nil, domain.NewValidationError("community id", "must be non-negative")
	}
	switch category {
	case domain.CategoryDevice, domain.CategoryIP, domain.CategoryCard, domain.CategoryAddress:
	default:
		return nil, domain.NewValidationError("category", "must be one of device, ip, card, address")
	}

	members := make(map[string]struct{})
	for personID, c := range snap.Assignment.Communities {
		if c == communityID {
			members[personID] = struct{}{}
		}
	}

	type tally struct {
		persons map[string]struct{}
		txCount int
	}
	byArtifact := make(map[string]*tally)
	for _, tx := range snap.Transactions {
		if _, ok := members[tx.PersonID]; !ok {
			continue
		}
		artifact := tx.Artifact(category)
		if artifact == "" {
			continue
		}
		t := byArtifact[artifact]
		if t == nil {
			t = &tally{persons: make(map[string]struct{})}
			byArtifact[artifact] = t
		}
		t.persons[tx.PersonID] = struct{}{}
		t.txCount++
	}

	evidence := make([]domain.ArtifactEvidence, 0, len(byArtifact))
	for artifact, t := range byArtifact {
		if len(t.persons) < 2 {
			// Used by one member only: not binding evidence.
			continue
		}
		evidence = append(evidence, domain.ArtifactEvidence{
			ArtifactID:  artifact,
			PersonCount: len(t.persons),
			TxCount:     t.txCount,
		})
	}
	sort.Slice(evidence, func(i, j int) bool {
		if evidence[i].PersonCount != evidence[j].PersonCount {
			return evidence[i].PersonCount > evidence[j].PersonCount
		}
		if evidence[i].TxCount != evidence[j].TxCount {
			return evidence[i].TxCount > evidence[j].TxCount
		}
		return evidence[i].ArtifactID < evidence[j].ArtifactID
	})
	if len(evidence) > e.cfg.ArtifactLimit {
		evidence = evidence[:e.cfg.ArtifactLimit]
	}
	return evidence, nil
}

// PersonRisk summarizes one person's fraud exposure. Persons the snapshot
// has never seen yield a zero-valued summary; persons outside every
// community carry a nil community id.
func (e *Engine) PersonRisk(snap *domain.Snapshot, personID string) (domain.PersonRiskSummary, error) {
	if personID == "" {
		return domain.PersonRiskSummary{}, domain.NewValidationError("person id", "must not be empty")
	}

	summary := domain.PersonRiskSummary{PersonID: personID}
	if t := tallyPersons(snap)[personID]; t != nil {
		summary.TxTotal = t.txTotal
		summary.TxFraud = t.txFraud
		summary.FraudRate = rate(t.txFraud, t.txTotal)
	}
	if c, ok := snap.Assignment.Communities[personID]; ok {
		cid := c
		summary.CommunityID = &cid
	}
	return summary, nil
}

// Neighbors explains a person's linkage edges: who they are connected to and
// through which shared infrastructure, strongest first. Unknown persons
// yield an empty list.
func (e *Engine) Neighbors(snap *domain.Snapshot, personID string) ([]domain.NeighborEvidence, error) {
	if personID == "" {
		return nil, domain.NewValidationError("person id", "must not be empty")
	}

	neighbors := make([]domain.NeighborEvidence, 0)
	for _, edge := range snap.Edges {
		var other string
		switch personID {
		case edge.PersonA:
			other = edge.PersonB
		case edge.PersonB:
			other = edge.PersonA
		default:
			continue
		}
		neighbors = append(neighbors, domain.NeighborEvidence{
			PersonID:      other,
			SharedDevice:  edge.SharedDevice,
			SharedIP:      edge.SharedIP,
			SharedCard:    edge.SharedCard,
			SharedAddress: edge.SharedAddress,
			Weight:        edge.Weight,
		})
	}
	sort.Slice(neighbors, func(i, j int) bool {
		if neighbors[i].Weight != neighbors[j].Weight {
			return neighbors[i].Weight > neighbors[j].Weight
		}
		return neighbors[i].PersonID < neighbors[j].PersonID
	})
	if len(neighbors) > e.cfg.NeighborLimit {
		neighbors = neighbors[:e.cfg.NeighborLimit]
	}
	return neighbors, nil
}
