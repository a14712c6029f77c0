package domain

import (
	"time"
)

// PairKey is the canonical identity of an unordered person pair.
// A < B always holds; use MakePairKey to construct one.
type PairKey struct {
	A string
	B string
}

// MakePairKey returns the canonical key for two person ids.
func MakePairKey(p, q string) PairKey {
	if q < p {
		p, q = q, p
	}
	return PairKey{A: p, B: q}
}

// LinkageEdge is an undirected, evidence-annotated relationship between two
// people inferred from shared infrastructure. PersonA < PersonB under the
// identifier ordering; each counter is the number of distinct artifacts of
// that category the pair shared. An edge exists only if at least one counter
// is positive.
type LinkageEdge struct {
	PersonA string `json:"personA"`
	PersonB string `json:"personB"`

	SharedDevice  int `json:"sharedDevice"`
	SharedIP      int `json:"sharedIp"`
	SharedCard    int `json:"sharedCard"`
	SharedAddress int `json:"sharedAddress"`

	// Weight is derived from the counters using the category weights in
	// LinkageConfig. Stored rather than recomputed so downstream consumers
	// see the value the builder used.
	Weight int `json:"weight"`
}

// Key returns the canonical pair key of the edge.
func (e *LinkageEdge) Key() PairKey {
	return PairKey{A: e.PersonA, B: e.PersonB}
}

// StrongLinkEdge is a linkage edge whose weight cleared the strong-link
// threshold. Only strong links feed community detection.
type StrongLinkEdge struct {
	PersonA string `json:"personA"`
	PersonB string `json:"personB"`
	Weight  int    `json:"weight"`
}

// CommunityAssignment maps persons to community ids for one detector run.
// Persons with no incident strong link are absent from the map. Ids are
// opaque within a refresh; they are renumbered on every run.
type CommunityAssignment struct {
	Communities map[string]int `json:"communities"`
	Modularity  float64        `json:"modularity"`

	// Levels is the number of aggregation levels the detector ran.
	Levels int `json:"levels"`

	// Truncated is set when the max-level safety cutoff fired. The partition
	// is still valid, just possibly under-refined.
	Truncated bool `json:"truncated"`
}

// Snapshot is the immutable output of one refresh: the full linkage graph,
// the thresholded strong-link graph, the community partition, and the
// transactions they were derived from. A snapshot is never mutated after
// publication; readers share it without synchronization.
type Snapshot struct {
	TenantID  string    `json:"tenantId"`
	RefreshID string    `json:"refreshId"`
	BuiltAt   time.Time `json:"builtAt"`

	Transactions []*Transaction      `json:"-"`
	Edges        []LinkageEdge       `json:"edges"`
	StrongLinks  []StrongLinkEdge    `json:"strongLinks"`
	Assignment   CommunityAssignment `json:"assignment"`
}
