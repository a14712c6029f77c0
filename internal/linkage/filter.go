package linkage

import (
	"github.com/opensource-finance/arachne/internal/domain"
)

// Filter selects strong links: linkage edges whose weight reaches the
// configured threshold. It is a pure function of its input; filtering an
// already-filtered set is a no-op, and lowering the threshold can only grow
// the result.
type Filter struct {
	threshold int
}

// NewFilter creates a strong-link filter with the given weight threshold.
func NewFilter(threshold int) *Filter {
	return &Filter{threshold: threshold}
}

// Apply returns the strong links among the given edges, preserving input
// order. Edges with Weight >= threshold pass.
func (f *Filter) Apply(edges []domain.LinkageEdge) []domain.StrongLinkEdge {
	links := make([]domain.StrongLinkEdge, 0)
	for _, e := range edges {
		if e.Weight >= f.threshold {
			links = append(links, domain.StrongLinkEdge{
				PersonA: e.PersonA,
				PersonB: e.PersonB,
				Weight:  e.Weight,
			})
		}
	}
	return links
}
