package community

import (
	"context"
	"log/slog"
	"sort"

	"github.com/opensource-finance/arachne/internal/domain"
)

// Detector runs Leiden-style community detection over strong links.
//
// The run is fully deterministic: nodes are visited in ascending id order,
// equal-gain moves break ties toward the lowest community id, and aggregation
// renumbers by first appearance. Two runs over the same strong links always
// produce the same partition.
//
// Refinement only ever merges a node that is still alone into a refined
// community it shares an actual edge with, so every refined community is
// internally connected; the local-moving phase also only joins communities
// reachable through edges. Together these keep every reported community
// connected in the strong-link graph.
type Detector struct {
	cfg    domain.DetectorConfig
	logger *slog.Logger
}

// NewDetector creates a community detector.
func NewDetector(cfg domain.DetectorConfig, logger *slog.Logger) *Detector {
	return &Detector{
		cfg:    cfg,
		logger: logger.With("component", "community-detector"),
	}
}

// Detect partitions the persons touched by the strong links into communities.
// Persons with no strong link are simply absent from the result. An empty
// link set yields an empty assignment.
//
// Aggregation stops when a level no longer merges anything, or when the
// configured level cap fires; the cap case is flagged Truncated and logged,
// and the partial partition is still returned.
func (d *Detector) Detect(ctx context.Context, links []domain.StrongLinkEdge) (domain.CommunityAssignment, error) {
	assignment := domain.CommunityAssignment{Communities: make(map[string]int)}
	if len(links) == 0 {
		return assignment, nil
	}

	g, persons := buildGraph(links)
	orig := g

	// node -> its current node in the aggregated graph
	trace := make([]int, g.n)
	for i := range trace {
		trace[i] = i
	}

	var comm []int
	levels := 0
	for {
		if err := ctx.Err(); err != nil {
			return assignment, err
		}
		levels++
		comm = d.localMove(g)
		if countClasses(comm) == g.n {
			// No merges at this level: previous aggregation is final.
			break
		}
		if levels >= d.cfg.MaxAggregationLevels {
			assignment.Truncated = true
			d.logger.Warn("aggregation level cap reached, returning partial partition",
				"levels", levels,
				"communities", countClasses(comm))
			break
		}
		refined := d.refine(g, comm)
		agg, mapped := aggregate(g, refined)
		for i := range trace {
			trace[i] = mapped[trace[i]]
		}
		g = agg
	}

	// Project the final local-move partition down to persons and renumber by
	// first appearance over ascending person id.
	flat := make([]int, orig.n)
	renumber := make(map[int]int)
	next := 0
	for v := 0; v < orig.n; v++ {
		c := comm[trace[v]]
		id, ok := renumber[c]
		if !ok {
			id = next
			renumber[c] = id
			next++
		}
		flat[v] = id
		assignment.Communities[persons[v]] = id
	}

	assignment.Levels = levels
	assignment.Modularity = modularity(orig, flat)

	d.logger.Debug("community detection finished",
		"persons", orig.n,
		"communities", next,
		"levels", levels,
		"modularity", assignment.Modularity,
		"truncated", assignment.Truncated)

	return assignment, nil
}

// localMove greedily reassigns nodes to the neighboring community with the
// highest modularity gain until a full sweep makes no move. Only communities
// the node actually has an edge into are candidates, plus its own.
func (d *Detector) localMove(g *graph) []int {
	comm := make([]int, g.n)
	commTot := make([]float64, g.n)
	for v := 0; v < g.n; v++ {
		comm[v] = v
		commTot[v] = g.degree[v]
	}
	twoM := 2 * g.m
	if twoM == 0 {
		return comm
	}

	wTo := make(map[int]float64)
	for moved := true; moved; {
		moved = false
		for v := 0; v < g.n; v++ {
			cur := comm[v]
			for c := range wTo {
				delete(wTo, c)
			}
			wTo[cur] += 0
			for _, e := range g.adj[v] {
				wTo[comm[e.to]] += e.weight
			}

			commTot[cur] -= g.degree[v]

			candidates := make([]int, 0, len(wTo))
			for c := range wTo {
				candidates = append(candidates, c)
			}
			sort.Ints(candidates)

			best := cur
			bestGain := wTo[cur] - g.degree[v]*commTot[cur]/twoM
			for _, c := range candidates {
				if c == cur {
					continue
				}
				gain := wTo[c] - g.degree[v]*commTot[c]/twoM
				if gain > bestGain || (gain == bestGain && c < best) {
					best = c
					bestGain = gain
				}
			}

			commTot[best] += g.degree[v]
			if best != cur {
				comm[v] = best
				moved = true
			}
		}
	}
	return comm
}

// refine splits each local-move community into connected pieces. Every node
// starts alone; a node still alone may join a refined community inside its
// own local-move community, but only across an actual edge and only when the
// merge does not lose modularity.
func (d *Detector) refine(g *graph, comm []int) []int {
	ref := make([]int, g.n)
	refTot := make([]float64, g.n)
	refSize := make([]int, g.n)
	for v := 0; v < g.n; v++ {
		ref[v] = v
		refTot[v] = g.degree[v]
		refSize[v] = 1
	}
	twoM := 2 * g.m
	if twoM == 0 {
		return ref
	}

	for v := 0; v < g.n; v++ {
		if refSize[ref[v]] > 1 {
			continue
		}
		wTo := make(map[int]float64)
		for _, e := range g.adj[v] {
			if comm[e.to] == comm[v] {
				wTo[ref[e.to]] += e.weight
			}
		}
		if len(wTo) == 0 {
			continue
		}

		refTot[ref[v]] -= g.degree[v]

		candidates := make([]int, 0, len(wTo))
		for c := range wTo {
			candidates = append(candidates, c)
		}
		sort.Ints(candidates)

		best := ref[v]
		bestGain := 0.0
		for _, c := range candidates {
			if c == ref[v] {
				continue
			}
			gain := wTo[c] - g.degree[v]*refTot[c]/twoM
			if gain > bestGain || (gain == bestGain && gain > 0 && c < best) {
				best = c
				bestGain = gain
			}
		}

		refTot[best] += g.degree[v]
		if best != ref[v] {
			refSize[ref[v]]--
			refSize[best]++
			ref[v] = best
		}
	}
	return ref
}

func countClasses(part []int) int {
	seen := make(map[int]struct{}, len(part))
	for _, c := range part {
		seen[c] = struct{}{}
	}
	return len(seen)
}
