// Package community partitions the strong-link graph into densely connected
// groups using a deterministic Leiden-style algorithm.
package community

import (
	"sort"

	"github.com/opensource-finance/arachne/internal/domain"
)

// halfEdge is one direction of an undirected weighted edge.
type halfEdge struct {
	to     int
	weight float64
}

// graph is a weighted undirected multigraph over dense integer node ids.
// Every undirected edge appears in adj twice, once per direction. Self loops
// (which appear during aggregation) are stored separately and count twice
// toward the node's degree, following the usual modularity convention.
type graph struct {
	n        int
	adj      [][]halfEdge
	selfLoop []float64
	degree   []float64

	// m is the total edge weight, counting each undirected edge once and
	// self loops once.
	m float64
}

// newGraph builds a graph with n nodes and no edges.
func newGraph(n int) *graph {
	return &graph{
		n:        n,
		adj:      make([][]halfEdge, n),
		selfLoop: make([]float64, n),
		degree:   make([]float64, n),
	}
}

func (g *graph) addEdge(a, b int, w float64) {
	if a == b {
		g.selfLoop[a] += w
		g.degree[a] += 2 * w
		g.m += w
		return
	}
	g.adj[a] = append(g.adj[a], halfEdge{to: b, weight: w})
	g.adj[b] = append(g.adj[b], halfEdge{to: a, weight: w})
	g.degree[a] += w
	g.degree[b] += w
	g.m += w
}

// buildGraph indexes the persons appearing in the strong links in ascending
// id order and wires one weighted edge per link. The ascending indexing is
// what makes every downstream tie-break reproducible.
func buildGraph(links []domain.StrongLinkEdge) (*graph, []string) {
	seen := make(map[string]struct{}, len(links)*2)
	for _, l := range links {
		seen[l.PersonA] = struct{}{}
		seen[l.PersonB] = struct{}{}
	}
	persons := make([]string, 0, len(seen))
	for id := range seen {
		persons = append(persons, id)
	}
	sort.Strings(persons)

	index := make(map[string]int, len(persons))
	for i, id := range persons {
		index[id] = i
	}

	g := newGraph(len(persons))
	for _, l := range links {
		g.addEdge(index[l.PersonA], index[l.PersonB], float64(l.Weight))
	}
	return g, persons
}

// aggregate collapses every partition class into a single node. Classes are
// renumbered by first appearance in ascending node order, so aggregation is
// deterministic. Returns the aggregated graph and the node-to-class mapping
// under the new numbering.
func aggregate(g *graph, part []int) (*graph, []int) {
	compact := make(map[int]int)
	mapped := make([]int, g.n)
	next := 0
	for v := 0; v < g.n; v++ {
		c, ok := compact[part[v]]
		if !ok {
			c = next
			compact[part[v]] = c
			next++
		}
		mapped[v] = c
	}

	agg := newGraph(next)
	// Internal edge weight, accumulated over half-edges (each internal
	// undirected edge contributes twice).
	internal := make([]float64, next)
	between := make(map[[2]int]float64)
	for v := 0; v < g.n; v++ {
		a := mapped[v]
		internal[a] += 2 * g.selfLoop[v]
		for _, e := range g.adj[v] {
			b := mapped[e.to]
			if a == b {
				internal[a] += e.weight
				continue
			}
			if a < b {
				between[[2]int{a, b}] += e.weight
			}
		}
	}
	for c := 0; c < next; c++ {
		if internal[c] > 0 {
			agg.addEdge(c, c, internal[c]/2)
		}
	}
	pairs := make([][2]int, 0, len(between))
	for p := range between {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i][0] != pairs[j][0] {
			return pairs[i][0] < pairs[j][0]
		}
		return pairs[i][1] < pairs[j][1]
	})
	for _, p := range pairs {
		agg.addEdge(p[0], p[1], between[p])
	}
	return agg, mapped
}

// modularity computes Newman modularity of a partition over g.
func modularity(g *graph, part []int) float64 {
	if g.m == 0 {
		return 0
	}
	nComm := 0
	for _, c := range part {
		if c+1 > nComm {
			nComm = c + 1
		}
	}
	inHalf := make([]float64, nComm)
	tot := make([]float64, nComm)
	for v := 0; v < g.n; v++ {
		c := part[v]
		tot[c] += g.degree[v]
		inHalf[c] += 2 * g.selfLoop[v]
		for _, e := range g.adj[v] {
			if part[e.to] == c {
				inHalf[c] += e.weight
			}
		}
	}
	twoM := 2 * g.m
	q := 0.0
	for c := 0; c < nComm; c++ {
		frac := tot[c] / twoM
		q += inHalf[c]/twoM - frac*frac
	}
	return q
}
