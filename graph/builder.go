package graph

import (
	"sort"

	"github.com/blockmetrics/transfer-graph-service/domain"
)

// DefaultEdgeCap bounds the number of edges a metrics run computes over.
const DefaultEdgeCap = 10000

// Graph is a capped directed multigraph of address interactions. Every
// transfer is its own edge instance; parallel edges between the same address
// pair are not collapsed and each one counts towards degree.
type Graph struct {
	Edges     []domain.Transfer
	Nodes     []string // ascending
	InDegree  map[string]uint32
	OutDegree map[string]uint32
}

// Build selects at most edgeCap edges from the given transfers, preferring
// the most recent ones: ordered by height descending, then tx hash ascending,
// then log index ascending. The input is not modified.
func Build(transfers []domain.Transfer, edgeCap int) *Graph {
	if edgeCap <= 0 {
		edgeCap = DefaultEdgeCap
	}

	edges := make([]domain.Transfer, len(transfers))
	copy(edges, transfers)
	sort.SliceStable(edges, func(i, j int) bool {
		if edges[i].Height != edges[j].Height {
			return edges[i].Height > edges[j].Height
		}
		if edges[i].TxHash != edges[j].TxHash {
			return edges[i].TxHash < edges[j].TxHash
		}
		return edges[i].LogIndex < edges[j].LogIndex
	})
	if len(edges) > edgeCap {
		edges = edges[:edgeCap]
	}

	inDegree := make(map[string]uint32)
	outDegree := make(map[string]uint32)
	seen := make(map[string]bool)
	var nodes []string
	for _, edge := range edges {
		outDegree[edge.Source]++
		inDegree[edge.Destination]++
		for _, address := range []string{edge.Source, edge.Destination} {
			if !seen[address] {
				seen[address] = true
				nodes = append(nodes, address)
			}
		}
	}
	sort.Strings(nodes)

	return &Graph{
		Edges:     edges,
		Nodes:     nodes,
		InDegree:  inDegree,
		OutDegree: outDegree,
	}
}
