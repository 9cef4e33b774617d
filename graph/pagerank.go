package graph

import "math"

// State tracks the PageRank iteration state machine.
type State int

const (
	StateInitializing State = iota
	StateIterating
	StateConverged
	StateBoundReached
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateIterating:
		return "iterating"
	case StateConverged:
		return "converged"
	case StateBoundReached:
		return "bound-reached"
	default:
		return "unknown"
	}
}

type Config struct {
	Damping       float64 // default 0.85
	Tolerance     float64 // L1 convergence tolerance, default 1e-6
	MaxIterations int     // default 100
}

func DefaultConfig() Config {
	return Config{
		Damping:       0.85,
		Tolerance:     1e-6,
		MaxIterations: 100,
	}
}

// Result is the outcome of one PageRank computation. A bound-reached result
// still carries the best available scores, flagged as not converged.
type Result struct {
	Scores     map[string]float64
	Iterations int
	State      State
	Converged  bool
}

// PageRank computes unweighted PageRank over the capped graph. Each node
// splits its rank equally among its outgoing edge instances; the rank of
// dangling nodes is redistributed uniformly across all nodes every iteration
// so that total rank does not leak. Final scores are renormalized to sum 1.
func PageRank(g *Graph, cfg Config) *Result {
	if cfg.Damping <= 0 || cfg.Damping >= 1 {
		cfg.Damping = 0.85
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 1e-6
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 100
	}

	n := len(g.Nodes)
	if n == 0 {
		return &Result{Scores: map[string]float64{}, State: StateConverged, Converged: true}
	}

	index := make(map[string]int, n)
	for i, address := range g.Nodes {
		index[address] = i
	}

	outDegree := make([]float64, n)
	for i, address := range g.Nodes {
		outDegree[i] = float64(g.OutDegree[address])
	}
	type edge struct{ src, dst int }
	edges := make([]edge, 0, len(g.Edges))
	for _, e := range g.Edges {
		edges = append(edges, edge{src: index[e.Source], dst: index[e.Destination]})
	}

	ranks := make([]float64, n)
	next := make([]float64, n)
	for i := range ranks {
		ranks[i] = 1.0 / float64(n)
	}

	d := cfg.Damping
	state := StateIterating
	iterations := 0
	for iterations < cfg.MaxIterations {
		iterations++

		var dangling float64
		for i := range ranks {
			if outDegree[i] == 0 {
				dangling += ranks[i]
			}
		}

		base := (1-d)/float64(n) + d*dangling/float64(n)
		for i := range next {
			next[i] = base
		}
		for _, e := range edges {
			next[e.dst] += d * ranks[e.src] / outDegree[e.src]
		}

		var diff float64
		for i := range ranks {
			diff += math.Abs(next[i] - ranks[i])
		}
		ranks, next = next, ranks

		if diff < cfg.Tolerance {
			state = StateConverged
			break
		}
	}
	if state != StateConverged {
		state = StateBoundReached
	}

	// renormalize so the scores sum to exactly 1
	var total float64
	for _, r := range ranks {
		total += r
	}
	scores := make(map[string]float64, n)
	for i, address := range g.Nodes {
		scores[address] = ranks[i] / total
	}

	return &Result{
		Scores:     scores,
		Iterations: iterations,
		State:      state,
		Converged:  state == StateConverged,
	}
}
