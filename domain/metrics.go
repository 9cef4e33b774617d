package domain

// Metrics run states.
const (
	RunStateInitializing = "initializing"
	RunStateIterating    = "iterating"
	RunStateConverged    = "converged"
	RunStateBoundReached = "bound-reached"
)

// AddressMetrics holds the per-address results of one metrics run.
type AddressMetrics struct {
	Address         string  `json:"address"`
	InDegree        uint32  `json:"inDegree"`
	OutDegree       uint32  `json:"outDegree"`
	PageRank        float64 `json:"pagerank"`
	ComputedAtBlock uint64  `json:"computedAtBlock"`
	RunID           string  `json:"runId"`
}

// MetricsRun describes one completed computation run. A run in state
// converged or bound-reached produced a full, queryable metrics snapshot.
type MetricsRun struct {
	ID              string `json:"id"`
	ComputedAtBlock uint64 `json:"computedAtBlock"`
	State           string `json:"state"`
	Converged       bool   `json:"converged"`
	Iterations      int    `json:"iterations"`
	NodeCount       int    `json:"nodeCount"`
	EdgeCount       int    `json:"edgeCount"`
	CreatedAt       int64  `json:"createdAt"` // unix seconds
}

// Completed reports whether the run produced a queryable snapshot.
func (r *MetricsRun) Completed() bool {
	return r.State == RunStateConverged || r.State == RunStateBoundReached
}

// AnomalyEvent records a detected anomaly, currently whale transfers only.
type AnomalyEvent struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"` // unix seconds
	Address   string `json:"address,omitempty"`
	TxHash    string `json:"txHash,omitempty"`
	Height    uint64 `json:"height,omitempty"`
	Amount    string `json:"amount,omitempty"`
	LogIndex  uint32 `json:"logIndex,omitempty"`
}

const AnomalyTypeWhaleTransfer = "whale_transfer"
