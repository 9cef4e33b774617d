package api

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/blockmetrics/transfer-graph-service/db"
	"github.com/blockmetrics/transfer-graph-service/domain"
	"github.com/blockmetrics/transfer-graph-service/metrics"
	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
)

// Hard response bounds. Requested limits above these are silently clamped.
const (
	MaxNodes     = 100
	MaxEdges     = 150
	DefaultNodes = 50
	DefaultEdges = 100
)

type SnapshotStore interface {
	LatestRunAtOrBelow(height uint64) (domain.MetricsRun, error)
	GetAddressMetrics(runID string) ([]domain.AddressMetrics, error)
	GetRunEdges(runID string) ([]domain.Transfer, error)
	GetCheckpoint() (domain.Checkpoint, error)
}

type Node struct {
	Address   string  `json:"address"`
	InDegree  uint32  `json:"in_degree"`
	OutDegree uint32  `json:"out_degree"`
	PageRank  float64 `json:"pagerank"`
}

type Edge struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Block       uint64 `json:"block"`
	TxHash      string `json:"tx_hash"`
}

type SnapshotResponse struct {
	Available       bool   `json:"available"`
	ComputedAtBlock uint64 `json:"computed_at_block,omitempty"`
	RunID           string `json:"run_id,omitempty"`
	Converged       bool   `json:"converged,omitempty"`
	Nodes           []Node `json:"nodes"`
	Edges           []Edge `json:"edges"`
}

type StatusResponse struct {
	CheckpointHeight uint64 `json:"checkpointHeight"`
	LatestRunID      string `json:"latestRunId,omitempty"`
	LatestRunBlock   uint64 `json:"latestRunBlock,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

// Handler serves graph snapshot queries strictly from precomputed metrics
// runs. Nothing on the request path recomputes degree or PageRank.
type Handler struct {
	store             SnapshotStore
	cache             *ttlcache.Cache[string, *SnapshotResponse]
	cacheLock         sync.Mutex
	processingMetrics *metrics.ProcessingMetrics
}

func NewHandler(store SnapshotStore, cacheTTL time.Duration, m *metrics.ProcessingMetrics) *Handler {
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Second
	}
	cache := ttlcache.New[string, *SnapshotResponse](
		ttlcache.WithTTL[string, *SnapshotResponse](cacheTTL),
	)
	go cache.Start()
	return &Handler{
		store:             store,
		cache:             cache,
		processingMetrics: m,
	}
}

// GetGraphSnapshot handles GET /v1/graph-snapshot?block=N&nodes=K&edges=M.
func (h *Handler) GetGraphSnapshot(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	block, err := strconv.ParseUint(query.Get("block"), 10, 64)
	if err != nil {
		http.Error(w, "query parameter 'block' is required and must be a non-negative integer", http.StatusBadRequest)
		return
	}
	nodeLimit := parseLimit(query.Get("nodes"), query.Get("limit"), DefaultNodes, MaxNodes)
	edgeLimit := parseLimit(query.Get("edges"), query.Get("limit"), DefaultEdges, MaxEdges)

	h.processingMetrics.IncSnapshotQueries()

	h.cacheLock.Lock() // lock so that we do not get multiple threads inside the `if`
	cacheKey := fmt.Sprintf("%d:%d:%d", block, nodeLimit, edgeLimit)
	item := h.cache.Get(cacheKey)
	if item != nil {
		h.cacheLock.Unlock()
		writeJSON(w, item.Value())
		return
	}
	response, err := h.createSnapshotResponse(block, nodeLimit, edgeLimit)
	if err != nil {
		h.cacheLock.Unlock()
		log.Printf("Error creating snapshot response: %v", err)
		http.Error(w, "Error creating snapshot response", http.StatusInternalServerError)
		return
	}
	h.cache.Set(cacheKey, response, ttlcache.DefaultTTL)
	h.cacheLock.Unlock()

	writeJSON(w, response)
}

func (h *Handler) createSnapshotResponse(block uint64, nodeLimit, edgeLimit int) (*SnapshotResponse, error) {
	run, err := h.store.LatestRunAtOrBelow(block)
	if errors.Is(err, db.ErrNotFound) {
		// no snapshot at or below this height is an explicit outcome, not an error
		return &SnapshotResponse{Available: false, Nodes: []Node{}, Edges: []Edge{}}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "resolving metrics run")
	}

	rows, err := h.store.GetAddressMetrics(run.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "reading metrics for run [%s]", run.ID)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].PageRank != rows[j].PageRank {
			return rows[i].PageRank > rows[j].PageRank
		}
		return rows[i].Address < rows[j].Address
	})
	if len(rows) > nodeLimit {
		rows = rows[:nodeLimit]
	}

	selected := make(map[string]bool, len(rows))
	nodes := make([]Node, 0, len(rows))
	for _, row := range rows {
		selected[row.Address] = true
		nodes = append(nodes, Node{
			Address:   row.Address,
			InDegree:  row.InDegree,
			OutDegree: row.OutDegree,
			PageRank:  row.PageRank,
		})
	}

	allEdges, err := h.store.GetRunEdges(run.ID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, errors.Wrapf(err, "reading edges for run [%s]", run.ID)
	}
	var candidates []domain.Transfer
	for _, edge := range allEdges {
		if selected[edge.Source] && selected[edge.Destination] {
			candidates = append(candidates, edge)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Height != candidates[j].Height {
			return candidates[i].Height > candidates[j].Height
		}
		if candidates[i].TxHash != candidates[j].TxHash {
			return candidates[i].TxHash < candidates[j].TxHash
		}
		return candidates[i].LogIndex < candidates[j].LogIndex
	})
	if len(candidates) > edgeLimit {
		candidates = candidates[:edgeLimit]
	}
	edges := make([]Edge, 0, len(candidates))
	for _, edge := range candidates {
		edges = append(edges, Edge{
			Source:      edge.Source,
			Destination: edge.Destination,
			Block:       edge.Height,
			TxHash:      edge.TxHash,
		})
	}

	return &SnapshotResponse{
		Available:       true,
		ComputedAtBlock: run.ComputedAtBlock,
		RunID:           run.ID,
		Converged:       run.Converged,
		Nodes:           nodes,
		Edges:           edges,
	}, nil
}

func (h *Handler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	var response StatusResponse
	checkpoint, err := h.store.GetCheckpoint()
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		log.Printf("Error getting checkpoint: %v", err)
		http.Error(w, "Error getting checkpoint", http.StatusInternalServerError)
		return
	}
	response.CheckpointHeight = checkpoint.Height

	run, err := h.store.LatestRunAtOrBelow(math.MaxUint64)
	if err == nil {
		response.LatestRunID = run.ID
		response.LatestRunBlock = run.ComputedAtBlock
	} else if !errors.Is(err, db.ErrNotFound) {
		log.Printf("Error getting latest run: %v", err)
		http.Error(w, "Error getting latest run", http.StatusInternalServerError)
		return
	}

	writeJSON(w, response)
}

func (h *Handler) GetHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, HealthResponse{Status: "UP"})
}

func parseLimit(value, fallback string, def, hardCap int) int {
	s := value
	if s == "" {
		s = fallback
	}
	if s == "" {
		return def
	}
	limit, err := strconv.Atoi(s)
	if err != nil || limit < 0 {
		return def
	}
	if limit > hardCap {
		return hardCap // clamp, not an error
	}
	return limit
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Add("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("Error encoding response: %v", err)
		http.Error(w, "Error encoding response", http.StatusInternalServerError)
	}
}
