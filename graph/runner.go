package graph

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/blockmetrics/transfer-graph-service/domain"
	"github.com/blockmetrics/transfer-graph-service/metrics"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var ErrRunInProgress = errors.New("metrics run already in progress")

type MetricsStore interface {
	SnapshotTransfersAtOrBelow(height uint64, max int) ([]domain.Transfer, error)
	SetAddressMetrics(rows []domain.AddressMetrics) error
	PutMetricsRun(run domain.MetricsRun) error
	SetLatestRunID(runID string) error
	SetRunEdges(runID string, edges []domain.Transfer) error
	AppendAnomalyEvent(event domain.AnomalyEvent) error
}

// Exporter ships a finished run's rows to an external index. Optional.
type Exporter interface {
	IndexAddressMetrics(ctx context.Context, rows []domain.AddressMetrics) error
}

// Runner executes metrics runs. At most one run is in flight at a time; a
// second concurrent Run returns ErrRunInProgress. The transfer snapshot is
// taken once at the start of the run, so concurrent ingestion does not leak
// into the computation.
type Runner struct {
	store             MetricsStore
	cfg               Config
	edgeCap           int
	whaleThreshold    *big.Int // nil disables whale detection
	exporter          Exporter // nil disables export
	processingMetrics *metrics.ProcessingMetrics
	logger            *zap.SugaredLogger
	mu                sync.Mutex
}

func NewRunner(store MetricsStore, cfg Config, edgeCap int, whaleThreshold *big.Int,
	exporter Exporter, m *metrics.ProcessingMetrics, logger *zap.SugaredLogger) *Runner {

	if edgeCap <= 0 {
		edgeCap = DefaultEdgeCap
	}
	return &Runner{
		store:             store,
		cfg:               cfg,
		edgeCap:           edgeCap,
		whaleThreshold:    whaleThreshold,
		exporter:          exporter,
		processingMetrics: m,
		logger:            logger,
	}
}

// Run computes degree and PageRank over all transfers with height <= height
// and persists one AddressMetrics row per address under a fresh run id.
func (r *Runner) Run(ctx context.Context, height uint64) (*domain.MetricsRun, error) {
	if !r.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer r.mu.Unlock()

	run := domain.MetricsRun{
		ID:              newRunID(),
		ComputedAtBlock: height,
		State:           domain.RunStateInitializing,
		CreatedAt:       time.Now().Unix(),
	}
	if err := r.store.PutMetricsRun(run); err != nil {
		return nil, errors.Wrap(err, "recording metrics run")
	}
	r.logger.Infow("Starting metrics run", "runId", run.ID, "height", height)

	transfers, err := r.store.SnapshotTransfersAtOrBelow(height, r.edgeCap)
	if err != nil {
		return nil, errors.Wrap(err, "reading transfer snapshot")
	}

	g := Build(transfers, r.edgeCap)
	result := PageRank(g, r.cfg)

	rows := make([]domain.AddressMetrics, 0, len(g.Nodes))
	for _, address := range g.Nodes {
		rows = append(rows, domain.AddressMetrics{
			Address:         address,
			InDegree:        g.InDegree[address],
			OutDegree:       g.OutDegree[address],
			PageRank:        result.Scores[address],
			ComputedAtBlock: height,
			RunID:           run.ID,
		})
	}
	if err := r.store.SetAddressMetrics(rows); err != nil {
		return nil, errors.Wrap(err, "writing address metrics")
	}
	if err := r.store.SetRunEdges(run.ID, g.Edges); err != nil {
		return nil, errors.Wrap(err, "writing run edges")
	}

	r.detectWhales(g)

	run.State = result.State.String()
	run.Converged = result.Converged
	run.Iterations = result.Iterations
	run.NodeCount = len(g.Nodes)
	run.EdgeCount = len(g.Edges)
	if err := r.store.PutMetricsRun(run); err != nil {
		return nil, errors.Wrap(err, "completing metrics run")
	}
	if err := r.store.SetLatestRunID(run.ID); err != nil {
		return nil, errors.Wrap(err, "updating latest run id")
	}

	r.processingMetrics.SetRunStats(run.Iterations, run.NodeCount, run.EdgeCount)
	r.processingMetrics.IncCompletedRuns()
	if !run.Converged {
		r.logger.Warnw("Metrics run hit the iteration bound without converging",
			"runId", run.ID, "iterations", run.Iterations)
	}
	r.logger.Infow("Finished metrics run", "runId", run.ID, "state", run.State,
		"nodes", run.NodeCount, "edges", run.EdgeCount, "iterations", run.Iterations)

	if r.exporter != nil {
		if err := r.exporter.IndexAddressMetrics(ctx, rows); err != nil {
			// export failures never fail a completed run
			r.logger.Errorw("Exporting address metrics failed", "runId", run.ID, "error", err)
		}
	}

	return &run, nil
}

// detectWhales records an anomaly event for every capped graph edge whose
// amount is at or above the configured threshold.
func (r *Runner) detectWhales(g *Graph) {
	if r.whaleThreshold == nil {
		return
	}
	detected := 0
	for _, edge := range g.Edges {
		amount, ok := new(big.Int).SetString(edge.Amount, 10)
		if !ok || amount.Cmp(r.whaleThreshold) < 0 {
			continue
		}
		event := domain.AnomalyEvent{
			Type:      domain.AnomalyTypeWhaleTransfer,
			Timestamp: time.Now().Unix(),
			Address:   edge.Source,
			TxHash:    edge.TxHash,
			Height:    edge.Height,
			Amount:    edge.Amount,
			LogIndex:  edge.LogIndex,
		}
		if err := r.store.AppendAnomalyEvent(event); err != nil {
			r.logger.Errorw("Recording anomaly event failed", "txHash", edge.TxHash, "error", err)
			continue
		}
		detected++
	}
	if detected > 0 {
		r.processingMetrics.AddAnomalyEvents(detected)
		r.logger.Infow("Recorded whale transfer events", "count", detected)
	}
}

func newRunID() string {
	return fmt.Sprintf("%020d", time.Now().UnixNano())
}
