package graph

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/blockmetrics/transfer-graph-service/domain"
	"github.com/blockmetrics/transfer-graph-service/metrics"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testMetrics = metrics.NewProcessingMetrics("graph_test")

type fakeMetricsStore struct {
	mu          sync.Mutex
	transfers   []domain.Transfer
	rows        []domain.AddressMetrics
	runs        []domain.MetricsRun
	latestRunID string
	runEdges    map[string][]domain.Transfer
	anomalies   []domain.AnomalyEvent
	entered     chan struct{} // closed when a snapshot read starts
	block       chan struct{} // when set, SnapshotTransfersAtOrBelow waits on it
}

func (f *fakeMetricsStore) SnapshotTransfersAtOrBelow(height uint64, max int) ([]domain.Transfer, error) {
	if f.entered != nil {
		close(f.entered)
		f.entered = nil
	}
	if f.block != nil {
		<-f.block
	}
	var out []domain.Transfer
	for _, transfer := range f.transfers {
		if transfer.Height <= height && len(out) < max {
			out = append(out, transfer)
		}
	}
	return out, nil
}

func (f *fakeMetricsStore) SetAddressMetrics(rows []domain.AddressMetrics) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = rows
	return nil
}

func (f *fakeMetricsStore) PutMetricsRun(run domain.MetricsRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
	return nil
}

func (f *fakeMetricsStore) SetLatestRunID(runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latestRunID = runID
	return nil
}

func (f *fakeMetricsStore) SetRunEdges(runID string, edges []domain.Transfer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runEdges == nil {
		f.runEdges = make(map[string][]domain.Transfer)
	}
	f.runEdges[runID] = edges
	return nil
}

func (f *fakeMetricsStore) AppendAnomalyEvent(event domain.AnomalyEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.anomalies = append(f.anomalies, event)
	return nil
}

type fakeExporter struct {
	rows []domain.AddressMetrics
	err  error
}

func (f *fakeExporter) IndexAddressMetrics(_ context.Context, rows []domain.AddressMetrics) error {
	f.rows = rows
	return f.err
}

func newTestRunner(store MetricsStore, whaleThreshold *big.Int, exporter Exporter) *Runner {
	return NewRunner(store, DefaultConfig(), DefaultEdgeCap, whaleThreshold, exporter, testMetrics, zap.NewNop().Sugar())
}

func TestRunner_Run(t *testing.T) {
	store := &fakeMetricsStore{
		transfers: []domain.Transfer{
			{Source: "0xa", Destination: "0xb", Amount: "100", Height: 1000, TxHash: "0xt1"},
			{Source: "0xb", Destination: "0xc", Amount: "50", Height: 1001, TxHash: "0xt2"},
			{Source: "0xa", Destination: "0xc", Amount: "75", Height: 1002, TxHash: "0xt3"},
			{Source: "0xc", Destination: "0xa", Amount: "10", Height: 2000, TxHash: "0xt4"}, // above run height
		},
	}
	runner := newTestRunner(store, nil, nil)

	run, err := runner.Run(context.Background(), 1004)
	require.NoError(t, err)

	assert.Equal(t, uint64(1004), run.ComputedAtBlock)
	assert.Equal(t, domain.RunStateConverged, run.State)
	assert.True(t, run.Converged)
	assert.Equal(t, 3, run.NodeCount)
	assert.Equal(t, 3, run.EdgeCount)
	assert.Greater(t, run.Iterations, 0)

	// first write records the run as initializing, second finalizes it
	require.Len(t, store.runs, 2)
	assert.Equal(t, domain.RunStateInitializing, store.runs[0].State)
	assert.Equal(t, run.ID, store.runs[1].ID)
	assert.Equal(t, run.ID, store.latestRunID)

	require.Len(t, store.rows, 3)
	byAddress := make(map[string]domain.AddressMetrics, len(store.rows))
	var totalRank float64
	for _, row := range store.rows {
		byAddress[row.Address] = row
		totalRank += row.PageRank
		assert.Equal(t, run.ID, row.RunID)
		assert.Equal(t, uint64(1004), row.ComputedAtBlock)
	}
	assert.InDelta(t, 1.0, totalRank, 1e-9)
	assert.Equal(t, uint32(2), byAddress["0xa"].OutDegree)
	assert.Equal(t, uint32(2), byAddress["0xc"].InDegree)

	assert.Len(t, store.runEdges[run.ID], 3)
	assert.Empty(t, store.anomalies)
}

func TestRunner_RunEmptyStore(t *testing.T) {
	store := &fakeMetricsStore{}
	runner := newTestRunner(store, nil, nil)

	run, err := runner.Run(context.Background(), 100)
	require.NoError(t, err)

	assert.True(t, run.Converged)
	assert.Equal(t, 0, run.NodeCount)
	assert.Equal(t, 0, run.EdgeCount)
	assert.Empty(t, store.rows)
}

func TestRunner_ConcurrentRunRejected(t *testing.T) {
	store := &fakeMetricsStore{entered: make(chan struct{}), block: make(chan struct{})}
	runner := newTestRunner(store, nil, nil)
	entered := store.entered

	firstDone := make(chan error, 1)
	go func() {
		_, err := runner.Run(context.Background(), 100)
		firstDone <- err
	}()

	// wait until the first run holds the lock inside the snapshot read
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("first run never reached the snapshot read")
	}
	_, err := runner.Run(context.Background(), 100)
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(store.block)
	require.NoError(t, <-firstDone)

	// once finished, a new run is accepted again
	_, err = runner.Run(context.Background(), 100)
	assert.NoError(t, err)
}

func TestRunner_WhaleDetection(t *testing.T) {
	store := &fakeMetricsStore{
		transfers: []domain.Transfer{
			{Source: "0xa", Destination: "0xb", Amount: "999", Height: 1, TxHash: "0xt1"},
			{Source: "0xw", Destination: "0xb", Amount: "1000", Height: 2, TxHash: "0xt2", LogIndex: 3},
			{Source: "0xw", Destination: "0xc", Amount: "5000", Height: 3, TxHash: "0xt3"},
			{Source: "0xa", Destination: "0xc", Amount: "not-a-number", Height: 4, TxHash: "0xt4"},
		},
	}
	runner := newTestRunner(store, big.NewInt(1000), nil)

	_, err := runner.Run(context.Background(), 100)
	require.NoError(t, err)

	require.Len(t, store.anomalies, 2)
	for _, event := range store.anomalies {
		assert.Equal(t, domain.AnomalyTypeWhaleTransfer, event.Type)
		assert.Equal(t, "0xw", event.Address)
	}
}

func TestRunner_ExporterFailureDoesNotFailRun(t *testing.T) {
	store := &fakeMetricsStore{
		transfers: []domain.Transfer{
			{Source: "0xa", Destination: "0xb", Amount: "1", Height: 1, TxHash: "0xt1"},
		},
	}
	exporter := &fakeExporter{err: errors.New("index unreachable")}
	runner := newTestRunner(store, nil, exporter)

	run, err := runner.Run(context.Background(), 100)
	require.NoError(t, err)
	assert.True(t, run.Converged)
	assert.Len(t, exporter.rows, 2) // export was attempted with the run's rows
}

func TestRunner_BoundReachedRunIsStillRecorded(t *testing.T) {
	store := &fakeMetricsStore{
		transfers: []domain.Transfer{
			{Source: "0xa", Destination: "0xb", Amount: "1", Height: 1, TxHash: "0xt1"},
			{Source: "0xb", Destination: "0xc", Amount: "1", Height: 2, TxHash: "0xt2"},
			{Source: "0xc", Destination: "0xa", Amount: "1", Height: 3, TxHash: "0xt3"},
			{Source: "0xa", Destination: "0xc", Amount: "1", Height: 4, TxHash: "0xt4"},
		},
	}
	cfg := Config{Damping: 0.85, Tolerance: 1e-15, MaxIterations: 2}
	runner := NewRunner(store, cfg, DefaultEdgeCap, nil, nil, testMetrics, zap.NewNop().Sugar())

	run, err := runner.Run(context.Background(), 100)
	require.NoError(t, err)

	assert.Equal(t, domain.RunStateBoundReached, run.State)
	assert.False(t, run.Converged)
	assert.True(t, run.Completed())
	assert.Equal(t, 2, run.Iterations)
	assert.Len(t, store.rows, 3)
	assert.Equal(t, run.ID, store.latestRunID)
}
