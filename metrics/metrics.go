package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type ProcessingMetrics struct {
	sourceHeadGauge       prometheus.Gauge
	committedHeightGauge  prometheus.Gauge
	committedChunksCount  prometheus.Counter
	storedTransfersCount  prometheus.Counter
	parseFailuresCount    prometheus.Counter
	publishFailuresCount  prometheus.Counter
	runIterationsGauge    prometheus.Gauge
	runEdgesGauge         prometheus.Gauge
	runNodesGauge         prometheus.Gauge
	completedRunsCount    prometheus.Counter
	snapshotQueriesCount  prometheus.Counter
	anomalyEventsCount    prometheus.Counter
}

func NewProcessingMetrics(namespace string) *ProcessingMetrics {
	m := ProcessingMetrics{
		// ingestion progress compared to the source chain
		sourceHeadGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_source_head_height", namespace),
			Help: "The latest known chain head height",
		}),
		committedHeightGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_committed_height", namespace),
			Help: "The latest fully committed block height (checkpoint)",
		}),
		committedChunksCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_committed_chunk_count", namespace),
			Help: "The total number of committed ingestion chunks",
		}),
		storedTransfersCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_stored_transfer_count", namespace),
			Help: "The total number of stored transfers",
		}),
		parseFailuresCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_parse_failure_count", namespace),
			Help: "The total number of skipped malformed log records",
		}),
		publishFailuresCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_publish_failure_count", namespace),
			Help: "The total number of failed transfer event publications",
		}),
		// metrics engine
		runIterationsGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_run_iterations", namespace),
			Help: "PageRank iterations of the latest metrics run",
		}),
		runEdgesGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_run_edge_count", namespace),
			Help: "Edges in the capped graph of the latest metrics run",
		}),
		runNodesGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_run_node_count", namespace),
			Help: "Nodes in the capped graph of the latest metrics run",
		}),
		completedRunsCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_completed_run_count", namespace),
			Help: "The total number of completed metrics runs",
		}),
		snapshotQueriesCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_snapshot_query_count", namespace),
			Help: "The total number of served graph snapshot queries",
		}),
		anomalyEventsCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_anomaly_event_count", namespace),
			Help: "The total number of recorded anomaly events",
		}),
	}
	return &m
}

func (m *ProcessingMetrics) SetSourceHead(height uint64) {
	m.sourceHeadGauge.Set(float64(height))
}

func (m *ProcessingMetrics) SetCommittedHeight(height uint64) {
	m.committedHeightGauge.Set(float64(height))
}

func (m *ProcessingMetrics) IncCommittedChunks() {
	m.committedChunksCount.Inc()
}

func (m *ProcessingMetrics) AddStoredTransfers(count int) {
	m.storedTransfersCount.Add(float64(count))
}

func (m *ProcessingMetrics) AddParseFailures(count int) {
	m.parseFailuresCount.Add(float64(count))
}

func (m *ProcessingMetrics) IncPublishFailures() {
	m.publishFailuresCount.Inc()
}

func (m *ProcessingMetrics) SetRunStats(iterations, nodes, edges int) {
	m.runIterationsGauge.Set(float64(iterations))
	m.runNodesGauge.Set(float64(nodes))
	m.runEdgesGauge.Set(float64(edges))
}

func (m *ProcessingMetrics) IncCompletedRuns() {
	m.completedRunsCount.Inc()
}

func (m *ProcessingMetrics) IncSnapshotQueries() {
	m.snapshotQueriesCount.Inc()
}

func (m *ProcessingMetrics) AddAnomalyEvents(count int) {
	m.anomalyEventsCount.Add(float64(count))
}
