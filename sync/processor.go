package sync

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/blockmetrics/transfer-graph-service/db"
	"github.com/blockmetrics/transfer-graph-service/domain"
	"github.com/blockmetrics/transfer-graph-service/metrics"
	"github.com/blockmetrics/transfer-graph-service/provider"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type ProviderClient interface {
	HeadHeight(ctx context.Context) (uint64, error)
	GetBlock(ctx context.Context, height uint64) (*domain.Block, []domain.Transaction, error)
	GetTransferLogs(ctx context.Context, from, to uint64) ([]provider.Log, error)
}

type DataStore interface {
	GetCheckpoint() (domain.Checkpoint, error)
	CommitChunk(chunk db.ChunkData, checkpoint domain.Checkpoint) error
}

type Publisher interface {
	SendTransfers(ctx context.Context, fromHeight, toHeight uint64, transfers []domain.Transfer) error
}

// IngestResult reports the outcome of one ingestion run. Complete=false with
// a nil error is the graceful partial outcome: the provider gave up on some
// chunk, everything before it is committed and the checkpoint is consistent.
type IngestResult struct {
	From            uint64
	To              uint64
	LastCommitted   uint64
	CommittedChunks int
	ParseFailures   int
	Complete        bool
}

// IngestProcessor drives chunked range ingestion: parallel chunk fetches
// through a bounded worker pool, commits strictly serialized in ascending
// chunk order, checkpoint advanced only with each committed chunk.
type IngestProcessor struct {
	providerClient    ProviderClient
	dataStore         DataStore
	publisher         Publisher // nil disables streaming export
	chunkSize         uint64
	numWorkers        int
	processingMetrics *metrics.ProcessingMetrics
	logger            *zap.SugaredLogger
}

func NewIngestProcessor(client ProviderClient, store DataStore, publisher Publisher,
	chunkSize uint64, numWorkers int, m *metrics.ProcessingMetrics, logger *zap.SugaredLogger) *IngestProcessor {

	if chunkSize == 0 {
		chunkSize = 50
	}
	if numWorkers <= 0 {
		numWorkers = 4
	}
	return &IngestProcessor{
		providerClient:    client,
		dataStore:         store,
		publisher:         publisher,
		chunkSize:         chunkSize,
		numWorkers:        numWorkers,
		processingMetrics: m,
		logger:            logger,
	}
}

type chunk struct {
	index int
	from  uint64
	to    uint64
}

type chunkResult struct {
	chunk
	data          db.ChunkData
	parseFailures int
	err           error
}

// Ingest processes all blocks in [start, end]. A range already covered by
// the checkpoint is skipped. Provider exhaustion on a chunk stops the run
// gracefully; only store failures are returned as errors.
func (p *IngestProcessor) Ingest(ctx context.Context, start, end uint64) (*IngestResult, error) {
	if start == 0 || start > end {
		return nil, errors.Errorf("invalid block range [%d, %d]", start, end)
	}

	lastCommitted := uint64(0)
	checkpoint, err := p.dataStore.GetCheckpoint()
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, errors.Wrap(err, "reading checkpoint")
	}
	if err == nil {
		lastCommitted = checkpoint.Height
		if checkpoint.Height >= start {
			p.logger.Infow("Resuming behind checkpoint", "checkpoint", checkpoint.Height, "requestedStart", start)
			start = checkpoint.Height + 1
		}
	}

	result := &IngestResult{From: start, To: end, LastCommitted: lastCommitted, Complete: true}
	if start > end {
		p.logger.Infow("Range already ingested", "end", end, "checkpoint", lastCommitted)
		return result, nil
	}

	if head, headErr := p.providerClient.HeadHeight(ctx); headErr == nil {
		p.processingMetrics.SetSourceHead(head)
	}

	chunks := splitRange(start, end, p.chunkSize)
	p.logger.Infow("Starting ingestion", "from", start, "to", end,
		"chunks", len(chunks), "chunkSize", p.chunkSize, "workers", p.numWorkers)

	runID := fmt.Sprintf("ingest-%d", time.Now().UnixNano())

	var stopped atomic.Bool
	results := make(chan chunkResult, p.numWorkers)

	group := errgroup.Group{}
	group.SetLimit(p.numWorkers)
	go func() {
		for _, c := range chunks {
			if ctx.Err() != nil || stopped.Load() {
				break
			}
			group.Go(func() error {
				results <- p.fetchChunk(ctx, c)
				return nil
			})
		}
		_ = group.Wait()
		close(results)
	}()

	// ordered commit sequencer: a later completing earlier chunk holds back
	// every chunk behind it until it lands
	pending := make(map[int]chunkResult)
	nextIndex := 0
	for res := range results {
		pending[res.index] = res
		for {
			cur, ok := pending[nextIndex]
			if !ok {
				break
			}
			delete(pending, nextIndex)
			nextIndex++

			if !result.Complete {
				continue // draining after a failed chunk
			}
			if cur.err != nil {
				stopped.Store(true)
				result.Complete = false
				p.logger.Warnw("Chunk failed, stopping ingestion after committed chunks",
					"from", cur.from, "to", cur.to, "error", cur.err)
				continue
			}

			commitCheckpoint := domain.Checkpoint{
				Height:    cur.to,
				RunID:     runID,
				UpdatedAt: time.Now().Unix(),
			}
			if err := p.dataStore.CommitChunk(cur.data, commitCheckpoint); err != nil {
				stopped.Store(true)
				for range results {
					// unblock remaining workers
				}
				return nil, errors.Wrapf(err, "committing chunk [%d, %d]", cur.from, cur.to)
			}

			result.LastCommitted = cur.to
			result.CommittedChunks++
			result.ParseFailures += cur.parseFailures
			p.processingMetrics.SetCommittedHeight(cur.to)
			p.processingMetrics.IncCommittedChunks()
			p.processingMetrics.AddStoredTransfers(len(cur.data.Transfers))
			if cur.parseFailures > 0 {
				p.processingMetrics.AddParseFailures(cur.parseFailures)
			}
			p.logger.Infow("Committed chunk", "from", cur.from, "to", cur.to,
				"blocks", len(cur.data.Blocks), "transfers", len(cur.data.Transfers))

			p.publishTransfers(ctx, cur)
		}
	}

	if result.Complete && ctx.Err() != nil {
		result.Complete = false
		p.logger.Infow("Ingestion stopped", "lastCommitted", result.LastCommitted)
	}
	if result.Complete {
		p.logger.Infow("Finished ingestion", "from", result.From, "to", result.To,
			"parseFailures", result.ParseFailures)
	} else {
		p.logger.Warnw("Ingestion incomplete, checkpoint preserved",
			"lastCommitted", result.LastCommitted, "requestedEnd", end)
	}
	return result, nil
}

// Follow tails the chain head: every interval it ingests from the checkpoint
// to the current head until ctx is canceled.
func (p *IngestProcessor) Follow(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		head, err := p.providerClient.HeadHeight(ctx)
		if err != nil {
			p.logger.Warnw("Polling chain head failed", "error", err)
			continue
		}
		p.processingMetrics.SetSourceHead(head)

		start := uint64(1)
		checkpoint, err := p.dataStore.GetCheckpoint()
		if err == nil {
			start = checkpoint.Height + 1
		} else if !errors.Is(err, db.ErrNotFound) {
			return errors.Wrap(err, "reading checkpoint")
		}
		if start > head {
			continue
		}
		if _, err := p.Ingest(ctx, start, head); err != nil {
			return errors.Wrap(err, "ingesting range")
		}
	}
}

func (p *IngestProcessor) fetchChunk(ctx context.Context, c chunk) chunkResult {
	res := chunkResult{chunk: c}

	for height := c.from; height <= c.to; height++ {
		block, txs, err := p.providerClient.GetBlock(ctx, height)
		if err != nil {
			res.err = errors.Wrapf(err, "fetching block [%d]", height)
			return res
		}
		res.data.Blocks = append(res.data.Blocks, *block)
		res.data.Transactions = append(res.data.Transactions, txs...)
	}

	logs, err := p.providerClient.GetTransferLogs(ctx, c.from, c.to)
	if err != nil {
		res.err = errors.Wrapf(err, "fetching logs [%d, %d]", c.from, c.to)
		return res
	}
	for _, lg := range logs {
		transfer, err := DecodeTransferLog(lg)
		if err != nil {
			res.parseFailures++
			p.logger.Warnw("Skipping malformed transfer log", "txHash", lg.TxHash, "error", err)
			continue
		}
		res.data.Transfers = append(res.data.Transfers, transfer)
	}
	return res
}

func (p *IngestProcessor) publishTransfers(ctx context.Context, cur chunkResult) {
	if p.publisher == nil || len(cur.data.Transfers) == 0 {
		return
	}
	// streaming export is best effort and never blocks checkpoint progress
	if err := p.publisher.SendTransfers(ctx, cur.from, cur.to, cur.data.Transfers); err != nil {
		p.processingMetrics.IncPublishFailures()
		p.logger.Errorw("Publishing chunk transfers failed", "from", cur.from, "to", cur.to, "error", err)
	}
}

func splitRange(start, end, chunkSize uint64) []chunk {
	var chunks []chunk
	for from := start; from <= end; from += chunkSize {
		to := from + chunkSize - 1
		if to > end {
			to = end
		}
		chunks = append(chunks, chunk{index: len(chunks), from: from, to: to})
	}
	return chunks
}
