package db

import (
	"encoding/json"
	"io"
	"log"
	"path/filepath"

	"github.com/blockmetrics/transfer-graph-service/domain"
	"github.com/cockroachdb/pebble/v2"
	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("store resource not found")

// Store persists blocks, transactions, transfers, address metrics, metrics
// runs, anomaly events and the ingestion checkpoint in a single pebble
// database. The ingestion pipeline is the only writer of chain data, the
// metrics engine the only writer of metrics data.
type Store struct {
	db *pebble.DB
}

func NewStore(storeDir string) (*Store, error) {
	db, err := pebble.Open(filepath.Join(storeDir, "transfer-graph-store"), &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "opening pebble db")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ChunkData is everything one ingested chunk writes. CommitChunk makes all
// of it plus the checkpoint advance visible atomically.
type ChunkData struct {
	Blocks       []domain.Block
	Transactions []domain.Transaction
	Transfers    []domain.Transfer
}

func (s *Store) CommitChunk(chunk ChunkData, checkpoint domain.Checkpoint) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, block := range chunk.Blocks {
		if err := setJSON(batch, blockKey(block.Height), block); err != nil {
			return errors.Wrapf(err, "writing block [%d]", block.Height)
		}
	}
	for _, tx := range chunk.Transactions {
		if err := setJSON(batch, transactionKey(tx.Height, tx.Hash), tx); err != nil {
			return errors.Wrapf(err, "writing transaction [%s]", tx.Hash)
		}
	}
	for _, transfer := range chunk.Transfers {
		key := transferKey(transfer.Height, transfer.TxHash, transfer.LogIndex)
		if err := setJSON(batch, key, transfer); err != nil {
			return errors.Wrapf(err, "writing transfer [%s/%d]", transfer.TxHash, transfer.LogIndex)
		}
	}
	if err := setJSON(batch, []byte{checkpointKey}, checkpoint); err != nil {
		return errors.Wrap(err, "writing checkpoint")
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return errors.Wrap(err, "committing chunk batch")
	}
	return nil
}

func (s *Store) SetCheckpoint(checkpoint domain.Checkpoint) error {
	if err := s.set([]byte{checkpointKey}, checkpoint); err != nil {
		return errors.Wrap(err, "setting checkpoint")
	}
	return nil
}

func (s *Store) GetCheckpoint() (domain.Checkpoint, error) {
	var checkpoint domain.Checkpoint
	err := s.get([]byte{checkpointKey}, &checkpoint)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	return checkpoint, nil
}

func (s *Store) GetBlock(height uint64) (domain.Block, error) {
	var block domain.Block
	if err := s.get(blockKey(height), &block); err != nil {
		return domain.Block{}, err
	}
	return block, nil
}

func (s *Store) CountBlocks() (int, error) {
	return s.countPrefix(blockPrefix)
}

func (s *Store) CountTransactions() (int, error) {
	return s.countPrefix(txPrefix)
}

func (s *Store) CountTransfers() (int, error) {
	return s.countPrefix(transferPrefix)
}

// SetAddressMetrics writes all rows of one run in a single batch. Rows carry
// their run id.
func (s *Store) SetAddressMetrics(rows []domain.AddressMetrics) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	for _, row := range rows {
		if err := setJSON(batch, addressMetricsKey(row.RunID, row.Address), row); err != nil {
			return errors.Wrapf(err, "writing metrics for address [%s]", row.Address)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return errors.Wrap(err, "committing address metrics batch")
	}
	return nil
}

func (s *Store) GetAddressMetrics(runID string) ([]domain.AddressMetrics, error) {
	lower := []byte{metricsPrefix}
	lower = append(lower, runID...)
	lower = append(lower, 0x00)
	upper := []byte{metricsPrefix}
	upper = append(upper, runID...)
	upper = append(upper, 0x01)

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, errors.Wrap(err, "creating metrics iterator")
	}
	defer closeIter(iter)

	var rows []domain.AddressMetrics
	for valid := iter.First(); valid; valid = iter.Next() {
		var row domain.AddressMetrics
		if err := json.Unmarshal(iter.Value(), &row); err != nil {
			return nil, errors.Wrap(err, "decoding address metrics row")
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (s *Store) PutMetricsRun(run domain.MetricsRun) error {
	if err := s.set(metricsRunKey(run.ID), run); err != nil {
		return errors.Wrapf(err, "putting metrics run [%s]", run.ID)
	}
	return nil
}

func (s *Store) GetMetricsRun(runID string) (domain.MetricsRun, error) {
	var run domain.MetricsRun
	if err := s.get(metricsRunKey(runID), &run); err != nil {
		return domain.MetricsRun{}, err
	}
	return run, nil
}

// LatestRunAtOrBelow returns the most recent completed metrics run whose
// computed-at height does not exceed the given height. Run ids are zero
// padded timestamps so key order is creation order.
func (s *Store) LatestRunAtOrBelow(height uint64) (domain.MetricsRun, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{runPrefix},
		UpperBound: prefixUpperBound(runPrefix),
	})
	if err != nil {
		return domain.MetricsRun{}, errors.Wrap(err, "creating run iterator")
	}
	defer closeIter(iter)

	for valid := iter.Last(); valid; valid = iter.Prev() {
		var run domain.MetricsRun
		if err := json.Unmarshal(iter.Value(), &run); err != nil {
			return domain.MetricsRun{}, errors.Wrap(err, "decoding metrics run")
		}
		if run.Completed() && run.ComputedAtBlock <= height {
			return run, nil
		}
	}
	return domain.MetricsRun{}, ErrNotFound
}

func (s *Store) SetLatestRunID(runID string) error {
	err := s.db.Set([]byte{latestRunKey}, []byte(runID), pebble.Sync)
	if err != nil {
		return errors.Wrap(err, "setting latest run id")
	}
	return nil
}

func (s *Store) GetLatestRunID() (string, error) {
	value, closer, err := s.db.Get([]byte{latestRunKey})
	if errors.Is(err, pebble.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errors.Wrap(err, "getting latest run id")
	}
	defer closeQuietly(closer)
	return string(value), nil
}

// SetRunEdges persists the capped edge set a run was computed over, so the
// query service can serve edges without touching the transfer table.
func (s *Store) SetRunEdges(runID string, edges []domain.Transfer) error {
	if err := s.set(runEdgesKey(runID), edges); err != nil {
		return errors.Wrapf(err, "setting edges for run [%s]", runID)
	}
	return nil
}

func (s *Store) GetRunEdges(runID string) ([]domain.Transfer, error) {
	var edges []domain.Transfer
	if err := s.get(runEdgesKey(runID), &edges); err != nil {
		return nil, err
	}
	return edges, nil
}

// AppendAnomalyEvent is idempotent per (height, tx hash, log index).
func (s *Store) AppendAnomalyEvent(event domain.AnomalyEvent) error {
	key := anomalyKey(event.Height, event.TxHash, event.LogIndex)
	if err := s.set(key, event); err != nil {
		return errors.Wrap(err, "appending anomaly event")
	}
	return nil
}

func (s *Store) ListAnomalyEvents(max int) ([]domain.AnomalyEvent, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{anomalyPrefix},
		UpperBound: prefixUpperBound(anomalyPrefix),
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating anomaly iterator")
	}
	defer closeIter(iter)

	var events []domain.AnomalyEvent
	for valid := iter.Last(); valid && len(events) < max; valid = iter.Prev() {
		var event domain.AnomalyEvent
		if err := json.Unmarshal(iter.Value(), &event); err != nil {
			return nil, errors.Wrap(err, "decoding anomaly event")
		}
		events = append(events, event)
	}
	return events, nil
}

func (s *Store) set(key []byte, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "marshalling value")
	}
	return s.db.Set(key, payload, pebble.Sync)
}

func (s *Store) get(key []byte, out any) error {
	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return errors.Wrap(err, "getting value")
	}
	defer closeQuietly(closer)
	if err := json.Unmarshal(value, out); err != nil {
		return errors.Wrap(err, "decoding value")
	}
	return nil
}

func (s *Store) countPrefix(prefix byte) (int, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{prefix},
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return 0, errors.Wrap(err, "creating iterator")
	}
	defer closeIter(iter)

	count := 0
	for valid := iter.First(); valid; valid = iter.Next() {
		count++
	}
	return count, nil
}

func setJSON(batch *pebble.Batch, key []byte, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "marshalling value")
	}
	return batch.Set(key, payload, nil)
}

func closeIter(iter *pebble.Iterator) {
	if err := iter.Close(); err != nil {
		log.Printf("[ERROR] closing iterator: %v", err)
	}
}

func closeQuietly(closer io.Closer) {
	if err := closer.Close(); err != nil {
		log.Printf("[ERROR] closing db read: %v", err)
	}
}
