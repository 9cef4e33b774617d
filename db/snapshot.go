package db

import (
	"encoding/json"
	"log"
	"math"

	"github.com/blockmetrics/transfer-graph-service/domain"
	"github.com/cockroachdb/pebble/v2"
	"github.com/pkg/errors"
)

// Snapshot is a point-in-time read view of the store. A metrics run reads
// all its transfers through one snapshot, so ingestion can keep committing
// concurrently without the run observing new rows.
type Snapshot struct {
	snap *pebble.Snapshot
}

func (s *Store) Snapshot() *Snapshot {
	return &Snapshot{snap: s.db.NewSnapshot()}
}

// SnapshotTransfersAtOrBelow reads the capped transfer set through a fresh
// snapshot, so the whole read sees one consistent point in time.
func (s *Store) SnapshotTransfersAtOrBelow(height uint64, max int) ([]domain.Transfer, error) {
	snap := s.Snapshot()
	defer func() {
		if err := snap.Close(); err != nil {
			log.Printf("[ERROR] closing snapshot: %v", err)
		}
	}()
	return snap.TransfersAtOrBelow(height, max)
}

func (s *Snapshot) Close() error {
	return s.snap.Close()
}

// TransfersAtOrBelow returns at most max transfers with block height <= height,
// ordered by height descending, then tx hash ascending, then log index
// ascending. This is the capped graph selection order: when the cap cuts a
// height group, the lexically smallest tx hashes of that group win.
func (s *Snapshot) TransfersAtOrBelow(height uint64, max int) ([]domain.Transfer, error) {
	upper := prefixUpperBound(transferPrefix)
	if height < math.MaxUint64 {
		upper = transferHeightPrefix(height + 1)
	}
	iter, err := s.snap.NewIter(&pebble.IterOptions{
		LowerBound: []byte{transferPrefix},
		UpperBound: upper,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating transfer iterator")
	}
	defer closeIter(iter)

	var out []domain.Transfer
	valid := iter.Last()
	for valid && len(out) < max {
		h := transferKeyHeight(iter.Key())
		groupStart := transferHeightPrefix(h)

		var group []domain.Transfer
		for ok := iter.SeekGE(groupStart); ok && transferKeyHeight(iter.Key()) == h; ok = iter.Next() {
			var transfer domain.Transfer
			if err := json.Unmarshal(iter.Value(), &transfer); err != nil {
				return nil, errors.Wrap(err, "decoding transfer")
			}
			group = append(group, transfer)
		}
		for _, transfer := range group {
			if len(out) >= max {
				break
			}
			out = append(out, transfer)
		}

		if h == 0 {
			break
		}
		valid = iter.SeekLT(groupStart)
	}
	return out, nil
}
