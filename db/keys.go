package db

import "encoding/binary"

// Single pebble database, one key prefix per logical table.
const (
	checkpointKey  byte = 0x00
	blockPrefix    byte = 0x01 // | height(be64)
	txPrefix       byte = 0x02 // | height(be64) | tx hash
	transferPrefix byte = 0x03 // | height(be64) | tx hash | log index(be32)
	metricsPrefix  byte = 0x04 // | run id | 0x00 | address
	runPrefix      byte = 0x05 // | run id
	latestRunKey   byte = 0x06
	anomalyPrefix  byte = 0x07 // | height(be64) | tx hash | log index(be32)
	runEdgesPrefix byte = 0x08 // | run id
)

func blockKey(height uint64) []byte {
	key := []byte{blockPrefix}
	return binary.BigEndian.AppendUint64(key, height)
}

func transactionKey(height uint64, txHash string) []byte {
	key := []byte{txPrefix}
	key = binary.BigEndian.AppendUint64(key, height)
	return append(key, txHash...)
}

func transferKey(height uint64, txHash string, logIndex uint32) []byte {
	key := []byte{transferPrefix}
	key = binary.BigEndian.AppendUint64(key, height)
	key = append(key, txHash...)
	return binary.BigEndian.AppendUint32(key, logIndex)
}

// transferHeightPrefix is the smallest possible transfer key at a height,
// used as an iterator bound.
func transferHeightPrefix(height uint64) []byte {
	key := []byte{transferPrefix}
	return binary.BigEndian.AppendUint64(key, height)
}

func transferKeyHeight(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[1:9])
}

func addressMetricsKey(runID, address string) []byte {
	key := []byte{metricsPrefix}
	key = append(key, runID...)
	key = append(key, 0x00)
	return append(key, address...)
}

func metricsRunKey(runID string) []byte {
	key := []byte{runPrefix}
	return append(key, runID...)
}

func anomalyKey(height uint64, txHash string, logIndex uint32) []byte {
	key := []byte{anomalyPrefix}
	key = binary.BigEndian.AppendUint64(key, height)
	key = append(key, txHash...)
	return binary.BigEndian.AppendUint32(key, logIndex)
}

func runEdgesKey(runID string) []byte {
	key := []byte{runEdgesPrefix}
	return append(key, runID...)
}

// prefixUpperBound returns the exclusive upper bound for iterating all keys
// starting with the given prefix byte.
func prefixUpperBound(prefix byte) []byte {
	return []byte{prefix + 1}
}
