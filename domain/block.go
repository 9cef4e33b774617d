package domain

// Block is one ingested chain block. Immutable once written.
type Block struct {
	Height    uint64 `json:"height"`
	Hash      string `json:"hash"`
	Timestamp uint64 `json:"timestamp"`
}

// Transaction is one transaction of an ingested block.
type Transaction struct {
	Hash   string `json:"hash"`
	Height uint64 `json:"height"`
	From   string `json:"from"`
	To     string `json:"to"`
	Status uint64 `json:"status"`
}

// Transfer is a token transfer decoded from a transaction log. It is a
// directed edge from Source to Destination. (TxHash, LogIndex) identifies a
// transfer uniquely.
type Transfer struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Amount      string `json:"amount"` // decimal string, uint256 range
	Height      uint64 `json:"height"`
	TxHash      string `json:"txHash"`
	LogIndex    uint32 `json:"logIndex"`
}

// Checkpoint marks the highest block height for which ingestion is fully
// durable. There is exactly one current checkpoint.
type Checkpoint struct {
	Height    uint64 `json:"height"`
	RunID     string `json:"runId"`
	UpdatedAt int64  `json:"updatedAt"` // unix seconds
}
