package sync

import (
	"github.com/blockmetrics/transfer-graph-service/domain"
	"github.com/blockmetrics/transfer-graph-service/provider"
	"github.com/pkg/errors"
)

// DecodeTransferLog converts a raw ERC-20 transfer log into a Transfer edge.
// topics[1] and topics[2] carry the source and destination addresses in
// their low 20 bytes, the data field carries the uint256 amount.
func DecodeTransferLog(lg provider.Log) (domain.Transfer, error) {
	if lg.Removed {
		return domain.Transfer{}, errors.New("log was removed by a reorg")
	}
	if len(lg.Topics) < 3 {
		return domain.Transfer{}, errors.Errorf("expected 3 topics, got %d", len(lg.Topics))
	}
	if lg.Topics[0] != provider.TransferTopic {
		return domain.Transfer{}, errors.Errorf("unexpected event signature [%s]", lg.Topics[0])
	}
	if lg.TxHash == "" {
		return domain.Transfer{}, errors.New("missing transaction hash")
	}

	source, err := provider.TopicToAddress(lg.Topics[1])
	if err != nil {
		return domain.Transfer{}, errors.Wrap(err, "decoding source address")
	}
	destination, err := provider.TopicToAddress(lg.Topics[2])
	if err != nil {
		return domain.Transfer{}, errors.Wrap(err, "decoding destination address")
	}
	amount, err := provider.ParseHexBig(lg.Data)
	if err != nil {
		return domain.Transfer{}, errors.Wrap(err, "decoding amount")
	}
	height, err := provider.ParseHexUint64(lg.BlockNumber)
	if err != nil {
		return domain.Transfer{}, errors.Wrap(err, "decoding block number")
	}
	logIndex, err := provider.ParseHexUint64(lg.LogIndex)
	if err != nil {
		return domain.Transfer{}, errors.Wrap(err, "decoding log index")
	}

	return domain.Transfer{
		Source:      source,
		Destination: destination,
		Amount:      amount.String(),
		Height:      height,
		TxHash:      lg.TxHash,
		LogIndex:    uint32(logIndex),
	}, nil
}
