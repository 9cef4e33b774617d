package kafka

import (
	"context"
	"encoding/binary"
	"encoding/json"

	"github.com/blockmetrics/transfer-graph-service/domain"
	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kgo"
)

// ChunkTransfers is the payload published per committed ingestion chunk.
type ChunkTransfers struct {
	FromHeight uint64            `json:"fromHeight"`
	ToHeight   uint64            `json:"toHeight"`
	Transfers  []domain.Transfer `json:"transfers"`
}

type TransferProducer struct {
	kcl *kgo.Client
}

func NewTransferProducer(client *kgo.Client) *TransferProducer {
	return &TransferProducer{kcl: client}
}

func (tp *TransferProducer) SendTransfers(ctx context.Context, fromHeight, toHeight uint64, transfers []domain.Transfer) error {
	message := &ChunkTransfers{
		FromHeight: fromHeight,
		ToHeight:   toHeight,
		Transfers:  transfers,
	}
	record, err := createRecord(message)
	if err != nil {
		return errors.Wrap(err, "creating transfer record")
	}

	err = tp.kcl.ProduceSync(ctx, record).FirstErr()
	if err != nil {
		return errors.Wrap(err, "producing transfer record")
	}
	return nil
}

func createRecord(message *ChunkTransfers) (*kgo.Record, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, errors.Wrap(err, "marshalling to json")
	}
	key := make([]byte, 8)
	binary.LittleEndian.PutUint64(key, message.FromHeight)

	return &kgo.Record{
		Key:   key,
		Value: payload,
	}, nil
}
