package sync

import (
	"testing"

	"github.com/blockmetrics/transfer-graph-service/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	sourceTopic      = "0x000000000000000000000000aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	destinationTopic = "0x000000000000000000000000bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func validTransferLog() provider.Log {
	return provider.Log{
		Address:     "0xtoken",
		Topics:      []string{provider.TransferTopic, sourceTopic, destinationTopic},
		Data:        "0x0de0b6b3a7640000", // 1e18
		BlockNumber: "0x3e8",
		TxHash:      "0xt1",
		LogIndex:    "0x2",
	}
}

func TestDecodeTransferLog(t *testing.T) {
	transfer, err := DecodeTransferLog(validTransferLog())
	require.NoError(t, err)

	assert.Equal(t, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", transfer.Source)
	assert.Equal(t, "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", transfer.Destination)
	assert.Equal(t, "1000000000000000000", transfer.Amount)
	assert.Equal(t, uint64(1000), transfer.Height)
	assert.Equal(t, "0xt1", transfer.TxHash)
	assert.Equal(t, uint32(2), transfer.LogIndex)
}

func TestDecodeTransferLog_ZeroAmount(t *testing.T) {
	lg := validTransferLog()
	lg.Data = "0x"
	transfer, err := DecodeTransferLog(lg)
	require.NoError(t, err)
	assert.Equal(t, "0", transfer.Amount)
}

func TestDecodeTransferLog_Malformed(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(lg *provider.Log)
	}{
		{"removed by reorg", func(lg *provider.Log) { lg.Removed = true }},
		{"missing indexed topics", func(lg *provider.Log) { lg.Topics = lg.Topics[:2] }},
		{"wrong event signature", func(lg *provider.Log) { lg.Topics[0] = "0xdeadbeef" }},
		{"missing tx hash", func(lg *provider.Log) { lg.TxHash = "" }},
		{"bad source topic", func(lg *provider.Log) { lg.Topics[1] = "0x1234" }},
		{"bad destination topic", func(lg *provider.Log) { lg.Topics[2] = "0x1234" }},
		{"bad amount", func(lg *provider.Log) { lg.Data = "0xnope" }},
		{"bad block number", func(lg *provider.Log) { lg.BlockNumber = "" }},
		{"bad log index", func(lg *provider.Log) { lg.LogIndex = "0xzz" }},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			lg := validTransferLog()
			testCase.mutate(&lg)
			_, err := DecodeTransferLog(lg)
			assert.Error(t, err)
		})
	}
}
