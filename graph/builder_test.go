package graph

import (
	"fmt"
	"testing"

	"github.com/blockmetrics/transfer-graph-service/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild_DegreesCountEdgeInstances(t *testing.T) {
	transfers := []domain.Transfer{
		{Source: "0xa", Destination: "0xb", Height: 1000, TxHash: "0xt1"},
		{Source: "0xa", Destination: "0xb", Height: 1001, TxHash: "0xt2"}, // parallel edge
		{Source: "0xb", Destination: "0xc", Height: 1002, TxHash: "0xt3"},
		{Source: "0xa", Destination: "0xc", Height: 1003, TxHash: "0xt4"},
	}
	g := Build(transfers, 100)

	assert.Equal(t, []string{"0xa", "0xb", "0xc"}, g.Nodes)
	assert.Len(t, g.Edges, 4)

	assert.Equal(t, uint32(3), g.OutDegree["0xa"])
	assert.Equal(t, uint32(2), g.InDegree["0xb"])
	assert.Equal(t, uint32(1), g.OutDegree["0xb"])
	assert.Equal(t, uint32(2), g.InDegree["0xc"])

	var totalIn, totalOut uint32
	for _, d := range g.InDegree {
		totalIn += d
	}
	for _, d := range g.OutDegree {
		totalOut += d
	}
	assert.Equal(t, uint32(len(g.Edges)), totalIn)
	assert.Equal(t, uint32(len(g.Edges)), totalOut)
}

func TestBuild_CapKeepsMostRecentEdges(t *testing.T) {
	var transfers []domain.Transfer
	for height := uint64(1); height <= 20; height++ {
		transfers = append(transfers, domain.Transfer{
			Source:      fmt.Sprintf("0xs%02d", height),
			Destination: fmt.Sprintf("0xd%02d", height),
			Height:      height,
			TxHash:      fmt.Sprintf("0xt%02d", height),
		})
	}
	g := Build(transfers, 5)

	require.Len(t, g.Edges, 5)
	assert.Equal(t, uint64(20), g.Edges[0].Height)
	assert.Equal(t, uint64(16), g.Edges[4].Height)

	// dropped edges contribute nothing, not even their nodes
	assert.Len(t, g.Nodes, 10)
	assert.NotContains(t, g.InDegree, "0xd15")
}

func TestBuild_CapTieBreaksWithinHeight(t *testing.T) {
	transfers := []domain.Transfer{
		{Source: "0xa", Destination: "0xb", Height: 100, TxHash: "0xt3", LogIndex: 0},
		{Source: "0xa", Destination: "0xb", Height: 100, TxHash: "0xt1", LogIndex: 1},
		{Source: "0xa", Destination: "0xb", Height: 100, TxHash: "0xt1", LogIndex: 0},
		{Source: "0xa", Destination: "0xb", Height: 100, TxHash: "0xt2", LogIndex: 0},
	}
	g := Build(transfers, 3)

	require.Len(t, g.Edges, 3)
	assert.Equal(t, "0xt1", g.Edges[0].TxHash)
	assert.Equal(t, uint32(0), g.Edges[0].LogIndex)
	assert.Equal(t, "0xt1", g.Edges[1].TxHash)
	assert.Equal(t, uint32(1), g.Edges[1].LogIndex)
	assert.Equal(t, "0xt2", g.Edges[2].TxHash)
}

func TestBuild_DoesNotModifyInput(t *testing.T) {
	transfers := []domain.Transfer{
		{Source: "0xa", Destination: "0xb", Height: 1, TxHash: "0xt1"},
		{Source: "0xb", Destination: "0xc", Height: 2, TxHash: "0xt2"},
	}
	Build(transfers, 100)
	assert.Equal(t, uint64(1), transfers[0].Height)
	assert.Equal(t, uint64(2), transfers[1].Height)
}

func TestBuild_Empty(t *testing.T) {
	g := Build(nil, 100)
	assert.Empty(t, g.Edges)
	assert.Empty(t, g.Nodes)
}

func TestBuild_IsDeterministic(t *testing.T) {
	transfers := []domain.Transfer{
		{Source: "0xc", Destination: "0xa", Height: 3, TxHash: "0xt3"},
		{Source: "0xa", Destination: "0xb", Height: 1, TxHash: "0xt1"},
		{Source: "0xb", Destination: "0xc", Height: 2, TxHash: "0xt2"},
	}
	first := Build(transfers, 2)
	second := Build(transfers, 2)
	assert.Equal(t, first.Edges, second.Edges)
	assert.Equal(t, first.Nodes, second.Nodes)
}
