package rpc

import (
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	"epochbft/types"
)

type ResultOrderingTopology struct {
	EpochNumber types.EpochNumber `json:"epoch_number"`
	Peers       []*types.Peer     `json:"peers"`
}

// OrderingTopology is the admin probe: the current epoch number and the
// peers active in it.
func OrderingTopology(ctx *rpctypes.Context) (*ResultOrderingTopology, error) {
	epoch, peers := env.Consensus.GetOrderingTopology()
	return &ResultOrderingTopology{
		EpochNumber: epoch,
		Peers:       peers,
	}, nil
}
