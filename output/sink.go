// Package output implements the output-sink side of the ordering service:
// it receives ordered blocks and answers every completed epoch with the
// topology of the next one.
package output

import (
	"sync"

	"github.com/tendermint/tendermint/libs/log"

	"epochbft/consensus"
	"epochbft/types"
)

// StaticSink is the minimal output collaborator: the topology never changes,
// so each epoch's last block is answered with NewEpochTopology(n+1) over the
// same peers.
type StaticSink struct {
	mtx sync.Mutex

	consensus *consensus.ConsensusState
	topology  *types.OrderingTopology
	factory   consensus.ProviderFactory

	logger log.Logger

	blocks int64
}

var _ consensus.OutputSink = (*StaticSink)(nil)

func NewStaticSink(
	cs *consensus.ConsensusState,
	topology *types.OrderingTopology,
	factory consensus.ProviderFactory,
) *StaticSink {
	return &StaticSink{
		consensus: cs,
		topology:  topology,
		factory:   factory,
		logger:    log.NewNopLogger(),
	}
}

func (sink *StaticSink) SetLogger(logger log.Logger) {
	sink.logger = logger
}

// DeliverOrderedBlock implements consensus.OutputSink.
func (sink *StaticSink) DeliverOrderedBlock(block *types.OrderedBlockForOutput) {
	sink.mtx.Lock()
	sink.blocks++
	sink.mtx.Unlock()

	sink.logger.Info("block delivered to output",
		"block", block.Block.Metadata, "provenance", block.Provenance)

	if !block.Block.IsLastInEpoch {
		return
	}

	next := block.Block.Metadata.Epoch + 1
	sink.logger.Info("epoch finished at output, announcing next topology", "epoch", next)

	// the consensus module consumes this asynchronously; replays after a
	// restart are ignored by its epoch-advance rules
	sink.consensus.DeliverTopology(&consensus.NewEpochTopologyMessage{
		Epoch:    next,
		Topology: sink.topology,
		Provider: sink.factory(sink.topology),
	})
}

// Delivered returns how many blocks reached the sink.
func (sink *StaticSink) Delivered() int64 {
	sink.mtx.Lock()
	defer sink.mtx.Unlock()
	return sink.blocks
}
