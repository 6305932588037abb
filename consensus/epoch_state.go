package consensus

import (
	"github.com/tendermint/tendermint/libs/log"

	"epochbft/crypto"
	"epochbft/types"
)

// EpochState aggregates the segment modules of the active epoch, tracks the
// set of completed block numbers and the last block's commit messages, and
// signals epoch completion when every slot is done.
type EpochState struct {
	logger log.Logger

	stored     types.StoredEpoch
	membership *types.Membership
	provider   crypto.Provider

	segments []*SegmentModule

	completed   map[types.BlockNumber]*types.OrderedBlock
	lastCommits []*types.ConsensusMessage
}

func NewEpochState(
	cfg *Config,
	stored types.StoredEpoch,
	membership *types.Membership,
	provider crypto.Provider,
	env segmentEnv,
	logger log.Logger,
) *EpochState {
	es := &EpochState{
		logger:     logger,
		stored:     stored,
		membership: membership,
		provider:   provider,
		completed:  make(map[types.BlockNumber]*types.OrderedBlock),
	}

	for _, seg := range types.ComputeSegments(stored.Info, stored.Topology) {
		sm := NewSegmentModule(cfg, seg, stored.Info, membership, env)
		sm.SetLogger(logger.With("segment", seg.Leader.String()))
		es.segments = append(es.segments, sm)
	}

	return es
}

// Info returns the epoch's info.
func (es *EpochState) Info() types.EpochInfo {
	return es.stored.Info
}

// Membership returns the epoch's membership.
func (es *EpochState) Membership() *types.Membership {
	return es.membership
}

// Provider returns the crypto provider bound to the epoch.
func (es *EpochState) Provider() crypto.Provider {
	return es.provider
}

// Start arms every segment module.
func (es *EpochState) Start() {
	for _, sm := range es.segments {
		sm.Start()
	}
}

// Resume rebuilds the segment modules from the persisted epoch-in-progress
// snapshot, then records the blocks the store already holds.
func (es *EpochState) Resume(progress *types.EpochInProgress) {
	for _, block := range progress.CompletedBlocks {
		es.completed[block.Metadata.Number] = block
		if block.Metadata.Number == es.stored.Info.LastBlock() {
			es.lastCommits = block.Certificate.Commits
		}
	}
	for _, sm := range es.segments {
		sm.Resume(progress)
	}
}

// SegmentFor returns the segment module owning slot b, or nil.
func (es *EpochState) SegmentFor(b types.BlockNumber) *SegmentModule {
	for _, sm := range es.segments {
		if sm.Segment().Contains(b) {
			return sm
		}
	}
	return nil
}

// OwnSegment returns the segment module this peer originally leads, or nil
// when the peer leads no segment this epoch.
func (es *EpochState) OwnSegment() *SegmentModule {
	for _, sm := range es.segments {
		if sm.IsOwnSegment() {
			return sm
		}
	}
	return nil
}

// ProposalCreated routes a locally created payload to the segment this peer
// leads.
func (es *EpochState) ProposalCreated(payload types.Payload) {
	sm := es.OwnSegment()
	if sm == nil {
		es.logger.Debug("proposal created but this peer leads no segment")
		return
	}
	sm.OnProposalCreated(payload)
}

// RecordOrdered marks a block complete. It returns false if the block was
// already recorded, keeping emission to the output sink exactly-once.
func (es *EpochState) RecordOrdered(block *types.OrderedBlock) bool {
	if _, dup := es.completed[block.Metadata.Number]; dup {
		return false
	}
	es.completed[block.Metadata.Number] = block
	if block.Metadata.Number == es.stored.Info.LastBlock() {
		es.lastCommits = block.Certificate.Commits
	}
	return true
}

// IsComplete reports whether every slot of the epoch has been ordered.
func (es *EpochState) IsComplete() bool {
	return int64(len(es.completed)) == es.stored.Info.Length
}

// LastCommits returns the commit messages of the epoch's last block, the
// evidence persisted with epoch completion.
func (es *EpochState) LastCommits() []*types.ConsensusMessage {
	return es.lastCommits
}
