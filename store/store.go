package store

import (
	"epochbft/types"
)

// EpochStore is the authoritative persistence of the ordering service. Every
// call is synchronous. The consensus module performs its writes off its actor
// thread and consumes the completion as a message; its startup reads
// (LatestCompletedEpoch, LatestStartedEpoch, EpochInProgress) run on the
// actor thread.
type EpochStore interface {
	// StartEpoch persists that a new epoch has begun. It must be durable
	// before the consensus module acts on NewEpochStored.
	StartEpoch(epoch types.StoredEpoch) error

	// CompleteEpoch persists epoch completion together with the last block's
	// commit messages, and prunes the epoch's PBFT working set.
	CompleteEpoch(n types.EpochNumber, lastCommits []*types.ConsensusMessage) error

	// LatestCompletedEpoch returns the highest completed epoch, or the
	// Genesis epoch on a fresh store.
	LatestCompletedEpoch() (*types.CompletedEpoch, error)

	// LatestStartedEpoch returns the highest started epoch, or nil on a
	// fresh store.
	LatestStartedEpoch() (*types.StoredEpoch, error)

	// EpochInProgress returns the crash-recovery snapshot of epoch n:
	// completed blocks plus the PBFT messages persisted for incomplete ones.
	EpochInProgress(n types.EpochNumber) (*types.EpochInProgress, error)

	// AddOrderedBlock persists a block the epoch has completed.
	AddOrderedBlock(block *types.OrderedBlock) error

	// AddPbftMessage persists a PBFT message of an incomplete block.
	AddPbftMessage(msg *types.ConsensusMessage) error

	// LoadCompletedEpoch returns completed epoch n, or nil if not completed.
	LoadCompletedEpoch(n types.EpochNumber) (*types.CompletedEpoch, error)

	// LoadEpochBlocks returns the ordered blocks of epoch n in slot order.
	LoadEpochBlocks(n types.EpochNumber) ([]*types.OrderedBlock, error)
}
