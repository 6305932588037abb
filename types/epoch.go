package types

import (
	"errors"
	"fmt"
	"time"
)

// EpochNumber numbers epochs from 0 (Genesis).
type EpochNumber int64

// BlockNumber numbers block slots across all history.
type BlockNumber int64

const (
	// GenesisEpochNumber is the number of the Genesis epoch. It has an empty
	// topology and orders no blocks.
	GenesisEpochNumber = EpochNumber(0)
)

func (e EpochNumber) Int64() int64 { return int64(e) }
func (b BlockNumber) Int64() int64 { return int64(b) }

// EpochInfo describes one epoch: a contiguous range of block slots under a
// fixed topology. epoch(k+1).StartBlock = epoch(k).StartBlock + epoch(k).Length.
type EpochInfo struct {
	Number     EpochNumber `json:"number"`
	StartBlock BlockNumber `json:"start_block"`
	Length     int64       `json:"length"`
	Activation time.Time   `json:"activation"`
}

// GenesisEpochInfo returns the info of the Genesis epoch: no blocks, empty
// topology, activated at the given time.
func GenesisEpochInfo(activation time.Time) EpochInfo {
	return EpochInfo{
		Number:     GenesisEpochNumber,
		StartBlock: 0,
		Length:     0,
		Activation: activation,
	}
}

func (info EpochInfo) ValidateBasic() error {
	if info.Number < 0 {
		return errors.New("negative epoch number")
	}
	if info.StartBlock < 0 {
		return errors.New("negative start block")
	}
	if info.Length < 0 {
		return errors.New("negative epoch length")
	}
	if info.Number != GenesisEpochNumber && info.Length == 0 {
		return errors.New("zero-length non-genesis epoch")
	}
	return nil
}

// IsGenesis reports whether this is the Genesis epoch.
func (info EpochInfo) IsGenesis() bool {
	return info.Number == GenesisEpochNumber
}

// FirstBlock returns the first slot of the epoch.
func (info EpochInfo) FirstBlock() BlockNumber {
	return info.StartBlock
}

// LastBlock returns the last slot of the epoch. Undefined for Genesis.
func (info EpochInfo) LastBlock() BlockNumber {
	return info.StartBlock + BlockNumber(info.Length) - 1
}

// Contains reports whether slot b falls within [StartBlock, StartBlock+Length).
func (info EpochInfo) Contains(b BlockNumber) bool {
	return b >= info.StartBlock && b < info.StartBlock+BlockNumber(info.Length)
}

// Next computes the info of the epoch that follows this one, with the given
// length and activation time.
func (info EpochInfo) Next(length int64, activation time.Time) EpochInfo {
	return EpochInfo{
		Number:     info.Number + 1,
		StartBlock: info.StartBlock + BlockNumber(info.Length),
		Length:     length,
		Activation: activation,
	}
}

func (info EpochInfo) String() string {
	return fmt.Sprintf("Epoch{#%d blocks=[%d,%d) len=%d}",
		info.Number, info.StartBlock, info.StartBlock+BlockNumber(info.Length), info.Length)
}

// BlockMetadata identifies an ordered block: the epoch that ordered it and
// its globally unique slot number.
type BlockMetadata struct {
	Epoch  EpochNumber `json:"epoch"`
	Number BlockNumber `json:"number"`
}

func (meta BlockMetadata) Equal(other BlockMetadata) bool {
	return meta.Epoch == other.Epoch && meta.Number == other.Number
}

func (meta BlockMetadata) String() string {
	return fmt.Sprintf("Block{e=%d b=%d}", meta.Epoch, meta.Number)
}

// StoredEpoch is the record persisted when an epoch starts: its info plus the
// topology it runs under.
type StoredEpoch struct {
	Info     EpochInfo         `json:"info"`
	Topology *OrderingTopology `json:"topology"`
}

// CompletedEpoch marks an epoch durable: its record plus the commit messages
// of its last block, which anchor the next epoch.
type CompletedEpoch struct {
	StoredEpoch `json:"stored_epoch"`
	LastCommits []*ConsensusMessage `json:"last_commits"`
}

// GenesisCompletedEpoch is what LatestCompletedEpoch returns on a fresh store.
func GenesisCompletedEpoch(activation time.Time) *CompletedEpoch {
	return &CompletedEpoch{
		StoredEpoch: StoredEpoch{
			Info:     GenesisEpochInfo(activation),
			Topology: NewOrderingTopology(nil, activation),
		},
	}
}

// EpochInProgress is the crash-recovery snapshot of an incomplete epoch:
// the blocks already completed and the PBFT messages persisted for the
// incomplete ones.
type EpochInProgress struct {
	CompletedBlocks []*OrderedBlock     `json:"completed_blocks"`
	PbftMessages    []*ConsensusMessage `json:"pbft_messages"`
}
