package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tm-db/memdb"

	"epochbft/types"
)

func newTestStore() *KVEpochStore {
	return NewKVEpochStoreWithDB(memdb.NewDB(), log.TestingLogger())
}

func storedEpoch(n types.EpochNumber, start types.BlockNumber, length int64, topoSize int) types.StoredEpoch {
	topo, _ := types.RandOrderingTopology(topoSize)
	return types.StoredEpoch{
		Info: types.EpochInfo{
			Number:     n,
			StartBlock: start,
			Length:     length,
			Activation: time.Unix(0, 0).UTC(),
		},
		Topology: topo,
	}
}

func orderedBlock(e types.EpochNumber, b types.BlockNumber, topo *types.OrderingTopology) *types.OrderedBlock {
	payload := types.Payload("payload")
	digest := types.PayloadDigest(payload)
	meta := types.BlockMetadata{Epoch: e, Number: b}

	commits := make([]*types.ConsensusMessage, 3)
	for i := range commits {
		commits[i] = &types.ConsensusMessage{
			Epoch: e, View: 0, Block: b,
			Sender:    topo.Peers[i].Address,
			Timestamp: types.CanonicalNow(),
			Payload:   &types.Commit{Digest: digest},
			Signature: []byte("sig"),
		}
	}

	return &types.OrderedBlock{
		Metadata:    meta,
		Payload:     payload,
		Leader:      topo.Peers[0].Address,
		Certificate: &types.CommitCertificate{Commits: commits},
	}
}

func TestFreshStoreReturnsGenesis(t *testing.T) {
	kv := newTestStore()

	latest, err := kv.LatestCompletedEpoch()
	require.NoError(t, err)
	assert.True(t, latest.Info.IsGenesis())
	assert.Zero(t, latest.Info.Length)

	started, err := kv.LatestStartedEpoch()
	require.NoError(t, err)
	assert.Nil(t, started)
}

func TestStartEpochRoundTrip(t *testing.T) {
	kv := newTestStore()
	epoch := storedEpoch(0, 0, 4, 4)

	require.NoError(t, kv.StartEpoch(epoch))

	started, err := kv.LatestStartedEpoch()
	require.NoError(t, err)
	require.NotNil(t, started)
	assert.Equal(t, epoch.Info, started.Info)
	assert.Equal(t, epoch.Topology.Hash(), started.Topology.Hash())
}

func TestCompleteEpochLifecycle(t *testing.T) {
	kv := newTestStore()
	epoch := storedEpoch(0, 0, 2, 4)
	require.NoError(t, kv.StartEpoch(epoch))

	var lastBlock *types.OrderedBlock
	for b := types.BlockNumber(0); b < 2; b++ {
		block := orderedBlock(0, b, epoch.Topology)
		require.NoError(t, kv.AddOrderedBlock(block))
		lastBlock = block
	}

	require.NoError(t, kv.CompleteEpoch(0, lastBlock.Certificate.Commits))

	latest, err := kv.LatestCompletedEpoch()
	require.NoError(t, err)
	assert.Equal(t, types.EpochNumber(0), latest.Info.Number)
	assert.Len(t, latest.LastCommits, 3)

	blocks, err := kv.LoadEpochBlocks(0)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, types.BlockNumber(0), blocks[0].Metadata.Number)
	assert.Equal(t, types.BlockNumber(1), blocks[1].Metadata.Number)
}

func TestCompleteEpochWithoutStartFails(t *testing.T) {
	kv := newTestStore()
	assert.Error(t, kv.CompleteEpoch(3, nil))
}

func TestEpochInProgress(t *testing.T) {
	kv := newTestStore()
	epoch := storedEpoch(3, 24, 4, 4)
	require.NoError(t, kv.StartEpoch(epoch))

	// blocks 24 and 26 completed
	require.NoError(t, kv.AddOrderedBlock(orderedBlock(3, 24, epoch.Topology)))
	require.NoError(t, kv.AddOrderedBlock(orderedBlock(3, 26, epoch.Topology)))

	// pbft messages for blocks 25 (incomplete) and 24 (complete)
	payload := types.Payload("p25")
	for i := 0; i < 2; i++ {
		require.NoError(t, kv.AddPbftMessage(&types.ConsensusMessage{
			Epoch: 3, View: 0, Block: 25,
			Sender:    epoch.Topology.Peers[i].Address,
			Timestamp: types.CanonicalNow(),
			Payload:   &types.Prepare{Digest: types.PayloadDigest(payload)},
			Signature: []byte("sig"),
		}))
	}
	require.NoError(t, kv.AddPbftMessage(&types.ConsensusMessage{
		Epoch: 3, View: 0, Block: 24,
		Sender:    epoch.Topology.Peers[0].Address,
		Timestamp: types.CanonicalNow(),
		Payload:   &types.Prepare{Digest: types.PayloadDigest(payload)},
		Signature: []byte("sig"),
	}))

	progress, err := kv.EpochInProgress(3)
	require.NoError(t, err)
	assert.Len(t, progress.CompletedBlocks, 2)

	// messages for completed blocks are filtered out
	require.Len(t, progress.PbftMessages, 2)
	for _, msg := range progress.PbftMessages {
		assert.Equal(t, types.BlockNumber(25), msg.Block)
	}
}

func TestCompleteEpochPrunesPbftMessages(t *testing.T) {
	kv := newTestStore()
	epoch := storedEpoch(0, 0, 1, 4)
	require.NoError(t, kv.StartEpoch(epoch))

	block := orderedBlock(0, 0, epoch.Topology)
	require.NoError(t, kv.AddOrderedBlock(block))
	require.NoError(t, kv.AddPbftMessage(block.Certificate.Commits[0]))

	require.NoError(t, kv.CompleteEpoch(0, block.Certificate.Commits))

	progress, err := kv.EpochInProgress(0)
	require.NoError(t, err)
	assert.Empty(t, progress.PbftMessages)
}
