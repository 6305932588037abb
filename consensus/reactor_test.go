package consensus

import (
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tmjson "github.com/tendermint/tendermint/libs/json"

	"epochbft/types"
)

func TestReactorChannels(t *testing.T) {
	h, clean := newConsensusHarness(t, 4, 0, false)
	defer clean()

	conR := NewReactor(h.cs)
	channels := conR.GetChannels()
	require.Len(t, channels, 2)
	assert.Equal(t, ConsensusChannel, channels[0].ID)
	assert.Equal(t, StateTransferChannel, channels[1].ID)
}

func TestTransferEnvelopeRoundTrip(t *testing.T) {
	peer, _ := types.RandPeer()

	reqEnv := &TransferEnvelope{
		Request: &types.BlockTransferRequest{FromEpoch: 3, Sender: peer.Address},
	}
	bz, err := tmjson.Marshal(reqEnv)
	require.NoError(t, err)

	var parsed TransferEnvelope
	require.NoError(t, tmjson.Unmarshal(bz, &parsed))
	require.NotNil(t, parsed.Request)
	assert.Nil(t, parsed.Response)
	assert.Equal(t, types.EpochNumber(3), parsed.Request.FromEpoch)
	assert.Equal(t, peer.Address, parsed.Request.Sender)
}

func TestConsensusStartStopNoLeak(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	h, _ := newConsensusHarness(t, 4, 0, false)
	h.start(t)
	h.waitEpoch(t, 0)

	// let the async startEpoch pipeline settle before stopping
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, h.cs.Stop())
}
