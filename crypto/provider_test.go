package crypto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/crypto/ed25519"

	"epochbft/types"
)

func testTopology(n int) (*types.OrderingTopology, []ed25519.PrivKey) {
	privs := make([]ed25519.PrivKey, n)
	peers := make([]*types.Peer, n)
	for i := 0; i < n; i++ {
		privs[i] = ed25519.GenPrivKey()
		peers[i] = types.NewPeer(privs[i].PubKey())
	}
	return types.NewOrderingTopology(peers, time.Unix(0, 0)), privs
}

func TestEd25519ProviderSignVerify(t *testing.T) {
	topo, privs := testTopology(4)
	provider := NewEd25519Provider(privs[0], topo)

	msg := []byte("consensus message bytes")
	sig, err := provider.Sign(msg)
	require.NoError(t, err)

	// verify(sign(m, k), k.pub) = ok
	assert.NoError(t, provider.Verify(msg, sig, privs[0].PubKey().Address()))
}

func TestEd25519ProviderRejections(t *testing.T) {
	topo, privs := testTopology(4)
	provider := NewEd25519Provider(privs[0], topo)

	msg := []byte("consensus message bytes")
	sig, err := provider.Sign(msg)
	require.NoError(t, err)

	// wrong signer
	assert.Error(t, provider.Verify(msg, sig, privs[1].PubKey().Address()))

	// signer outside the topology
	stranger := ed25519.GenPrivKey()
	assert.Error(t, provider.Verify(msg, sig, stranger.PubKey().Address()))

	// tampered message
	assert.Error(t, provider.Verify(append(msg, 'x'), sig, privs[0].PubKey().Address()))

	// empty signature envelope is rejected outright
	assert.Error(t, provider.Verify(msg, nil, privs[0].PubKey().Address()))
}

func TestVerifyOnlyProvider(t *testing.T) {
	topo, _ := testTopology(4)
	provider := NewEd25519Provider(nil, topo)

	_, err := provider.Sign([]byte("msg"))
	assert.ErrorIs(t, err, ErrNoSigningKey)
}
