package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/crypto/ed25519"

	ebcrypto "epochbft/crypto"
	"epochbft/types"
)

type validatorFixture struct {
	topo     *types.OrderingTopology
	privs    []ed25519.PrivKey
	provider ebcrypto.Provider
}

func newValidatorFixture(n int) *validatorFixture {
	privs := make([]ed25519.PrivKey, n)
	peers := make([]*types.Peer, n)
	for i := 0; i < n; i++ {
		privs[i] = ed25519.GenPrivKey()
		peers[i] = types.NewPeer(privs[i].PubKey())
	}
	topo := types.NewOrderingTopology(peers, time.Unix(0, 0))

	// realign keys with the sorted topology order
	sorted := make([]ed25519.PrivKey, n)
	for i, p := range topo.Peers {
		for _, priv := range privs {
			if priv.PubKey().Address().String() == p.Address.String() {
				sorted[i] = priv
			}
		}
	}

	return &validatorFixture{
		topo:     topo,
		privs:    sorted,
		provider: ebcrypto.NewEd25519Provider(sorted[0], topo),
	}
}

func (f *validatorFixture) signed(t *testing.T, idx int, view int64, block types.BlockNumber, payload types.ConsensusPayload) *types.ConsensusMessage {
	msg := &types.ConsensusMessage{
		Epoch:     1,
		View:      view,
		Block:     block,
		Sender:    f.topo.Peers[idx].Address,
		Timestamp: types.CanonicalNow(),
		Payload:   payload,
	}
	sig, err := f.privs[idx].Sign(msg.SignBytes())
	require.NoError(t, err)
	msg.Signature = sig
	return msg
}

func TestValidatorParseVerifyRoundTrip(t *testing.T) {
	f := newValidatorFixture(4)
	v := NewValidator()

	payload := types.Payload("client payload")
	msg := f.signed(t, 1, 0, 3, &types.PrePrepare{
		Digest:  types.PayloadDigest(payload),
		Payload: payload,
	})

	bz, err := types.MarshalConsensusMessage(msg)
	require.NoError(t, err)

	parsed, err := v.Parse(bz)
	require.NoError(t, err)
	assert.Equal(t, msg, parsed)

	assert.NoError(t, v.Verify(parsed, f.provider))
}

func TestValidatorRejectsBadSignature(t *testing.T) {
	f := newValidatorFixture(4)
	v := NewValidator()

	msg := f.signed(t, 1, 0, 3, &types.Prepare{Digest: types.PayloadDigest(nil)})
	msg.Signature = []byte("forged")
	assert.Error(t, v.Verify(msg, f.provider))

	// a claimed sender different from the actual signer
	msg2 := f.signed(t, 1, 0, 3, &types.Prepare{Digest: types.PayloadDigest(nil)})
	msg2.Sender = f.topo.Peers[2].Address
	assert.Error(t, v.Verify(msg2, f.provider))
}

func TestValidatorRejectsEmptySignature(t *testing.T) {
	// messages must never be applied with the empty signature they carry
	// right after deserialization
	f := newValidatorFixture(4)
	v := NewValidator()

	msg := f.signed(t, 1, 0, 3, &types.Prepare{Digest: types.PayloadDigest(nil)})
	msg.Signature = nil
	assert.Error(t, v.Verify(msg, f.provider))
}

func TestValidatorParseRejectsGarbage(t *testing.T) {
	v := NewValidator()
	_, err := v.Parse([]byte{0xde, 0xad, 0xbe, 0xef})
	assert.Error(t, err)

	_, err = v.Parse(nil)
	assert.Error(t, err)
}

func TestValidatorVerifiesNestedMessages(t *testing.T) {
	f := newValidatorFixture(4)
	v := NewValidator()

	payload := types.Payload("prepared payload")
	digest := types.PayloadDigest(payload)

	pp := f.signed(t, 0, 0, 3, &types.PrePrepare{Digest: digest, Payload: payload})
	p1 := f.signed(t, 1, 0, 3, &types.Prepare{Digest: digest})
	p2 := f.signed(t, 2, 0, 3, &types.Prepare{Digest: digest})

	vc := f.signed(t, 1, 1, 3, &types.ViewChange{
		Prepared: &types.PreparedCertificate{
			PrePrepare: pp,
			Prepares:   []*types.ConsensusMessage{p1, p2},
		},
	})
	assert.NoError(t, v.Verify(vc, f.provider))

	// corrupting a nested prepare invalidates the whole view change
	p2.Signature = []byte("forged")
	assert.Error(t, v.Verify(vc, f.provider))
}
