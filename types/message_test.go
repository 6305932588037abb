package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeCommit(topo *OrderingTopology, idx int, meta BlockMetadata, view int64, digest []byte) *ConsensusMessage {
	return &ConsensusMessage{
		Epoch:     meta.Epoch,
		View:      view,
		Block:     meta.Number,
		Sender:    topo.Peers[idx].Address,
		Timestamp: CanonicalNow(),
		Payload:   &Commit{Digest: digest},
		Signature: []byte("sig"),
	}
}

func TestCommitCertificateVerify(t *testing.T) {
	topo, _ := RandOrderingTopology(4)
	m := NewMembership(topo.Peers[0].Address, topo)
	meta := BlockMetadata{Epoch: 1, Number: 5}
	digest := PayloadDigest(Payload("payload"))

	cert := &CommitCertificate{Commits: []*ConsensusMessage{
		makeCommit(topo, 0, meta, 0, digest),
		makeCommit(topo, 1, meta, 0, digest),
		makeCommit(topo, 2, meta, 0, digest),
	}}
	assert.NoError(t, cert.Verify(m, meta, digest))
}

func TestCommitCertificateRejections(t *testing.T) {
	topo, _ := RandOrderingTopology(4)
	m := NewMembership(topo.Peers[0].Address, topo)
	meta := BlockMetadata{Epoch: 1, Number: 5}
	digest := PayloadDigest(Payload("payload"))

	// not enough distinct commits
	short := &CommitCertificate{Commits: []*ConsensusMessage{
		makeCommit(topo, 0, meta, 0, digest),
		makeCommit(topo, 1, meta, 0, digest),
	}}
	assert.Error(t, short.Verify(m, meta, digest))

	// duplicate senders do not count twice
	dup := &CommitCertificate{Commits: []*ConsensusMessage{
		makeCommit(topo, 0, meta, 0, digest),
		makeCommit(topo, 0, meta, 0, digest),
		makeCommit(topo, 1, meta, 0, digest),
	}}
	assert.Error(t, dup.Verify(m, meta, digest))

	// sender outside the topology
	stranger, _ := RandPeer()
	outside := &CommitCertificate{Commits: []*ConsensusMessage{
		makeCommit(topo, 0, meta, 0, digest),
		makeCommit(topo, 1, meta, 0, digest),
		{
			Epoch: meta.Epoch, View: 0, Block: meta.Number,
			Sender:    stranger.Address,
			Timestamp: CanonicalNow(),
			Payload:   &Commit{Digest: digest},
		},
	}}
	assert.Error(t, outside.Verify(m, meta, digest))

	// digest disagreement
	other := PayloadDigest(Payload("other"))
	mixed := &CommitCertificate{Commits: []*ConsensusMessage{
		makeCommit(topo, 0, meta, 0, digest),
		makeCommit(topo, 1, meta, 0, digest),
		makeCommit(topo, 2, meta, 0, other),
	}}
	assert.Error(t, mixed.Verify(m, meta, digest))

	// view disagreement
	views := &CommitCertificate{Commits: []*ConsensusMessage{
		makeCommit(topo, 0, meta, 0, digest),
		makeCommit(topo, 1, meta, 1, digest),
		makeCommit(topo, 2, meta, 0, digest),
	}}
	assert.Error(t, views.Verify(m, meta, digest))
}

func TestPreparedCertificateVerify(t *testing.T) {
	topo, _ := RandOrderingTopology(4)
	m := NewMembership(topo.Peers[0].Address, topo)
	payload := Payload("prepared payload")
	digest := PayloadDigest(payload)
	meta := BlockMetadata{Epoch: 2, Number: 9}

	pp := &ConsensusMessage{
		Epoch: meta.Epoch, View: 1, Block: meta.Number,
		Sender:    topo.Peers[1].Address,
		Timestamp: CanonicalNow(),
		Payload:   &PrePrepare{Digest: digest, Payload: payload},
		Signature: []byte("sig"),
	}
	prepare := func(idx int) *ConsensusMessage {
		return &ConsensusMessage{
			Epoch: meta.Epoch, View: 1, Block: meta.Number,
			Sender:    topo.Peers[idx].Address,
			Timestamp: CanonicalNow(),
			Payload:   &Prepare{Digest: digest},
			Signature: []byte("sig"),
		}
	}

	cert := &PreparedCertificate{
		PrePrepare: pp,
		Prepares:   []*ConsensusMessage{prepare(0), prepare(2)},
	}
	require.NoError(t, cert.Verify(m))
	assert.Equal(t, int64(1), cert.View())
	assert.Equal(t, digest.Bytes(), cert.Digest().Bytes())

	// 2f requires two distinct prepares for n=4
	thin := &PreparedCertificate{
		PrePrepare: pp,
		Prepares:   []*ConsensusMessage{prepare(0)},
	}
	assert.Error(t, thin.Verify(m))
}

func TestConsensusMessageValidateBasic(t *testing.T) {
	payload := Payload("p")
	msg := testMessage(&PrePrepare{Digest: PayloadDigest(payload), Payload: payload})
	assert.NoError(t, msg.ValidateBasic())

	// digest must match the payload
	bad := testMessage(&PrePrepare{Digest: PayloadDigest(Payload("other")), Payload: payload})
	assert.Error(t, bad.ValidateBasic())

	missing := testMessage(nil)
	assert.Error(t, missing.ValidateBasic())
}
