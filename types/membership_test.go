package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMembershipQuorums(t *testing.T) {
	cases := []struct {
		n, f, quorum, weak int
	}{
		{1, 0, 1, 1},
		{4, 1, 3, 2},
		{7, 2, 5, 3},
		{10, 3, 7, 4},
	}

	for _, tc := range cases {
		topo, _ := RandOrderingTopology(tc.n)
		m := NewMembership(topo.Peers[0].Address, topo)

		assert.Equal(t, tc.n, m.N())
		assert.Equal(t, tc.f, m.F(), "n=%d", tc.n)
		assert.Equal(t, tc.quorum, m.Quorum(), "n=%d", tc.n)
		assert.Equal(t, tc.weak, m.WeakQuorum(), "n=%d", tc.n)
	}
}

func TestMembershipOtherPeers(t *testing.T) {
	topo, _ := RandOrderingTopology(4)
	m := NewMembership(topo.Peers[2].Address, topo)

	others := m.OtherPeers()
	assert.Len(t, others, 3)
	for _, p := range others {
		assert.NotEqual(t, m.Self, p.Address)
	}
}

func TestTopologyOrdering(t *testing.T) {
	topo, _ := RandOrderingTopology(8)

	// peers are sorted by address so every node computes the same indices
	for i := 1; i < topo.Size(); i++ {
		assert.True(t, CompareAddress(topo.Peers[i-1].Address, topo.Peers[i].Address) < 0)
	}

	idx, peer := topo.GetByAddress(topo.Peers[5].Address)
	assert.Equal(t, int32(5), idx)
	assert.Equal(t, topo.Peers[5].Address, peer.Address)

	addr, peer := topo.GetByIndex(3)
	assert.Equal(t, topo.Peers[3].Address, addr)
	assert.NotNil(t, peer)

	_, missing := topo.GetByAddress(Address("nonexistent peer addr"))
	assert.Nil(t, missing)
}

func TestTopologyHashChangesWithMembers(t *testing.T) {
	topoA, _ := RandOrderingTopology(4)
	topoB, _ := RandOrderingTopology(4)

	assert.NotEqual(t, topoA.Hash(), topoB.Hash())
	assert.Equal(t, topoA.Hash(), topoA.Copy().Hash())
}
