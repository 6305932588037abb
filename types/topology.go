// fork from github.com/tendermint/tendermint/types/validator_set.go
package types

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tendermint/tendermint/crypto/merkle"
)

// OrderingTopology is the set of peers active for some epoch, with the time
// the topology was activated. It is fixed for the duration of an epoch.
//
// Peers are kept sorted by address (ascending), so indices are stable for all
// views of a given epoch and the (v mod n)-th peer is the same on every node.
//
// NOTE: Not goroutine-safe.
// NOTE: All get/set to peers should copy the value for safety.
type OrderingTopology struct {
	// NOTE: persisted via reflect, must be exported.
	Peers      []*Peer   `json:"peers"`
	Activation time.Time `json:"activation"`
}

// NewOrderingTopology initializes an OrderingTopology by copying over the
// values from `peers`. If peers is nil or empty, the new topology will have an
// empty list of peers.
//
// The addresses of peers must be unique otherwise the function panics.
func NewOrderingTopology(peers []*Peer, activation time.Time) *OrderingTopology {
	topo := &OrderingTopology{Activation: activation}
	topo.Peers = make([]*Peer, 0, len(peers))

	for _, p := range peers {
		if topo.HasAddress(p.Address) {
			panic(fmt.Sprintf("duplicate peer address %v in topology", p.Address))
		}
		topo.Peers = append(topo.Peers, p.Copy())
	}

	sort.Slice(topo.Peers, func(i, j int) bool {
		return CompareAddress(topo.Peers[i].Address, topo.Peers[j].Address) < 0
	})

	return topo
}

func (topo *OrderingTopology) ValidateBasic() error {
	if topo.IsNilOrEmpty() {
		return errors.New("ordering topology is nil or empty")
	}

	for idx, p := range topo.Peers {
		if err := p.ValidateBasic(); err != nil {
			return fmt.Errorf("invalid peer #%d: %w", idx, err)
		}
	}

	return nil
}

// IsNilOrEmpty returns true if the topology is nil or has no peers.
func (topo *OrderingTopology) IsNilOrEmpty() bool {
	return topo == nil || len(topo.Peers) == 0
}

// Makes a copy of the peer list.
func peerListCopy(peers []*Peer) []*Peer {
	if peers == nil {
		return nil
	}
	peersCopy := make([]*Peer, len(peers))
	for i, p := range peers {
		peersCopy[i] = p.Copy()
	}
	return peersCopy
}

// Copy each peer into a new OrderingTopology.
func (topo *OrderingTopology) Copy() *OrderingTopology {
	return &OrderingTopology{
		Peers:      peerListCopy(topo.Peers),
		Activation: topo.Activation,
	}
}

// HasAddress returns true if address given is in the topology, false -
// otherwise.
func (topo *OrderingTopology) HasAddress(address Address) bool {
	for _, p := range topo.Peers {
		if bytes.Equal(p.Address, address) {
			return true
		}
	}
	return false
}

// GetByAddress returns an index of the peer with address and the peer itself
// (copy) if found. Otherwise, -1 and nil are returned.
func (topo *OrderingTopology) GetByAddress(address Address) (index int32, peer *Peer) {
	for idx, p := range topo.Peers {
		if bytes.Equal(p.Address, address) {
			return int32(idx), p.Copy()
		}
	}
	return -1, nil
}

// GetByIndex returns the peer's address and the peer itself (copy) by index.
// It returns nil values if index is less than 0 or greater or equal to
// len(OrderingTopology.Peers).
func (topo *OrderingTopology) GetByIndex(index int32) (address Address, peer *Peer) {
	if index < 0 || int(index) >= len(topo.Peers) {
		return nil, nil
	}
	p := topo.Peers[index]
	return p.Address, p.Copy()
}

// Size returns the number of peers in the topology.
func (topo *OrderingTopology) Size() int {
	return len(topo.Peers)
}

// Hash returns the Merkle root hash built using peers (as leaves) in the
// topology.
func (topo *OrderingTopology) Hash() []byte {
	bzs := make([][]byte, len(topo.Peers))
	for i, p := range topo.Peers {
		bzs[i] = p.Bytes()
	}
	return merkle.HashFromByteSlices(bzs)
}

// Iterate will run the given function over the topology.
func (topo *OrderingTopology) Iterate(fn func(index int, peer *Peer) bool) {
	for i, p := range topo.Peers {
		stop := fn(i, p.Copy())
		if stop {
			break
		}
	}
}

// Addresses returns the peer addresses in topology order.
func (topo *OrderingTopology) Addresses() []Address {
	addrs := make([]Address, len(topo.Peers))
	for i, p := range topo.Peers {
		addrs[i] = p.Address
	}
	return addrs
}

//----------------

// String returns a string representation of OrderingTopology.
//
// See StringIndented.
func (topo *OrderingTopology) String() string {
	return topo.StringIndented("")
}

// StringIndented returns an indented String.
//
// See Peer#String.
func (topo *OrderingTopology) StringIndented(indent string) string {
	if topo == nil {
		return "nil-OrderingTopology"
	}
	var peerStrings []string
	topo.Iterate(func(index int, p *Peer) bool {
		peerStrings = append(peerStrings, p.String())
		return false
	})
	return fmt.Sprintf(`OrderingTopology{
%s  Peers:
%s    %v
%s}`,
		indent,
		indent, strings.Join(peerStrings, "\n"+indent+"    "),
		indent)
}

//----------------------------------------

// RandOrderingTopology returns a randomized topology (size: +numPeers+).
//
// EXPOSED FOR TESTING.
func RandOrderingTopology(numPeers int) (*OrderingTopology, []PrivPeer) {
	var (
		peers     = make([]*Peer, numPeers)
		privPeers = make([]PrivPeer, numPeers)
	)

	for i := 0; i < numPeers; i++ {
		peer, privPeer := RandPeer()
		peers[i] = peer
		privPeers[i] = privPeer
	}

	topo := NewOrderingTopology(peers, time.Unix(0, 0))

	// keep the priv peers aligned with the sorted topology order
	sort.Sort(PrivPeersByAddress(privPeers))

	return topo, privPeers
}
