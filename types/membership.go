package types

import (
	"bytes"
	"errors"
	"fmt"
)

// Membership binds this peer to the ordering topology of one epoch and
// carries the fault-tolerance arithmetic derived from the topology size:
// f = (n-1)/3, quorum = 2f+1, weak quorum = f+1.
type Membership struct {
	Self     Address           `json:"self"`
	Topology *OrderingTopology `json:"topology"`
}

func NewMembership(self Address, topo *OrderingTopology) *Membership {
	return &Membership{
		Self:     self,
		Topology: topo,
	}
}

func (m *Membership) ValidateBasic() error {
	if m == nil {
		return errors.New("nil membership")
	}
	if err := m.Topology.ValidateBasic(); err != nil {
		return err
	}
	return nil
}

// N returns the topology size.
func (m *Membership) N() int {
	return m.Topology.Size()
}

// F returns the number of tolerated faulty peers.
func (m *Membership) F() int {
	return (m.N() - 1) / 3
}

// Quorum returns 2f+1.
func (m *Membership) Quorum() int {
	return 2*m.F() + 1
}

// WeakQuorum returns f+1.
func (m *Membership) WeakQuorum() int {
	return m.F() + 1
}

// Contains reports whether addr is a member of the topology.
func (m *Membership) Contains(addr Address) bool {
	return m.Topology.HasAddress(addr)
}

// OtherPeers returns the topology peers excluding self, the broadcast target
// set.
func (m *Membership) OtherPeers() []*Peer {
	others := make([]*Peer, 0, m.N())
	m.Topology.Iterate(func(_ int, p *Peer) bool {
		if !bytes.Equal(p.Address, m.Self) {
			others = append(others, p)
		}
		return false
	})
	return others
}

func (m *Membership) String() string {
	return fmt.Sprintf("Membership{self=%v n=%d f=%d}", m.Self, m.N(), m.F())
}
