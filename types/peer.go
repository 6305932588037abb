// fork from github.com/tendermint/tendermint/types/validator.go
package types

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/tendermint/tendermint/crypto"
	tmjson "github.com/tendermint/tendermint/libs/json"
)

// Address is the raw identity of an ordering peer, derived from its
// verification key.
type Address = crypto.Address

// Peer is a single member of an ordering topology: an opaque identity plus
// the verification key used to check its consensus signatures.
type Peer struct {
	Address Address       `json:"address"`
	PubKey  crypto.PubKey `json:"pub_key"`
}

// NewPeer returns a new peer with the given pubkey.
func NewPeer(pubKey crypto.PubKey) *Peer {
	return &Peer{
		Address: pubKey.Address(),
		PubKey:  pubKey,
	}
}

// ValidateBasic performs basic validation.
func (p *Peer) ValidateBasic() error {
	if p == nil {
		return errors.New("nil peer")
	}
	if p.PubKey == nil {
		return errors.New("peer does not have a public key")
	}

	if len(p.Address) != crypto.AddressSize {
		return fmt.Errorf("peer address is the wrong size: %v", p.Address)
	}

	return nil
}

// Copy returns a new copy of the peer.
func (p *Peer) Copy() *Peer {
	pCopy := *p
	return &pCopy
}

func (p *Peer) String() string {
	if p == nil {
		return "nil-Peer"
	}
	return fmt.Sprintf("Peer{%v %v}",
		p.Address,
		p.PubKey)
}

// Bytes computes the unique encoding of a peer.
// These are the bytes that get hashed into the topology hash.
func (p *Peer) Bytes() []byte {
	pk, err := tmjson.Marshal(p.PubKey)
	if err != nil {
		panic(err)
	}

	return pk
}

// CompareAddress orders two peers by their address, the total order used for
// every deterministic tie-break in the protocol.
func CompareAddress(a, b Address) int {
	return bytes.Compare(a, b)
}

//----------------------------------------
// RandPeer

// RandPeer returns a randomized peer, useful for testing.
// UNSTABLE
func RandPeer() (*Peer, PrivPeer) {
	privPeer := NewMockPP()

	pubKey, err := privPeer.GetPubKey()
	if err != nil {
		panic(fmt.Errorf("could not retrieve pubkey %w", err))
	}
	peer := NewPeer(pubKey)
	return peer, privPeer
}
