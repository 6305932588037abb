package types

import (
	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/ed25519"
)

// PrivPeer is the signing side of an ordering peer's identity.
type PrivPeer interface {
	GetPubKey() (crypto.PubKey, error)

	// SignConsensusMessage signs the message's canonical bytes and fills in
	// its signature envelope.
	SignConsensusMessage(msg *ConsensusMessage) error
}

//----------------------------------------
// MockPP

// MockPP implements PrivPeer without any safety or persistence.
// EXPOSED FOR TESTING.
type MockPP struct {
	PrivKey crypto.PrivKey
}

func NewMockPP() MockPP {
	return MockPP{ed25519.GenPrivKey()}
}

// Implements PrivPeer.
func (pp MockPP) GetPubKey() (crypto.PubKey, error) {
	return pp.PrivKey.PubKey(), nil
}

// Implements PrivPeer.
func (pp MockPP) SignConsensusMessage(msg *ConsensusMessage) error {
	sig, err := pp.PrivKey.Sign(msg.SignBytes())
	if err != nil {
		return err
	}
	msg.Signature = sig
	return nil
}

// PrivPeersByAddress sorts priv peers by address.
type PrivPeersByAddress []PrivPeer

func (pps PrivPeersByAddress) Len() int { return len(pps) }

func (pps PrivPeersByAddress) Less(i, j int) bool {
	pi, err := pps[i].GetPubKey()
	if err != nil {
		panic(err)
	}
	pj, err := pps[j].GetPubKey()
	if err != nil {
		panic(err)
	}
	return CompareAddress(pi.Address(), pj.Address()) < 0
}

func (pps PrivPeersByAddress) Swap(i, j int) {
	pps[i], pps[j] = pps[j], pps[i]
}
