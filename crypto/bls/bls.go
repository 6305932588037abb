// Package bls provides a pairing-based crypto provider. It is selected by
// the topology document's signing scheme: peers keep their ed25519 identity
// keys, while consensus signatures are made and verified with the BLS keys
// the document distributes.
package bls

import (
	"fmt"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/util/random"

	"epochbft/crypto"
	"epochbft/types"
)

var suite = bn256.NewSuite()

// KeyPair is a BLS signing key with its public point.
type KeyPair struct {
	Private kyber.Scalar
	Public  kyber.Point
}

// GenKeyPair generates a fresh BLS key pair.
func GenKeyPair() KeyPair {
	private, public := bls.NewKeyPair(suite, random.New())
	return KeyPair{Private: private, Public: public}
}

// MarshalPublic encodes a public point for distribution in a topology
// document.
func MarshalPublic(public kyber.Point) ([]byte, error) {
	return public.MarshalBinary()
}

// UnmarshalPublic decodes a public point.
func UnmarshalPublic(bz []byte) (kyber.Point, error) {
	p := suite.G2().Point()
	if err := p.UnmarshalBinary(bz); err != nil {
		return nil, err
	}
	return p, nil
}

// KeyTable builds the per-epoch verification table from a topology
// document's peer entries.
func KeyTable(peers []types.TopologyPeer) (map[string]kyber.Point, error) {
	keys := make(map[string]kyber.Point, len(peers))
	for _, p := range peers {
		if len(p.BlsPubKey) == 0 {
			return nil, fmt.Errorf("peer %v has no bls public key", p.Address)
		}
		point, err := UnmarshalPublic(p.BlsPubKey)
		if err != nil {
			return nil, fmt.Errorf("peer %v bls public key: %w", p.Address, err)
		}
		keys[string(p.Address)] = point
	}
	return keys, nil
}

// Provider implements crypto.Provider over BLS keys. Verification keys are
// held in a per-epoch table keyed by peer address.
type Provider struct {
	private kyber.Scalar // nil for a verify-only provider
	keys    map[string]kyber.Point
}

var _ crypto.Provider = (*Provider)(nil)

// NewProvider returns a BLS provider bound to one epoch's key table.
func NewProvider(private kyber.Scalar, keys map[string]kyber.Point) *Provider {
	return &Provider{
		private: private,
		keys:    keys,
	}
}

// Sign implements crypto.Provider.
func (p *Provider) Sign(msg []byte) ([]byte, error) {
	if p.private == nil {
		return nil, crypto.ErrNoSigningKey
	}
	return bls.Sign(suite, p.private, msg)
}

// Verify implements crypto.Provider.
func (p *Provider) Verify(msg, sig []byte, peer types.Address) error {
	if len(sig) == 0 {
		return crypto.ErrMalformedEnvelope
	}
	public, ok := p.keys[string(peer)]
	if !ok {
		return crypto.ErrUnknownSigner
	}
	if err := bls.Verify(suite, public, msg, sig); err != nil {
		return fmt.Errorf("%w: peer %v", crypto.ErrInvalidSignature, peer)
	}
	return nil
}
