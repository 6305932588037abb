package crypto

import (
	"errors"
	"fmt"

	tmcrypto "github.com/tendermint/tendermint/crypto"

	"epochbft/types"
)

var (
	ErrUnknownSigner     = errors.New("signer is not in the epoch topology")
	ErrInvalidSignature  = errors.New("signature verification failed")
	ErrNoSigningKey      = errors.New("provider has no signing key")
	ErrMalformedEnvelope = errors.New("malformed signature envelope")
)

// Provider signs outbound consensus messages and verifies inbound ones. A
// distinct provider instance is bound to each epoch: the epoch's topology
// determines the verification key of each sender, and keys may change across
// epochs.
type Provider interface {
	Sign(msg []byte) ([]byte, error)
	Verify(msg, sig []byte, peer types.Address) error
}

// Ed25519Provider verifies against the public keys carried in an epoch's
// topology and signs with the local peer's key.
type Ed25519Provider struct {
	privKey  tmcrypto.PrivKey // nil for a verify-only provider
	topology *types.OrderingTopology
}

var _ Provider = (*Ed25519Provider)(nil)

// NewEd25519Provider returns a provider bound to one epoch's topology.
// privKey may be nil, producing a verify-only provider.
func NewEd25519Provider(privKey tmcrypto.PrivKey, topo *types.OrderingTopology) *Ed25519Provider {
	return &Ed25519Provider{
		privKey:  privKey,
		topology: topo,
	}
}

// Sign implements Provider.
func (p *Ed25519Provider) Sign(msg []byte) ([]byte, error) {
	if p.privKey == nil {
		return nil, ErrNoSigningKey
	}
	return p.privKey.Sign(msg)
}

// Verify implements Provider.
func (p *Ed25519Provider) Verify(msg, sig []byte, peer types.Address) error {
	if len(sig) == 0 {
		return ErrMalformedEnvelope
	}
	_, member := p.topology.GetByAddress(peer)
	if member == nil {
		return ErrUnknownSigner
	}
	if !member.PubKey.VerifySignature(msg, sig) {
		return fmt.Errorf("%w: peer %v", ErrInvalidSignature, peer)
	}
	return nil
}
