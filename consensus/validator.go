package consensus

import (
	"errors"
	"fmt"

	"epochbft/crypto"
	"epochbft/types"
)

// Validator parses wire-format consensus messages and verifies their
// signatures against the crypto provider bound to the message's epoch. It is
// pure with respect to node state.
type Validator struct{}

func NewValidator() *Validator {
	return &Validator{}
}

// Parse deserializes a wire-format consensus message and checks its
// structural validity. It does not verify signatures.
func (v *Validator) Parse(bz []byte) (*types.ConsensusMessage, error) {
	msg, err := types.UnmarshalConsensusMessage(bz)
	if err != nil {
		return nil, err
	}
	if err := msg.ValidateBasic(); err != nil {
		return nil, err
	}
	return msg, nil
}

// Verify checks msg's signature envelope with the given provider, including
// the signatures of every message nested inside view changes and new views.
// The temporary shortcut of accepting empty signatures during
// deserialization is deliberately not taken: nothing is applied unverified.
func (v *Validator) Verify(msg *types.ConsensusMessage, provider crypto.Provider) error {
	if provider == nil {
		return errors.New("no crypto provider for message epoch")
	}
	if err := provider.Verify(msg.SignBytes(), msg.Signature, msg.Sender); err != nil {
		return err
	}
	return v.verifyNested(msg, provider)
}

func (v *Validator) verifyNested(msg *types.ConsensusMessage, provider crypto.Provider) error {
	switch pl := msg.Payload.(type) {
	case *types.ViewChange:
		if pl.Prepared == nil {
			return nil
		}
		return v.verifyPreparedCertificate(pl.Prepared, provider)
	case *types.NewView:
		for _, vc := range pl.ViewChanges {
			if err := provider.Verify(vc.SignBytes(), vc.Signature, vc.Sender); err != nil {
				return fmt.Errorf("new-view carries unverifiable view change: %w", err)
			}
			if prepared := vc.Payload.(*types.ViewChange).Prepared; prepared != nil {
				if err := v.verifyPreparedCertificate(prepared, provider); err != nil {
					return err
				}
			}
		}
		return provider.Verify(pl.PrePrepare.SignBytes(), pl.PrePrepare.Signature, pl.PrePrepare.Sender)
	default:
		return nil
	}
}

func (v *Validator) verifyPreparedCertificate(pc *types.PreparedCertificate, provider crypto.Provider) error {
	if err := provider.Verify(pc.PrePrepare.SignBytes(), pc.PrePrepare.Signature, pc.PrePrepare.Sender); err != nil {
		return fmt.Errorf("prepared certificate pre-prepare: %w", err)
	}
	for _, p := range pc.Prepares {
		if err := provider.Verify(p.SignBytes(), p.Signature, p.Sender); err != nil {
			return fmt.Errorf("prepared certificate prepare: %w", err)
		}
	}
	return nil
}
