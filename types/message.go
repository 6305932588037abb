package types

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/tendermint/tendermint/crypto/tmhash"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// PayloadTag identifies the variant carried by a consensus message envelope.
// Tag zero is reserved; decoding it is a parse error.
type PayloadTag uint8

const (
	TagNone       = PayloadTag(0)
	TagPrePrepare = PayloadTag(1)
	TagPrepare    = PayloadTag(2)
	TagCommit     = PayloadTag(3)
	TagViewChange = PayloadTag(4)
	TagNewView    = PayloadTag(5)
)

func (t PayloadTag) String() string {
	switch t {
	case TagPrePrepare:
		return "PrePrepare"
	case TagPrepare:
		return "Prepare"
	case TagCommit:
		return "Commit"
	case TagViewChange:
		return "ViewChange"
	case TagNewView:
		return "NewView"
	default:
		return "UnknownPayload"
	}
}

// ConsensusPayload is the tagged variant inside a consensus message.
type ConsensusPayload interface {
	Tag() PayloadTag
	ValidateBasic() error
}

// Payload is the opaque block payload being ordered.
type Payload = tmbytes.HexBytes

// PayloadDigest computes the digest a pre-prepare commits to.
func PayloadDigest(payload Payload) tmbytes.HexBytes {
	return tmhash.Sum(payload)
}

// ConsensusMessage is the envelope every PBFT message travels in: block
// metadata, view number, sender, timestamp, the tagged payload, and the
// sender's signature over the rest of the envelope.
type ConsensusMessage struct {
	Epoch     EpochNumber      `json:"epoch"`
	View      int64            `json:"view"`
	Block     BlockNumber      `json:"block"`
	Sender    Address          `json:"sender"`
	Timestamp time.Time        `json:"timestamp"`
	Payload   ConsensusPayload `json:"payload"`
	Signature tmbytes.HexBytes `json:"signature"`
}

// Metadata returns the block metadata the message refers to.
func (msg *ConsensusMessage) Metadata() BlockMetadata {
	return BlockMetadata{Epoch: msg.Epoch, Number: msg.Block}
}

func (msg *ConsensusMessage) ValidateBasic() error {
	if msg == nil {
		return errors.New("nil consensus message")
	}
	if msg.Epoch < 0 || msg.Block < 0 || msg.View < 0 {
		return errors.New("negative epoch, view or block")
	}
	if len(msg.Sender) == 0 {
		return errors.New("consensus message without sender")
	}
	if msg.Payload == nil {
		return errors.New("consensus message without payload")
	}
	return msg.Payload.ValidateBasic()
}

// SignBytes returns the canonical bytes the sender signs: the wire encoding
// of the envelope with an empty signature.
func (msg *ConsensusMessage) SignBytes() []byte {
	unsigned := *msg
	unsigned.Signature = nil
	bz, err := MarshalConsensusMessage(&unsigned)
	if err != nil {
		panic(fmt.Sprintf("sign bytes for unmarshalable message: %v", err))
	}
	return bz
}

func (msg *ConsensusMessage) String() string {
	if msg == nil {
		return "nil-ConsensusMessage"
	}
	return fmt.Sprintf("%v{e=%d v=%d b=%d from=%v}",
		msg.Payload.Tag(), msg.Epoch, msg.View, msg.Block, msg.Sender)
}

//---------------------------------------------------------
// payload variants

// PrePrepare proposes a payload for one slot at one view. Only the view's
// leader may produce it.
type PrePrepare struct {
	Digest  tmbytes.HexBytes `json:"digest"`
	Payload Payload          `json:"payload"`
}

func (*PrePrepare) Tag() PayloadTag { return TagPrePrepare }

func (pp *PrePrepare) ValidateBasic() error {
	if len(pp.Digest) != tmhash.Size {
		return errors.New("pre-prepare digest has wrong size")
	}
	if !bytes.Equal(pp.Digest, PayloadDigest(pp.Payload)) {
		return errors.New("pre-prepare digest does not match payload")
	}
	return nil
}

// Prepare acknowledges an accepted pre-prepare.
type Prepare struct {
	Digest tmbytes.HexBytes `json:"digest"`
}

func (*Prepare) Tag() PayloadTag { return TagPrepare }

func (p *Prepare) ValidateBasic() error {
	if len(p.Digest) != tmhash.Size {
		return errors.New("prepare digest has wrong size")
	}
	return nil
}

// Commit votes to finalize a prepared digest.
type Commit struct {
	Digest tmbytes.HexBytes `json:"digest"`
}

func (*Commit) Tag() PayloadTag { return TagCommit }

func (c *Commit) ValidateBasic() error {
	if len(c.Digest) != tmhash.Size {
		return errors.New("commit digest has wrong size")
	}
	return nil
}

// ViewChange asks to abandon the current view of a slot. It carries the
// highest prepared certificate the sender holds for the slot, or nil.
type ViewChange struct {
	Prepared *PreparedCertificate `json:"prepared"`
}

func (*ViewChange) Tag() PayloadTag { return TagViewChange }

func (vc *ViewChange) ValidateBasic() error {
	if vc.Prepared != nil {
		return vc.Prepared.ValidateBasic()
	}
	return nil
}

// NewView installs a higher view: the 2f+1 view changes that justify it and
// the pre-prepare the new leader derived from them.
type NewView struct {
	ViewChanges []*ConsensusMessage `json:"view_changes"`
	PrePrepare  *ConsensusMessage   `json:"pre_prepare"`
}

func (*NewView) Tag() PayloadTag { return TagNewView }

func (nv *NewView) ValidateBasic() error {
	if len(nv.ViewChanges) == 0 {
		return errors.New("new-view without view changes")
	}
	for _, vc := range nv.ViewChanges {
		if err := vc.ValidateBasic(); err != nil {
			return fmt.Errorf("invalid view change in new-view: %w", err)
		}
		if vc.Payload.Tag() != TagViewChange {
			return errors.New("new-view bundles a non-view-change message")
		}
	}
	if nv.PrePrepare == nil {
		return errors.New("new-view without pre-prepare")
	}
	if err := nv.PrePrepare.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid pre-prepare in new-view: %w", err)
	}
	if nv.PrePrepare.Payload.Tag() != TagPrePrepare {
		return errors.New("new-view pre-prepare has wrong payload")
	}
	return nil
}

//---------------------------------------------------------
// certificates

// PreparedCertificate proves a peer was Prepared at (block, view): the
// accepted pre-prepare plus 2f matching prepares from distinct peers.
type PreparedCertificate struct {
	PrePrepare *ConsensusMessage   `json:"pre_prepare"`
	Prepares   []*ConsensusMessage `json:"prepares"`
}

func (pc *PreparedCertificate) ValidateBasic() error {
	if pc.PrePrepare == nil {
		return errors.New("prepared certificate without pre-prepare")
	}
	if err := pc.PrePrepare.ValidateBasic(); err != nil {
		return err
	}
	pp, ok := pc.PrePrepare.Payload.(*PrePrepare)
	if !ok {
		return errors.New("prepared certificate pre-prepare has wrong payload")
	}
	for _, p := range pc.Prepares {
		if err := p.ValidateBasic(); err != nil {
			return err
		}
		prep, ok := p.Payload.(*Prepare)
		if !ok {
			return errors.New("prepared certificate contains a non-prepare")
		}
		if !p.Metadata().Equal(pc.PrePrepare.Metadata()) || p.View != pc.PrePrepare.View {
			return errors.New("prepared certificate messages disagree on slot or view")
		}
		if !bytes.Equal(prep.Digest, pp.Digest) {
			return errors.New("prepared certificate digests disagree")
		}
	}
	return nil
}

// Digest returns the digest the certificate is for.
func (pc *PreparedCertificate) Digest() tmbytes.HexBytes {
	return pc.PrePrepare.Payload.(*PrePrepare).Digest
}

// View returns the view the certificate was formed at.
func (pc *PreparedCertificate) View() int64 {
	return pc.PrePrepare.View
}

// Verify checks the certificate against a membership: distinct topology
// senders and at least 2f prepares.
func (pc *PreparedCertificate) Verify(m *Membership) error {
	if err := pc.ValidateBasic(); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(pc.Prepares))
	for _, p := range pc.Prepares {
		if !m.Contains(p.Sender) {
			return fmt.Errorf("prepare from %v outside topology", p.Sender)
		}
		if _, dup := seen[string(p.Sender)]; dup {
			return fmt.Errorf("duplicate prepare sender %v", p.Sender)
		}
		seen[string(p.Sender)] = struct{}{}
	}
	if len(seen) < 2*m.F() {
		return fmt.Errorf("prepared certificate has %d prepares, need %d", len(seen), 2*m.F())
	}
	return nil
}

// CommitCertificate proves a decision: at least 2f+1 commit messages from
// distinct topology peers for identical (metadata, view, digest).
type CommitCertificate struct {
	Commits []*ConsensusMessage `json:"commits"`
}

// Verify checks the certificate structure against a membership for the given
// block metadata and digest. Signature verification is the caller's job, via
// the crypto provider bound to the certificate's epoch.
func (cc *CommitCertificate) Verify(m *Membership, meta BlockMetadata, digest tmbytes.HexBytes) error {
	if cc == nil || len(cc.Commits) == 0 {
		return errors.New("empty commit certificate")
	}

	view := cc.Commits[0].View
	seen := make(map[string]struct{}, len(cc.Commits))
	for _, c := range cc.Commits {
		commit, ok := c.Payload.(*Commit)
		if !ok {
			return errors.New("commit certificate contains a non-commit")
		}
		if !c.Metadata().Equal(meta) {
			return fmt.Errorf("commit for %v in certificate for %v", c.Metadata(), meta)
		}
		if c.View != view {
			return errors.New("commit certificate views disagree")
		}
		if !bytes.Equal(commit.Digest, digest) {
			return errors.New("commit certificate digests disagree")
		}
		if !m.Contains(c.Sender) {
			return fmt.Errorf("commit from %v outside topology", c.Sender)
		}
		if _, dup := seen[string(c.Sender)]; dup {
			return fmt.Errorf("duplicate commit sender %v", c.Sender)
		}
		seen[string(c.Sender)] = struct{}{}
	}

	if len(seen) < m.Quorum() {
		return fmt.Errorf("commit certificate has %d commits, need %d", len(seen), m.Quorum())
	}
	return nil
}
