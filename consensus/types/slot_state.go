package types

import (
	"bytes"
	"sort"
	"time"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"

	"epochbft/types"
)

//-----------------------------------------------------------------------------
// SlotStep enum type

// SlotStep enumerates the PBFT state of one block slot.
type SlotStep uint8

const (
	SlotStepIdle         = SlotStep(0x01)
	SlotStepPrePrepared  = SlotStep(0x02) // accepted a pre-prepare at the current view
	SlotStepPrepared     = SlotStep(0x03) // pre-prepare + 2f+1 matching prepares
	SlotStepCommitted    = SlotStep(0x04) // 2f+1 matching commits
	SlotStepCompleted    = SlotStep(0x05) // ordered block reported
	SlotStepViewChanging = SlotStep(0x06) // waiting for a new-view at a higher view
)

func (s SlotStep) String() string {
	switch s {
	case SlotStepIdle:
		return "Idle"
	case SlotStepPrePrepared:
		return "PrePrepared"
	case SlotStepPrepared:
		return "Prepared"
	case SlotStepCommitted:
		return "Committed"
	case SlotStepCompleted:
		return "Completed"
	case SlotStepViewChanging:
		return "ViewChanging"
	default:
		return "UnknownStep"
	}
}

// Decided reports whether the slot is past the point where view changes can
// reset it.
func (s SlotStep) Decided() bool {
	return s == SlotStepCommitted || s == SlotStepCompleted
}

//-----------------------------------------------------------------------------

// SlotState is the consensus state of one block slot in a segment: the
// current view, the step within that view, the accepted pre-prepare and the
// message sets feeding the quorum checks.
type SlotState struct {
	Block types.BlockNumber
	View  int64
	Step  SlotStep

	// accepted pre-prepare for (Block, View)
	PrePrepare *types.ConsensusMessage

	Prepares *MessageSet
	Commits  *MessageSet

	// per target view
	ViewChanges map[int64]*MessageSet

	// highest view this slot has asked to change into
	VCTarget int64

	// highest prepared certificate held for this slot at any view <= View
	Prepared *types.PreparedCertificate

	// decision evidence once Committed
	Certificate *types.CommitCertificate

	// current view-change timeout; doubles on each change within the slot
	Timeout time.Duration

	// ordered block already reported upward
	Reported bool
}

func NewSlotState(block types.BlockNumber, initialTimeout time.Duration) *SlotState {
	return &SlotState{
		Block:       block,
		View:        0,
		Step:        SlotStepIdle,
		Prepares:    NewMessageSet(),
		Commits:     NewMessageSet(),
		ViewChanges: make(map[int64]*MessageSet),
		Timeout:     initialTimeout,
	}
}

// EnterView resets the slot into a higher view. Message sets restart; the
// prepared certificate survives to justify the new view.
func (ss *SlotState) EnterView(view int64) {
	ss.View = view
	ss.Step = SlotStepIdle
	ss.PrePrepare = nil
	ss.Prepares = NewMessageSet()
	ss.Commits = NewMessageSet()
}

// ViewChangeSet returns the message set collecting view changes for the
// given target view, creating it on first use.
func (ss *SlotState) ViewChangeSet(targetView int64) *MessageSet {
	vs, ok := ss.ViewChanges[targetView]
	if !ok {
		vs = NewMessageSet()
		ss.ViewChanges[targetView] = vs
	}
	return vs
}

// AcceptedDigest returns the digest of the accepted pre-prepare, or nil.
func (ss *SlotState) AcceptedDigest() tmbytes.HexBytes {
	if ss.PrePrepare == nil {
		return nil
	}
	return ss.PrePrepare.Payload.(*types.PrePrepare).Digest
}

//-----------------------------------------------------------------------------

// MessageSet collects consensus messages deduplicated by sender.
type MessageSet struct {
	msgs map[string]*types.ConsensusMessage
}

func NewMessageSet() *MessageSet {
	return &MessageSet{
		msgs: make(map[string]*types.ConsensusMessage),
	}
}

// Add records msg unless the sender already contributed. Returns whether the
// message was added; duplicates are idempotent, not errors.
func (ms *MessageSet) Add(msg *types.ConsensusMessage) bool {
	key := string(msg.Sender)
	if _, exists := ms.msgs[key]; exists {
		return false
	}
	ms.msgs[key] = msg
	return true
}

// Size returns the number of distinct senders.
func (ms *MessageSet) Size() int {
	return len(ms.msgs)
}

// Messages returns the messages sorted by sender for determinism.
func (ms *MessageSet) Messages() []*types.ConsensusMessage {
	msgs := make([]*types.ConsensusMessage, 0, len(ms.msgs))
	for _, msg := range ms.msgs {
		msgs = append(msgs, msg)
	}
	sort.Slice(msgs, func(i, j int) bool {
		return types.CompareAddress(msgs[i].Sender, msgs[j].Sender) < 0
	})
	return msgs
}

// WithDigest returns the messages whose payload digest matches, sorted by
// sender. Mismatching messages stay in the set; they may still feed a
// view-change justification.
func (ms *MessageSet) WithDigest(digest tmbytes.HexBytes) []*types.ConsensusMessage {
	var matching []*types.ConsensusMessage
	for _, msg := range ms.Messages() {
		if bytes.Equal(payloadDigest(msg), digest) {
			matching = append(matching, msg)
		}
	}
	return matching
}

// CountDigest returns the number of distinct senders agreeing on digest.
func (ms *MessageSet) CountDigest(digest tmbytes.HexBytes) int {
	return len(ms.WithDigest(digest))
}

func payloadDigest(msg *types.ConsensusMessage) tmbytes.HexBytes {
	switch pl := msg.Payload.(type) {
	case *types.PrePrepare:
		return pl.Digest
	case *types.Prepare:
		return pl.Digest
	case *types.Commit:
		return pl.Digest
	default:
		return nil
	}
}
