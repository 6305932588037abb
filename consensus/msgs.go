package consensus

import (
	"errors"
	"fmt"
	"time"

	"github.com/tendermint/tendermint/p2p"

	"epochbft/crypto"
	"epochbft/types"
)

// ------ Message ------

// Message is anything the consensus state machine consumes from its inbox:
// lifecycle events, protocol messages, local availability messages and
// completion events piped back from asynchronous work.
type Message interface {
	ValidateBasic() error
}

// ----- MsgInfo -----
// 与reactor之间通信的消息格式
type msgInfo struct {
	Msg    Message
	PeerID p2p.ID
}

//---------------------------------------------------------
// lifecycle events

// NewEpochTopologyMessage announces the membership of epoch Epoch, together
// with the crypto provider bound to it. Delivered by the output module, or
// self-delivered once to bootstrap the first epoch.
type NewEpochTopologyMessage struct {
	Epoch    types.EpochNumber
	Topology *types.OrderingTopology
	Provider crypto.Provider
}

func (msg *NewEpochTopologyMessage) ValidateBasic() error {
	if msg.Epoch < 0 {
		return errors.New("negative epoch in topology message")
	}
	if err := msg.Topology.ValidateBasic(); err != nil {
		return err
	}
	if msg.Provider == nil {
		return errors.New("topology message without crypto provider")
	}
	return nil
}

func (msg *NewEpochTopologyMessage) String() string {
	return fmt.Sprintf("[NewEpochTopology e=%d n=%d]", msg.Epoch, msg.Topology.Size())
}

// newEpochStoredMsg completes the asynchronous startEpoch store call.
type newEpochStoredMsg struct {
	Stored types.StoredEpoch
}

func (msg *newEpochStoredMsg) ValidateBasic() error { return nil }

func (msg *newEpochStoredMsg) String() string {
	return fmt.Sprintf("[NewEpochStored %v]", msg.Stored.Info)
}

// completeEpochStoredMsg completes the asynchronous completeEpoch store call.
type completeEpochStoredMsg struct {
	Epoch types.EpochNumber
}

func (msg *completeEpochStoredMsg) ValidateBasic() error { return nil }

func (msg *completeEpochStoredMsg) String() string {
	return fmt.Sprintf("[CompleteEpochStored e=%d]", msg.Epoch)
}

// asyncExceptionMsg reports a failed asynchronous storage operation.
// Storage is authoritative; the node terminates on receipt.
type asyncExceptionMsg struct {
	Op  string
	Err error
}

func (msg *asyncExceptionMsg) ValidateBasic() error { return nil }

func (msg *asyncExceptionMsg) String() string {
	return fmt.Sprintf("[AsyncException op=%s err=%v]", msg.Op, msg.Err)
}

// transferResultMsg completes a state-transfer client run.
type transferResultMsg struct {
	LastEpoch types.EpochNumber
	Stored    *types.CompletedEpoch // highest epoch applied, nil when Nothing
	Nothing   bool                  // nothing to transfer; already up to date
}

func (msg *transferResultMsg) ValidateBasic() error { return nil }

func (msg *transferResultMsg) String() string {
	return fmt.Sprintf("[TransferResult last=%d nothing=%v]", msg.LastEpoch, msg.Nothing)
}

//---------------------------------------------------------
// local availability

// ProposalCreatedMessage routes a locally created payload to the segment this
// peer leads in the given epoch.
type ProposalCreatedMessage struct {
	Epoch   types.EpochNumber
	Payload types.Payload
}

func (msg *ProposalCreatedMessage) ValidateBasic() error {
	if msg.Epoch < 0 {
		return errors.New("negative epoch in proposal message")
	}
	return nil
}

func (msg *ProposalCreatedMessage) String() string {
	return fmt.Sprintf("[ProposalCreated e=%d bytes=%d]", msg.Epoch, len(msg.Payload))
}

//---------------------------------------------------------
// protocol messages

// PbftMessage wraps a signature-verified consensus message.
type PbftMessage struct {
	Msg *types.ConsensusMessage
}

func (msg *PbftMessage) ValidateBasic() error {
	return msg.Msg.ValidateBasic()
}

func (msg *PbftMessage) String() string {
	return fmt.Sprintf("[Pbft %v]", msg.Msg)
}

// UnverifiedPbftMessage wraps a parsed but not yet verified consensus
// message. The validator runs off the actor thread; on success the verified
// message is re-delivered to self.
type UnverifiedPbftMessage struct {
	Msg *types.ConsensusMessage
}

func (msg *UnverifiedPbftMessage) ValidateBasic() error {
	return msg.Msg.ValidateBasic()
}

func (msg *UnverifiedPbftMessage) String() string {
	return fmt.Sprintf("[UnverifiedPbft %v]", msg.Msg)
}

// BlockTransferRequestMessage is an inbound state-transfer request, routed to
// the state-transfer manager.
type BlockTransferRequestMessage struct {
	Req *types.BlockTransferRequest
}

func (msg *BlockTransferRequestMessage) ValidateBasic() error {
	return msg.Req.ValidateBasic()
}

func (msg *BlockTransferRequestMessage) String() string {
	return fmt.Sprintf("[%v]", msg.Req)
}

// BlockTransferResponseMessage is an inbound state-transfer response, routed
// to the state-transfer manager.
type BlockTransferResponseMessage struct {
	Resp *types.BlockTransferResponse
}

func (msg *BlockTransferResponseMessage) ValidateBasic() error {
	return msg.Resp.ValidateBasic()
}

func (msg *BlockTransferResponseMessage) String() string {
	return fmt.Sprintf("[%v]", msg.Resp)
}

//---------------------------------------------------------
// timeouts

// internally generated messages which may update the state
type timeoutMsg struct {
	Duration time.Duration     `json:"duration"`
	Epoch    types.EpochNumber `json:"epoch"`
	Block    types.BlockNumber `json:"block"`
	View     int64             `json:"view"`
}

func (msg *timeoutMsg) ValidateBasic() error { return nil }

func (msg *timeoutMsg) String() string {
	return fmt.Sprintf("[Timeout %v e=%d b=%d v=%d]", msg.Duration, msg.Epoch, msg.Block, msg.View)
}
