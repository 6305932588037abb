package consensus

import (
	"fmt"

	"github.com/tendermint/tendermint/libs/cmap"
	"github.com/tendermint/tendermint/libs/events"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/p2p"

	"epochbft/types"
)

const (
	ConsensusChannel     = byte(0x40)
	StateTransferChannel = byte(0x41)

	maxMsgSize = 1048576 // 1MB
)

// TransferEnvelope is the wire wrapper of the state-transfer channel. The
// bit-exact wire format only covers consensus messages; transfer messages
// travel as tmjson.
type TransferEnvelope struct {
	Request  *types.BlockTransferRequest  `json:"request,omitempty"`
	Response *types.BlockTransferResponse `json:"response,omitempty"`
}

// ------- Reactor ------

// Reactor bridges the p2p switch and the consensus module: inbound bytes are
// parsed and delivered, outbound events are serialized and broadcast or sent
// to a specific peer.
type Reactor struct {
	p2p.BaseReactor

	peers *cmap.CMap // p2p.ID -> p2p.Peer

	// peer address -> p2p.ID, learned from the senders of received messages
	addrIndex *cmap.CMap

	consensus *ConsensusState
	validator *Validator
}

func NewReactor(consensus *ConsensusState) *Reactor {
	conR := &Reactor{
		peers:     cmap.NewCMap(),
		addrIndex: cmap.NewCMap(),
		consensus: consensus,
		validator: NewValidator(),
	}
	conR.BaseReactor = *p2p.NewBaseReactor("Consensus", conR)

	return conR
}

func (conR *Reactor) OnStart() error {
	conR.subscribeToBroadcastEvents()
	conR.Logger.Info("Consensus Reactor started.")
	return nil
}

func (conR *Reactor) OnStop() {}

func (conR *Reactor) GetChannels() []*p2p.ChannelDescriptor {
	return []*p2p.ChannelDescriptor{
		{
			ID:                 ConsensusChannel,
			Priority:           10,
			SendQueueCapacity:  100,
			RecvBufferCapacity: maxMsgSize,
		},
		{
			ID:                 StateTransferChannel,
			Priority:           5,
			SendQueueCapacity:  10,
			RecvBufferCapacity: maxMsgSize,
		},
	}
}

func (conR *Reactor) InitPeer(peer p2p.Peer) p2p.Peer {
	return peer
}

func (conR *Reactor) AddPeer(peer p2p.Peer) {
	conR.peers.Set(string(peer.ID()), peer)
}

func (conR *Reactor) RemovePeer(peer p2p.Peer, reason interface{}) {
	conR.peers.Delete(string(peer.ID()))
}

func (conR *Reactor) Receive(chID byte, src p2p.Peer, msgBytes []byte) {
	if !conR.IsRunning() {
		return
	}

	switch chID {
	case ConsensusChannel:
		msg, err := conR.validator.Parse(msgBytes)
		if err != nil {
			conR.Logger.Debug("dropping unparsable consensus message", "src", src.ID(), "err", err)
			conR.consensus.markParseFailure(src.ID())
			return
		}
		conR.learnAddress(msg.Sender, src.ID())
		conR.consensus.DeliverUnverifiedMessage(msg, src.ID())

	case StateTransferChannel:
		var envelope TransferEnvelope
		if err := tmjson.Unmarshal(msgBytes, &envelope); err != nil {
			conR.Logger.Debug("dropping unparsable transfer message", "src", src.ID(), "err", err)
			conR.consensus.markParseFailure(src.ID())
			return
		}
		switch {
		case envelope.Request != nil:
			conR.learnAddress(envelope.Request.Sender, src.ID())
			conR.consensus.DeliverTransferRequest(envelope.Request, src.ID())
		case envelope.Response != nil:
			conR.learnAddress(envelope.Response.Sender, src.ID())
			conR.consensus.DeliverTransferResponse(envelope.Response, src.ID())
		default:
			conR.consensus.markParseFailure(src.ID())
		}

	default:
		conR.Logger.Error(fmt.Sprintf("Unknown chID %X", chID))
	}
}

func (conR *Reactor) learnAddress(addr types.Address, id p2p.ID) {
	if len(addr) == 0 {
		return
	}
	conR.addrIndex.Set(addr.String(), string(id))
}

// subscribeToBroadcastEvents订阅consensus需要广播的消息
func (conR *Reactor) subscribeToBroadcastEvents() {
	const subscriber = "consensus-reactor"

	conR.consensus.eventSwitch.AddListenerForEvent(subscriber, EventOutboundConsensus,
		func(data events.EventData) {
			conR.broadcastConsensus(data.(*types.ConsensusMessage))
		})
}

func (conR *Reactor) broadcastConsensus(msg *types.ConsensusMessage) {
	bz, err := types.MarshalConsensusMessage(msg)
	if err != nil {
		conR.Logger.Error("Marshal consensus message failed.", "err", err, "msg", msg)
		return
	}
	conR.Switch.Broadcast(ConsensusChannel, bz)
}

//---------------------------------------------------------
// statetransfer.Sender

// SendRequest sends a block transfer request to the given peers. A peer we
// have no connection mapping for yet is reached by broadcast.
func (conR *Reactor) SendRequest(req *types.BlockTransferRequest, to []types.Address) {
	bz, err := tmjson.Marshal(&TransferEnvelope{Request: req})
	if err != nil {
		conR.Logger.Error("Marshal transfer request failed.", "err", err)
		return
	}

	broadcast := false
	for _, addr := range to {
		if !conR.sendTo(addr, bz) {
			broadcast = true
		}
	}
	if broadcast {
		conR.Switch.Broadcast(StateTransferChannel, bz)
	}
}

// SendResponse sends a block transfer response to a single peer.
func (conR *Reactor) SendResponse(resp *types.BlockTransferResponse, to types.Address) {
	bz, err := tmjson.Marshal(&TransferEnvelope{Response: resp})
	if err != nil {
		conR.Logger.Error("Marshal transfer response failed.", "err", err)
		return
	}
	if !conR.sendTo(to, bz) {
		conR.Switch.Broadcast(StateTransferChannel, bz)
	}
}

func (conR *Reactor) sendTo(addr types.Address, bz []byte) bool {
	id, ok := conR.addrIndex.Get(addr.String()).(string)
	if !ok {
		return false
	}
	peer, ok := conR.peers.Get(id).(p2p.Peer)
	if !ok {
		return false
	}
	return peer.Send(StateTransferChannel, bz)
}
