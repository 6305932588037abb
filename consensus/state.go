package consensus

import (
	"fmt"
	"sync"
	"time"

	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	tmos "github.com/tendermint/tendermint/libs/os"
	"github.com/tendermint/tendermint/libs/service"
	"github.com/tendermint/tendermint/p2p"

	"epochbft/crypto"
	"epochbft/store"
	"epochbft/types"
)

// ------ Event ------
// events the reactor and the availability module listen for
const (
	// EventOutboundConsensus carries a signed *types.ConsensusMessage to
	// broadcast to the active topology.
	EventOutboundConsensus = "OutboundConsensus"

	// EventNewEpoch carries the types.StoredEpoch just installed; the
	// availability module answers it with proposals.
	EventNewEpoch = "NewEpoch"
)

// OutputSink receives ordered blocks asynchronously. It eventually answers a
// completed epoch with the next epoch's topology via DeliverTopology.
type OutputSink interface {
	DeliverOrderedBlock(block *types.OrderedBlockForOutput)
}

// StateTransfer is the consensus module's handle on the state-transfer
// manager actor.
type StateTransfer interface {
	// StartTransfer begins fetching completed epochs from `from` onward.
	// target is an epoch a weak quorum of peers has reached: the run ends
	// once every epoch below it is applied. It is 0 when unknown
	// (onboarding).
	StartTransfer(from, target types.EpochNumber, m *types.Membership, provider crypto.Provider)

	// HandleRequest routes an inbound block transfer request (server role).
	HandleRequest(req *types.BlockTransferRequest)

	// HandleResponse routes an inbound block transfer response (client role).
	HandleResponse(resp *types.BlockTransferResponse)
}

// ProviderFactory builds the crypto provider bound to a topology, used when
// the node has to construct one itself (bootstrap and onboarding).
type ProviderFactory func(topo *types.OrderingTopology) crypto.Provider

// StartupSnapshot marks this node as onboarding: it joined an existing
// network and must fetch history starting at the recorded epoch.
type StartupSnapshot struct {
	StartEpoch types.EpochNumber
}

type behaviorType uint8

const (
	behaviorLive    = behaviorType(0x01)
	behaviorCatchup = behaviorType(0x02)
)

// 共识状态机实现
// The consensus module is a single-threaded actor: every message from its
// queues is applied to completion before the next, and all asynchronous work
// (storage, signature verification) completes by enqueueing a follow-up
// message.
type ConsensusState struct {
	service.BaseService

	config *Config

	epochStore      store.EpochStore
	sink            OutputSink
	stateTransfer   StateTransfer
	providerFactory ProviderFactory

	selfAddr        types.Address
	initialTopology *types.OrderingTopology
	snapshot        *StartupSnapshot

	// 共识内部状态
	mtx       sync.Mutex
	validator *Validator
	detector  *catchupDetector
	behavior  behaviorType

	current           *EpochState // nil while waiting for a topology
	latestCompleted   int64       // -1 until a real epoch completes
	lastCompletedInfo types.EpochInfo
	lastTopology      *types.OrderingTopology
	providers         map[types.EpochNumber]crypto.Provider
	pending           *NewEpochTopologyMessage

	// verified messages for epochs we have not reached yet, drained in
	// arrival order on epoch advance
	futureQueue []*types.ConsensusMessage

	// 通信管道
	peerMsgQueue     chan msgInfo
	internalMsgQueue chan msgInfo
	eventSwitch      events.EventSwitch

	metrics    *Metrics
	jsonMetric *consensusMetric
}

type ConsensusOption func(*ConsensusState)

func NewConsensusState(
	config *Config,
	selfAddr types.Address,
	initialTopology *types.OrderingTopology,
	epochStore store.EpochStore,
	providerFactory ProviderFactory,
	options ...ConsensusOption,
) *ConsensusState {
	cs := &ConsensusState{
		config:           config,
		epochStore:       epochStore,
		providerFactory:  providerFactory,
		selfAddr:         selfAddr,
		initialTopology:  initialTopology,
		lastTopology:     initialTopology,
		validator:        NewValidator(),
		detector:         newCatchupDetector(config.CatchupThreshold),
		behavior:         behaviorLive,
		latestCompleted:  -1,
		providers:        make(map[types.EpochNumber]crypto.Provider),
		peerMsgQueue:     make(chan msgInfo),
		internalMsgQueue: make(chan msgInfo),
		eventSwitch:      events.NewEventSwitch(),
		metrics:          NopMetrics(),
		jsonMetric:       newConsensusMetric(),
	}

	cs.BaseService = *service.NewBaseService(nil, "CONSENSUS", cs)

	for _, opt := range options {
		opt(cs)
	}

	return cs
}

func SetSnapshot(snapshot *StartupSnapshot) ConsensusOption {
	return func(cs *ConsensusState) {
		cs.snapshot = snapshot
	}
}

func SetMetrics(metrics *Metrics) ConsensusOption {
	return func(cs *ConsensusState) {
		cs.metrics = metrics
	}
}

func (cs *ConsensusState) SetLogger(logger log.Logger) {
	cs.Logger = logger
}

// SetStateTransfer wires the state-transfer manager. Must be called before
// Start.
func (cs *ConsensusState) SetStateTransfer(st StateTransfer) {
	cs.stateTransfer = st
}

// SetOutputSink wires the output sink. Must be called before Start.
func (cs *ConsensusState) SetOutputSink(sink OutputSink) {
	cs.sink = sink
}

// JSONMetric exposes the metric item registered with the admin RPC.
func (cs *ConsensusState) JSONMetric() *consensusMetric {
	return cs.jsonMetric
}

// EventSwitch exposes the switch the reactor and availability module
// subscribe on.
func (cs *ConsensusState) EventSwitch() events.EventSwitch {
	return cs.eventSwitch
}

func (cs *ConsensusState) OnStart() error {
	if err := cs.eventSwitch.Start(); err != nil {
		return err
	}

	go cs.recieveRoutine()
	cs.sendInternalMessage(msgInfo{&startMsg{}, ""})
	cs.Logger.Info("consensus receive routine started.")
	return nil
}

func (cs *ConsensusState) OnStop() {
	if err := cs.eventSwitch.Stop(); err != nil {
		cs.Logger.Error("failed trying to stop eventSwitch", "error", err)
	}
	cs.Logger.Info("consensus server stopped.")
}

// recieveRoutine 负责接收所有的消息
// every message is applied to completion before the next one
func (cs *ConsensusState) recieveRoutine() {
	for {
		select {
		case <-cs.Quit():
			cs.Logger.Info("recieveRoutine quit.")
			return

		case msginfo := <-cs.peerMsgQueue:
			cs.handleMsg(msginfo)

		case msginfo := <-cs.internalMsgQueue:
			cs.handleMsg(msginfo)
		}
	}
}

// handleMsg 根据不同的消息类型进行操作
func (cs *ConsensusState) handleMsg(mi msgInfo) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	switch msg := mi.Msg.(type) {
	case *startMsg:
		cs.handleStart()
	case *NewEpochTopologyMessage:
		cs.handleNewEpochTopology(msg)
	case *newEpochStoredMsg:
		cs.handleNewEpochStored(msg)
	case *completeEpochStoredMsg:
		cs.handleCompleteEpochStored(msg)
	case *asyncExceptionMsg:
		cs.handleAsyncException(msg)
	case *transferResultMsg:
		cs.handleTransferResult(msg)
	case *ProposalCreatedMessage:
		cs.handleProposalCreated(msg)
	case *PbftMessage:
		cs.handleVerifiedPbft(msg.Msg)
	case *UnverifiedPbftMessage:
		cs.handleUnverifiedPbft(msg.Msg)
	case *BlockTransferRequestMessage:
		cs.stateTransfer.HandleRequest(msg.Req)
	case *BlockTransferResponseMessage:
		cs.stateTransfer.HandleResponse(msg.Resp)
	case *timeoutMsg:
		cs.handleTimeout(msg)
	default:
		cs.Logger.Error("unknown message type", "msg", mi.Msg)
	}
}

//---------------------------------------------------------
// startup

// startMsg kicks off the startup sequence on the actor thread.
type startMsg struct{}

func (msg *startMsg) ValidateBasic() error { return nil }

func (cs *ConsensusState) handleStart() {
	latest, err := cs.epochStore.LatestCompletedEpoch()
	if err != nil {
		cs.handleAsyncException(&asyncExceptionMsg{Op: "latestCompletedEpoch", Err: err})
		return
	}
	started, err := cs.epochStore.LatestStartedEpoch()
	if err != nil {
		cs.handleAsyncException(&asyncExceptionMsg{Op: "latestStartedEpoch", Err: err})
		return
	}

	genesisOnly := isGenesisPlaceholder(latest)
	if !genesisOnly {
		cs.latestCompleted = latest.Info.Number.Int64()
		cs.lastCompletedInfo = latest.Info
		cs.lastTopology = latest.Topology
	}

	switch {
	case cs.snapshot != nil && genesisOnly && cs.hasOtherPeers():
		// onboarding: fetch everything from the snapshot's epoch before
		// touching live consensus
		cs.Logger.Info("onboarding via state transfer", "from", cs.snapshot.StartEpoch)
		cs.becomeCatchup(cs.snapshot.StartEpoch, 0)

	case started == nil:
		// fresh genesis: bootstrap the first epoch ourselves
		cs.Logger.Info("bootstrapping first epoch from genesis")
		cs.handleNewEpochTopology(&NewEpochTopologyMessage{
			Epoch:    types.GenesisEpochNumber,
			Topology: cs.initialTopology,
			Provider: cs.providerFactory(cs.initialTopology),
		})

	case started.Info.Number.Int64() > cs.latestCompleted:
		// crashed mid-epoch: reconstruct and resume
		cs.Logger.Info("resuming epoch in progress", "epoch", started.Info.Number)
		progress, err := cs.epochStore.EpochInProgress(started.Info.Number)
		if err != nil {
			cs.handleAsyncException(&asyncExceptionMsg{Op: "epochInProgress", Err: err})
			return
		}
		cs.providers[started.Info.Number] = cs.providerFactory(started.Topology)
		cs.installEpoch(*started)
		cs.current.Resume(progress)
		cs.checkEpochComplete()

	default:
		// completed but the next topology has not arrived yet
		cs.Logger.Info("waiting for next epoch topology", "completed", cs.latestCompleted)
	}
}

func isGenesisPlaceholder(completed *types.CompletedEpoch) bool {
	return completed.Info.IsGenesis() && completed.Info.Length == 0
}

func (cs *ConsensusState) hasOtherPeers() bool {
	if cs.initialTopology == nil {
		return false
	}
	for _, p := range cs.initialTopology.Peers {
		if types.CompareAddress(p.Address, cs.selfAddr) != 0 {
			return true
		}
	}
	return false
}

//---------------------------------------------------------
// epoch lifecycle

func (cs *ConsensusState) currentEpochNumber() int64 {
	if cs.current == nil {
		return -1
	}
	return cs.current.Info().Number.Int64()
}

// handleNewEpochTopology applies the epoch-advance decision table.
func (cs *ConsensusState) handleNewEpochTopology(msg *NewEpochTopologyMessage) {
	n := msg.Epoch.Int64()
	lc := cs.latestCompleted
	cur := cs.currentEpochNumber()

	switch {
	case lc == n-1 && (cur == n-1 || cur == -1):
		// cur == -1 covers the fresh-genesis bootstrap and a restart that
		// landed in the completed-but-next-not-yet-received state
		var info types.EpochInfo
		if lc == -1 {
			info = types.EpochInfo{
				Number:     msg.Epoch,
				StartBlock: 0,
				Length:     cs.config.EpochLength,
				Activation: msg.Topology.Activation,
			}
		} else {
			info = cs.lastCompletedInfo.Next(cs.config.EpochLength, msg.Topology.Activation)
		}

		cs.providers[msg.Epoch] = msg.Provider
		stored := types.StoredEpoch{Info: info, Topology: msg.Topology}

		cs.Logger.Info("starting new epoch", "epoch", info)
		go func() {
			if err := cs.epochStore.StartEpoch(stored); err != nil {
				cs.sendInternalMessage(msgInfo{&asyncExceptionMsg{Op: "startEpoch", Err: err}, ""})
				return
			}
			cs.sendInternalMessage(msgInfo{&newEpochStoredMsg{Stored: stored}, ""})
		}()

	case lc == n-1 && cur == n:
		// duplicate from the output module after a restart
		cs.Logger.Debug("ignoring duplicate epoch topology", "epoch", n)

	case lc < n-1:
		cs.Logger.Info("remembering future epoch topology", "epoch", n, "completed", lc)
		cs.pending = msg

	case lc >= n:
		cs.Logger.Debug("ignoring stale epoch topology", "epoch", n, "completed", lc)

	default:
		panic(fmt.Sprintf(
			"epoch topology for %d cannot be reconciled: latest completed %d, current %d",
			n, lc, cur))
	}
}

func (cs *ConsensusState) handleNewEpochStored(msg *newEpochStoredMsg) {
	if cur := cs.currentEpochNumber(); cur >= msg.Stored.Info.Number.Int64() {
		cs.Logger.Debug("epoch already installed", "epoch", msg.Stored.Info.Number)
		return
	}

	cs.installEpoch(msg.Stored)
	cs.drainFutureQueue()
}

func (cs *ConsensusState) installEpoch(stored types.StoredEpoch) {
	membership := types.NewMembership(cs.selfAddr, stored.Topology)
	provider, ok := cs.providers[stored.Info.Number]
	if !ok {
		provider = cs.providerFactory(stored.Topology)
		cs.providers[stored.Info.Number] = provider
	}

	cs.current = NewEpochState(cs.config, stored, membership, provider, cs, cs.Logger)
	cs.lastTopology = stored.Topology
	cs.current.Start()

	cs.jsonMetric.MarkEpoch(stored.Info.Number.Int64(), stored.Topology.Size(), time.Now())
	cs.Logger.Info("epoch installed", "epoch", stored.Info, "n", stored.Topology.Size())

	cs.eventSwitch.FireEvent(EventNewEpoch, stored)
}

func (cs *ConsensusState) handleCompleteEpochStored(msg *completeEpochStoredMsg) {
	if msg.Epoch.Int64() <= cs.latestCompleted {
		return
	}
	cs.latestCompleted = msg.Epoch.Int64()
	if cs.current != nil && cs.current.Info().Number == msg.Epoch {
		cs.lastCompletedInfo = cs.current.Info()
	}
	cs.metrics.EpochsCompleted.Add(1)
	cs.Logger.Info("epoch completed", "epoch", msg.Epoch)

	if cs.pending != nil && cs.pending.Epoch.Int64() == cs.latestCompleted+1 {
		pending := cs.pending
		cs.pending = nil
		cs.handleNewEpochTopology(pending)
	}
}

func (cs *ConsensusState) handleAsyncException(msg *asyncExceptionMsg) {
	// storage is authoritative; there is nothing sensible to do but stop
	cs.Logger.Error("async storage failure, terminating", "op", msg.Op, "err", msg.Err)
	tmos.Exit(fmt.Sprintf("consensus: %s failed: %v", msg.Op, msg.Err))
}

//---------------------------------------------------------
// block ordering

// blockOrdered implements segmentEnv; called on the actor thread.
func (cs *ConsensusState) blockOrdered(block *types.OrderedBlock, commits []*types.ConsensusMessage) {
	if cs.current == nil || block.Metadata.Epoch != cs.current.Info().Number {
		return
	}
	if !cs.current.RecordOrdered(block) {
		// duplicates from view change or retransmission are suppressed
		return
	}

	cs.metrics.OrderedBlocks.Add(1)
	cs.jsonMetric.MarkLastBlock(block.Metadata.Number.Int64())

	go func() {
		if err := cs.epochStore.AddOrderedBlock(block); err != nil {
			cs.sendInternalMessage(msgInfo{&asyncExceptionMsg{Op: "addOrderedBlock", Err: err}, ""})
		}
	}()

	cs.sink.DeliverOrderedBlock(&types.OrderedBlockForOutput{
		Block:      block,
		Provenance: types.FromConsensus,
	})

	cs.checkEpochComplete()
}

func (cs *ConsensusState) checkEpochComplete() {
	if cs.current == nil || !cs.current.IsComplete() {
		return
	}

	n := cs.current.Info().Number
	lastCommits := cs.current.LastCommits()
	cs.Logger.Info("all blocks of epoch ordered", "epoch", n)

	go func() {
		if err := cs.epochStore.CompleteEpoch(n, lastCommits); err != nil {
			cs.sendInternalMessage(msgInfo{&asyncExceptionMsg{Op: "completeEpoch", Err: err}, ""})
			return
		}
		cs.sendInternalMessage(msgInfo{&completeEpochStoredMsg{Epoch: n}, ""})
	}()
}

//---------------------------------------------------------
// PBFT dispatch

func (cs *ConsensusState) handleVerifiedPbft(msg *types.ConsensusMessage) {
	cur := cs.currentEpochNumber()
	em := msg.Epoch.Int64()

	if em < cur || (cs.behavior == behaviorCatchup && em <= cs.latestCompleted) {
		// stale
		return
	}

	if cur == -1 || em > cur || cs.behavior == behaviorCatchup {
		cs.enqueueFuture(msg)
		return
	}

	// em == cur, live
	if !cs.current.Info().Contains(msg.Block) {
		cs.nonCompliance(msg, NonComplianceOutOfBounds)
		return
	}
	if !cs.current.Membership().Contains(msg.Sender) {
		cs.nonCompliance(msg, NonComplianceOutOfTopology)
		return
	}

	cs.detector.Observe(msg.Sender, msg.Epoch)
	cs.current.SegmentFor(msg.Block).HandleMessage(msg)
}

func (cs *ConsensusState) enqueueFuture(msg *types.ConsensusMessage) {
	cs.futureQueue = append(cs.futureQueue, msg)
	cs.detector.Observe(msg.Sender, msg.Epoch)
	cs.jsonMetric.MarkFutureQueue(len(cs.futureQueue))

	if cs.behavior != behaviorLive {
		return
	}

	local := types.EpochNumber(cs.latestCompleted + 1)
	if cur := cs.currentEpochNumber(); cur >= 0 {
		local = types.EpochNumber(cur)
	}
	if should, target := cs.detector.ShouldCatchUp(local, cs.weakQuorum()); should {
		cs.Logger.Info("catch-up condition met", "local", local, "target", target)
		cs.becomeCatchup(types.EpochNumber(cs.latestCompleted+1), target)
	}
}

func (cs *ConsensusState) weakQuorum() int {
	topo := cs.lastTopology
	if cs.current != nil {
		topo = cs.current.Membership().Topology
	}
	if topo == nil || topo.Size() == 0 {
		return 0
	}
	return types.NewMembership(cs.selfAddr, topo).WeakQuorum()
}

func (cs *ConsensusState) handleUnverifiedPbft(msg *types.ConsensusMessage) {
	provider := cs.providerForEpoch(msg.Epoch)

	// verification runs off the actor thread; the verified message is
	// re-delivered to self
	go func() {
		if err := cs.validator.Verify(msg, provider); err != nil {
			cs.Logger.Debug("dropping unverifiable message", "msg", msg, "err", err)
			cs.nonCompliance(msg, NonComplianceInvalidSignature)
			return
		}
		cs.sendPeerMessage(msgInfo{&PbftMessage{Msg: msg}, ""})
	}()
}

// providerForEpoch picks the provider bound to the message's epoch. For
// epochs beyond every known topology the latest provider is used; a message
// verified that way and queued for a later epoch is not verified again when
// that epoch is installed.
func (cs *ConsensusState) providerForEpoch(epoch types.EpochNumber) crypto.Provider {
	if provider, ok := cs.providers[epoch]; ok {
		return provider
	}
	if cs.current != nil {
		return cs.current.Provider()
	}
	return cs.providerFactory(cs.lastTopology)
}

func (cs *ConsensusState) handleProposalCreated(msg *ProposalCreatedMessage) {
	if cs.behavior != behaviorLive || cs.current == nil {
		return
	}
	if msg.Epoch != cs.current.Info().Number {
		cs.Logger.Debug("proposal for wrong epoch", "epoch", msg.Epoch)
		return
	}
	cs.current.ProposalCreated(msg.Payload)
}

func (cs *ConsensusState) handleTimeout(msg *timeoutMsg) {
	if cs.behavior != behaviorLive || cs.current == nil {
		return
	}
	if msg.Epoch != cs.current.Info().Number {
		return
	}
	sm := cs.current.SegmentFor(msg.Block)
	if sm == nil {
		return
	}
	sm.OnTimeout(msg.Block, msg.View)
}

// drainFutureQueue re-applies queued messages for the epoch just installed
// and discards the ones for epochs already surpassed.
func (cs *ConsensusState) drainFutureQueue() {
	if cs.current == nil {
		return
	}
	cur := cs.current.Info().Number

	queued := cs.futureQueue
	cs.futureQueue = nil
	for _, msg := range queued {
		if msg.Epoch < cur {
			continue
		}
		cs.handleVerifiedPbft(msg)
	}
	cs.jsonMetric.MarkFutureQueue(len(cs.futureQueue))
}

//---------------------------------------------------------
// catch-up behavior

// becomeCatchup pauses live consensus and runs the state-transfer client.
// The future queue is preserved; it is drained when live consensus resumes.
func (cs *ConsensusState) becomeCatchup(from, target types.EpochNumber) {
	cs.behavior = behaviorCatchup
	cs.jsonMetric.MarkBehavior("catchup")

	topo := cs.lastTopology
	if cs.current != nil {
		topo = cs.current.Membership().Topology
	}
	membership := types.NewMembership(cs.selfAddr, topo)

	cs.stateTransfer.StartTransfer(from, target, membership, cs.providerForEpoch(from))
}

func (cs *ConsensusState) handleTransferResult(msg *transferResultMsg) {
	cs.behavior = behaviorLive
	cs.jsonMetric.MarkBehavior("live")

	if msg.Nothing {
		cs.Logger.Info("nothing to state transfer")
		if cs.current == nil && cs.latestCompleted == -1 {
			// onboarding against an empty network: bootstrap instead
			cs.handleNewEpochTopology(&NewEpochTopologyMessage{
				Epoch:    types.GenesisEpochNumber,
				Topology: cs.initialTopology,
				Provider: cs.providerFactory(cs.initialTopology),
			})
		}
		return
	}

	cs.Logger.Info("state transfer completed", "last_epoch", msg.LastEpoch)
	cs.latestCompleted = msg.LastEpoch.Int64()
	if msg.Stored != nil {
		cs.lastCompletedInfo = msg.Stored.Info
		cs.lastTopology = msg.Stored.Topology
	}

	// the epoch that was live before the transfer is long superseded
	cs.current = nil

	// drop queued messages the transfer has overtaken
	var keep []*types.ConsensusMessage
	for _, queued := range cs.futureQueue {
		if queued.Epoch.Int64() > cs.latestCompleted {
			keep = append(keep, queued)
		}
	}
	cs.futureQueue = keep
	cs.jsonMetric.MarkFutureQueue(len(cs.futureQueue))

	if cs.pending != nil && cs.pending.Epoch.Int64() == cs.latestCompleted+1 {
		pending := cs.pending
		cs.pending = nil
		cs.handleNewEpochTopology(pending)
	}
}

// DeliverTransferResult is called by the state-transfer manager when a
// client run finishes.
func (cs *ConsensusState) DeliverTransferResult(last types.EpochNumber, stored *types.CompletedEpoch, nothing bool) {
	cs.sendInternalMessage(msgInfo{&transferResultMsg{LastEpoch: last, Stored: stored, Nothing: nothing}, ""})
}

//---------------------------------------------------------
// segmentEnv

func (cs *ConsensusState) signMessage(msg *types.ConsensusMessage) error {
	provider := cs.providerForEpoch(msg.Epoch)
	sig, err := provider.Sign(msg.SignBytes())
	if err != nil {
		return err
	}
	msg.Signature = sig
	return nil
}

func (cs *ConsensusState) broadcastConsensus(msg *types.ConsensusMessage) {
	if err := cs.signMessage(msg); err != nil {
		cs.Logger.Error("signing outbound message failed", "msg", msg, "err", err)
		return
	}

	cs.eventSwitch.FireEvent(EventOutboundConsensus, msg)

	// self-delivery is synchronous: we are already on the actor thread
	cs.handleVerifiedPbft(msg)
}

func (cs *ConsensusState) persistPbftMessage(msg *types.ConsensusMessage) {
	go func() {
		if err := cs.epochStore.AddPbftMessage(msg); err != nil {
			cs.sendInternalMessage(msgInfo{&asyncExceptionMsg{Op: "addPbftMessage", Err: err}, ""})
		}
	}()
}

func (cs *ConsensusState) scheduleTimeout(d time.Duration, block types.BlockNumber, view int64) {
	epoch := types.EpochNumber(cs.currentEpochNumber())
	time.AfterFunc(d, func() {
		cs.sendInternalMessage(msgInfo{&timeoutMsg{Duration: d, Epoch: epoch, Block: block, View: view}, ""})
	})
}

func (cs *ConsensusState) markViewChange() {
	cs.metrics.ViewChanges.Add(1)
}

// markParseFailure records a message that could not even be parsed; there is
// no envelope to label it with beyond the transport peer.
func (cs *ConsensusState) markParseFailure(peerID p2p.ID) {
	cs.metrics.ConsensusInvalidMessage.With(
		"reason", NonComplianceParseFailure,
		"sender", string(peerID),
		"epoch", "", "view", "", "block", "",
	).Add(1)
}

func (cs *ConsensusState) nonCompliance(msg *types.ConsensusMessage, reason string) {
	cs.metrics.ConsensusInvalidMessage.With(
		"reason", reason,
		"sender", msg.Sender.String(),
		"epoch", fmt.Sprintf("%d", msg.Epoch),
		"view", fmt.Sprintf("%d", msg.View),
		"block", fmt.Sprintf("%d", msg.Block),
	).Add(1)
	cs.Logger.Debug("non-compliant message", "reason", reason, "msg", msg)
}

//---------------------------------------------------------
// external delivery

// DeliverTopology feeds a NewEpochTopology from the output module.
func (cs *ConsensusState) DeliverTopology(msg *NewEpochTopologyMessage) {
	cs.sendPeerMessage(msgInfo{msg, ""})
}

// DeliverProposal feeds a locally created availability payload.
func (cs *ConsensusState) DeliverProposal(epoch types.EpochNumber, payload types.Payload) {
	cs.sendInternalMessage(msgInfo{&ProposalCreatedMessage{Epoch: epoch, Payload: payload}, ""})
}

// DeliverUnverifiedMessage feeds a parsed but unverified consensus message
// from the network.
func (cs *ConsensusState) DeliverUnverifiedMessage(msg *types.ConsensusMessage, peerID p2p.ID) {
	cs.sendPeerMessage(msgInfo{&UnverifiedPbftMessage{Msg: msg}, peerID})
}

// DeliverVerifiedMessage feeds an already verified consensus message.
// EXPOSED FOR TESTING.
func (cs *ConsensusState) DeliverVerifiedMessage(msg *types.ConsensusMessage) {
	cs.sendPeerMessage(msgInfo{&PbftMessage{Msg: msg}, ""})
}

// DeliverTransferRequest feeds an inbound block transfer request.
func (cs *ConsensusState) DeliverTransferRequest(req *types.BlockTransferRequest, peerID p2p.ID) {
	cs.sendPeerMessage(msgInfo{&BlockTransferRequestMessage{Req: req}, peerID})
}

// DeliverTransferResponse feeds an inbound block transfer response.
func (cs *ConsensusState) DeliverTransferResponse(resp *types.BlockTransferResponse, peerID p2p.ID) {
	cs.sendPeerMessage(msgInfo{&BlockTransferResponseMessage{Resp: resp}, peerID})
}

// GetOrderingTopology implements the admin probe: the current epoch number
// and the peers active in it.
func (cs *ConsensusState) GetOrderingTopology() (types.EpochNumber, []*types.Peer) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	if cs.current != nil {
		return cs.current.Info().Number, cs.current.Membership().Topology.Peers
	}
	if cs.lastTopology != nil {
		return types.EpochNumber(cs.latestCompleted), cs.lastTopology.Peers
	}
	return types.EpochNumber(cs.latestCompleted), nil
}

//---------------------------------------------------------

// send a msg into the receiveRoutine regarding our own actions
// 直接写可能会因为receiveRoutine blocked从而导致本协程block
func (cs *ConsensusState) sendInternalMessage(mi msgInfo) {
	select {
	case cs.internalMsgQueue <- mi:
	default:
		// NOTE: using the go-routine means our messages can
		// be processed out of order.
		go func() { cs.internalMsgQueue <- mi }()
	}
}

func (cs *ConsensusState) sendPeerMessage(mi msgInfo) {
	select {
	case cs.peerMsgQueue <- mi:
	default:
		go func() { cs.peerMsgQueue <- mi }()
	}
}
