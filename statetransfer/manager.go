// Package statetransfer implements onboarding and lagging-replica recovery
// by request/response transfer of completed epochs and their commit
// certificates.
package statetransfer

import (
	"time"

	"github.com/pkg/errors"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"

	"epochbft/crypto"
	"epochbft/store"
	"epochbft/types"
)

// onboardingDryRetries is how many silent retry rounds end an open-ended
// (target unknown) transfer.
const onboardingDryRetries = 3

// Sender carries transfer messages to specific peers. The network reactor
// implements it.
type Sender interface {
	SendRequest(req *types.BlockTransferRequest, to []types.Address)
	SendResponse(resp *types.BlockTransferResponse, to types.Address)
}

// ResultFunc reports a finished client run back to the consensus module.
// nothing is true when the node was already up to date; otherwise last and
// stored describe the highest epoch applied.
type ResultFunc func(last types.EpochNumber, stored *types.CompletedEpoch, nothing bool)

// Manager is the state-transfer actor. It serves block transfer requests
// from its local store, and as a client fetches completed epochs from a weak
// quorum of peers, applying them in strict epoch order.
//
// Every response is self-authenticating via its commit certificate, so a
// single honest responder is enough for correctness; liveness needs one
// honest, up-to-date responder among the queried weak quorum.
type Manager struct {
	service.BaseService

	epochStore store.EpochStore
	sender     Sender
	self       types.Address
	onResult   ResultFunc
	deliver    func(*types.OrderedBlockForOutput)

	retry *retryTicker

	queue chan interface{}

	// client state, owned by the actor goroutine
	active     bool
	next       types.EpochNumber // next epoch to apply
	target     types.EpochNumber // 0 when unknown
	membership *types.Membership
	provider   crypto.Provider
	pendingRsp map[types.EpochNumber]*types.BlockTransferResponse
	lastStored *types.CompletedEpoch
	dryRounds  int

	epochsMeter   gometrics.Meter
	requestsMeter gometrics.Meter
}

func NewManager(
	epochStore store.EpochStore,
	sender Sender,
	self types.Address,
	retryInterval time.Duration,
	onResult ResultFunc,
	deliver func(*types.OrderedBlockForOutput),
) *Manager {
	m := &Manager{
		epochStore:    epochStore,
		sender:        sender,
		self:          self,
		onResult:      onResult,
		deliver:       deliver,
		queue:         make(chan interface{}, 100), // buffered: sends from one goroutine arrive in order
		pendingRsp:    make(map[types.EpochNumber]*types.BlockTransferResponse),
		epochsMeter:   gometrics.GetOrRegisterMeter("statetransfer.epochs_applied", nil),
		requestsMeter: gometrics.GetOrRegisterMeter("statetransfer.requests_served", nil),
	}
	m.retry = newRetryTicker(retryInterval, func() { m.send(retryMsg{}) })
	m.BaseService = *service.NewBaseService(nil, "STATETRANSFER", m)
	return m
}

func (m *Manager) SetLogger(logger log.Logger) {
	m.Logger = logger
}

func (m *Manager) OnStart() error {
	go m.recieveRoutine()
	m.Logger.Info("state transfer manager started.")
	return nil
}

func (m *Manager) OnStop() {
	m.retry.Stop()
}

//---------------------------------------------------------
// inbox

type startTransferMsg struct {
	From       types.EpochNumber
	Target     types.EpochNumber
	Membership *types.Membership
	Provider   crypto.Provider
}

type requestMsg struct {
	Req *types.BlockTransferRequest
}

type responseMsg struct {
	Resp *types.BlockTransferResponse
}

type retryMsg struct{}

// StartTransfer implements the consensus module's StateTransfer handle.
func (m *Manager) StartTransfer(from, target types.EpochNumber, membership *types.Membership, provider crypto.Provider) {
	m.send(startTransferMsg{From: from, Target: target, Membership: membership, Provider: provider})
}

// HandleRequest implements the consensus module's StateTransfer handle.
func (m *Manager) HandleRequest(req *types.BlockTransferRequest) {
	m.send(requestMsg{Req: req})
}

// HandleResponse implements the consensus module's StateTransfer handle.
func (m *Manager) HandleResponse(resp *types.BlockTransferResponse) {
	m.send(responseMsg{Resp: resp})
}

func (m *Manager) send(msg interface{}) {
	select {
	case m.queue <- msg:
	default:
		go func() { m.queue <- msg }()
	}
}

func (m *Manager) recieveRoutine() {
	for {
		select {
		case <-m.Quit():
			return
		case msg := <-m.queue:
			m.handleMsg(msg)
		}
	}
}

func (m *Manager) handleMsg(msg interface{}) {
	switch msg := msg.(type) {
	case startTransferMsg:
		m.handleStartTransfer(msg)
	case requestMsg:
		m.serveRequest(msg.Req)
	case responseMsg:
		m.handleResponse(msg.Resp)
	case retryMsg:
		m.handleRetry()
	default:
		m.Logger.Error("unknown message type", "msg", msg)
	}
}

//---------------------------------------------------------
// client role

func (m *Manager) handleStartTransfer(msg startTransferMsg) {
	if m.active {
		m.Logger.Debug("transfer already running", "next", m.next)
		return
	}

	m.active = true
	m.next = msg.From
	m.target = msg.Target
	m.membership = msg.Membership
	m.provider = msg.Provider
	m.pendingRsp = make(map[types.EpochNumber]*types.BlockTransferResponse)
	m.lastStored = nil
	m.dryRounds = 0

	m.Logger.Info("starting block transfer", "from", m.next, "target", m.target)
	m.requestBlocks()
	m.retry.Reset()
}

// requestBlocks asks a weak quorum of peers for everything from m.next on.
func (m *Manager) requestBlocks() {
	req := &types.BlockTransferRequest{FromEpoch: m.next, Sender: m.self}

	var targets []types.Address
	for _, p := range m.membership.OtherPeers() {
		targets = append(targets, p.Address)
		if len(targets) == m.membership.WeakQuorum() {
			break
		}
	}
	if len(targets) == 0 {
		m.Logger.Error("no peers to request blocks from")
		return
	}

	m.Logger.Debug("requesting blocks", "from", m.next, "peers", len(targets))
	m.sender.SendRequest(req, targets)
}

func (m *Manager) handleRetry() {
	if !m.active {
		return
	}

	if m.target == 0 && m.dryRounds >= onboardingDryRetries {
		// open-ended transfer and the network has nothing more for us
		m.finish()
		return
	}
	m.dryRounds++

	m.requestBlocks()
	m.retry.Reset()
}

func (m *Manager) handleResponse(resp *types.BlockTransferResponse) {
	if !m.active {
		// a late response from an earlier run
		return
	}
	if err := resp.ValidateBasic(); err != nil {
		m.Logger.Debug("malformed transfer response", "err", err)
		return
	}

	e := resp.Epoch.Info.Number
	if e < m.next {
		return
	}
	if _, dup := m.pendingRsp[e]; dup {
		return
	}

	if err := m.verifyResponse(resp); err != nil {
		m.Logger.Error("rejecting transfer response", "epoch", e, "from", resp.Sender, "err", err)
		return
	}

	m.pendingRsp[e] = resp
	m.applyPending()
}

// verifyResponse checks that the response's commit certificates hold under
// the membership the transfer runs in, signatures included.
func (m *Manager) verifyResponse(resp *types.BlockTransferResponse) error {
	for _, block := range resp.Blocks {
		digest := types.PayloadDigest(block.Payload)
		if err := block.Certificate.Verify(m.membership, block.Metadata, digest); err != nil {
			return errors.Wrap(err, "block certificate")
		}
		for _, commit := range block.Certificate.Commits {
			if err := m.provider.Verify(commit.SignBytes(), commit.Signature, commit.Sender); err != nil {
				return errors.Wrap(err, "commit signature")
			}
		}
	}

	last := resp.Blocks[len(resp.Blocks)-1]
	cert := &types.CommitCertificate{Commits: resp.LastCommits}
	if err := cert.Verify(m.membership, last.Metadata, types.PayloadDigest(last.Payload)); err != nil {
		return errors.Wrap(err, "last-block certificate")
	}
	return nil
}

// applyPending applies buffered responses in strict epoch order.
func (m *Manager) applyPending() {
	for {
		resp, ok := m.pendingRsp[m.next]
		if !ok {
			break
		}
		delete(m.pendingRsp, m.next)

		if err := m.applyEpoch(resp); err != nil {
			m.Logger.Error("applying transferred epoch failed", "epoch", m.next, "err", err)
			return
		}

		m.dryRounds = 0
		m.epochsMeter.Mark(1)
		m.next++
	}

	if m.target > 0 && m.next >= m.target {
		m.finish()
	}
}

func (m *Manager) applyEpoch(resp *types.BlockTransferResponse) error {
	if err := m.epochStore.StartEpoch(resp.Epoch); err != nil {
		return errors.Wrap(err, "startEpoch")
	}
	for _, block := range resp.Blocks {
		if err := m.epochStore.AddOrderedBlock(block); err != nil {
			return errors.Wrap(err, "addOrderedBlock")
		}
		m.deliver(&types.OrderedBlockForOutput{
			Block:      block,
			Provenance: types.FromStateTransfer,
		})
	}
	if err := m.epochStore.CompleteEpoch(resp.Epoch.Info.Number, resp.LastCommits); err != nil {
		return errors.Wrap(err, "completeEpoch")
	}

	m.lastStored = &types.CompletedEpoch{
		StoredEpoch: resp.Epoch,
		LastCommits: resp.LastCommits,
	}
	m.Logger.Info("applied transferred epoch", "epoch", resp.Epoch.Info)
	return nil
}

func (m *Manager) finish() {
	m.active = false
	m.retry.Stop()
	m.pendingRsp = make(map[types.EpochNumber]*types.BlockTransferResponse)

	if m.lastStored == nil {
		m.Logger.Info("nothing to state transfer")
		m.onResult(0, nil, true)
		return
	}

	last := m.lastStored.Info.Number
	m.Logger.Info("block transfer completed", "last_epoch", last)
	m.onResult(last, m.lastStored, false)
}

//---------------------------------------------------------
// server role

// serveRequest answers with one response per completed epoch at or above the
// requested one. Responses are independent per epoch.
func (m *Manager) serveRequest(req *types.BlockTransferRequest) {
	latest, err := m.epochStore.LatestCompletedEpoch()
	if err != nil {
		m.Logger.Error("reading latest completed epoch failed", "err", err)
		return
	}
	if latest.Info.IsGenesis() && latest.Info.Length == 0 {
		return
	}

	from := req.FromEpoch
	if from < 0 {
		from = 0
	}

	for e := from; e <= latest.Info.Number; e++ {
		completed, err := m.epochStore.LoadCompletedEpoch(e)
		if err != nil {
			m.Logger.Error("loading completed epoch failed", "epoch", e, "err", err)
			return
		}
		if completed == nil {
			continue
		}
		blocks, err := m.epochStore.LoadEpochBlocks(e)
		if err != nil {
			m.Logger.Error("loading epoch blocks failed", "epoch", e, "err", err)
			return
		}
		if len(blocks) == 0 {
			continue
		}

		m.requestsMeter.Mark(1)
		m.sender.SendResponse(&types.BlockTransferResponse{
			Epoch:       completed.StoredEpoch,
			Blocks:      blocks,
			LastCommits: completed.LastCommits,
			Sender:      m.self,
		}, req.Sender)
	}
}
