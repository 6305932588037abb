package consensus

import (
	"bytes"
	"fmt"
	"time"

	"github.com/tendermint/tendermint/libs/log"

	cstype "epochbft/consensus/types"
	"epochbft/types"
)

// segmentEnv is what a segment module needs from its surroundings. The
// consensus module implements it; segments hold a handle back, never an
// owning reference.
type segmentEnv interface {
	// signMessage fills in the signature envelope of an outbound message.
	signMessage(msg *types.ConsensusMessage) error

	// broadcastConsensus signs msg, delivers it to self and sends it to
	// every other peer in the active topology.
	broadcastConsensus(msg *types.ConsensusMessage)

	// persistPbftMessage persists an accepted message for crash recovery.
	persistPbftMessage(msg *types.ConsensusMessage)

	// blockOrdered reports a decided slot upward, exactly once per block.
	blockOrdered(block *types.OrderedBlock, commits []*types.ConsensusMessage)

	// scheduleTimeout arranges a timeoutMsg for (block, view) after d.
	scheduleTimeout(d time.Duration, block types.BlockNumber, view int64)

	// nonCompliance emits a non-compliance metric for msg.
	nonCompliance(msg *types.ConsensusMessage, reason string)

	// markViewChange counts a locally initiated view change.
	markViewChange()
}

// SegmentModule runs PBFT for one leader's slice of block slots within an
// epoch. It lives on the consensus module's actor thread: every handler runs
// to completion before the next message is applied.
type SegmentModule struct {
	logger log.Logger

	cfg        *Config
	segment    *types.Segment
	epochInfo  types.EpochInfo
	membership *types.Membership

	env segmentEnv

	slots map[types.BlockNumber]*cstype.SlotState

	// payloads queued by the local availability module, consumed slot by
	// slot when this peer is the segment's original leader
	pendingPayloads []types.Payload
	nextProposal    int

	newViewSent map[string]struct{}

	// replaying suppresses sends and persistence while reconstructing from
	// the epoch store
	replaying bool
}

func NewSegmentModule(
	cfg *Config,
	segment *types.Segment,
	epochInfo types.EpochInfo,
	membership *types.Membership,
	env segmentEnv,
) *SegmentModule {
	slots := make(map[types.BlockNumber]*cstype.SlotState, len(segment.Slots))
	for _, b := range segment.Slots {
		slots[b] = cstype.NewSlotState(b, cfg.ViewChangeTimeout)
	}

	return &SegmentModule{
		logger:      log.NewNopLogger(),
		cfg:         cfg,
		segment:     segment,
		epochInfo:   epochInfo,
		membership:  membership,
		env:         env,
		slots:       slots,
		newViewSent: make(map[string]struct{}),
	}
}

func (sm *SegmentModule) SetLogger(logger log.Logger) {
	sm.logger = logger
}

// Segment returns the slice this module orders.
func (sm *SegmentModule) Segment() *types.Segment {
	return sm.segment
}

// Start arms the view-change timer of every undecided slot.
func (sm *SegmentModule) Start() {
	for _, ss := range sm.slots {
		if !ss.Step.Decided() {
			sm.env.scheduleTimeout(ss.Timeout, ss.Block, ss.View)
		}
	}
}

// IsOwnSegment reports whether this peer is the segment's original leader.
func (sm *SegmentModule) IsOwnSegment() bool {
	return sm.segment.IsOriginalLeader(sm.membership.Self)
}

//---------------------------------------------------------
// proposals

// OnProposalCreated assigns a locally created payload to the next unproposed
// slot of this segment. Only meaningful on the original leader.
func (sm *SegmentModule) OnProposalCreated(payload types.Payload) {
	if !sm.IsOwnSegment() {
		return
	}

	sm.pendingPayloads = append(sm.pendingPayloads, payload)
	sm.proposeNext()
}

func (sm *SegmentModule) proposeNext() {
	for sm.nextProposal < len(sm.segment.Slots) && len(sm.pendingPayloads) > 0 {
		block := sm.segment.Slots[sm.nextProposal]
		ss := sm.slots[block]
		if ss.View != 0 || ss.PrePrepare != nil || ss.Step != cstype.SlotStepIdle {
			// slot already owned by a view change or an accepted proposal
			sm.nextProposal++
			continue
		}

		payload := sm.pendingPayloads[0]
		sm.pendingPayloads = sm.pendingPayloads[1:]
		sm.nextProposal++

		pp := &types.ConsensusMessage{
			Epoch:     sm.epochInfo.Number,
			View:      0,
			Block:     block,
			Sender:    sm.membership.Self,
			Timestamp: types.CanonicalNow(),
			Payload: &types.PrePrepare{
				Digest:  types.PayloadDigest(payload),
				Payload: payload,
			},
		}
		sm.logger.Info("proposing payload", "block", block, "bytes", len(payload))
		sm.env.broadcastConsensus(pp)
	}
}

//---------------------------------------------------------
// message dispatch

// HandleMessage applies one verified consensus message for a slot this
// segment owns. Dispatch is an exhaustive case analysis over the payload
// variants.
func (sm *SegmentModule) HandleMessage(msg *types.ConsensusMessage) {
	ss, ok := sm.slots[msg.Block]
	if !ok {
		panic(fmt.Sprintf("segment %v handed message for foreign slot %d", sm.segment, msg.Block))
	}

	switch msg.Payload.(type) {
	case *types.PrePrepare:
		sm.onPrePrepare(ss, msg)
	case *types.Prepare:
		sm.onPrepare(ss, msg)
	case *types.Commit:
		sm.onCommit(ss, msg)
	case *types.ViewChange:
		sm.onViewChange(ss, msg)
	case *types.NewView:
		sm.onNewView(ss, msg)
	default:
		panic(fmt.Sprintf("unknown consensus payload %T", msg.Payload))
	}
}

func (sm *SegmentModule) onPrePrepare(ss *cstype.SlotState, msg *types.ConsensusMessage) {
	if ss.Step.Decided() {
		return
	}
	if msg.View != ss.View {
		// below: stale; above: must arrive via a new-view
		return
	}

	leader := types.LeaderOfView(sm.segment, sm.membership.Topology, msg.View)
	if !bytes.Equal(leader, msg.Sender) {
		sm.env.nonCompliance(msg, NonComplianceWrongLeader)
		return
	}

	if ss.PrePrepare != nil {
		// only one pre-prepare per (block, view); duplicates are idempotent,
		// conflicting digests are ignored here and can only matter as
		// view-change justification
		return
	}

	sm.acceptPrePrepare(ss, msg)
}

func (sm *SegmentModule) acceptPrePrepare(ss *cstype.SlotState, msg *types.ConsensusMessage) {
	ss.PrePrepare = msg
	ss.Step = cstype.SlotStepPrePrepared
	sm.persist(msg)

	sm.logger.Debug("accepted pre-prepare", "block", ss.Block, "view", ss.View)

	sm.broadcast(ss, &types.Prepare{Digest: ss.AcceptedDigest()})
}

func (sm *SegmentModule) onPrepare(ss *cstype.SlotState, msg *types.ConsensusMessage) {
	if ss.Step.Decided() || msg.View != ss.View {
		return
	}
	if !ss.Prepares.Add(msg) {
		return
	}
	sm.persist(msg)
	sm.tryPrepared(ss)
}

func (sm *SegmentModule) tryPrepared(ss *cstype.SlotState) {
	if ss.Step != cstype.SlotStepPrePrepared {
		return
	}

	digest := ss.AcceptedDigest()
	if ss.Prepares.CountDigest(digest) < sm.membership.Quorum() {
		return
	}

	ss.Step = cstype.SlotStepPrepared
	cert := &types.PreparedCertificate{
		PrePrepare: ss.PrePrepare,
		Prepares:   ss.Prepares.WithDigest(digest),
	}
	if ss.Prepared == nil || cert.View() > ss.Prepared.View() {
		ss.Prepared = cert
	}

	sm.logger.Debug("slot prepared", "block", ss.Block, "view", ss.View)

	sm.broadcast(ss, &types.Commit{Digest: digest})
	sm.tryCommitted(ss)
}

func (sm *SegmentModule) onCommit(ss *cstype.SlotState, msg *types.ConsensusMessage) {
	if ss.Step.Decided() || msg.View != ss.View {
		return
	}
	if !ss.Commits.Add(msg) {
		return
	}
	sm.persist(msg)
	sm.tryCommitted(ss)
}

func (sm *SegmentModule) tryCommitted(ss *cstype.SlotState) {
	// a peer may reach the commit quorum without being Prepared itself; the
	// accepted pre-prepare supplies the payload either way
	if ss.PrePrepare == nil || ss.Step.Decided() {
		return
	}

	digest := ss.AcceptedDigest()
	if ss.Commits.CountDigest(digest) < sm.membership.Quorum() {
		return
	}

	ss.Step = cstype.SlotStepCommitted
	ss.Certificate = &types.CommitCertificate{Commits: ss.Commits.WithDigest(digest)}

	sm.logger.Info("slot committed", "block", ss.Block, "view", ss.View,
		"commits", len(ss.Certificate.Commits))

	sm.report(ss)
}

func (sm *SegmentModule) report(ss *cstype.SlotState) {
	if ss.Reported {
		return
	}
	ss.Reported = true
	ss.Step = cstype.SlotStepCompleted

	block := &types.OrderedBlock{
		Metadata:      types.BlockMetadata{Epoch: sm.epochInfo.Number, Number: ss.Block},
		Payload:       ss.PrePrepare.Payload.(*types.PrePrepare).Payload,
		Leader:        sm.segment.Leader,
		IsLastInEpoch: ss.Block == sm.epochInfo.LastBlock(),
		Certificate:   ss.Certificate,
	}

	// a slot completing during replay was not reported before the crash
	// (already-completed blocks are sealed before replay), so report it
	sm.env.blockOrdered(block, ss.Certificate.Commits)
}

//---------------------------------------------------------
// view change

// OnTimeout handles the per-slot view-change timer. Timeouts strictly
// increase across view changes within the same block.
func (sm *SegmentModule) OnTimeout(block types.BlockNumber, view int64) {
	ss, ok := sm.slots[block]
	if !ok {
		return
	}
	if ss.Step.Decided() {
		return
	}
	if view < ss.View || view < ss.VCTarget {
		// a later view already took over
		return
	}

	target := ss.View + 1
	if ss.VCTarget >= target {
		target = ss.VCTarget + 1
	}
	ss.VCTarget = target
	ss.Step = cstype.SlotStepViewChanging
	ss.Timeout *= 2
	sm.env.markViewChange()

	sm.logger.Info("view change", "block", block, "from", view, "to", target,
		"next_timeout", ss.Timeout)

	vc := &types.ConsensusMessage{
		Epoch:     sm.epochInfo.Number,
		View:      target,
		Block:     block,
		Sender:    sm.membership.Self,
		Timestamp: types.CanonicalNow(),
		Payload:   &types.ViewChange{Prepared: ss.Prepared},
	}
	if !sm.replaying {
		sm.env.broadcastConsensus(vc)
		sm.env.scheduleTimeout(ss.Timeout, block, target)
	}
}

func (sm *SegmentModule) onViewChange(ss *cstype.SlotState, msg *types.ConsensusMessage) {
	if ss.Step.Decided() {
		return
	}
	target := msg.View
	if target <= ss.View {
		return
	}

	vc := msg.Payload.(*types.ViewChange)
	if vc.Prepared != nil {
		if err := vc.Prepared.Verify(sm.membership); err != nil {
			sm.env.nonCompliance(msg, NonComplianceBadCertificate)
			return
		}
	}

	set := ss.ViewChangeSet(target)
	if !set.Add(msg) {
		return
	}
	sm.persist(msg)

	// join a view change a weak quorum already asked for: at least one
	// honest peer timed out, so the view is lost
	if set.Size() >= sm.membership.WeakQuorum() && ss.VCTarget < target {
		ss.VCTarget = target
		ss.Step = cstype.SlotStepViewChanging
		ss.Timeout *= 2
		sm.env.markViewChange()

		own := &types.ConsensusMessage{
			Epoch:     sm.epochInfo.Number,
			View:      target,
			Block:     ss.Block,
			Sender:    sm.membership.Self,
			Timestamp: types.CanonicalNow(),
			Payload:   &types.ViewChange{Prepared: ss.Prepared},
		}
		if !sm.replaying {
			sm.env.broadcastConsensus(own)
			sm.env.scheduleTimeout(ss.Timeout, ss.Block, target)
		}
	}

	sm.tryNewView(ss, target)
}

func (sm *SegmentModule) tryNewView(ss *cstype.SlotState, target int64) {
	set := ss.ViewChangeSet(target)
	if set.Size() < sm.membership.Quorum() {
		return
	}

	leader := types.LeaderOfView(sm.segment, sm.membership.Topology, target)
	if !bytes.Equal(leader, sm.membership.Self) {
		return
	}

	key := fmt.Sprintf("%d/%d", ss.Block, target)
	if _, sent := sm.newViewSent[key]; sent {
		return
	}
	sm.newViewSent[key] = struct{}{}

	vcs := set.Messages()
	if len(vcs) > sm.membership.Quorum() {
		vcs = vcs[:sm.membership.Quorum()]
	}

	// derive the pre-prepare from the highest prepared certificate carried
	// by the view changes, or start from a fresh proposal
	var highest *types.PreparedCertificate
	for _, vcMsg := range vcs {
		prepared := vcMsg.Payload.(*types.ViewChange).Prepared
		if prepared == nil {
			continue
		}
		if highest == nil || prepared.View() > highest.View() {
			highest = prepared
		}
	}

	var payload types.Payload
	if highest != nil {
		payload = highest.PrePrepare.Payload.(*types.PrePrepare).Payload
	} else if len(sm.pendingPayloads) > 0 {
		payload = sm.pendingPayloads[0]
		sm.pendingPayloads = sm.pendingPayloads[1:]
	}

	pp := &types.ConsensusMessage{
		Epoch:     sm.epochInfo.Number,
		View:      target,
		Block:     ss.Block,
		Sender:    sm.membership.Self,
		Timestamp: types.CanonicalNow(),
		Payload: &types.PrePrepare{
			Digest:  types.PayloadDigest(payload),
			Payload: payload,
		},
	}
	if err := sm.env.signMessage(pp); err != nil {
		sm.logger.Error("sign new-view pre-prepare failed", "err", err)
		return
	}

	nv := &types.ConsensusMessage{
		Epoch:     sm.epochInfo.Number,
		View:      target,
		Block:     ss.Block,
		Sender:    sm.membership.Self,
		Timestamp: types.CanonicalNow(),
		Payload: &types.NewView{
			ViewChanges: vcs,
			PrePrepare:  pp,
		},
	}

	sm.logger.Info("sending new-view", "block", ss.Block, "view", target)
	if !sm.replaying {
		sm.env.broadcastConsensus(nv)
	}
}

func (sm *SegmentModule) onNewView(ss *cstype.SlotState, msg *types.ConsensusMessage) {
	if ss.Step.Decided() {
		return
	}
	target := msg.View
	if target <= ss.View {
		return
	}

	leader := types.LeaderOfView(sm.segment, sm.membership.Topology, target)
	if !bytes.Equal(leader, msg.Sender) {
		sm.env.nonCompliance(msg, NonComplianceWrongLeader)
		return
	}

	nv := msg.Payload.(*types.NewView)
	if err := sm.verifyNewView(ss, nv, target); err != nil {
		sm.logger.Error("rejecting new-view", "block", ss.Block, "view", target, "err", err)
		sm.env.nonCompliance(msg, NonComplianceBadCertificate)
		return
	}
	sm.persist(msg)

	sm.logger.Info("resuming at higher view", "block", ss.Block, "view", target)
	ss.EnterView(target)
	if ss.VCTarget < target {
		ss.VCTarget = target
	}

	sm.acceptPrePrepare(ss, nv.PrePrepare)
	if !sm.replaying {
		sm.env.scheduleTimeout(ss.Timeout, ss.Block, target)
	}
}

func (sm *SegmentModule) verifyNewView(ss *cstype.SlotState, nv *types.NewView, target int64) error {
	seen := make(map[string]struct{}, len(nv.ViewChanges))
	var highest *types.PreparedCertificate
	for _, vcMsg := range nv.ViewChanges {
		if vcMsg.View != target || vcMsg.Block != ss.Block || vcMsg.Epoch != sm.epochInfo.Number {
			return fmt.Errorf("view change for wrong slot or view")
		}
		if !sm.membership.Contains(vcMsg.Sender) {
			return fmt.Errorf("view change from %v outside topology", vcMsg.Sender)
		}
		if _, dup := seen[string(vcMsg.Sender)]; dup {
			return fmt.Errorf("duplicate view change sender")
		}
		seen[string(vcMsg.Sender)] = struct{}{}

		prepared := vcMsg.Payload.(*types.ViewChange).Prepared
		if prepared == nil {
			continue
		}
		if err := prepared.Verify(sm.membership); err != nil {
			return err
		}
		if highest == nil || prepared.View() > highest.View() {
			highest = prepared
		}
	}
	if len(seen) < sm.membership.Quorum() {
		return fmt.Errorf("new-view justified by %d view changes, need %d",
			len(seen), sm.membership.Quorum())
	}

	if nv.PrePrepare.View != target || nv.PrePrepare.Block != ss.Block {
		return fmt.Errorf("new-view pre-prepare targets wrong slot or view")
	}
	if highest != nil {
		pp := nv.PrePrepare.Payload.(*types.PrePrepare)
		if !bytes.Equal(pp.Digest, highest.Digest()) {
			return fmt.Errorf("new-view pre-prepare contradicts highest prepared certificate")
		}
	}
	return nil
}

//---------------------------------------------------------
// recovery

// Resume reconstructs slot state from the persisted epoch-in-progress
// snapshot: completed blocks are sealed, and the surviving PBFT messages are
// replayed so each slot lands at the highest state it can justify.
func (sm *SegmentModule) Resume(progress *types.EpochInProgress) {
	sm.replaying = true

	for _, block := range progress.CompletedBlocks {
		ss, ok := sm.slots[block.Metadata.Number]
		if !ok {
			continue
		}
		ss.Step = cstype.SlotStepCompleted
		ss.Certificate = block.Certificate
		ss.Reported = true
	}

	for _, msg := range progress.PbftMessages {
		if sm.segment.Contains(msg.Block) {
			sm.HandleMessage(msg)
		}
	}

	sm.replaying = false

	// re-announce our progress so the epoch can finish after the restart
	for _, ss := range sm.slots {
		if ss.Step.Decided() {
			continue
		}
		digest := ss.AcceptedDigest()
		if digest == nil {
			continue
		}
		sm.broadcast(ss, &types.Prepare{Digest: digest})
		if ss.Step == cstype.SlotStepPrepared {
			sm.broadcast(ss, &types.Commit{Digest: digest})
		}
	}
}

// Completed reports how many of this segment's slots are Completed.
func (sm *SegmentModule) Completed() int {
	count := 0
	for _, ss := range sm.slots {
		if ss.Step == cstype.SlotStepCompleted {
			count++
		}
	}
	return count
}

// SlotStep exposes a slot's step for inspection.
// EXPOSED FOR TESTING.
func (sm *SegmentModule) SlotStep(block types.BlockNumber) cstype.SlotStep {
	ss, ok := sm.slots[block]
	if !ok {
		return 0
	}
	return ss.Step
}

//---------------------------------------------------------

func (sm *SegmentModule) broadcast(ss *cstype.SlotState, payload types.ConsensusPayload) {
	if sm.replaying {
		return
	}
	sm.env.broadcastConsensus(&types.ConsensusMessage{
		Epoch:     sm.epochInfo.Number,
		View:      ss.View,
		Block:     ss.Block,
		Sender:    sm.membership.Self,
		Timestamp: types.CanonicalNow(),
		Payload:   payload,
	})
}

func (sm *SegmentModule) persist(msg *types.ConsensusMessage) {
	if sm.replaying {
		return
	}
	sm.env.persistPbftMessage(msg)
}
