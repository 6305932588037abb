package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"

	cstype "epochbft/consensus/types"
	"epochbft/types"
)

//---------------------------------------------------------
// fake environment

type timeoutReq struct {
	d     time.Duration
	block types.BlockNumber
	view  int64
}

type mockSegEnv struct {
	sm *SegmentModule // loop broadcasts back when set

	broadcasts   []*types.ConsensusMessage
	persisted    []*types.ConsensusMessage
	ordered      []*types.OrderedBlock
	orderedCerts [][]*types.ConsensusMessage
	timeouts     []timeoutReq
	nonCompliant []string
	viewChanges  int
}

func (env *mockSegEnv) signMessage(msg *types.ConsensusMessage) error {
	msg.Signature = []byte("test signature")
	return nil
}

func (env *mockSegEnv) broadcastConsensus(msg *types.ConsensusMessage) {
	_ = env.signMessage(msg)
	env.broadcasts = append(env.broadcasts, msg)
	if env.sm != nil && env.sm.Segment().Contains(msg.Block) {
		env.sm.HandleMessage(msg)
	}
}

func (env *mockSegEnv) persistPbftMessage(msg *types.ConsensusMessage) {
	env.persisted = append(env.persisted, msg)
}

func (env *mockSegEnv) blockOrdered(block *types.OrderedBlock, commits []*types.ConsensusMessage) {
	env.ordered = append(env.ordered, block)
	env.orderedCerts = append(env.orderedCerts, commits)
}

func (env *mockSegEnv) scheduleTimeout(d time.Duration, block types.BlockNumber, view int64) {
	env.timeouts = append(env.timeouts, timeoutReq{d, block, view})
}

func (env *mockSegEnv) nonCompliance(msg *types.ConsensusMessage, reason string) {
	env.nonCompliant = append(env.nonCompliant, reason)
}

func (env *mockSegEnv) markViewChange() {
	env.viewChanges++
}

func (env *mockSegEnv) lastBroadcastTag() types.PayloadTag {
	if len(env.broadcasts) == 0 {
		return types.TagNone
	}
	return env.broadcasts[len(env.broadcasts)-1].Payload.Tag()
}

//---------------------------------------------------------
// harness

type segHarness struct {
	topo       *types.OrderingTopology
	membership *types.Membership
	info       types.EpochInfo
	seg        *types.Segment
	sm         *SegmentModule
	env        *mockSegEnv
}

// newSegHarness builds a segment module for the segment owning block 0 of a
// fresh epoch, as seen from peer selfIdx (topology order).
func newSegHarness(t *testing.T, n int, selfIdx int, epochLength int64) *segHarness {
	topo, _ := types.RandOrderingTopology(n)
	info := types.EpochInfo{
		Number:     0,
		StartBlock: 0,
		Length:     epochLength,
		Activation: time.Unix(0, 0).UTC(),
	}
	segments := types.ComputeSegments(info, topo)
	seg := segments[0]

	membership := types.NewMembership(topo.Peers[selfIdx].Address, topo)
	env := &mockSegEnv{}

	sm := NewSegmentModule(TestConfig(), seg, info, membership, env)
	sm.SetLogger(log.TestingLogger())
	env.sm = sm
	sm.Start()

	require.NotEmpty(t, env.timeouts, "segment start should arm slot timers")

	return &segHarness{
		topo:       topo,
		membership: membership,
		info:       info,
		seg:        seg,
		sm:         sm,
		env:        env,
	}
}

func (h *segHarness) msg(senderIdx int, view int64, block types.BlockNumber, payload types.ConsensusPayload) *types.ConsensusMessage {
	return &types.ConsensusMessage{
		Epoch:     h.info.Number,
		View:      view,
		Block:     block,
		Sender:    h.topo.Peers[senderIdx].Address,
		Timestamp: types.CanonicalNow(),
		Payload:   payload,
		Signature: []byte("test signature"),
	}
}

func (h *segHarness) leaderIdx(view int64) int {
	leader := types.LeaderOfView(h.seg, h.topo, view)
	idx, _ := h.topo.GetByAddress(leader)
	return int(idx)
}

// otherIdxs returns peer indices that are neither self nor the given leader.
func (h *segHarness) otherIdxs(leaderIdx, count int) []int {
	selfIdx, _ := h.topo.GetByAddress(h.membership.Self)
	var idxs []int
	for i := 0; i < h.topo.Size() && len(idxs) < count; i++ {
		if i == int(selfIdx) || i == leaderIdx {
			continue
		}
		idxs = append(idxs, i)
	}
	return idxs
}

//---------------------------------------------------------

func TestSegmentHappyPathNonLeader(t *testing.T) {
	h := newSegHarness(t, 4, 1, 4) // block 0 leader is peer 0; self is peer 1
	leader := h.leaderIdx(0)
	require.NotEqual(t, 1, leader)

	payload := types.Payload("ordered payload")
	digest := types.PayloadDigest(payload)

	// pre-prepare from the leader -> we broadcast a prepare
	h.sm.HandleMessage(h.msg(leader, 0, 0, &types.PrePrepare{Digest: digest, Payload: payload}))
	assert.Equal(t, cstype.SlotStepPrePrepared, h.sm.SlotStep(0))
	assert.Equal(t, types.TagPrepare, h.env.lastBroadcastTag())

	// two more prepares reach the 2f+1 quorum (with our own) -> commit
	for _, idx := range h.otherIdxs(leader, 2) {
		h.sm.HandleMessage(h.msg(idx, 0, 0, &types.Prepare{Digest: digest}))
	}
	assert.Equal(t, cstype.SlotStepPrepared, h.sm.SlotStep(0))
	assert.Equal(t, types.TagCommit, h.env.lastBroadcastTag())

	// two more commits decide the slot
	for _, idx := range h.otherIdxs(leader, 2) {
		h.sm.HandleMessage(h.msg(idx, 0, 0, &types.Commit{Digest: digest}))
	}
	assert.Equal(t, cstype.SlotStepCompleted, h.sm.SlotStep(0))

	require.Len(t, h.env.ordered, 1)
	block := h.env.ordered[0]
	assert.Equal(t, types.BlockMetadata{Epoch: 0, Number: 0}, block.Metadata)
	assert.Equal(t, payload, block.Payload)
	assert.Equal(t, h.seg.Leader, block.Leader)
	assert.False(t, block.IsLastInEpoch)
	assert.NoError(t, block.Certificate.Verify(h.membership, block.Metadata, digest))
}

func TestSegmentLeaderProposes(t *testing.T) {
	h := newSegHarness(t, 4, 0, 4) // self is peer 0 = leader of block 0
	require.True(t, h.sm.IsOwnSegment())

	h.sm.OnProposalCreated(types.Payload("first payload"))

	// the leader broadcasts pre-prepare for its first slot, loops it back to
	// itself and follows with its own prepare
	require.NotEmpty(t, h.env.broadcasts)
	assert.Equal(t, types.TagPrePrepare, h.env.broadcasts[0].Payload.Tag())
	assert.Equal(t, types.BlockNumber(0), h.env.broadcasts[0].Block)
	assert.Equal(t, cstype.SlotStepPrePrepared, h.sm.SlotStep(0))
	assert.Equal(t, types.TagPrepare, h.env.lastBroadcastTag())
}

func TestSegmentDuplicatesAreIdempotent(t *testing.T) {
	h := newSegHarness(t, 4, 1, 4)
	leader := h.leaderIdx(0)

	payload := types.Payload("payload")
	digest := types.PayloadDigest(payload)

	pp := h.msg(leader, 0, 0, &types.PrePrepare{Digest: digest, Payload: payload})
	h.sm.HandleMessage(pp)
	h.sm.HandleMessage(pp)

	other := h.otherIdxs(leader, 1)[0]
	prepare := h.msg(other, 0, 0, &types.Prepare{Digest: digest})
	h.sm.HandleMessage(prepare)
	h.sm.HandleMessage(prepare)

	// own prepare + one other: still below quorum because the duplicate did
	// not count twice
	assert.Equal(t, cstype.SlotStepPrePrepared, h.sm.SlotStep(0))
}

func TestSegmentWrongLeaderPrePrepare(t *testing.T) {
	h := newSegHarness(t, 4, 1, 4)
	notLeader := h.otherIdxs(h.leaderIdx(0), 1)[0]

	payload := types.Payload("forged")
	h.sm.HandleMessage(h.msg(notLeader, 0, 0, &types.PrePrepare{
		Digest:  types.PayloadDigest(payload),
		Payload: payload,
	}))

	assert.Equal(t, cstype.SlotStepIdle, h.sm.SlotStep(0))
	assert.Contains(t, h.env.nonCompliant, NonComplianceWrongLeader)
}

func TestSegmentByzantineCommitMismatch(t *testing.T) {
	// n=7, f=2: two byzantine commits with digest d' must not prevent nor
	// corrupt the decision on d
	h := newSegHarness(t, 7, 1, 7)
	leader := h.leaderIdx(0)

	payload := types.Payload("honest payload")
	digest := types.PayloadDigest(payload)
	badDigest := types.PayloadDigest(types.Payload("byzantine payload"))

	h.sm.HandleMessage(h.msg(leader, 0, 0, &types.PrePrepare{Digest: digest, Payload: payload}))
	for _, idx := range h.otherIdxs(leader, 4) {
		h.sm.HandleMessage(h.msg(idx, 0, 0, &types.Prepare{Digest: digest}))
	}
	require.Equal(t, cstype.SlotStepPrepared, h.sm.SlotStep(0))

	others := h.otherIdxs(leader, 5)
	require.Len(t, others, 5)
	// two byzantine commits first; their senders are spent on digest d'
	h.sm.HandleMessage(h.msg(others[0], 0, 0, &types.Commit{Digest: badDigest}))
	h.sm.HandleMessage(h.msg(others[1], 0, 0, &types.Commit{Digest: badDigest}))
	assert.Equal(t, cstype.SlotStepPrepared, h.sm.SlotStep(0))

	// honest commits reach 2f+1 = 5 with our own
	h.sm.HandleMessage(h.msg(leader, 0, 0, &types.Commit{Digest: digest}))
	h.sm.HandleMessage(h.msg(others[2], 0, 0, &types.Commit{Digest: digest}))
	h.sm.HandleMessage(h.msg(others[3], 0, 0, &types.Commit{Digest: digest}))
	h.sm.HandleMessage(h.msg(others[4], 0, 0, &types.Commit{Digest: digest}))
	assert.Equal(t, cstype.SlotStepCompleted, h.sm.SlotStep(0))

	require.Len(t, h.env.ordered, 1)
	cert := h.env.ordered[0].Certificate
	require.Len(t, cert.Commits, 5)
	for _, c := range cert.Commits {
		assert.Equal(t, digest.Bytes(), c.Payload.(*types.Commit).Digest.Bytes())
	}
}

func TestSegmentViewChangeOnTimeout(t *testing.T) {
	h := newSegHarness(t, 4, 1, 4)
	initial := TestConfig().ViewChangeTimeout

	h.sm.OnTimeout(0, 0)

	// a view change for view 1 goes out and the timer doubles
	vc := h.env.broadcasts[len(h.env.broadcasts)-1]
	assert.Equal(t, types.TagViewChange, vc.Payload.Tag())
	assert.Equal(t, int64(1), vc.View)

	last := h.env.timeouts[len(h.env.timeouts)-1]
	assert.Equal(t, 2*initial, last.d)
	assert.Equal(t, int64(1), last.view)

	// successive timeout asks for view 2 with a doubled timeout again
	h.sm.OnTimeout(0, 1)
	vc2 := h.env.broadcasts[len(h.env.broadcasts)-1]
	assert.Equal(t, int64(2), vc2.View)
	assert.Equal(t, 4*initial, h.env.timeouts[len(h.env.timeouts)-1].d)
	assert.Equal(t, 2, h.env.viewChanges)
}

func TestSegmentLeaderSilentElectsNextLeader(t *testing.T) {
	// scenario: the original leader of block 0 never pre-prepares; after the
	// view-change timeout the view-1 leader takes over and the block decides
	// at view 1
	topo, _ := types.RandOrderingTopology(4)
	info := types.EpochInfo{Number: 0, StartBlock: 0, Length: 2, Activation: time.Unix(0, 0).UTC()}
	seg := types.ComputeSegments(info, topo)[0]

	// run the harness from the view-1 leader's perspective; for a segment
	// originally led by the first peer, view 1 must elect the second peer in
	// topology order
	v1Leader := types.LeaderOfView(seg, topo, 1)
	require.Equal(t, topo.Peers[1].Address, v1Leader)
	v1Idx, _ := topo.GetByAddress(v1Leader)

	membership := types.NewMembership(v1Leader, topo)
	env := &mockSegEnv{}
	sm := NewSegmentModule(TestConfig(), seg, info, membership, env)
	sm.SetLogger(log.TestingLogger())
	env.sm = sm
	sm.Start()

	h := &segHarness{topo: topo, membership: membership, info: info, seg: seg, sm: sm, env: env}

	// our own timeout fires
	sm.OnTimeout(0, 0)

	// two more view changes arrive; with our own that is 2f+1
	for _, idx := range h.otherIdxs(int(v1Idx), 2) {
		sm.HandleMessage(h.msg(idx, 1, 0, &types.ViewChange{}))
	}

	// as the view-1 leader we broadcast a new-view carrying a fresh
	// pre-prepare, loop it back and prepare at view 1
	var newView *types.ConsensusMessage
	for _, msg := range env.broadcasts {
		if msg.Payload.Tag() == types.TagNewView {
			newView = msg
		}
	}
	require.NotNil(t, newView, "the view-1 leader should send a new-view")
	assert.Equal(t, int64(1), newView.View)
	assert.Equal(t, cstype.SlotStepPrePrepared, sm.SlotStep(0))

	// prepares and commits at view 1 decide the slot
	digest := newView.Payload.(*types.NewView).PrePrepare.Payload.(*types.PrePrepare).Digest
	for _, idx := range h.otherIdxs(int(v1Idx), 2) {
		sm.HandleMessage(h.msg(idx, 1, 0, &types.Prepare{Digest: digest}))
	}
	for _, idx := range h.otherIdxs(int(v1Idx), 2) {
		sm.HandleMessage(h.msg(idx, 1, 0, &types.Commit{Digest: digest}))
	}

	require.Len(t, env.ordered, 1)
	assert.Equal(t, cstype.SlotStepCompleted, sm.SlotStep(0))
	for _, c := range env.ordered[0].Certificate.Commits {
		assert.Equal(t, int64(1), c.View, "decision should be at view >= 1")
	}
}

func TestSegmentStaleViewMessagesDiscarded(t *testing.T) {
	// self is peer 2: peer 1 is the view-1 leader of the segment led by peer 0
	h := newSegHarness(t, 4, 2, 4)
	leader := h.leaderIdx(0)

	payload := types.Payload("payload")
	digest := types.PayloadDigest(payload)

	// move the slot to view 1 via a new-view
	h.sm.OnTimeout(0, 0)
	v1Idx := h.leaderIdx(1)
	selfIdx, _ := h.topo.GetByAddress(h.membership.Self)
	if int(selfIdx) != v1Idx {
		// collect 2f+1 view changes and feed the resulting new-view
		vcs := []*types.ConsensusMessage{
			h.msg(v1Idx, 1, 0, &types.ViewChange{}),
			h.msg(h.otherIdxs(v1Idx, 2)[0], 1, 0, &types.ViewChange{}),
			h.msg(h.otherIdxs(v1Idx, 2)[1], 1, 0, &types.ViewChange{}),
		}
		pp := h.msg(v1Idx, 1, 0, &types.PrePrepare{
			Digest:  types.PayloadDigest(nil),
			Payload: nil,
		})
		h.sm.HandleMessage(h.msg(v1Idx, 1, 0, &types.NewView{ViewChanges: vcs, PrePrepare: pp}))
	}

	// a prepare for the dead view 0 is ignored
	before := h.sm.SlotStep(0)
	h.sm.HandleMessage(h.msg(leader, 0, 0, &types.Prepare{Digest: digest}))
	assert.Equal(t, before, h.sm.SlotStep(0))
}

func TestSegmentResumeFromProgress(t *testing.T) {
	// epoch length 8 over 4 peers: the segment of peer 0 owns slots 0 and 4
	h := newSegHarness(t, 4, 1, 8)
	leader := h.leaderIdx(0)

	payload := types.Payload("recovered payload")
	digest := types.PayloadDigest(payload)

	// block 0 of the segment was completed before the crash; messages for
	// slot 4 (same segment) survive: pre-prepare, a prepare quorum and two
	// commits
	completed := &types.OrderedBlock{
		Metadata:    types.BlockMetadata{Epoch: 0, Number: 0},
		Payload:     payload,
		Leader:      h.seg.Leader,
		Certificate: &types.CommitCertificate{Commits: []*types.ConsensusMessage{h.msg(leader, 0, 0, &types.Commit{Digest: digest})}},
	}

	msgs := []*types.ConsensusMessage{
		h.msg(leader, 0, 4, &types.PrePrepare{Digest: digest, Payload: payload}),
	}
	for _, idx := range []int{0, 2, 3} {
		msgs = append(msgs, h.msg(idx, 0, 4, &types.Prepare{Digest: digest}))
	}
	msgs = append(msgs, h.msg(leader, 0, 4, &types.Commit{Digest: digest}))

	h.sm.Resume(&types.EpochInProgress{
		CompletedBlocks: []*types.OrderedBlock{completed},
		PbftMessages:    msgs,
	})

	// the completed block is sealed and not re-reported
	assert.Equal(t, cstype.SlotStepCompleted, h.sm.SlotStep(0))
	assert.Empty(t, h.env.ordered)

	// slot 4 resumed at Prepared: the leader's commit plus our re-announced
	// one are still below the quorum of 3
	assert.Equal(t, cstype.SlotStepPrepared, h.sm.SlotStep(4))
	assert.NotEmpty(t, h.env.broadcasts)

	// the missing commit finishes the slot
	h.sm.HandleMessage(h.msg(2, 0, 4, &types.Commit{Digest: digest}))
	assert.Equal(t, cstype.SlotStepCompleted, h.sm.SlotStep(4))
	require.Len(t, h.env.ordered, 1)
	assert.Equal(t, types.BlockNumber(4), h.env.ordered[0].Metadata.Number)
}
