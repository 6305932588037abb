package store

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"epochbft/types"
)

// MockEpochStore is an in-memory EpochStore, useful for testing.
type MockEpochStore struct {
	mtx sync.Mutex

	started   map[types.EpochNumber]*types.StoredEpoch
	completed map[types.EpochNumber]*types.CompletedEpoch
	blocks    map[types.EpochNumber][]*types.OrderedBlock
	pbftMsgs  map[types.EpochNumber][]*types.ConsensusMessage

	latestStarted   types.EpochNumber
	latestCompleted types.EpochNumber
	hasStarted      bool
	hasCompleted    bool

	// FailNext makes the next mutating call fail, to exercise the async
	// exception path.
	FailNext bool

	startCalls int
}

var _ EpochStore = (*MockEpochStore)(nil)

func NewMockEpochStore() *MockEpochStore {
	return &MockEpochStore{
		started:   make(map[types.EpochNumber]*types.StoredEpoch),
		completed: make(map[types.EpochNumber]*types.CompletedEpoch),
		blocks:    make(map[types.EpochNumber][]*types.OrderedBlock),
		pbftMsgs:  make(map[types.EpochNumber][]*types.ConsensusMessage),
	}
}

func (m *MockEpochStore) failNext() error {
	if m.FailNext {
		m.FailNext = false
		return errors.New("injected store failure")
	}
	return nil
}

func (m *MockEpochStore) StartEpoch(epoch types.StoredEpoch) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}

	m.startCalls++
	cp := epoch
	m.started[epoch.Info.Number] = &cp
	if !m.hasStarted || epoch.Info.Number > m.latestStarted {
		m.latestStarted = epoch.Info.Number
		m.hasStarted = true
	}
	return nil
}

func (m *MockEpochStore) CompleteEpoch(n types.EpochNumber, lastCommits []*types.ConsensusMessage) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}

	started, ok := m.started[n]
	if !ok {
		return errors.Errorf("completing epoch %d that never started", n)
	}
	m.completed[n] = &types.CompletedEpoch{
		StoredEpoch: *started,
		LastCommits: lastCommits,
	}
	delete(m.pbftMsgs, n)
	if !m.hasCompleted || n > m.latestCompleted {
		m.latestCompleted = n
		m.hasCompleted = true
	}
	return nil
}

// StartEpochCalls counts StartEpoch invocations.
func (m *MockEpochStore) StartEpochCalls() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.startCalls
}

func (m *MockEpochStore) LatestCompletedEpoch() (*types.CompletedEpoch, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if !m.hasCompleted {
		return types.GenesisCompletedEpoch(time.Unix(0, 0).UTC()), nil
	}
	return m.completed[m.latestCompleted], nil
}

func (m *MockEpochStore) LatestStartedEpoch() (*types.StoredEpoch, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if !m.hasStarted {
		return nil, nil
	}
	return m.started[m.latestStarted], nil
}

func (m *MockEpochStore) EpochInProgress(n types.EpochNumber) (*types.EpochInProgress, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	blocks := m.blocks[n]
	completed := make(map[types.BlockNumber]struct{}, len(blocks))
	for _, b := range blocks {
		completed[b.Metadata.Number] = struct{}{}
	}

	var msgs []*types.ConsensusMessage
	for _, msg := range m.pbftMsgs[n] {
		if _, done := completed[msg.Block]; done {
			continue
		}
		msgs = append(msgs, msg)
	}

	return &types.EpochInProgress{
		CompletedBlocks: blocks,
		PbftMessages:    msgs,
	}, nil
}

func (m *MockEpochStore) AddOrderedBlock(block *types.OrderedBlock) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}

	e := block.Metadata.Epoch
	for i, b := range m.blocks[e] {
		if b.Metadata.Number == block.Metadata.Number {
			m.blocks[e][i] = block
			return nil
		}
	}
	m.blocks[e] = append(m.blocks[e], block)
	return nil
}

func (m *MockEpochStore) AddPbftMessage(msg *types.ConsensusMessage) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}

	m.pbftMsgs[msg.Epoch] = append(m.pbftMsgs[msg.Epoch], msg)
	return nil
}

func (m *MockEpochStore) LoadCompletedEpoch(n types.EpochNumber) (*types.CompletedEpoch, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.completed[n], nil
}

func (m *MockEpochStore) LoadEpochBlocks(n types.EpochNumber) ([]*types.OrderedBlock, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	blocks := make([]*types.OrderedBlock, len(m.blocks[n]))
	copy(blocks, m.blocks[n])
	for i := 1; i < len(blocks); i++ {
		for j := i; j > 0 && blocks[j-1].Metadata.Number > blocks[j].Metadata.Number; j-- {
			blocks[j-1], blocks[j] = blocks[j], blocks[j-1]
		}
	}
	return blocks, nil
}
