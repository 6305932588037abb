// Package availability buffers locally submitted payloads until the
// consensus module pulls them into proposals for the slots this peer leads.
package availability

import (
	"sync/atomic"

	"github.com/tendermint/tendermint/libs/clist"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"

	"epochbft/consensus"
	"epochbft/types"
)

// Pool is the availability buffer consumed by the segment this peer leads.
type Pool interface {
	// AddPayload queues a payload for ordering.
	AddPayload(payload types.Payload) error

	// ReapPayload pops the oldest queued payload, or nil when empty.
	ReapPayload() types.Payload

	// Size returns the number of queued payloads.
	Size() int

	SetLogger(logger log.Logger)
}

//---------------------------------------------------------

func NewListPool() *ListPool {
	return &ListPool{
		payloads: clist.New(),
		logger:   log.NewNopLogger(),
	}
}

// ListPool keeps payloads in arrival order.
type ListPool struct {
	payloads *clist.CList
	bytes    int64

	logger log.Logger
}

var _ Pool = (*ListPool)(nil)

func (pool *ListPool) SetLogger(logger log.Logger) {
	pool.logger = logger
}

// AddPayload implements Pool.
func (pool *ListPool) AddPayload(payload types.Payload) error {
	pool.payloads.PushBack(payload)
	atomic.AddInt64(&pool.bytes, int64(len(payload)))
	pool.logger.Debug("payload queued", "bytes", len(payload), "size", pool.payloads.Len())
	return nil
}

// ReapPayload implements Pool.
func (pool *ListPool) ReapPayload() types.Payload {
	front := pool.payloads.Front()
	if front == nil {
		return nil
	}
	pool.payloads.Remove(front)
	front.DetachPrev()

	payload := front.Value.(types.Payload)
	atomic.AddInt64(&pool.bytes, -int64(len(payload)))
	return payload
}

// Size implements Pool.
func (pool *ListPool) Size() int {
	return pool.payloads.Len()
}

// PayloadBytes returns the total queued bytes.
func (pool *ListPool) PayloadBytes() int64 {
	return atomic.LoadInt64(&pool.bytes)
}

//---------------------------------------------------------

// AttachToConsensus feeds the pool into the consensus module: on every new
// epoch, one proposal per slot of the segment this peer leads is delivered,
// an empty payload when the pool runs dry. The segment leader must fill all
// of its slots either way, or the epoch would never complete.
func AttachToConsensus(cs *consensus.ConsensusState, pool Pool, self types.Address) {
	cs.EventSwitch().AddListenerForEvent("availability", consensus.EventNewEpoch,
		func(data events.EventData) {
			stored := data.(types.StoredEpoch)

			for _, seg := range types.ComputeSegments(stored.Info, stored.Topology) {
				if !seg.IsOriginalLeader(self) {
					continue
				}
				for range seg.Slots {
					cs.DeliverProposal(stored.Info.Number, pool.ReapPayload())
				}
			}
		})
}
