package consensus

import (
	"time"

	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	jsoniter "github.com/json-iterator/go"
)

// non-compliance kinds, used as the "reason" label
const (
	NonComplianceParseFailure     = "parse_failure"
	NonComplianceInvalidSignature = "invalid_signature"
	NonComplianceOutOfTopology    = "out_of_topology"
	NonComplianceOutOfBounds      = "out_of_bounds_block"
	NonComplianceWrongLeader      = "wrong_leader"
	NonComplianceBadCertificate   = "bad_certificate"
)

// Metrics contains the counters the protocol emits. Backed by discard
// implementations unless a real provider is wired in.
type Metrics struct {
	// ConsensusInvalidMessage counts dropped non-compliant messages,
	// labeled by reason, sender, epoch, view and block.
	ConsensusInvalidMessage metrics.Counter

	// OrderedBlocks counts blocks emitted to the output sink.
	OrderedBlocks metrics.Counter

	// ViewChanges counts view changes initiated locally.
	ViewChanges metrics.Counter

	// EpochsCompleted counts completed epochs.
	EpochsCompleted metrics.Counter
}

// NopMetrics returns no-op metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		ConsensusInvalidMessage: discard.NewCounter(),
		OrderedBlocks:           discard.NewCounter(),
		ViewChanges:             discard.NewCounter(),
		EpochsCompleted:         discard.NewCounter(),
	}
}

//---------------------------------------------------------
// JSON snapshot served over the admin RPC

func newConsensusMetric() *consensusMetric {
	return &consensusMetric{
		Epoch:     -1,
		Behavior:  "live",
		LastBlock: -1,
	}
}

type consensusMetric struct {
	Epoch           int64     `json:"current_epoch"`
	EpochStartTime  time.Time `json:"epoch_start_time"`
	Behavior        string    `json:"behavior"`
	LastBlock       int64     `json:"last_ordered_block"`
	FutureQueueSize int       `json:"future_queue_size"`
	TopologySize    int       `json:"topology_size"`
}

func (cm *consensusMetric) JSONString() string {
	s, _ := jsoniter.MarshalToString(cm)
	return s
}

func (cm *consensusMetric) MarkEpoch(epoch int64, size int, start time.Time) {
	cm.Epoch = epoch
	cm.TopologySize = size
	cm.EpochStartTime = start
}

func (cm *consensusMetric) MarkBehavior(v string) {
	cm.Behavior = v
}

func (cm *consensusMetric) MarkLastBlock(b int64) {
	cm.LastBlock = b
}

func (cm *consensusMetric) MarkFutureQueue(n int) {
	cm.FutureQueueSize = n
}
