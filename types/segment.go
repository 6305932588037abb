package types

import (
	"bytes"
	"fmt"
)

// Segment is the subset of an epoch's block slots assigned to a single
// original leader. Segments partition [StartBlock, StartBlock+Length): the
// i-th peer in topology order owns slots start+i, start+i+n, start+i+2n, ...
type Segment struct {
	Epoch  EpochNumber   `json:"epoch"`
	Leader Address       `json:"leader"`
	Slots  []BlockNumber `json:"slots"`
}

// Contains reports whether slot b belongs to this segment.
func (seg *Segment) Contains(b BlockNumber) bool {
	for _, slot := range seg.Slots {
		if slot == b {
			return true
		}
	}
	return false
}

func (seg *Segment) String() string {
	return fmt.Sprintf("Segment{e=%d leader=%v slots=%v}", seg.Epoch, seg.Leader, seg.Slots)
}

// ComputeSegments derives the segments of an epoch from its info and
// topology. The assignment is a pure function of (epoch info, topology), so
// every peer computes the same partition.
func ComputeSegments(info EpochInfo, topo *OrderingTopology) []*Segment {
	n := topo.Size()
	if n == 0 || info.Length == 0 {
		return nil
	}

	segments := make([]*Segment, 0, n)
	topo.Iterate(func(i int, p *Peer) bool {
		var slots []BlockNumber
		for b := info.StartBlock + BlockNumber(i); info.Contains(b); b += BlockNumber(n) {
			slots = append(slots, b)
		}
		if len(slots) > 0 {
			segments = append(segments, &Segment{
				Epoch:  info.Number,
				Leader: p.Address,
				Slots:  slots,
			})
		}
		return false
	})

	return segments
}

// SegmentForBlock returns the segment owning slot b, or nil.
func SegmentForBlock(segments []*Segment, b BlockNumber) *Segment {
	for _, seg := range segments {
		if seg.Contains(b) {
			return seg
		}
	}
	return nil
}

// LeaderOfView computes the leader of a segment at the given view.
//
// View 0 belongs to the original leader. On every later view the (v mod n)-th
// peer in topology order takes over; if that peer has already led the segment
// at a lower view, the next not-yet-led peer in topology order does (indices
// wrap). Once every peer has led, the skip set resets.
func LeaderOfView(seg *Segment, topo *OrderingTopology, view int64) Address {
	if view == 0 {
		return seg.Leader
	}

	n := topo.Size()
	addrs := topo.Addresses()
	led := make(map[string]struct{}, n)
	led[string(seg.Leader)] = struct{}{}

	leader := seg.Leader
	for v := int64(1); v <= view; v++ {
		if len(led) == n {
			led = make(map[string]struct{}, n)
		}

		idx := int(v % int64(n))
		for {
			if _, done := led[string(addrs[idx])]; !done {
				leader = addrs[idx]
				break
			}
			idx = (idx + 1) % n
		}
		led[string(leader)] = struct{}{}
	}

	return leader
}

// IsOriginalLeader reports whether addr is the original leader of seg.
func (seg *Segment) IsOriginalLeader(addr Address) bool {
	return bytes.Equal(seg.Leader, addr)
}
