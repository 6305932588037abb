package consensus

import (
	"sort"

	"epochbft/types"
)

// catchupDetector tracks the latest epoch each peer has been observed in.
// It signals catch-up when at least a weak quorum of peers is ahead of the
// local epoch by the configured threshold: at that point at least one honest
// peer can serve the missing epochs, and live consensus cannot recover the
// gap on its own.
type catchupDetector struct {
	threshold int64 // epochs ahead before triggering, >= 2

	latestKnownPeerEpoch map[string]types.EpochNumber
}

func newCatchupDetector(threshold int64) *catchupDetector {
	return &catchupDetector{
		threshold:            threshold,
		latestKnownPeerEpoch: make(map[string]types.EpochNumber),
	}
}

// Observe records that peer was seen at epoch. Only forward progress is
// kept.
func (d *catchupDetector) Observe(peer types.Address, epoch types.EpochNumber) {
	if known, ok := d.latestKnownPeerEpoch[string(peer)]; !ok || epoch > known {
		d.latestKnownPeerEpoch[string(peer)] = epoch
	}
}

// ShouldCatchUp reports whether the catch-up condition holds for the given
// local epoch and weak quorum size. The returned target is the highest epoch
// a weak quorum vouches for: the weakQuorum-th largest observation, so at
// least one honest peer has completed everything below it.
func (d *catchupDetector) ShouldCatchUp(current types.EpochNumber, weakQuorum int) (bool, types.EpochNumber) {
	if weakQuorum <= 0 || len(d.latestKnownPeerEpoch) < weakQuorum {
		return false, 0
	}

	epochs := make([]types.EpochNumber, 0, len(d.latestKnownPeerEpoch))
	for _, e := range d.latestKnownPeerEpoch {
		epochs = append(epochs, e)
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] > epochs[j] })

	target := epochs[weakQuorum-1]
	if target >= current+types.EpochNumber(d.threshold) {
		return true, target
	}
	return false, 0
}
