package rpc

import (
	"epochbft/consensus"
	"epochbft/libs/metric"
)

var env *Environment

func SetEnvironment(e *Environment) {
	env = e
}

type Environment struct {
	Consensus *consensus.ConsensusState

	MetricSet *metric.MetricSet
}
