package metrics

import (
	"github.com/eldernet/consensus/module"
)

// NoopCollector discards all reported metrics.
type NoopCollector struct{}

var _ module.ConsensusMetrics = (*NoopCollector)(nil)

func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

func (nc *NoopCollector) VoteProcessed()                    {}
func (nc *NoopCollector) VoteDiscarded()                    {}
func (nc *NoopCollector) VoteRejected()                     {}
func (nc *NoopCollector) FaultDetected(kind string)         {}
func (nc *NoopCollector) BallotBroadcast(kind string)       {}
func (nc *NoopCollector) DecisionReached(generation uint64) {}
