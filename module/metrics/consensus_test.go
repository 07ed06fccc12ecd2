package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestConsensusCollector(t *testing.T) {
	registry := prometheus.NewRegistry()
	cc := NewConsensusCollector(registry)

	cc.VoteProcessed()
	cc.VoteProcessed()
	cc.VoteDiscarded()
	cc.FaultDetected("equivocation")
	cc.BallotBroadcast("merge")
	cc.DecisionReached(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(cc.votesProcessed))
	assert.Equal(t, 1.0, testutil.ToFloat64(cc.votesDiscarded))
	assert.Equal(t, 0.0, testutil.ToFloat64(cc.votesRejected))
	assert.Equal(t, 1.0, testutil.ToFloat64(cc.faultsDetected.WithLabelValues("equivocation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(cc.ballotsBroadcast.WithLabelValues("merge")))
	assert.Equal(t, 1.0, testutil.ToFloat64(cc.decisionsReached))
	assert.Equal(t, 3.0, testutil.ToFloat64(cc.lastDecidedGen))
}

func TestCollectorRegistersOnce(t *testing.T) {
	registry := prometheus.NewRegistry()
	NewConsensusCollector(registry)
	assert.Panics(t, func() { NewConsensusCollector(registry) })
}
