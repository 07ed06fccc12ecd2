package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/eldernet/consensus/module"
)

const (
	namespaceConsensus = "consensus"

	subsystemKernel = "kernel"
)

// ConsensusCollector reports kernel activity to Prometheus.
type ConsensusCollector struct {
	votesProcessed   prometheus.Counter
	votesDiscarded   prometheus.Counter
	votesRejected    prometheus.Counter
	faultsDetected   *prometheus.CounterVec
	ballotsBroadcast *prometheus.CounterVec
	decisionsReached prometheus.Counter
	lastDecidedGen   prometheus.Gauge
}

var _ module.ConsensusMetrics = (*ConsensusCollector)(nil)

// NewConsensusCollector creates a collector and registers its metrics with
// the given registerer.
func NewConsensusCollector(registerer prometheus.Registerer) *ConsensusCollector {
	cc := &ConsensusCollector{
		votesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceConsensus,
			Subsystem: subsystemKernel,
			Name:      "votes_processed_total",
			Help:      "number of signed votes validated and applied to the state",
		}),
		votesDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceConsensus,
			Subsystem: subsystemKernel,
			Name:      "votes_discarded_total",
			Help:      "number of duplicate votes dropped by the idempotence cache",
		}),
		votesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceConsensus,
			Subsystem: subsystemKernel,
			Name:      "votes_rejected_total",
			Help:      "number of signed votes that failed validation",
		}),
		faultsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceConsensus,
			Subsystem: subsystemKernel,
			Name:      "faults_detected_total",
			Help:      "number of recorded faults by kind",
		}, []string{LabelFaultKind}),
		ballotsBroadcast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceConsensus,
			Subsystem: subsystemKernel,
			Name:      "ballots_broadcast_total",
			Help:      "number of ballots emitted by kind",
		}, []string{LabelBallotKind}),
		decisionsReached: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceConsensus,
			Subsystem: subsystemKernel,
			Name:      "decisions_reached_total",
			Help:      "number of agreement instances that terminated with a decision",
		}),
		lastDecidedGen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespaceConsensus,
			Subsystem: subsystemKernel,
			Name:      "last_decided_generation",
			Help:      "generation of the most recent decision",
		}),
	}
	registerer.MustRegister(
		cc.votesProcessed,
		cc.votesDiscarded,
		cc.votesRejected,
		cc.faultsDetected,
		cc.ballotsBroadcast,
		cc.decisionsReached,
		cc.lastDecidedGen,
	)
	return cc
}

func (cc *ConsensusCollector) VoteProcessed() {
	cc.votesProcessed.Inc()
}

func (cc *ConsensusCollector) VoteDiscarded() {
	cc.votesDiscarded.Inc()
}

func (cc *ConsensusCollector) VoteRejected() {
	cc.votesRejected.Inc()
}

func (cc *ConsensusCollector) FaultDetected(kind string) {
	cc.faultsDetected.WithLabelValues(kind).Inc()
}

func (cc *ConsensusCollector) BallotBroadcast(kind string) {
	cc.ballotsBroadcast.WithLabelValues(kind).Inc()
}

func (cc *ConsensusCollector) DecisionReached(generation uint64) {
	cc.decisionsReached.Inc()
	cc.lastDecidedGen.Set(float64(generation))
}
