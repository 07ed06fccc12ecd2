// Package module holds the capability interfaces the consensus kernel
// consumes. Implementations live in subpackages (module/metrics,
// module/signature).
package module

// ConsensusMetrics is the instrumentation surface of a consensus instance.
// The kernel reports through this interface; implementations must be cheap
// and non-blocking.
type ConsensusMetrics interface {
	// VoteProcessed is called once per signed vote that passed validation
	// and was applied to the state.
	VoteProcessed()

	// VoteDiscarded is called for votes dropped at ingress by the
	// idempotence cache.
	VoteDiscarded()

	// VoteRejected is called for votes that failed validation.
	VoteRejected()

	// FaultDetected is called once per newly recorded fault, labeled by
	// fault kind.
	FaultDetected(kind string)

	// BallotBroadcast is called for every ballot the instance emits, labeled
	// by ballot kind.
	BallotBroadcast(kind string)

	// DecisionReached is called when the instance terminates with a
	// decision.
	DecisionReached(generation uint64)
}
