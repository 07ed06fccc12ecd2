package model

import (
	"fmt"

	"github.com/eldernet/consensus/encoding"
)

// FaultKind enumerates the closed taxonomy of provable voter misbehavior.
type FaultKind uint8

const (
	// FaultInvalidSignatureShare: a signed vote whose share fails
	// verification under the claimed voter.
	FaultInvalidSignatureShare FaultKind = iota + 1
	// FaultEquivocation: two signed votes from the same voter and
	// generation, neither superseding the other.
	FaultEquivocation
	// FaultInvalidProposal: a signed vote proposing a value the external
	// validator rejects.
	FaultInvalidProposal
	// FaultDisagreeingVoters: a SuperMajority ballot whose inner votes do
	// not actually constitute a super-majority, or whose proof map does not
	// match the agreed proposals.
	FaultDisagreeingVoters
	// FaultBadMergeVotes: a Merge or SuperMajority ballot whose inner vote
	// set violates well-formedness (too few votes, duplicate voter,
	// cross-generation mix).
	FaultBadMergeVotes
)

func (k FaultKind) String() string {
	switch k {
	case FaultInvalidSignatureShare:
		return "invalid-signature-share"
	case FaultEquivocation:
		return "equivocation"
	case FaultInvalidProposal:
		return "invalid-proposal"
	case FaultDisagreeingVoters:
		return "disagreeing-voters"
	case FaultBadMergeVotes:
		return "bad-merge-votes"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Fault is self-contained evidence that a voter misbehaved. Vote is the
// offending signed vote; Other carries the second conflicting vote for
// equivocation evidence. Any third party holding the committee key set can
// verify a fault offline.
type Fault[P any] struct {
	Kind  FaultKind
	Vote  SignedVote[P]
	Other *SignedVote[P] `cbor:",omitempty"`
}

// NewEquivocationFault builds equivocation evidence from two conflicting
// votes of the same voter. The lexicographically smaller encoding is kept
// first so the evidence is canonical regardless of observation order.
func NewEquivocationFault[P any](a, b SignedVote[P]) Fault[P] {
	if encoding.Compare(a, b) > 0 {
		a, b = b, a
	}
	return Fault[P]{Kind: FaultEquivocation, Vote: a, Other: &b}
}

// Voter returns the voter the evidence convicts.
func (f *Fault[P]) Voter() NodeID {
	return f.Vote.Voter
}

// Key returns the canonical-encoding key of the fault, used for set
// semantics when merging evidence.
func (f *Fault[P]) Key() string {
	return string(encoding.MustMarshal(f))
}
