package model

import (
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/eldernet/consensus/encoding"
)

// BallotKind discriminates the three ballot variants.
type BallotKind uint8

const (
	// BallotPropose carries a single proposal by the voter.
	BallotPropose BallotKind = iota + 1
	// BallotMerge aggregates previously seen votes the voter has adopted.
	BallotMerge
	// BallotSuperMajority claims the inner votes constitute a super-majority
	// and carries the accumulated signature shares over the agreed proposals.
	BallotSuperMajority
)

func (k BallotKind) String() string {
	switch k {
	case BallotPropose:
		return "propose"
	case BallotMerge:
		return "merge"
	case BallotSuperMajority:
		return "super-majority"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// ShareProof is one voter's signature share over the agreed proposal
// sequence (ProposalSet.SequenceBytes).
type ShareProof struct {
	Signer NodeID
	Share  []byte
}

// ProposalProofs carries the signature shares accumulated for one agreed
// proposal. Shares are kept sorted by signer.
type ProposalProofs[P any] struct {
	Proposal P
	Shares   []ShareProof
}

// Ballot is the tagged payload of a vote. Exactly one variant is populated,
// as indicated by Kind:
//
//   - Propose: Proposal
//   - Merge: Votes
//   - SuperMajority: Votes and Proofs
//
// Votes and Proofs are canonically sorted on the wire.
type Ballot[P any] struct {
	Kind     BallotKind
	Proposal *P                  `cbor:",omitempty"`
	Votes    []SignedVote[P]     `cbor:",omitempty"`
	Proofs   []ProposalProofs[P] `cbor:",omitempty"`
}

// NewProposeBallot builds a Propose ballot for a single proposal.
func NewProposeBallot[P any](proposal P) Ballot[P] {
	return Ballot[P]{Kind: BallotPropose, Proposal: &proposal}
}

// NewMergeBallot builds a Merge ballot over the given votes. Votes are
// simplified (votes superseded within the set are dropped) and sorted. When
// simplification collapses the set below the two votes a Merge must carry,
// the redundant votes are kept instead.
func NewMergeBallot[P any](votes []SignedVote[P]) Ballot[P] {
	simplified := SimplifyVotes(votes)
	if len(simplified) < 2 {
		simplified = votes
	}
	return Ballot[P]{Kind: BallotMerge, Votes: sortVotes(simplified)}
}

// NewSuperMajorityBallot builds a SuperMajority ballot over the given votes
// and accumulated proofs.
func NewSuperMajorityBallot[P any](votes []SignedVote[P], proofs []ProposalProofs[P]) Ballot[P] {
	slices.SortFunc(proofs, func(a, b ProposalProofs[P]) int {
		return encoding.Compare(a.Proposal, b.Proposal)
	})
	for i := range proofs {
		slices.SortFunc(proofs[i].Shares, func(a, b ShareProof) int {
			return int(a.Signer) - int(b.Signer)
		})
	}
	return Ballot[P]{
		Kind:   BallotSuperMajority,
		Votes:  sortVotes(SimplifyVotes(votes)),
		Proofs: proofs,
	}
}

// IsSuperMajority reports whether the ballot is a SuperMajority claim.
func (b *Ballot[P]) IsSuperMajority() bool {
	return b.Kind == BallotSuperMajority
}

// AsProposal returns the proposal of a Propose ballot.
func (b *Ballot[P]) AsProposal() (P, bool) {
	if b.Kind == BallotPropose && b.Proposal != nil {
		return *b.Proposal, true
	}
	var zero P
	return zero, false
}

// ProofShares flattens the proof map into one share per signer.
func (b *Ballot[P]) ProofShares() map[NodeID][]byte {
	shares := make(map[NodeID][]byte)
	for _, pp := range b.Proofs {
		for _, sp := range pp.Shares {
			shares[sp.Signer] = sp.Share
		}
	}
	return shares
}

// ProofProposals returns the key set of the proof map.
func (b *Ballot[P]) ProofProposals() ProposalSet[P] {
	set := make(ProposalSet[P], len(b.Proofs))
	for _, pp := range b.Proofs {
		set.Add(pp.Proposal)
	}
	return set
}

func sortVotes[P any](votes []SignedVote[P]) []SignedVote[P] {
	slices.SortFunc(votes, func(a, b SignedVote[P]) int {
		return encoding.Compare(a, b)
	})
	return votes
}
