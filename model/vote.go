package model

import (
	"fmt"

	"github.com/eldernet/consensus/encoding"
)

// Vote is a ballot scoped to one generation, together with the voter's
// current fault evidence. The evidence rides on every vote so peers learn
// about misbehavior through normal traffic.
type Vote[P any] struct {
	Gen    Generation
	Ballot Ballot[P]
	Faults []Fault[P] `cbor:",omitempty"`
}

// SigningBytes returns the domain-tagged canonical encoding of the vote.
// Signature shares on votes sign exactly these bytes.
func (v *Vote[P]) SigningBytes() ([]byte, error) {
	data, err := encoding.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("could not encode vote: %w", err)
	}
	return append(append([]byte{}, VoteTag...), data...), nil
}

// FaultyIDs returns the voters proven faulty by the evidence carried on this
// vote.
func (v *Vote[P]) FaultyIDs() map[NodeID]struct{} {
	faulty := make(map[NodeID]struct{}, len(v.Faults))
	for i := range v.Faults {
		faulty[v.Faults[i].Voter()] = struct{}{}
	}
	return faulty
}

// Proposals returns the agreed proposals of the vote, discounting voters the
// vote itself proves faulty.
func (v *Vote[P]) Proposals() ProposalSet[P] {
	return v.ProposalsWithFaulty(v.FaultyIDs())
}

// ProposalsWithFaulty returns the agreed proposals of the vote, discounting
// the given faulty voters:
//
//   - Propose(p) agrees on {p},
//   - Merge(S) and SuperMajority{S, _} agree on the union of proposals of
//     all non-faulty votes reachable through S.
func (v *Vote[P]) ProposalsWithFaulty(faulty map[NodeID]struct{}) ProposalSet[P] {
	set := make(ProposalSet[P])
	switch v.Ballot.Kind {
	case BallotPropose:
		if p, ok := v.Ballot.AsProposal(); ok {
			set.Add(p)
		}
	case BallotMerge, BallotSuperMajority:
		for i := range v.Ballot.Votes {
			for _, unpacked := range v.Ballot.Votes[i].Unpack() {
				if _, isFaulty := faulty[unpacked.Voter]; isFaulty {
					continue
				}
				if p, ok := unpacked.Vote.Ballot.AsProposal(); ok {
					set.Add(p)
				}
			}
		}
	}
	return set
}

// SignedVote is a vote bound to its voter by a signature share over the
// vote's signing bytes.
type SignedVote[P any] struct {
	Vote  Vote[P]
	Voter NodeID
	Sig   []byte
}

// Unpack returns the vote itself plus every vote transitively nested in its
// ballot. This is how adoption learns votes from peers it never heard from
// directly.
func (sv *SignedVote[P]) Unpack() []*SignedVote[P] {
	unpacked := []*SignedVote[P]{sv}
	switch sv.Vote.Ballot.Kind {
	case BallotMerge, BallotSuperMajority:
		for i := range sv.Vote.Ballot.Votes {
			unpacked = append(unpacked, sv.Vote.Ballot.Votes[i].Unpack()...)
		}
	}
	return unpacked
}

// Equal reports whether both signed votes have identical canonical
// encodings.
func (sv *SignedVote[P]) Equal(other *SignedVote[P]) bool {
	return encoding.Equal(sv, other)
}

// Supersedes reports whether this vote carries at least all the information
// of other. A vote supersedes another when they are the same voter's vote
// with the same ballot and at least the same fault evidence, or when any
// vote nested in this ballot supersedes other.
func (sv *SignedVote[P]) Supersedes(other *SignedVote[P]) bool {
	if sv.Voter == other.Voter &&
		sv.Vote.Gen == other.Vote.Gen &&
		encoding.Equal(sv.Vote.Ballot, other.Vote.Ballot) &&
		faultSuperset(sv.Vote.Faults, other.Vote.Faults) {
		return true
	}
	switch sv.Vote.Ballot.Kind {
	case BallotMerge, BallotSuperMajority:
		for i := range sv.Vote.Ballot.Votes {
			if sv.Vote.Ballot.Votes[i].Supersedes(other) {
				return true
			}
		}
	}
	return false
}

// StrictlySupersedes reports whether this vote supersedes other and is not
// merely the same content.
func (sv *SignedVote[P]) StrictlySupersedes(other *SignedVote[P]) bool {
	return sv.Supersedes(other) && !sv.Equal(other)
}

// Conflicts reports whether neither vote supersedes the other. Two
// conflicting votes from the same voter are proof of equivocation.
func (sv *SignedVote[P]) Conflicts(other *SignedVote[P]) bool {
	return !sv.Supersedes(other) && !other.Supersedes(sv)
}

// SimplifyVotes drops votes that are superseded by another vote in the set.
func SimplifyVotes[P any](votes []SignedVote[P]) []SignedVote[P] {
	simplified := make([]SignedVote[P], 0, len(votes))
	for i := range votes {
		superseded := false
		for j := range votes {
			if i == j {
				continue
			}
			if votes[j].Supersedes(&votes[i]) && !votes[j].Equal(&votes[i]) {
				superseded = true
				break
			}
			// Among equal votes keep only the first occurrence.
			if j < i && votes[j].Equal(&votes[i]) {
				superseded = true
				break
			}
		}
		if !superseded {
			simplified = append(simplified, votes[i])
		}
	}
	return simplified
}

func faultSuperset[P any](a, b []Fault[P]) bool {
	keys := make(map[string]struct{}, len(a))
	for i := range a {
		keys[a[i].Key()] = struct{}{}
	}
	for i := range b {
		if _, ok := keys[b[i].Key()]; !ok {
			return false
		}
	}
	return true
}
