package model

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/eldernet/consensus/encoding"
)

// ProposalKey returns the canonical-encoding key of a proposal. Proposal
// equality and ordering throughout the protocol are defined over this key,
// so the proposal type only needs to be canonically encodable.
func ProposalKey[P any](proposal P) string {
	return string(encoding.MustMarshal(proposal))
}

// ProposalSet is a set of proposals keyed by canonical encoding.
type ProposalSet[P any] map[string]P

// NewProposalSet builds a set from the given proposals.
func NewProposalSet[P any](proposals ...P) ProposalSet[P] {
	set := make(ProposalSet[P], len(proposals))
	for _, p := range proposals {
		set.Add(p)
	}
	return set
}

func (s ProposalSet[P]) Add(proposal P) {
	s[ProposalKey(proposal)] = proposal
}

func (s ProposalSet[P]) Contains(proposal P) bool {
	_, ok := s[ProposalKey(proposal)]
	return ok
}

// Union adds all proposals of other to the set.
func (s ProposalSet[P]) Union(other ProposalSet[P]) {
	for k, p := range other {
		s[k] = p
	}
}

// Equal reports whether both sets hold the same proposals.
func (s ProposalSet[P]) Equal(other ProposalSet[P]) bool {
	if len(s) != len(other) {
		return false
	}
	for k := range s {
		if _, ok := other[k]; !ok {
			return false
		}
	}
	return true
}

// Sorted returns the proposals ordered by canonical encoding. This is the
// order in which proposals appear in proof maps, in decisions and under the
// combined signature.
func (s ProposalSet[P]) Sorted() []P {
	keys := maps.Keys(s)
	slices.Sort(keys)
	sorted := make([]P, 0, len(keys))
	for _, k := range keys {
		sorted = append(sorted, s[k])
	}
	return sorted
}

// Key returns a deterministic composite key for the whole set, usable as a
// map key for candidate tallies.
func (s ProposalSet[P]) Key() string {
	keys := maps.Keys(s)
	slices.Sort(keys)
	raw := make([][]byte, 0, len(keys))
	for _, k := range keys {
		raw = append(raw, []byte(k))
	}
	return string(encoding.MustMarshal(raw))
}

// SequenceBytes returns the domain-tagged canonical encoding of the sorted
// proposal sequence. Signature shares inside SuperMajority ballots and the
// combined signature of a Decision sign exactly these bytes.
func (s ProposalSet[P]) SequenceBytes() []byte {
	return append(append([]byte{}, DecisionTag...), encoding.MustMarshal(s.Sorted())...)
}
