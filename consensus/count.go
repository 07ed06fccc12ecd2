package consensus

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/eldernet/consensus/encoding"
	"github.com/eldernet/consensus/model"
)

// SuperMajority returns the smallest voter count strictly greater than
// (n + faults) / 2. The threshold is recomputed as faults are learned, so a
// committee does not stall waiting for voters it has proven Byzantine.
func SuperMajority(n, faults int) int {
	return (n+faults)/2 + 1
}

// Candidate is a potential outcome of an agreement instance: a proposal set
// together with the faulty voters that were discounted when deriving it.
type Candidate[P any] struct {
	Proposals model.ProposalSet[P]
	Faulty    map[model.NodeID]struct{}
}

// Key returns a deterministic identity for the candidate, used as the tally
// map key and for the lexicographic tie-break between equal tallies.
func (c *Candidate[P]) Key() string {
	proposalKeys := maps.Keys(c.Proposals)
	slices.Sort(proposalKeys)
	raw := make([][]byte, 0, len(proposalKeys))
	for _, k := range proposalKeys {
		raw = append(raw, []byte(k))
	}
	faulty := maps.Keys(c.Faulty)
	slices.Sort(faulty)
	return string(encoding.MustMarshal(struct {
		Proposals [][]byte
		Faulty    []model.NodeID
	}{raw, faulty}))
}

// SuperMajorityCount tallies the voters backing one candidate with a
// SuperMajority ballot, together with the signature shares those ballots
// carried over the candidate's proposal sequence.
type SuperMajorityCount struct {
	Count  int
	Shares map[model.NodeID][]byte
}

type candidateTally[P any] struct {
	candidate Candidate[P]
	count     int
}

type superMajorityTally[P any] struct {
	candidate Candidate[P]
	sm        SuperMajorityCount
}

// VoteCount is the tally of a set of votes: how many non-faulty voters back
// each candidate, and how many of those backings are SuperMajority ballots.
type VoteCount[P any] struct {
	candidates      map[string]*candidateTally[P]
	superMajorities map[string]*superMajorityTally[P]
	voters          map[model.NodeID]struct{}
}

// CountVotes tallies the given votes, discounting the known faulty voters.
// Inner votes are unpacked recursively and only the supersede-maximal vote
// of each voter is counted.
func CountVotes[P any](votes []*model.SignedVote[P], faulty map[model.NodeID]struct{}) *VoteCount[P] {
	count := &VoteCount[P]{
		candidates:      make(map[string]*candidateTally[P]),
		superMajorities: make(map[string]*superMajorityTally[P]),
		voters:          make(map[model.NodeID]struct{}),
	}

	latest := make(map[model.NodeID]*model.SignedVote[P])
	for _, vote := range votes {
		for _, unpacked := range vote.Unpack() {
			if _, isFaulty := faulty[unpacked.Voter]; isFaulty {
				continue
			}
			current, ok := latest[unpacked.Voter]
			if !ok || unpacked.Supersedes(current) {
				latest[unpacked.Voter] = unpacked
			}
		}
	}

	// Faulty voters stay in the voter set so the tally reflects who has
	// contributed votes, which aids split-vote detection.
	for voter := range latest {
		count.voters[voter] = struct{}{}
	}
	for voter := range faulty {
		count.voters[voter] = struct{}{}
	}

	for _, vote := range latest {
		candidate := voteCandidate(vote)
		key := candidate.Key()

		if vote.Vote.Ballot.IsSuperMajority() {
			tally, ok := count.superMajorities[key]
			if !ok {
				tally = &superMajorityTally[P]{
					candidate: candidate,
					sm:        SuperMajorityCount{Shares: make(map[model.NodeID][]byte)},
				}
				count.superMajorities[key] = tally
			}
			tally.sm.Count++
			for signer, sigShare := range vote.Vote.Ballot.ProofShares() {
				tally.sm.Shares[signer] = sigShare
			}
		}

		tally, ok := count.candidates[key]
		if !ok {
			tally = &candidateTally[P]{candidate: candidate}
			count.candidates[key] = tally
		}
		tally.count++
	}

	return count
}

// voteCandidate derives the candidate a single vote backs. A SuperMajority
// ballot backs the winning candidate of its inner votes; any other ballot
// backs its own agreed proposal set.
func voteCandidate[P any](vote *model.SignedVote[P]) Candidate[P] {
	if vote.Vote.Ballot.IsSuperMajority() {
		inner := CountVotes(voteRefs(vote.Vote.Ballot.Votes), vote.Vote.FaultyIDs())
		if candidate, n := inner.CandidateWithMostVotes(); n > 0 {
			return candidate
		}
		return Candidate[P]{
			Proposals: make(model.ProposalSet[P]),
			Faulty:    make(map[model.NodeID]struct{}),
		}
	}
	return Candidate[P]{
		Proposals: vote.Vote.Proposals(),
		Faulty:    vote.Vote.FaultyIDs(),
	}
}

// Voters returns how many distinct voters (including faulty ones) have
// contributed votes to this tally.
func (vc *VoteCount[P]) Voters() int {
	return len(vc.voters)
}

// CandidateWithMostVotes returns the candidate with the highest tally and
// its count. Ties break toward the lexicographically smallest candidate
// key, which is deterministic across nodes because keys are canonical
// encodings.
func (vc *VoteCount[P]) CandidateWithMostVotes() (Candidate[P], int) {
	var best Candidate[P]
	bestCount := 0
	for _, key := range sortedKeys(vc.candidates) {
		tally := vc.candidates[key]
		if tally.count > bestCount {
			best = tally.candidate
			bestCount = tally.count
		}
	}
	return best, bestCount
}

// SuperMajorityWithMostVotes returns the candidate backed by the most
// SuperMajority ballots, with the accumulated signature shares. The second
// return is nil when no SuperMajority ballot has been counted.
func (vc *VoteCount[P]) SuperMajorityWithMostVotes() (Candidate[P], *SuperMajorityCount) {
	var best Candidate[P]
	var bestSM *SuperMajorityCount
	for _, key := range sortedKeys(vc.superMajorities) {
		tally := vc.superMajorities[key]
		if bestSM == nil || tally.sm.Count > bestSM.Count {
			best = tally.candidate
			bestSM = &tally.sm
		}
	}
	return best, bestSM
}

// SharesFor returns the signature shares accumulated from super-majority
// ballots backing the given candidate, or nil when none were counted.
func (vc *VoteCount[P]) SharesFor(candidate *Candidate[P]) map[model.NodeID][]byte {
	if tally, ok := vc.superMajorities[candidate.Key()]; ok {
		return tally.sm.Shares
	}
	return nil
}

// IsSplitVote reports whether no candidate can reach the super-majority
// threshold even if every voter yet to be heard from backs the current
// front-runner.
func (vc *VoteCount[P]) IsSplitVote(n, faults int) bool {
	_, most := vc.CandidateWithMostVotes()
	remaining := n - len(vc.voters)
	return len(vc.voters) >= SuperMajority(n, faults) &&
		most+remaining < SuperMajority(n, faults)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}

func voteRefs[P any](votes []model.SignedVote[P]) []*model.SignedVote[P] {
	refs := make([]*model.SignedVote[P], 0, len(votes))
	for i := range votes {
		refs = append(refs, &votes[i])
	}
	return refs
}
