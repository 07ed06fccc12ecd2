// Package consensus implements a single-shot Byzantine agreement instance
// for a committee sharing a threshold key. Each instance is a deterministic
// reactive value: the driver feeds in signed votes and gets back outgoing
// votes to broadcast plus, on termination, an independently verifiable
// decision. All suspension and networking live outside the package.
package consensus

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/eldernet/consensus/encoding"
	"github.com/eldernet/consensus/model"
	"github.com/eldernet/consensus/module"
	"github.com/eldernet/consensus/module/signature"
)

// VoteResponse is the reaction of the state machine to one input: zero or
// more votes to broadcast to the whole committee, and the decision once the
// instance has terminated.
type VoteResponse[P any] struct {
	Broadcasts []model.SignedVote[P]
	Decision   *model.Decision[P]
}

// Consensus is one node's state for one agreement instance. It is not safe
// for concurrent use; drivers serialize access.
type Consensus[P any] struct {
	log       zerolog.Logger
	metrics   module.ConsensusMetrics
	signer    signature.Signer
	validator ProposalValidator[P]
	checker   voteValidator[P]
	gen       model.Generation

	votes     map[model.NodeID]*model.SignedVote[P]
	faults    map[model.NodeID]model.Fault[P]
	processed map[string]struct{}

	// smKey remembers the candidate our super-majority ballot was cast for,
	// smFaults the fault set known at that point. Together they pin the
	// ballot: a node never backs a different candidate with a second
	// super-majority ballot unless new fault evidence changed the committee
	// math. Without the pin two disjoint super-majorities could form.
	smKey     string
	smFaults  string
	decision  *model.Decision[P]
	finalVote *model.SignedVote[P]
}

// New creates a fresh agreement instance for the given generation.
func New[P any](
	log zerolog.Logger,
	metrics module.ConsensusMetrics,
	signer signature.Signer,
	validator ProposalValidator[P],
	gen model.Generation,
) *Consensus[P] {
	return &Consensus[P]{
		log: log.With().
			Str("component", "consensus").
			Uint64("generation", uint64(gen)).
			Logger(),
		metrics:   metrics,
		signer:    signer,
		validator: validator,
		checker:   voteValidator[P]{scheme: signer, validator: validator, gen: gen},
		gen:       gen,
		votes:     make(map[model.NodeID]*model.SignedVote[P]),
		faults:    make(map[model.NodeID]model.Fault[P]),
		processed: make(map[string]struct{}),
	}
}

// Generation returns the generation this instance agrees on.
func (c *Consensus[P]) Generation() model.Generation {
	return c.gen
}

// NodeID returns this node's index in the committee.
func (c *Consensus[P]) NodeID() model.NodeID {
	return c.signer.NodeID()
}

// Decided reports whether the instance has terminated.
func (c *Consensus[P]) Decided() bool {
	return c.decision != nil
}

// Decision returns the decision, or nil while the instance is running.
func (c *Consensus[P]) Decision() *model.Decision[P] {
	return c.decision
}

// Faults returns the recorded fault evidence, ordered canonically.
func (c *Consensus[P]) Faults() []model.Fault[P] {
	return c.currentFaults()
}

// Votes returns the adopted votes of voters not proven faulty, ordered
// canonically.
func (c *Consensus[P]) Votes() []model.SignedVote[P] {
	return c.voteSnapshot()
}

// SignVote signs a vote with this node's key share.
func (c *Consensus[P]) SignVote(vote model.Vote[P]) (model.SignedVote[P], error) {
	msg, err := vote.SigningBytes()
	if err != nil {
		return model.SignedVote[P]{}, err
	}
	sig, err := c.signer.SignShare(msg)
	if err != nil {
		return model.SignedVote[P]{}, fmt.Errorf("could not sign vote: %w", err)
	}
	return model.SignedVote[P]{Vote: vote, Voter: c.signer.NodeID(), Sig: sig}, nil
}

// Propose casts this node's proposal for the instance. It returns the votes
// to broadcast, which include the Propose vote itself and any follow-up the
// state machine derives from it (a one-member committee decides
// immediately).
func (c *Consensus[P]) Propose(proposal P) (*VoteResponse[P], error) {
	if c.decision != nil {
		return nil, model.ErrAlreadyDecided
	}
	if err := c.validator.ValidateProposal(proposal); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrProposalRejected, err)
	}
	if own, ok := c.votes[c.signer.NodeID()]; ok {
		if prior, isPropose := own.Vote.Ballot.AsProposal(); isPropose && encoding.Equal(prior, proposal) {
			return nil, model.ErrAlreadyProposed
		}
		// A second, different proposal would be provable equivocation.
		return nil, model.ErrFaultyProposal
	}
	signed, err := c.SignVote(model.Vote[P]{
		Gen:    c.gen,
		Ballot: model.NewProposeBallot(proposal),
		Faults: c.currentFaults(),
	})
	if err != nil {
		return nil, err
	}
	c.log.Debug().Msg("casting proposal")
	return c.castVote(signed)
}

// HandleSignedVote processes one incoming vote. Duplicate deliveries are
// discarded by signature bytes; after termination any fresh vote is
// answered with the final broadcast. A vote proving a fault yields an empty
// response with the evidence recorded; a vote this node must reject yields
// an error.
func (c *Consensus[P]) HandleSignedVote(signed model.SignedVote[P]) (*VoteResponse[P], error) {
	if _, ok := c.processed[string(signed.Sig)]; ok {
		c.metrics.VoteDiscarded()
		return &VoteResponse[P]{}, nil
	}
	if c.decision != nil {
		c.processed[string(signed.Sig)] = struct{}{}
		return &VoteResponse[P]{
			Broadcasts: []model.SignedVote[P]{*c.finalVote},
			Decision:   c.decision,
		}, nil
	}

	fault, err := c.checker.validate(&signed)
	if err != nil {
		if !model.IsBadGenerationError(err) {
			c.metrics.VoteRejected()
		}
		return nil, err
	}
	if fault != nil {
		c.recordFault(*fault)
		c.adoptVote(&fault.Vote)
		c.processed[string(signed.Sig)] = struct{}{}
		return c.step()
	}

	for _, unpacked := range signed.Unpack() {
		for i := range unpacked.Vote.Faults {
			c.recordFault(unpacked.Vote.Faults[i])
		}
		c.adoptVote(unpacked)
		c.processed[string(unpacked.Sig)] = struct{}{}
	}
	c.metrics.VoteProcessed()

	return c.step()
}

// AntiEntropy returns the vote that best summarizes this node's state for a
// peer that missed traffic: the terminal super-majority vote once decided,
// otherwise this node's own latest vote, or nil if it has none.
func (c *Consensus[P]) AntiEntropy() *model.SignedVote[P] {
	if c.finalVote != nil {
		return c.finalVote
	}
	if own, ok := c.votes[c.signer.NodeID()]; ok {
		return own
	}
	return nil
}

// castVote adopts this node's own vote into the state and runs the state
// machine, returning the vote plus whatever follow-up it triggers.
func (c *Consensus[P]) castVote(signed model.SignedVote[P]) (*VoteResponse[P], error) {
	c.adoptVote(&signed)
	c.processed[string(signed.Sig)] = struct{}{}
	c.metrics.BallotBroadcast(signed.Vote.Ballot.Kind.String())

	resp, err := c.step()
	if err != nil {
		return nil, err
	}
	resp.Broadcasts = append([]model.SignedVote[P]{signed}, resp.Broadcasts...)
	return resp, nil
}

// step runs the state machine transitions after the adopted vote set or the
// fault set changed. Transitions, in order: decide on a super-majority of
// super-majority ballots, cast our own super-majority ballot when one
// candidate has enough backers, or cast a merge ballot when our own vote no
// longer reflects everything we adopted.
func (c *Consensus[P]) step() (*VoteResponse[P], error) {
	count := CountVotes(c.adoptedVotes(), c.faultyIDs())
	needed := SuperMajority(c.signer.Size(), len(c.faults))

	smCandidate, sm := count.SuperMajorityWithMostVotes()
	if sm != nil && sm.Count >= needed {
		resp, err := c.decide(smCandidate, sm)
		if err != nil || resp != nil {
			return resp, err
		}
		// Not enough signature shares to combine yet; keep voting so our
		// own share reaches the committee.
	}

	candidate, backers := count.CandidateWithMostVotes()
	if backers >= needed && c.smKey != candidate.Key() && c.unpinned() {
		signed, err := c.buildSuperMajorityVote(candidate, count.SharesFor(&candidate))
		if err != nil {
			return nil, err
		}
		c.smKey = candidate.Key()
		c.smFaults = c.faultsKey()
		c.log.Debug().Int("backers", backers).Msg("casting super-majority ballot")
		return c.castVote(signed)
	}

	if c.needsMerge() {
		signed, err := c.SignVote(model.Vote[P]{
			Gen:    c.gen,
			Ballot: model.NewMergeBallot(c.voteSnapshot()),
			Faults: c.currentFaults(),
		})
		if err != nil {
			return nil, err
		}
		// This merge supersedes any super-majority ballot we cast before the
		// fault evidence arrived; release the pin so we can back the
		// recomputed candidate.
		c.smKey = ""
		c.smFaults = ""
		c.log.Debug().Int("votes", len(c.votes)).Msg("casting merge ballot")
		return c.castVote(signed)
	}

	return &VoteResponse[P]{}, nil
}

// decide attempts termination for the winning candidate. It returns
// (nil, nil) when fewer than threshold signature shares are available, in
// which case the instance keeps voting.
func (c *Consensus[P]) decide(candidate Candidate[P], sm *SuperMajorityCount) (*VoteResponse[P], error) {
	seq := candidate.Proposals.SequenceBytes()

	shares := maps.Clone(sm.Shares)
	if shares == nil {
		shares = make(map[model.NodeID][]byte)
	}
	ownShare, err := c.signer.SignShare(seq)
	if err != nil {
		return nil, fmt.Errorf("could not sign proposal sequence: %w", err)
	}
	shares[c.signer.NodeID()] = ownShare
	if len(shares) < c.signer.Threshold() {
		return nil, nil
	}

	sig, err := c.signer.Combine(seq, shares)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrSignatureCombineFailed, err)
	}
	if err := c.signer.Verify(seq, sig); err != nil {
		return nil, fmt.Errorf("%w: combined signature does not verify: %v", model.ErrSignatureCombineFailed, err)
	}

	// The terminal broadcast is our own super-majority vote; build it now if
	// we reached termination before casting one for the winning candidate.
	final := c.votes[c.signer.NodeID()]
	if final == nil || !final.Vote.Ballot.IsSuperMajority() || c.smKey != candidate.Key() {
		signed, err := c.buildSuperMajorityVote(candidate, sm.Shares)
		if err != nil {
			return nil, err
		}
		c.adoptVote(&signed)
		c.processed[string(signed.Sig)] = struct{}{}
		c.smKey = candidate.Key()
		c.smFaults = c.faultsKey()
		c.metrics.BallotBroadcast(signed.Vote.Ballot.Kind.String())
		final = &signed
	}

	c.finalVote = final
	c.decision = &model.Decision[P]{
		Gen:       c.gen,
		Proposals: candidate.Proposals.Sorted(),
		Sig:       sig,
		Votes:     c.voteSnapshot(),
	}
	c.metrics.DecisionReached(uint64(c.gen))
	c.log.Info().
		Int("proposals", len(c.decision.Proposals)).
		Int("faults", len(c.faults)).
		Msg("decision reached")

	return &VoteResponse[P]{
		Broadcasts: []model.SignedVote[P]{*final},
		Decision:   c.decision,
	}, nil
}

// buildSuperMajorityVote assembles our super-majority ballot for the given
// candidate: the current vote snapshot as justification, plus all known
// signature shares over the agreed proposal sequence including our own.
func (c *Consensus[P]) buildSuperMajorityVote(candidate Candidate[P], knownShares map[model.NodeID][]byte) (model.SignedVote[P], error) {
	seq := candidate.Proposals.SequenceBytes()
	shares := maps.Clone(knownShares)
	if shares == nil {
		shares = make(map[model.NodeID][]byte)
	}
	ownShare, err := c.signer.SignShare(seq)
	if err != nil {
		return model.SignedVote[P]{}, fmt.Errorf("could not sign proposal sequence: %w", err)
	}
	shares[c.signer.NodeID()] = ownShare

	proofShares := make([]model.ShareProof, 0, len(shares))
	for signer, share := range shares {
		proofShares = append(proofShares, model.ShareProof{Signer: signer, Share: share})
	}
	proofs := make([]model.ProposalProofs[P], 0, len(candidate.Proposals))
	for _, proposal := range candidate.Proposals.Sorted() {
		proofs = append(proofs, model.ProposalProofs[P]{
			Proposal: proposal,
			Shares:   append([]model.ShareProof{}, proofShares...),
		})
	}

	return c.SignVote(model.Vote[P]{
		Gen:    c.gen,
		Ballot: model.NewSuperMajorityBallot(c.voteSnapshot(), proofs),
		Faults: c.currentFaults(),
	})
}

// needsMerge reports whether our own vote no longer reflects the adopted
// state: the agreed proposals derivable from the full view differ from our
// vote's, or we hold fault evidence our vote does not carry. A merge needs
// at least two well-formed adopted votes, and a node that already cast a
// super-majority ballot must not merge past it absent new fault evidence.
func (c *Consensus[P]) needsMerge() bool {
	if !c.unpinned() {
		return false
	}
	faulty := c.faultyIDs()
	honest := len(c.votes)
	for voter := range faulty {
		if _, ok := c.votes[voter]; ok {
			honest--
		}
	}
	if honest < 2 {
		return false
	}
	own, ok := c.votes[c.signer.NodeID()]
	if !ok {
		return true
	}

	view := make(model.ProposalSet[P])
	for voter, vote := range c.votes {
		if _, isFaulty := faulty[voter]; isFaulty {
			continue
		}
		view.Union(vote.Vote.ProposalsWithFaulty(faulty))
	}
	if !own.Vote.ProposalsWithFaulty(faulty).Equal(view) {
		return true
	}

	carried := make(map[string]struct{}, len(own.Vote.Faults))
	for i := range own.Vote.Faults {
		carried[own.Vote.Faults[i].Key()] = struct{}{}
	}
	for _, fault := range c.faults {
		if _, ok := carried[fault.Key()]; !ok {
			return true
		}
	}
	return false
}

// adoptVote keeps at most one vote per voter, preferring the vote that
// supersedes. Two conflicting votes from the same voter are recorded as
// equivocation evidence; the earlier adopted vote is retained.
func (c *Consensus[P]) adoptVote(signed *model.SignedVote[P]) {
	existing, ok := c.votes[signed.Voter]
	if !ok {
		c.votes[signed.Voter] = signed
		return
	}
	if existing.Supersedes(signed) {
		return
	}
	if signed.Supersedes(existing) {
		c.votes[signed.Voter] = signed
		return
	}
	c.recordFault(model.NewEquivocationFault(*existing, *signed))
}

// recordFault stores the first piece of evidence against each voter.
func (c *Consensus[P]) recordFault(fault model.Fault[P]) {
	voter := fault.Voter()
	if _, ok := c.faults[voter]; ok {
		return
	}
	c.faults[voter] = fault
	c.metrics.FaultDetected(fault.Kind.String())
	c.log.Warn().
		Uint8("voter", uint8(voter)).
		Str("kind", fault.Kind.String()).
		Msg("fault recorded")
}

func (c *Consensus[P]) adoptedVotes() []*model.SignedVote[P] {
	votes := make([]*model.SignedVote[P], 0, len(c.votes))
	for _, vote := range c.votes {
		votes = append(votes, vote)
	}
	return votes
}

// voteSnapshot returns the adopted votes of voters not proven faulty, in
// canonical order. Votes of faulty voters stay in the adopted map for
// anti-entropy but are kept out of emitted ballots: a peer validating a
// ballot that embeds a provably bad vote must discard the whole ballot, so
// carrying one would stop honest merges from propagating. The evidence
// itself still travels in the vote's fault list.
func (c *Consensus[P]) voteSnapshot() []model.SignedVote[P] {
	votes := make([]model.SignedVote[P], 0, len(c.votes))
	for voter, vote := range c.votes {
		if _, isFaulty := c.faults[voter]; isFaulty {
			continue
		}
		votes = append(votes, *vote)
	}
	slices.SortFunc(votes, func(a, b model.SignedVote[P]) int {
		return encoding.Compare(a, b)
	})
	return votes
}

// unpinned reports whether this node may still change the candidate it
// backs: either it has not cast a super-majority ballot, or fault evidence
// recorded since then changed the committee math.
func (c *Consensus[P]) unpinned() bool {
	return c.smKey == "" || c.faultsKey() != c.smFaults
}

// faultsKey is a canonical fingerprint of the set of voters proven faulty.
func (c *Consensus[P]) faultsKey() string {
	voters := maps.Keys(c.faults)
	slices.Sort(voters)
	buf := make([]byte, 0, len(voters))
	for _, voter := range voters {
		buf = append(buf, byte(voter))
	}
	return string(buf)
}

func (c *Consensus[P]) faultyIDs() map[model.NodeID]struct{} {
	faulty := make(map[model.NodeID]struct{}, len(c.faults))
	for voter := range c.faults {
		faulty[voter] = struct{}{}
	}
	return faulty
}

func (c *Consensus[P]) currentFaults() []model.Fault[P] {
	faults := maps.Values(c.faults)
	slices.SortFunc(faults, func(a, b model.Fault[P]) int {
		return strings.Compare(a.Key(), b.Key())
	})
	return faults
}
