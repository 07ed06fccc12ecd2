package consensus

import (
	"fmt"

	"github.com/eldernet/consensus/model"
	"github.com/eldernet/consensus/module/signature"
)

// voteValidator checks incoming signed votes against one generation of one
// committee. Validation distinguishes two outcomes besides success: an error
// means this node rejects the input (unattributable or local condition), a
// fault means the input is attributable proof of peer misbehavior and must
// be recorded rather than dropped.
type voteValidator[P any] struct {
	scheme    signature.Scheme
	validator ProposalValidator[P]
	gen       model.Generation
}

// validate runs the full check sequence on a signed vote. It returns a
// non-nil fault when the vote convicts a voter, an error when the vote must
// be rejected, and (nil, nil) when the vote is ready for adoption.
func (v *voteValidator[P]) validate(signed *model.SignedVote[P]) (*model.Fault[P], error) {

	// An unverifiable outer signature is not attributable to anyone, so it
	// is an error rather than a fault.
	if err := verifyVoteSignature(v.scheme, signed); err != nil {
		return nil, fmt.Errorf("%w: voter %d: %v", model.ErrInvalidSignatureShare, signed.Voter, err)
	}

	if signed.Vote.Gen > v.gen {
		return nil, fmt.Errorf("%w: got %d, running %d", model.ErrFutureGeneration, signed.Vote.Gen, v.gen)
	}
	if signed.Vote.Gen < v.gen {
		return nil, model.BadGenerationError{Expected: v.gen, Got: signed.Vote.Gen}
	}

	// Carried fault evidence must hold before we merge it into our state.
	for _, unpacked := range signed.Unpack() {
		for i := range unpacked.Vote.Faults {
			err := VerifyFault(&unpacked.Vote.Faults[i], v.scheme, v.validator)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", model.ErrInvalidFaultEvidence, err)
			}
		}
	}

	// Ballot checks convict the voter whose vote violates them, which may be
	// an inner voter learned through this message.
	for _, unpacked := range signed.Unpack() {
		if unpacked != signed {
			if err := verifyVoteSignature(v.scheme, unpacked); err != nil {
				return &model.Fault[P]{Kind: model.FaultInvalidSignatureShare, Vote: *unpacked}, nil
			}
		}
		if fault := v.checkBallot(unpacked); fault != nil {
			return fault, nil
		}
	}

	return nil, nil
}

// checkBallot applies the per-kind well-formedness rules to a single vote
// and converts a violation into the fault it proves.
func (v *voteValidator[P]) checkBallot(signed *model.SignedVote[P]) *model.Fault[P] {
	switch signed.Vote.Ballot.Kind {
	case model.BallotPropose:
		proposal, _ := signed.Vote.Ballot.AsProposal()
		if err := v.validator.ValidateProposal(proposal); err != nil {
			return &model.Fault[P]{Kind: model.FaultInvalidProposal, Vote: *signed}
		}
	case model.BallotMerge:
		if err := mergeSetViolation(signed); err != nil {
			return &model.Fault[P]{Kind: model.FaultBadMergeVotes, Vote: *signed}
		}
	case model.BallotSuperMajority:
		if err := mergeSetViolation(signed); err != nil {
			return &model.Fault[P]{Kind: model.FaultBadMergeVotes, Vote: *signed}
		}
		if err := superMajorityClaim(v.scheme, signed); err != nil {
			return &model.Fault[P]{Kind: model.FaultDisagreeingVoters, Vote: *signed}
		}
	default:
		return &model.Fault[P]{Kind: model.FaultBadMergeVotes, Vote: *signed}
	}
	return nil
}

// verifyVoteSignature checks the signature share of a signed vote over the
// vote's domain-tagged canonical encoding.
func verifyVoteSignature[P any](scheme signature.Scheme, signed *model.SignedVote[P]) error {
	msg, err := signed.Vote.SigningBytes()
	if err != nil {
		return err
	}
	return scheme.VerifyShare(msg, signed.Voter, signed.Sig)
}

// mergeSetViolation checks the structural rules of an aggregating ballot:
// a Merge must carry at least two votes, no voter may appear twice among
// the direct inner votes, and every nested vote must belong to the outer
// vote's generation. A SuperMajority ballot follows the same rules except
// that a single inner vote is allowed, so one-member committees can still
// terminate.
func mergeSetViolation[P any](signed *model.SignedVote[P]) error {
	inner := signed.Vote.Ballot.Votes
	if signed.Vote.Ballot.Kind == model.BallotMerge && len(inner) < 2 {
		return model.ErrEmptyMerge
	}
	if len(inner) == 0 {
		return model.ErrEmptyMerge
	}
	seen := make(map[model.NodeID]struct{}, len(inner))
	for i := range inner {
		if _, ok := seen[inner[i].Voter]; ok {
			return fmt.Errorf("%w: voter %d", model.ErrDuplicateVoterInBallot, inner[i].Voter)
		}
		seen[inner[i].Voter] = struct{}{}
	}
	for i := range inner {
		for _, unpacked := range inner[i].Unpack() {
			if unpacked.Vote.Gen != signed.Vote.Gen {
				return fmt.Errorf("%w: inner vote for generation %d inside generation %d",
					model.ErrMalformedBallot, unpacked.Vote.Gen, signed.Vote.Gen)
			}
		}
	}
	return nil
}

// superMajorityClaim checks the semantic claim of a SuperMajority ballot:
// the inner votes must actually constitute a super-majority for one
// candidate, the proof map's key set must equal that candidate's agreed
// proposals, and every carried signature share must verify over the agreed
// proposal sequence.
func superMajorityClaim[P any](scheme signature.Scheme, signed *model.SignedVote[P]) error {
	faulty := signed.Vote.FaultyIDs()
	count := CountVotes(voteRefs(signed.Vote.Ballot.Votes), faulty)
	candidate, backers := count.CandidateWithMostVotes()
	if needed := SuperMajority(scheme.Size(), len(faulty)); backers < needed {
		return fmt.Errorf("%w: %d votes for leading candidate, need %d",
			model.ErrMalformedBallot, backers, needed)
	}
	if !signed.Vote.Ballot.ProofProposals().Equal(candidate.Proposals) {
		return fmt.Errorf("%w: proof map does not match agreed proposals", model.ErrMalformedBallot)
	}
	seq := candidate.Proposals.SequenceBytes()
	for signer, share := range signed.Vote.Ballot.ProofShares() {
		if err := scheme.VerifyShare(seq, signer, share); err != nil {
			return fmt.Errorf("invalid proof share from signer %d: %w", signer, err)
		}
	}
	return nil
}
