package consensus

import (
	"errors"
	"fmt"

	"github.com/eldernet/consensus/model"
	"github.com/eldernet/consensus/module/signature"
)

// VerifyFault checks that fault evidence stands on its own: any party
// holding the committee key set and the proposal validator can run it
// offline, without access to the accuser's state. It returns nil when the
// evidence convicts the accused voter.
func VerifyFault[P any](fault *model.Fault[P], scheme signature.Scheme, validator ProposalValidator[P]) error {
	switch fault.Kind {

	case model.FaultInvalidSignatureShare:
		if err := verifyVoteSignature(scheme, &fault.Vote); err == nil {
			return errors.New("signature share verifies, vote is not evidence")
		}
		return nil

	case model.FaultEquivocation:
		if fault.Other == nil {
			return errors.New("equivocation evidence needs two votes")
		}
		if fault.Vote.Voter != fault.Other.Voter {
			return errors.New("equivocation votes are from different voters")
		}
		if fault.Vote.Vote.Gen != fault.Other.Vote.Gen {
			return errors.New("equivocation votes are from different generations")
		}
		if err := verifyVoteSignature(scheme, &fault.Vote); err != nil {
			return fmt.Errorf("first vote signature: %w", err)
		}
		if err := verifyVoteSignature(scheme, fault.Other); err != nil {
			return fmt.Errorf("second vote signature: %w", err)
		}
		if !fault.Vote.Conflicts(fault.Other) {
			return errors.New("votes do not conflict")
		}
		return nil

	case model.FaultInvalidProposal:
		if err := verifyVoteSignature(scheme, &fault.Vote); err != nil {
			return fmt.Errorf("vote signature: %w", err)
		}
		proposal, ok := fault.Vote.Vote.Ballot.AsProposal()
		if !ok {
			return errors.New("vote does not carry a proposal")
		}
		if err := validator.ValidateProposal(proposal); err == nil {
			return errors.New("proposal is valid")
		}
		return nil

	case model.FaultDisagreeingVoters:
		if err := verifyVoteSignature(scheme, &fault.Vote); err != nil {
			return fmt.Errorf("vote signature: %w", err)
		}
		if !fault.Vote.Vote.Ballot.IsSuperMajority() {
			return errors.New("vote does not carry a super-majority claim")
		}
		if err := superMajorityClaim(scheme, &fault.Vote); err == nil {
			return errors.New("super-majority claim holds")
		}
		return nil

	case model.FaultBadMergeVotes:
		if err := verifyVoteSignature(scheme, &fault.Vote); err != nil {
			return fmt.Errorf("vote signature: %w", err)
		}
		kind := fault.Vote.Vote.Ballot.Kind
		if kind != model.BallotMerge && kind != model.BallotSuperMajority {
			return errors.New("vote does not carry an aggregating ballot")
		}
		if err := mergeSetViolation(&fault.Vote); err == nil {
			return errors.New("inner vote set is well-formed")
		}
		return nil

	default:
		return fmt.Errorf("unknown fault kind %d", uint8(fault.Kind))
	}
}
