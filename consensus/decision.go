package consensus

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/eldernet/consensus/model"
	"github.com/eldernet/consensus/module/signature"
)

// VerifyDecision checks a decision with no access to the producing node's
// state: the combined signature must verify over the canonical proposal
// sequence under the committee key, and the embedded vote certificate must
// re-validate into a super-majority of super-majority ballots for exactly
// the decided proposals. This is the only way a third party independently
// trusts a decision.
func VerifyDecision[P any](decision *model.Decision[P], scheme signature.Scheme, validator ProposalValidator[P]) error {
	if len(decision.Proposals) == 0 {
		return fmt.Errorf("decision carries no proposals")
	}
	if err := scheme.Verify(decision.SequenceBytes(), decision.Sig); err != nil {
		return fmt.Errorf("combined signature does not verify: %w", err)
	}

	// Re-run kernel validation over the certificate. Votes that prove faults
	// are tolerated; the super-majority math below discounts their voters.
	checker := voteValidator[P]{scheme: scheme, validator: validator, gen: decision.Gen}
	faulty := make(map[model.NodeID]struct{})
	var result *multierror.Error
	for i := range decision.Votes {
		fault, err := checker.validate(&decision.Votes[i])
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("certificate vote %d: %w", i, err))
			continue
		}
		if fault != nil {
			faulty[fault.Voter()] = struct{}{}
		}
		for _, unpacked := range decision.Votes[i].Unpack() {
			for j := range unpacked.Vote.Faults {
				faulty[unpacked.Vote.Faults[j].Voter()] = struct{}{}
			}
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("invalid vote certificate: %w", err)
	}

	count := CountVotes(voteRefs(decision.Votes), faulty)
	candidate, sm := count.SuperMajorityWithMostVotes()
	if sm == nil {
		return fmt.Errorf("certificate carries no super-majority ballots")
	}
	if needed := SuperMajority(scheme.Size(), len(faulty)); sm.Count < needed {
		return fmt.Errorf("%d super-majority ballots in certificate, need %d", sm.Count, needed)
	}
	if !candidate.Proposals.Equal(decision.ProposalSet()) {
		return fmt.Errorf("certificate candidate does not match decided proposals")
	}

	for _, proposal := range decision.Proposals {
		if err := validator.ValidateProposal(proposal); err != nil {
			return fmt.Errorf("decided proposal rejected by validator: %w", err)
		}
	}
	return nil
}
