// Package handover drives the one-shot agreement that hands authority from
// a committee to its successor. The value agreed on is an opaque successor
// description; the generation is fixed to the section's position in the
// handover chain.
package handover

import (
	"github.com/rs/zerolog"

	"github.com/eldernet/consensus/consensus"
	"github.com/eldernet/consensus/encoding"
	"github.com/eldernet/consensus/model"
	"github.com/eldernet/consensus/module"
	"github.com/eldernet/consensus/module/signature"
)

// Handover wraps a single agreement instance over successor descriptions of
// type P. Not safe for concurrent use.
type Handover[P any] struct {
	instance *consensus.Consensus[P]
}

// NewHandover creates a handover instance for the given chain position.
func NewHandover[P any](
	log zerolog.Logger,
	metrics module.ConsensusMetrics,
	signer signature.Signer,
	validator consensus.ProposalValidator[P],
	gen model.Generation,
) *Handover[P] {
	return &Handover[P]{
		instance: consensus.New[P](
			log.With().Str("component", "handover").Logger(),
			metrics,
			signer,
			validator,
			gen,
		),
	}
}

// NodeID returns this node's index in the committee.
func (h *Handover[P]) NodeID() model.NodeID {
	return h.instance.NodeID()
}

// Generation returns the chain position this handover agrees on.
func (h *Handover[P]) Generation() model.Generation {
	return h.instance.Generation()
}

// Propose casts this node's successor proposal.
func (h *Handover[P]) Propose(proposal P) (*consensus.VoteResponse[P], error) {
	return h.instance.Propose(proposal)
}

// HandleSignedVote feeds one incoming vote to the instance.
func (h *Handover[P]) HandleSignedVote(signed model.SignedVote[P]) (*consensus.VoteResponse[P], error) {
	return h.instance.HandleSignedVote(signed)
}

// Decision returns the decision, or nil while the handover is running.
func (h *Handover[P]) Decision() *model.Decision[P] {
	return h.instance.Decision()
}

// AntiEntropy returns the vote that best summarizes this node's state for a
// stale peer.
func (h *Handover[P]) AntiEntropy() *model.SignedVote[P] {
	return h.instance.AntiEntropy()
}

// Resolve picks the winning successor from a decided proposal set. Decisions
// may legitimately carry several proposals after a merge; the one with the
// largest canonical encoding wins, which is deterministic across all nodes.
func Resolve[P any](decision *model.Decision[P]) (P, bool) {
	var winner P
	if len(decision.Proposals) == 0 {
		return winner, false
	}
	winner = decision.Proposals[0]
	for _, proposal := range decision.Proposals[1:] {
		if encoding.Compare(proposal, winner) > 0 {
			winner = proposal
		}
	}
	return winner, true
}
