package consensus

// ProposalValidator decides whether a candidate value is semantically
// acceptable for the current agreement instance. It is supplied by the
// driving domain: membership consensus rejects joins of existing members,
// handover consensus accepts any successor description, and so on.
type ProposalValidator[P any] interface {
	ValidateProposal(proposal P) error
}

// ProposalValidatorFunc adapts a function to the ProposalValidator
// interface.
type ProposalValidatorFunc[P any] func(proposal P) error

func (f ProposalValidatorFunc[P]) ValidateProposal(proposal P) error {
	return f(proposal)
}

// AcceptAll returns a validator that accepts every proposal.
func AcceptAll[P any]() ProposalValidator[P] {
	return ProposalValidatorFunc[P](func(P) error { return nil })
}
