package model

// Decision is the final, independently verifiable artifact of one agreement
// instance: the agreed proposal sequence, the combined threshold signature
// over it, and the certificate of votes that justified it (a super-majority
// of super-majority ballots).
type Decision[P any] struct {
	Gen       Generation
	Proposals []P
	Sig       []byte
	Votes     []SignedVote[P]
}

// ProposalSet returns the decided proposals as a set.
func (d *Decision[P]) ProposalSet() ProposalSet[P] {
	return NewProposalSet(d.Proposals...)
}

// SequenceBytes returns the bytes the combined signature signs.
func (d *Decision[P]) SequenceBytes() []byte {
	return d.ProposalSet().SequenceBytes()
}
