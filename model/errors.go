package model

import (
	"errors"
	"fmt"
)

// Stable error set surfaced to drivers. Validation errors mean this node
// rejected the input; they are distinct from Faults, which are recorded
// evidence of peer misbehavior.
var (
	ErrInvalidSignatureShare  = errors.New("invalid signature share")
	ErrFutureGeneration       = errors.New("vote for future generation")
	ErrInvalidFaultEvidence   = errors.New("invalid fault evidence")
	ErrProposalRejected       = errors.New("proposal rejected by validator")
	ErrAlreadyDecided         = errors.New("consensus already decided")
	ErrAlreadyProposed        = errors.New("voter already proposed this generation")
	ErrEmptyMerge             = errors.New("merge ballot needs at least two votes")
	ErrDuplicateVoterInBallot = errors.New("duplicate voter in ballot")
	ErrSignatureCombineFailed = errors.New("failed to combine signature shares")
	ErrFaultyProposal         = errors.New("proposal would be flagged as faulty")
	ErrMalformedBallot        = errors.New("malformed ballot")
)

// BadGenerationError indicates a vote for a generation other than the one
// this instance is running. Votes for prior generations are answered with
// anti-entropy by the driver rather than dropped.
type BadGenerationError struct {
	Expected Generation
	Got      Generation
}

func (e BadGenerationError) Error() string {
	return fmt.Sprintf("vote for generation %d, expected %d", e.Got, e.Expected)
}

// IsBadGenerationError returns whether err is a BadGenerationError.
func IsBadGenerationError(err error) bool {
	var target BadGenerationError
	return errors.As(err, &target)
}

// InvalidGenerationError indicates a request for a generation with no known
// decision.
type InvalidGenerationError Generation

func (e InvalidGenerationError) Error() string {
	return fmt.Sprintf("invalid generation %d", Generation(e))
}

// IsInvalidGenerationError returns whether err is an InvalidGenerationError.
func IsInvalidGenerationError(err error) bool {
	var target InvalidGenerationError
	return errors.As(err, &target)
}
