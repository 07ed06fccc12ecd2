// Package signature exposes the threshold signature capability the consensus
// kernel is built on. The kernel treats shares and signatures as opaque
// bytes; all curve arithmetic stays behind the Scheme and Signer interfaces
// so test harnesses can substitute a fast stub.
package signature

import (
	"github.com/eldernet/consensus/model"
)

// Scheme is the verification surface of a committee's threshold key set.
// Size is the number of shares N; Threshold is the minimum number of shares
// T needed to combine a full signature. Implementations must be safe for
// concurrent use.
type Scheme interface {
	// Size returns the committee size N.
	Size() int

	// Threshold returns the number of shares T required to combine.
	Threshold() int

	// VerifyShare checks a signature share over msg under the given signer's
	// public key share. It returns ErrInvalidSignature for a share that does
	// not verify and ErrInvalidFormat for garbage input.
	VerifyShare(msg []byte, signer model.NodeID, share []byte) error

	// Combine aggregates at least Threshold verified shares into a full
	// signature over msg. It returns ErrInsufficientShares when too few
	// shares are provided.
	Combine(msg []byte, shares map[model.NodeID][]byte) ([]byte, error)

	// Verify checks a combined signature over msg under the committee public
	// key.
	Verify(msg []byte, sig []byte) error
}

// Signer extends Scheme with one voter's signing capability.
type Signer interface {
	Scheme

	// NodeID returns the index of this voter's key share.
	NodeID() model.NodeID

	// SignShare produces this voter's signature share over msg.
	SignShare(msg []byte) ([]byte, error)
}
