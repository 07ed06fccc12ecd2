// Package model contains the message grammar of the agreement protocol:
// ballots, votes, signed votes, fault evidence and decisions, together with
// the supersede relation that orders a single voter's successive votes.
//
// All types in this package are value types. Signed material is compared and
// ordered by its canonical encoding (see the encoding package); wire-level
// sets are carried as canonically sorted slices.
package model

// NodeID identifies a voter within a committee. It equals the index of the
// voter's threshold key share.
type NodeID uint8

// Generation scopes one agreement instance. Membership consensus runs an
// unbounded sequence of generations; handover consensus uses a single fixed
// generation.
type Generation uint64

// Signing domain tags. Vote signature shares and the combined decision
// signature must not be interchangeable, so each is bound to its own domain.
const protocolPrefix = "ELDERNET-V1_"

var (
	// VoteTag prefixes the canonical encoding of a Vote before share-signing.
	VoteTag = []byte(protocolPrefix + "Vote")
	// DecisionTag prefixes the canonical encoding of the agreed proposal
	// sequence before share-signing and combining.
	DecisionTag = []byte(protocolPrefix + "Decision")
)
