// Package membership drives an unbounded sequence of agreement instances in
// which a committee decides additions to and removals from its own member
// set. Each generation terminates in one signed decision holding a set of
// reconfigurations; the decided history determines the member set at every
// generation.
package membership

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/eldernet/consensus/consensus"
	"github.com/eldernet/consensus/model"
	"github.com/eldernet/consensus/module"
	"github.com/eldernet/consensus/module/signature"
)

// SoftMaxMembers caps the committee size joins may grow it to. Forced joins
// bypass the cap, it only constrains voted reconfigurations.
const SoftMaxMembers = 7

var (
	ErrJoinExistingMember = errors.New("join of an existing member")
	ErrLeaveNonMember     = errors.New("leave of a non-member")
	ErrCommitteeFull      = errors.New("committee is at capacity")
)

// Action discriminates the two membership mutations.
type Action uint8

const (
	Join Action = iota + 1
	Leave
)

func (a Action) String() string {
	switch a {
	case Join:
		return "join"
	case Leave:
		return "leave"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// Reconfig is one membership mutation. The member type M is opaque to the
// protocol; it only needs a canonical encoding.
type Reconfig[M any] struct {
	Action Action
	Member M
}

// HistoryEntry archives one terminated generation: its decision and the
// terminal super-majority vote used to answer anti-entropy requests.
type HistoryEntry[M any] struct {
	Decision     *model.Decision[Reconfig[M]]
	DecisionVote model.SignedVote[Reconfig[M]]
}

// Membership is one node's multi-generation driver. Not safe for concurrent
// use.
type Membership[M any] struct {
	log     zerolog.Logger
	metrics module.ConsensusMetrics
	signer  signature.Signer

	// gen is the last decided generation; the pending instance runs gen+1.
	gen     model.Generation
	pending *consensus.Consensus[Reconfig[M]]
	history map[model.Generation]HistoryEntry[M]
	forced  map[model.Generation][]Reconfig[M]

	// processed spans generations; the per-instance cache dies with its
	// instance, but replies to stale votes must stay idempotent forever.
	processed map[string]struct{}
}

// NewMembership creates a driver starting at generation 1 with an empty
// member set. Bootstrap members are added with ForceJoin before the first
// proposal.
func NewMembership[M any](
	log zerolog.Logger,
	metrics module.ConsensusMetrics,
	signer signature.Signer,
) *Membership[M] {
	m := &Membership[M]{
		log:       log.With().Str("component", "membership").Logger(),
		metrics:   metrics,
		signer:    signer,
		history:   make(map[model.Generation]HistoryEntry[M]),
		forced:    make(map[model.Generation][]Reconfig[M]),
		processed: make(map[string]struct{}),
	}
	m.pending = m.newInstance()
	return m
}

// NodeID returns this node's index in the committee.
func (m *Membership[M]) NodeID() model.NodeID {
	return m.signer.NodeID()
}

// Generation returns the last decided generation.
func (m *Membership[M]) Generation() model.Generation {
	return m.gen
}

// PendingGeneration returns the generation currently being agreed on.
func (m *Membership[M]) PendingGeneration() model.Generation {
	return m.gen + 1
}

// Decision returns the decision of a terminated generation.
func (m *Membership[M]) Decision(gen model.Generation) (*model.Decision[Reconfig[M]], error) {
	entry, ok := m.history[gen]
	if !ok {
		return nil, model.InvalidGenerationError(gen)
	}
	return entry.Decision, nil
}

// ForceJoin seeds the pending generation with an out-of-band join, applied
// when computing the member set regardless of the generation's decision.
// Used to install bootstrap members.
func (m *Membership[M]) ForceJoin(member M) {
	gen := m.PendingGeneration()
	m.forced[gen] = append(m.forced[gen], Reconfig[M]{Action: Join, Member: member})
}

// ForceLeave seeds the pending generation with an out-of-band leave.
func (m *Membership[M]) ForceLeave(member M) {
	gen := m.PendingGeneration()
	m.forced[gen] = append(m.forced[gen], Reconfig[M]{Action: Leave, Member: member})
}

// Members returns the member set as of the given generation, derived by
// replaying forced reconfigurations and decisions from generation 1 up to
// and including gen. Only decided generations (and the pending one, whose
// forced entries already apply) can be queried.
func (m *Membership[M]) Members(gen model.Generation) (map[string]M, error) {
	if gen > m.PendingGeneration() {
		return nil, model.InvalidGenerationError(gen)
	}
	members := make(map[string]M)
	for g := model.Generation(1); g <= gen; g++ {
		for _, reconfig := range m.forced[g] {
			apply(members, reconfig)
		}
		entry, ok := m.history[g]
		if !ok {
			continue
		}
		for _, reconfig := range entry.Decision.Proposals {
			apply(members, reconfig)
		}
	}
	return members, nil
}

// Propose casts this node's reconfiguration for the pending generation.
func (m *Membership[M]) Propose(reconfig Reconfig[M]) (*consensus.VoteResponse[Reconfig[M]], error) {
	resp, err := m.pending.Propose(reconfig)
	if err != nil {
		return nil, err
	}
	m.maybeAdvance(resp)
	return resp, nil
}

// HandleSignedVote routes an incoming vote by generation: votes for decided
// generations are answered with the archived decision vote, votes for the
// pending generation feed the running instance, and votes beyond it are
// rejected so the driver's caller may queue them.
func (m *Membership[M]) HandleSignedVote(signed model.SignedVote[Reconfig[M]]) (*consensus.VoteResponse[Reconfig[M]], error) {
	if _, ok := m.processed[string(signed.Sig)]; ok {
		return &consensus.VoteResponse[Reconfig[M]]{}, nil
	}

	gen := signed.Vote.Gen
	switch {
	case gen <= m.gen:
		entry, ok := m.history[gen]
		if !ok {
			return nil, model.InvalidGenerationError(gen)
		}
		m.processed[string(signed.Sig)] = struct{}{}
		return &consensus.VoteResponse[Reconfig[M]]{
			Broadcasts: []model.SignedVote[Reconfig[M]]{entry.DecisionVote},
		}, nil
	case gen > m.PendingGeneration():
		return nil, fmt.Errorf("%w: got %d, pending %d", model.ErrFutureGeneration, gen, m.PendingGeneration())
	}

	resp, err := m.pending.HandleSignedVote(signed)
	if err != nil {
		return nil, err
	}
	m.processed[string(signed.Sig)] = struct{}{}
	m.maybeAdvance(resp)
	return resp, nil
}

// AntiEntropy returns the votes a peer needs to catch up from the given
// generation: one decision vote per terminated generation above fromGen,
// plus this node's latest vote for the pending generation.
func (m *Membership[M]) AntiEntropy(fromGen model.Generation) []model.SignedVote[Reconfig[M]] {
	var votes []model.SignedVote[Reconfig[M]]
	for g := fromGen + 1; g <= m.gen; g++ {
		if entry, ok := m.history[g]; ok {
			votes = append(votes, entry.DecisionVote)
		}
	}
	if vote := m.pending.AntiEntropy(); vote != nil {
		votes = append(votes, *vote)
	}
	return votes
}

// maybeAdvance archives a freshly terminated generation and starts the next
// instance.
func (m *Membership[M]) maybeAdvance(resp *consensus.VoteResponse[Reconfig[M]]) {
	if resp.Decision == nil {
		return
	}
	decided := m.PendingGeneration()
	m.history[decided] = HistoryEntry[M]{
		Decision:     resp.Decision,
		DecisionVote: *m.pending.AntiEntropy(),
	}
	m.gen = decided
	m.pending = m.newInstance()
	m.log.Info().
		Uint64("generation", uint64(decided)).
		Int("reconfigs", len(resp.Decision.Proposals)).
		Msg("generation decided")
}

func (m *Membership[M]) newInstance() *consensus.Consensus[Reconfig[M]] {
	return consensus.New[Reconfig[M]](
		m.log,
		m.metrics,
		m.signer,
		consensus.ProposalValidatorFunc[Reconfig[M]](m.validateReconfig),
		m.gen+1,
	)
}

// validateReconfig checks a proposed mutation against the member set the
// pending generation starts from: joins of existing members, leaves of
// non-members, and joins beyond the soft capacity are rejected.
func (m *Membership[M]) validateReconfig(reconfig Reconfig[M]) error {
	members, err := m.Members(m.PendingGeneration())
	if err != nil {
		return err
	}
	key := model.ProposalKey(reconfig.Member)
	switch reconfig.Action {
	case Join:
		if _, ok := members[key]; ok {
			return ErrJoinExistingMember
		}
		if len(members) >= SoftMaxMembers {
			return fmt.Errorf("%w: %d members", ErrCommitteeFull, len(members))
		}
	case Leave:
		if _, ok := members[key]; !ok {
			return ErrLeaveNonMember
		}
	default:
		return fmt.Errorf("unknown reconfig action %d", uint8(reconfig.Action))
	}
	return nil
}

func apply[M any](members map[string]M, reconfig Reconfig[M]) {
	key := model.ProposalKey(reconfig.Member)
	switch reconfig.Action {
	case Join:
		members[key] = reconfig.Member
	case Leave:
		delete(members, key)
	}
}
