package consensus_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldernet/consensus/consensus"
	"github.com/eldernet/consensus/model"
	"github.com/eldernet/consensus/module/metrics"
	"github.com/eldernet/consensus/module/signature"
	"github.com/eldernet/consensus/utils/unittest"
)

func newKernel(signer signature.Signer, validator consensus.ProposalValidator[string]) *consensus.Consensus[string] {
	return consensus.New[string](
		unittest.Logger(),
		metrics.NewNoopCollector(),
		signer,
		validator,
		1,
	)
}

func rejectValue(rejected string) consensus.ProposalValidator[string] {
	return consensus.ProposalValidatorFunc[string](func(proposal string) error {
		if proposal == rejected {
			return fmt.Errorf("proposal %q not allowed", proposal)
		}
		return nil
	})
}

func TestAllProposeSameValue(t *testing.T) {
	signers := unittest.StubCommittee(3, 2)
	net := unittest.NewKernelNet[string](1)
	for _, signer := range signers {
		net.Add(newKernel(signer, consensus.AcceptAll[string]()))
	}

	for _, signer := range signers {
		resp, err := net.Node(signer.NodeID()).Propose("x")
		require.NoError(t, err)
		net.Broadcast(signer.NodeID(), resp.Broadcasts)
	}
	require.NoError(t, net.Settle(10, 100_000))

	reference := net.Node(0).Decision()
	require.NotNil(t, reference)
	assert.Equal(t, []string{"x"}, reference.Proposals)
	for _, signer := range signers {
		decision := net.Node(signer.NodeID()).Decision()
		require.NotNil(t, decision)
		assert.Equal(t, reference.Gen, decision.Gen)
		assert.Equal(t, reference.Proposals, decision.Proposals)
		assert.Equal(t, reference.Sig, decision.Sig)
		require.NoError(t, consensus.VerifyDecision(decision, signers[0], consensus.AcceptAll[string]()))
	}
}

func TestSplitProposalsConvergeViaMerge(t *testing.T) {
	signers := unittest.StubCommittee(3, 2)
	nodeA := newKernel(signers[0], consensus.AcceptAll[string]())
	nodeB := newKernel(signers[1], consensus.AcceptAll[string]())
	nodeC := newKernel(signers[2], consensus.AcceptAll[string]())

	_, err := nodeA.Propose("x")
	require.NoError(t, err)
	respB, err := nodeB.Propose("y")
	require.NoError(t, err)
	respC, err := nodeC.Propose("x")
	require.NoError(t, err)
	voteB, voteC := respB.Broadcasts[0], respC.Broadcasts[0]

	// A sees the split first and announces its merged view {x, y}.
	resp, err := nodeA.HandleSignedVote(voteB)
	require.NoError(t, err)
	require.Len(t, resp.Broadcasts, 1)
	mergeA := resp.Broadcasts[0]
	assert.Equal(t, model.BallotMerge, mergeA.Vote.Ballot.Kind)

	// C's matching proposal adds nothing A's merge does not already cover.
	resp, err = nodeA.HandleSignedVote(voteC)
	require.NoError(t, err)
	assert.Empty(t, resp.Broadcasts)

	// B and C adopt A's merged view: {x, y} reaches two backers on each, so
	// both answer with their own merge followed by a super-majority ballot.
	resp, err = nodeB.HandleSignedVote(mergeA)
	require.NoError(t, err)
	require.Len(t, resp.Broadcasts, 2)
	smB := resp.Broadcasts[1]
	require.True(t, smB.Vote.Ballot.IsSuperMajority())

	resp, err = nodeC.HandleSignedVote(mergeA)
	require.NoError(t, err)
	require.Len(t, resp.Broadcasts, 2)
	smC := resp.Broadcasts[1]
	require.True(t, smC.Vote.Ballot.IsSuperMajority())

	// The super-majority ballots cross; everyone terminates on {x, y}.
	respDecA, err := nodeA.HandleSignedVote(smB)
	require.NoError(t, err)
	respDecB, err := nodeB.HandleSignedVote(smC)
	require.NoError(t, err)
	respDecC, err := nodeC.HandleSignedVote(smB)
	require.NoError(t, err)

	for _, decision := range []*model.Decision[string]{respDecA.Decision, respDecB.Decision, respDecC.Decision} {
		require.NotNil(t, decision)
		// Proposal sequences are sorted by canonical encoding.
		assert.Equal(t, []string{"x", "y"}, decision.Proposals)
		assert.Equal(t, respDecA.Decision.Sig, decision.Sig)
		require.NoError(t, consensus.VerifyDecision(decision, signers[0], consensus.AcceptAll[string]()))
	}
}

func TestSuperMajorityVoteIsFinal(t *testing.T) {
	signers := unittest.StubCommittee(3, 2)
	nodeA := newKernel(signers[0], consensus.AcceptAll[string]())
	nodeB := newKernel(signers[1], consensus.AcceptAll[string]())
	nodeC := newKernel(signers[2], consensus.AcceptAll[string]())

	_, err := nodeA.Propose("x")
	require.NoError(t, err)
	respB, err := nodeB.Propose("y")
	require.NoError(t, err)
	respC, err := nodeC.Propose("x")
	require.NoError(t, err)

	// C's matching proposal gives {x} two backers; A commits to it.
	resp, err := nodeA.HandleSignedVote(respC.Broadcasts[0])
	require.NoError(t, err)
	require.Len(t, resp.Broadcasts, 1)
	smA := resp.Broadcasts[0]
	require.True(t, smA.Vote.Ballot.IsSuperMajority())

	// B's late proposal must not move A off the set it committed to: no
	// merge, no second super-majority ballot, no broadcast at all.
	resp, err = nodeA.HandleSignedVote(respB.Broadcasts[0])
	require.NoError(t, err)
	assert.Empty(t, resp.Broadcasts)
	assert.Nil(t, resp.Decision)

	// B joins the majority it observes, dropping its own proposal, and the
	// two super-majority ballots terminate the instance on {x} alone.
	respDecB, err := nodeB.HandleSignedVote(smA)
	require.NoError(t, err)
	require.NotNil(t, respDecB.Decision)
	assert.Equal(t, []string{"x"}, respDecB.Decision.Proposals)

	respDecA, err := nodeA.HandleSignedVote(respDecB.Broadcasts[0])
	require.NoError(t, err)
	require.NotNil(t, respDecA.Decision)
	assert.Equal(t, []string{"x"}, respDecA.Decision.Proposals)
	assert.Equal(t, respDecB.Decision.Sig, respDecA.Decision.Sig)
}

func TestConvergesDespiteInvalidProposalFault(t *testing.T) {
	signers := unittest.StubCommittee(4, 3)
	net := unittest.NewKernelNet[string](17)
	for i, signer := range signers {
		if i == 1 {
			continue // B is Byzantine and runs no engine
		}
		net.Add(newKernel(signer, rejectValue("bad")))
	}

	// B's proposal is one every honest node rejects and records as fault
	// evidence; the honest merges that follow must still propagate.
	voteBad := unittest.SignVoteAs(t, signers[1], model.Vote[string]{Gen: 1, Ballot: model.NewProposeBallot("bad")})
	for _, id := range []model.NodeID{0, 2, 3} {
		net.Enqueue(1, id, voteBad)
	}

	proposals := map[model.NodeID]string{0: "x", 2: "y", 3: "z"}
	for _, id := range []model.NodeID{0, 2, 3} {
		resp, err := net.Node(id).Propose(proposals[id])
		require.NoError(t, err)
		net.Broadcast(id, resp.Broadcasts)
	}
	require.NoError(t, net.Settle(20, 200_000))

	reference := net.Node(0).Decision()
	require.NotNil(t, reference)
	for _, id := range []model.NodeID{0, 2, 3} {
		node := net.Node(id)
		decision := node.Decision()
		require.NotNil(t, decision)
		assert.Equal(t, []string{"x", "y", "z"}, decision.Proposals)
		assert.Equal(t, reference.Sig, decision.Sig)
		require.NoError(t, consensus.VerifyDecision(decision, signers[0], rejectValue("bad")))

		faults := node.Faults()
		require.Len(t, faults, 1)
		assert.Equal(t, model.FaultInvalidProposal, faults[0].Kind)
		assert.Equal(t, model.NodeID(1), faults[0].Voter())
	}
}

func TestEquivocatorExcluded(t *testing.T) {
	signers := unittest.StubCommittee(4, 3)
	net := unittest.NewKernelNet[string](7)
	for i, signer := range signers {
		if i == 1 {
			continue // B is Byzantine and runs no engine
		}
		net.Add(newKernel(signer, consensus.AcceptAll[string]()))
	}

	respA, err := net.Node(0).Propose("x")
	require.NoError(t, err)
	net.Broadcast(0, respA.Broadcasts)

	// B tells C it proposed "y" and D it proposed "z".
	voteY := unittest.SignVoteAs(t, signers[1], model.Vote[string]{Gen: 1, Ballot: model.NewProposeBallot("y")})
	voteZ := unittest.SignVoteAs(t, signers[1], model.Vote[string]{Gen: 1, Ballot: model.NewProposeBallot("z")})
	net.Enqueue(1, 2, voteY)
	net.Enqueue(1, 3, voteZ)

	require.NoError(t, net.Settle(20, 200_000))

	for _, id := range []model.NodeID{0, 2, 3} {
		node := net.Node(id)
		decision := node.Decision()
		require.NotNil(t, decision)
		assert.Equal(t, []string{"x"}, decision.Proposals)

		faults := node.Faults()
		require.Len(t, faults, 1)
		assert.Equal(t, model.FaultEquivocation, faults[0].Kind)
		assert.Equal(t, model.NodeID(1), faults[0].Voter())
	}
}

func TestLateJoinerCatchesUp(t *testing.T) {
	signers := unittest.StubCommittee(3, 2)
	net := unittest.NewKernelNet[string](3)

	// A and B decide between themselves while C misses all traffic.
	for _, signer := range signers[:2] {
		net.Add(newKernel(signer, consensus.AcceptAll[string]()))
	}
	for _, signer := range signers[:2] {
		resp, err := net.Node(signer.NodeID()).Propose("x")
		require.NoError(t, err)
		net.Broadcast(signer.NodeID(), resp.Broadcasts)
	}
	require.NoError(t, net.Settle(10, 100_000))
	reference := net.Node(0).Decision()
	require.NotNil(t, reference)

	// C's first sign of life is its own proposal.
	net.Add(newKernel(signers[2], consensus.AcceptAll[string]()))
	resp, err := net.Node(2).Propose("x")
	require.NoError(t, err)
	net.Broadcast(2, resp.Broadcasts)
	require.NoError(t, net.Settle(10, 100_000))

	decision := net.Node(2).Decision()
	require.NotNil(t, decision)
	assert.Equal(t, reference.Gen, decision.Gen)
	assert.Equal(t, reference.Proposals, decision.Proposals)
	assert.Equal(t, reference.Sig, decision.Sig)
}

func TestDuplicateDeliveryIdempotent(t *testing.T) {
	signers := unittest.StubCommittee(3, 2)
	node := newKernel(signers[0], consensus.AcceptAll[string]())

	vote := unittest.SignVoteAs(t, signers[1], model.Vote[string]{Gen: 1, Ballot: model.NewProposeBallot("x")})
	_, err := node.HandleSignedVote(vote)
	require.NoError(t, err)

	votesBefore := node.Votes()
	faultsBefore := node.Faults()
	for i := 0; i < 999; i++ {
		resp, err := node.HandleSignedVote(vote)
		require.NoError(t, err)
		assert.Empty(t, resp.Broadcasts)
		assert.Nil(t, resp.Decision)
	}
	assert.Equal(t, votesBefore, node.Votes())
	assert.Equal(t, faultsBefore, node.Faults())
}

func TestInvalidProposalRecordedAsFault(t *testing.T) {
	signers := unittest.StubCommittee(3, 2)
	node := newKernel(signers[0], rejectValue("bad"))

	vote := unittest.SignVoteAs(t, signers[1], model.Vote[string]{Gen: 1, Ballot: model.NewProposeBallot("bad")})
	resp, err := node.HandleSignedVote(vote)
	require.NoError(t, err)
	assert.Empty(t, resp.Broadcasts)

	faults := node.Faults()
	require.Len(t, faults, 1)
	assert.Equal(t, model.FaultInvalidProposal, faults[0].Kind)
	assert.Equal(t, model.NodeID(1), faults[0].Voter())

	// The evidence rides on our next outgoing vote.
	proposeResp, err := node.Propose("good")
	require.NoError(t, err)
	require.NotEmpty(t, proposeResp.Broadcasts)
	require.Len(t, proposeResp.Broadcasts[0].Vote.Faults, 1)
	assert.Equal(t, model.FaultInvalidProposal, proposeResp.Broadcasts[0].Vote.Faults[0].Kind)
}

func TestProposeGuards(t *testing.T) {
	signers := unittest.StubCommittee(3, 2)
	node := newKernel(signers[0], rejectValue("bad"))

	_, err := node.Propose("bad")
	require.ErrorIs(t, err, model.ErrProposalRejected)

	_, err = node.Propose("x")
	require.NoError(t, err)
	_, err = node.Propose("x")
	require.ErrorIs(t, err, model.ErrAlreadyProposed)
	_, err = node.Propose("y")
	require.ErrorIs(t, err, model.ErrFaultyProposal)
}

func TestGenerationRouting(t *testing.T) {
	signers := unittest.StubCommittee(3, 2)
	node := newKernel(signers[0], consensus.AcceptAll[string]())

	future := unittest.SignVoteAs(t, signers[1], model.Vote[string]{Gen: 2, Ballot: model.NewProposeBallot("x")})
	_, err := node.HandleSignedVote(future)
	require.ErrorIs(t, err, model.ErrFutureGeneration)

	past := unittest.SignVoteAs(t, signers[1], model.Vote[string]{Gen: 0, Ballot: model.NewProposeBallot("x")})
	_, err = node.HandleSignedVote(past)
	require.True(t, model.IsBadGenerationError(err))
}

func TestInvalidSignatureRejected(t *testing.T) {
	signers := unittest.StubCommittee(3, 2)
	node := newKernel(signers[0], consensus.AcceptAll[string]())

	vote := unittest.SignVoteAs(t, signers[1], model.Vote[string]{Gen: 1, Ballot: model.NewProposeBallot("x")})
	vote.Sig[0] ^= 0xff
	_, err := node.HandleSignedVote(vote)
	require.ErrorIs(t, err, model.ErrInvalidSignatureShare)

	// An unattributable signature failure is not fault evidence.
	assert.Empty(t, node.Faults())
}

func TestSingleNodeCommitteeDecides(t *testing.T) {
	signers := unittest.StubCommittee(1, 1)
	node := newKernel(signers[0], consensus.AcceptAll[string]())

	resp, err := node.Propose("x")
	require.NoError(t, err)
	require.NotNil(t, resp.Decision)
	assert.Equal(t, []string{"x"}, resp.Decision.Proposals)
	require.NoError(t, consensus.VerifyDecision(resp.Decision, signers[0], consensus.AcceptAll[string]()))
}

func TestDecidedNodeRepliesWithFinalBroadcast(t *testing.T) {
	signers := unittest.StubCommittee(1, 1)
	node := newKernel(signers[0], consensus.AcceptAll[string]())

	resp, err := node.Propose("x")
	require.NoError(t, err)
	require.NotNil(t, resp.Decision)

	fresh := unittest.SignVoteAs(t, signers[0], model.Vote[string]{Gen: 1, Ballot: model.NewProposeBallot("y")})
	reply, err := node.HandleSignedVote(fresh)
	require.NoError(t, err)
	require.Len(t, reply.Broadcasts, 1)
	assert.True(t, reply.Broadcasts[0].Vote.Ballot.IsSuperMajority())
	assert.Equal(t, resp.Decision, reply.Decision)
}

func TestVerifyDecisionRejectsTampering(t *testing.T) {
	signers := unittest.StubCommittee(3, 2)
	net := unittest.NewKernelNet[string](5)
	for _, signer := range signers {
		net.Add(newKernel(signer, consensus.AcceptAll[string]()))
	}
	for _, signer := range signers {
		resp, err := net.Node(signer.NodeID()).Propose("x")
		require.NoError(t, err)
		net.Broadcast(signer.NodeID(), resp.Broadcasts)
	}
	require.NoError(t, net.Settle(10, 100_000))
	decision := net.Node(0).Decision()
	require.NotNil(t, decision)
	require.NoError(t, consensus.VerifyDecision(decision, signers[0], consensus.AcceptAll[string]()))

	tamperedProposals := *decision
	tamperedProposals.Proposals = []string{"y"}
	require.Error(t, consensus.VerifyDecision(&tamperedProposals, signers[0], consensus.AcceptAll[string]()))

	tamperedSig := *decision
	tamperedSig.Sig = append([]byte{}, decision.Sig...)
	tamperedSig.Sig[0] ^= 0xff
	require.Error(t, consensus.VerifyDecision(&tamperedSig, signers[0], consensus.AcceptAll[string]()))

	noCertificate := *decision
	noCertificate.Votes = nil
	require.Error(t, consensus.VerifyDecision(&noCertificate, signers[0], consensus.AcceptAll[string]()))
}

func TestBLSCommitteeEndToEnd(t *testing.T) {
	signers := unittest.BLSCommittee(t, 3, 2, "end-to-end-seed")
	net := unittest.NewKernelNet[string](11)
	for _, signer := range signers {
		net.Add(newKernel(signer, consensus.AcceptAll[string]()))
	}
	for _, signer := range signers {
		resp, err := net.Node(signer.NodeID()).Propose("x")
		require.NoError(t, err)
		net.Broadcast(signer.NodeID(), resp.Broadcasts)
	}
	require.NoError(t, net.Settle(10, 100_000))

	reference := net.Node(0).Decision()
	require.NotNil(t, reference)
	for _, signer := range signers {
		decision := net.Node(signer.NodeID()).Decision()
		require.NotNil(t, decision)
		assert.Equal(t, reference.Sig, decision.Sig)
	}
	require.NoError(t, consensus.VerifyDecision(reference, signers[0], consensus.AcceptAll[string]()))
}
