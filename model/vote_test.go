package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/eldernet/consensus/encoding"
	"github.com/eldernet/consensus/model"
	"github.com/eldernet/consensus/module/signature"
	"github.com/eldernet/consensus/utils/unittest"
)

func committee(n, threshold int) []signature.Signer {
	return unittest.StubCommittee(n, threshold)
}

func proposeVote(t *testing.T, signers []signature.Signer, voter int, gen model.Generation, proposal string) model.SignedVote[string] {
	return unittest.SignVoteAs(t, signers[voter], model.Vote[string]{
		Gen:    gen,
		Ballot: model.NewProposeBallot(proposal),
	})
}

func TestSupersedesByContainment(t *testing.T) {
	signers := committee(3, 2)

	proposeA := proposeVote(t, signers, 0, 1, "x")
	proposeB := proposeVote(t, signers, 1, 1, "y")
	merge := unittest.SignVoteAs(t, signers[2], model.Vote[string]{
		Gen:    1,
		Ballot: model.NewMergeBallot([]model.SignedVote[string]{proposeA, proposeB}),
	})

	assert.True(t, merge.Supersedes(&proposeA))
	assert.True(t, merge.Supersedes(&proposeB))
	assert.True(t, merge.StrictlySupersedes(&proposeA))
	assert.False(t, proposeA.Supersedes(&merge))
	assert.False(t, merge.Conflicts(&proposeA))

	// Same content supersedes but not strictly.
	assert.True(t, merge.Supersedes(&merge))
	assert.False(t, merge.StrictlySupersedes(&merge))
}

func TestConflictingVotes(t *testing.T) {
	signers := committee(3, 2)

	voteX := proposeVote(t, signers, 0, 1, "x")
	voteY := proposeVote(t, signers, 0, 1, "y")

	assert.True(t, voteX.Conflicts(&voteY))
	assert.True(t, voteY.Conflicts(&voteX))

	fault := model.NewEquivocationFault(voteY, voteX)
	assert.Equal(t, model.FaultEquivocation, fault.Kind)
	assert.Equal(t, model.NodeID(0), fault.Voter())
	// Evidence is canonical regardless of observation order.
	other := model.NewEquivocationFault(voteX, voteY)
	assert.Equal(t, fault.Key(), other.Key())
}

func TestSupersedesByFaultEvidence(t *testing.T) {
	signers := committee(3, 2)

	equivocal1 := proposeVote(t, signers, 1, 1, "y")
	equivocal2 := proposeVote(t, signers, 1, 1, "z")
	evidence := model.NewEquivocationFault(equivocal1, equivocal2)

	ballot := model.NewProposeBallot("x")
	bare := unittest.SignVoteAs(t, signers[0], model.Vote[string]{Gen: 1, Ballot: ballot})
	accusing := unittest.SignVoteAs(t, signers[0], model.Vote[string]{
		Gen:    1,
		Ballot: ballot,
		Faults: []model.Fault[string]{evidence},
	})

	assert.True(t, accusing.Supersedes(&bare))
	assert.False(t, bare.Supersedes(&accusing))
	assert.False(t, accusing.Conflicts(&bare))
}

func TestUnpackRecursive(t *testing.T) {
	signers := committee(4, 3)

	proposeA := proposeVote(t, signers, 0, 1, "x")
	proposeB := proposeVote(t, signers, 1, 1, "y")
	merge := unittest.SignVoteAs(t, signers[2], model.Vote[string]{
		Gen:    1,
		Ballot: model.NewMergeBallot([]model.SignedVote[string]{proposeA, proposeB}),
	})
	outer := unittest.SignVoteAs(t, signers[3], model.Vote[string]{
		Gen:    1,
		Ballot: model.NewMergeBallot([]model.SignedVote[string]{merge, proposeA}),
	})

	unpacked := outer.Unpack()
	voters := make(map[model.NodeID]int)
	for _, vote := range unpacked {
		voters[vote.Voter]++
	}
	assert.Equal(t, 1, voters[3])
	assert.Equal(t, 1, voters[2])
	assert.Equal(t, 1, voters[1])
	// A's propose is reachable twice: directly and through the inner merge.
	assert.Equal(t, 2, voters[0])
}

func TestSimplifyVotes(t *testing.T) {
	signers := committee(3, 2)

	proposeA := proposeVote(t, signers, 0, 1, "x")
	proposeB := proposeVote(t, signers, 1, 1, "y")
	merge := unittest.SignVoteAs(t, signers[2], model.Vote[string]{
		Gen:    1,
		Ballot: model.NewMergeBallot([]model.SignedVote[string]{proposeA, proposeB}),
	})

	simplified := model.SimplifyVotes([]model.SignedVote[string]{proposeA, merge, proposeB})
	require.Len(t, simplified, 1)
	assert.True(t, simplified[0].Equal(&merge))

	// Duplicates collapse to one occurrence.
	deduped := model.SimplifyVotes([]model.SignedVote[string]{proposeA, proposeA})
	require.Len(t, deduped, 1)
}

func TestAgreedProposals(t *testing.T) {
	signers := committee(4, 3)

	proposeA := proposeVote(t, signers, 0, 1, "x")
	proposeB := proposeVote(t, signers, 1, 1, "y")

	assert.True(t, proposeA.Vote.Proposals().Contains("x"))
	assert.Len(t, proposeA.Vote.Proposals(), 1)

	merge := unittest.SignVoteAs(t, signers[2], model.Vote[string]{
		Gen:    1,
		Ballot: model.NewMergeBallot([]model.SignedVote[string]{proposeA, proposeB}),
	})
	agreed := merge.Vote.Proposals()
	assert.Len(t, agreed, 2)
	assert.True(t, agreed.Contains("x"))
	assert.True(t, agreed.Contains("y"))

	// Votes from voters proven faulty do not contribute proposals.
	faulty := map[model.NodeID]struct{}{1: {}}
	discounted := merge.Vote.ProposalsWithFaulty(faulty)
	assert.Len(t, discounted, 1)
	assert.True(t, discounted.Contains("x"))
}

func TestSignedVoteRoundTrip(t *testing.T) {
	signers := committee(7, 5)
	rapid.Check(t, func(t *rapid.T) {
		voter := rapid.IntRange(0, 6).Draw(t, "voter")
		gen := model.Generation(rapid.Uint64Range(1, 1000).Draw(t, "gen"))
		proposal := rapid.String().Draw(t, "proposal")

		vote := model.Vote[string]{Gen: gen, Ballot: model.NewProposeBallot(proposal)}
		msg, err := vote.SigningBytes()
		require.NoError(t, err)
		sig, err := signers[voter].SignShare(msg)
		require.NoError(t, err)
		signed := model.SignedVote[string]{Vote: vote, Voter: signers[voter].NodeID(), Sig: sig}

		data, err := encoding.Marshal(signed)
		require.NoError(t, err)
		var decoded model.SignedVote[string]
		require.NoError(t, encoding.Unmarshal(data, &decoded))

		assert.True(t, signed.Equal(&decoded))
		decodedMsg, err := decoded.Vote.SigningBytes()
		require.NoError(t, err)
		assert.Equal(t, msg, decodedMsg)
	})
}
