package unittest

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eldernet/consensus/model"
	"github.com/eldernet/consensus/module/signature"
)

// StubScheme is a fast fake threshold scheme for tests that do not exercise
// curve arithmetic. A share is a hash keyed by signer index and message; the
// combined signature is a hash of the message alone, so any sufficient share
// set combines to the same bytes, mirroring BLS interpolation.
type StubScheme struct {
	n int
	t int
}

var _ signature.Scheme = (*StubScheme)(nil)

func NewStubScheme(n, t int) *StubScheme {
	return &StubScheme{n: n, t: t}
}

func (s *StubScheme) Size() int {
	return s.n
}

func (s *StubScheme) Threshold() int {
	return s.t
}

func (s *StubScheme) VerifyShare(msg []byte, signer model.NodeID, share []byte) error {
	if len(share) == 0 {
		return signature.ErrInvalidFormat
	}
	if !bytes.Equal(share, stubShare(signer, msg)) {
		return signature.ErrInvalidSignature
	}
	return nil
}

func (s *StubScheme) Combine(msg []byte, shares map[model.NodeID][]byte) ([]byte, error) {
	if len(shares) < s.t {
		return nil, fmt.Errorf("have %d shares, need %d: %w", len(shares), s.t, signature.ErrInsufficientShares)
	}
	for signer, share := range shares {
		if err := s.VerifyShare(msg, signer, share); err != nil {
			return nil, fmt.Errorf("share from signer %d: %w", signer, err)
		}
	}
	return stubCombined(msg), nil
}

func (s *StubScheme) Verify(msg []byte, sig []byte) error {
	if !bytes.Equal(sig, stubCombined(msg)) {
		return signature.ErrInvalidSignature
	}
	return nil
}

// StubSigner binds one voter index to a StubScheme.
type StubSigner struct {
	*StubScheme
	id model.NodeID
}

var _ signature.Signer = (*StubSigner)(nil)

func NewStubSigner(scheme *StubScheme, id model.NodeID) *StubSigner {
	return &StubSigner{StubScheme: scheme, id: id}
}

func (s *StubSigner) NodeID() model.NodeID {
	return s.id
}

func (s *StubSigner) SignShare(msg []byte) ([]byte, error) {
	return stubShare(s.id, msg), nil
}

func stubShare(signer model.NodeID, msg []byte) []byte {
	h := sha256.New()
	h.Write([]byte("stub-share"))
	h.Write([]byte{byte(signer)})
	h.Write(msg)
	return append([]byte{byte(signer)}, h.Sum(nil)...)
}

func stubCombined(msg []byte) []byte {
	h := sha256.New()
	h.Write([]byte("stub-combined"))
	h.Write(msg)
	return h.Sum(nil)
}

// StubCommittee returns one stub signer per committee slot.
func StubCommittee(n, t int) []signature.Signer {
	scheme := NewStubScheme(n, t)
	signers := make([]signature.Signer, 0, n)
	for i := 0; i < n; i++ {
		signers = append(signers, NewStubSigner(scheme, model.NodeID(i)))
	}
	return signers
}

// BLSCommittee deals a deterministic real threshold key set for tests that
// exercise the curve-backed provider.
func BLSCommittee(t *testing.T, n, threshold int, seed string) []signature.Signer {
	signers, _, err := signature.GenerateCommittee(n, threshold, []byte(seed))
	require.NoError(t, err)
	out := make([]signature.Signer, 0, n)
	for _, signer := range signers {
		out = append(out, signer)
	}
	return out
}

// SignVoteAs signs a vote with an arbitrary signer, bypassing any engine.
// Used to craft Byzantine traffic in tests.
func SignVoteAs[P any](t *testing.T, signer signature.Signer, vote model.Vote[P]) model.SignedVote[P] {
	msg, err := vote.SigningBytes()
	require.NoError(t, err)
	sig, err := signer.SignShare(msg)
	require.NoError(t, err)
	return model.SignedVote[P]{Vote: vote, Voter: signer.NodeID(), Sig: sig}
}
