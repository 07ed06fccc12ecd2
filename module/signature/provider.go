package signature

import (
	"fmt"

	"go.dedis.ch/kyber/v4/pairing/bn256"
	"go.dedis.ch/kyber/v4/share"
	"go.dedis.ch/kyber/v4/sign/bls"
	"go.dedis.ch/kyber/v4/sign/tbls"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/eldernet/consensus/model"
)

// ThresholdProvider implements Scheme over BLS threshold signatures on the
// BN256 pairing suite. Signatures live on G1, public key shares on G2.
type ThresholdProvider struct {
	suite  *bn256.Suite
	public *share.PubPoly
	n      int
	t      int
}

var _ Scheme = (*ThresholdProvider)(nil)

// NewThresholdProvider wraps a committee public polynomial into a Scheme.
// n is the committee size, t the number of shares required to combine.
func NewThresholdProvider(public *share.PubPoly, n, t int) *ThresholdProvider {
	return &ThresholdProvider{
		suite:  bn256.NewSuite(),
		public: public,
		n:      n,
		t:      t,
	}
}

func (p *ThresholdProvider) Size() int {
	return p.n
}

func (p *ThresholdProvider) Threshold() int {
	return p.t
}

func (p *ThresholdProvider) VerifyShare(msg []byte, signer model.NodeID, sigShare []byte) error {
	index, err := tbls.SigShare(sigShare).Index()
	if err != nil {
		return fmt.Errorf("could not read signer index: %w", ErrInvalidFormat)
	}
	if index != int(signer) {
		return fmt.Errorf("share is from index %d, claimed signer is %d: %w", index, signer, ErrInvalidSignature)
	}
	err = tbls.Verify(p.suite, p.public, msg, sigShare)
	if err != nil {
		return fmt.Errorf("share does not verify: %w", ErrInvalidSignature)
	}
	return nil
}

func (p *ThresholdProvider) Combine(msg []byte, shares map[model.NodeID][]byte) ([]byte, error) {
	if len(shares) < p.t {
		return nil, fmt.Errorf("have %d shares, need %d: %w", len(shares), p.t, ErrInsufficientShares)
	}
	signers := maps.Keys(shares)
	slices.Sort(signers)
	seen := make(map[int]struct{}, len(signers))
	sigShares := make([][]byte, 0, len(signers))
	for _, signer := range signers {
		index, err := tbls.SigShare(shares[signer]).Index()
		if err != nil {
			return nil, fmt.Errorf("share of signer %d: %w", signer, ErrInvalidFormat)
		}
		if _, dup := seen[index]; dup {
			return nil, fmt.Errorf("index %d contributed twice: %w", index, ErrDuplicatedSigner)
		}
		seen[index] = struct{}{}
		sigShares = append(sigShares, shares[signer])
	}
	sig, err := tbls.Recover(p.suite, p.public, msg, sigShares, p.t, p.n)
	if err != nil {
		return nil, fmt.Errorf("could not recover threshold signature: %w", err)
	}
	return sig, nil
}

func (p *ThresholdProvider) Verify(msg []byte, sig []byte) error {
	err := bls.Verify(p.suite, p.public.Commit(), msg, sig)
	if err != nil {
		return fmt.Errorf("combined signature does not verify: %w", ErrInvalidSignature)
	}
	return nil
}

// ThresholdSigner implements Signer for one key share of a committee.
type ThresholdSigner struct {
	*ThresholdProvider
	private *share.PriShare
}

var _ Signer = (*ThresholdSigner)(nil)

// NewThresholdSigner binds a private key share to its committee provider.
func NewThresholdSigner(provider *ThresholdProvider, private *share.PriShare) (*ThresholdSigner, error) {
	if private.I < 0 || private.I >= provider.n {
		return nil, fmt.Errorf("share index %d with committee size %d: %w", private.I, provider.n, ErrInvalidSignerIndex)
	}
	return &ThresholdSigner{
		ThresholdProvider: provider,
		private:           private,
	}, nil
}

func (s *ThresholdSigner) NodeID() model.NodeID {
	return model.NodeID(s.private.I)
}

func (s *ThresholdSigner) SignShare(msg []byte) ([]byte, error) {
	sigShare, err := tbls.Sign(s.suite, s.private, msg)
	if err != nil {
		return nil, fmt.Errorf("could not sign share: %w", err)
	}
	return sigShare, nil
}

// GenerateCommittee deals a fresh (n, t) threshold key set and returns one
// signer per share. A non-nil seed makes the dealing deterministic; this is
// a trusted-dealer setup intended for tests and tooling, production deploys
// are expected to run a DKG and construct providers from its output.
func GenerateCommittee(n, t int, seed []byte) ([]*ThresholdSigner, *ThresholdProvider, error) {
	if n <= 0 || t <= 0 || t > n {
		return nil, nil, fmt.Errorf("invalid committee parameters n=%d t=%d", n, t)
	}
	suite := bn256.NewSuite()
	stream := suite.RandomStream()
	if seed != nil {
		stream = suite.XOF(seed)
	}
	priPoly := share.NewPriPoly(suite.G2(), t, nil, stream)
	pubPoly := priPoly.Commit(suite.G2().Point().Base())

	provider := NewThresholdProvider(pubPoly, n, t)
	signers := make([]*ThresholdSigner, 0, n)
	for _, priShare := range priPoly.Shares(n) {
		signer, err := NewThresholdSigner(provider, priShare)
		if err != nil {
			return nil, nil, fmt.Errorf("could not build signer %d: %w", priShare.I, err)
		}
		signers = append(signers, signer)
	}
	return signers, provider, nil
}
