package main

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/eldernet/consensus/model"
	"github.com/eldernet/consensus/module/signature"
)

// stubScheme is a hash-based stand-in for the BLS provider so large soaks
// are not dominated by pairing arithmetic. Any sufficient share set combines
// to the same bytes, like BLS interpolation.
type stubScheme struct {
	n int
	t int
}

var _ signature.Scheme = (*stubScheme)(nil)

func newStubScheme(n, t int) *stubScheme {
	return &stubScheme{n: n, t: t}
}

func (s *stubScheme) Size() int {
	return s.n
}

func (s *stubScheme) Threshold() int {
	return s.t
}

func (s *stubScheme) VerifyShare(msg []byte, signer model.NodeID, share []byte) error {
	if len(share) == 0 {
		return signature.ErrInvalidFormat
	}
	if !bytes.Equal(share, stubShare(signer, msg)) {
		return signature.ErrInvalidSignature
	}
	return nil
}

func (s *stubScheme) Combine(msg []byte, shares map[model.NodeID][]byte) ([]byte, error) {
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

func (s *stubScheme) Verify(msg []byte, sig []byte) error {
	if !bytes.Equal(sig, stubCombined(msg)) {
		return signature.ErrInvalidSignature
	}
	return nil
}

type stubSigner struct {
	*stubScheme
	id model.NodeID
}

var _ signature.Signer = (*stubSigner)(nil)

func (s *stubSigner) NodeID() model.NodeID {
	return s.id
}

func (s *stubSigner) SignShare(msg []byte) ([]byte, error) {
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
