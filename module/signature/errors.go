package signature

import (
	"errors"
)

var (
	ErrInvalidFormat      = errors.New("invalid signature format")
	ErrInvalidSignature   = errors.New("signature verification failed")
	ErrInsufficientShares = errors.New("insufficient threshold signature shares")
	ErrDuplicatedSigner   = errors.New("duplicated signer")
	ErrInvalidSignerIndex = errors.New("signer index out of committee range")
)
