// Package encoding provides the canonical binary serialization used for all
// signed consensus material.
//
// Every byte string that is signed, share-signed, compared or used as a map
// key in this repository goes through this codec. Encoding is deterministic
// CBOR (RFC 8949 core deterministic encoding), so two nodes encoding the same
// vote always produce identical bytes. Decoding caps the nesting depth to
// keep rejection of maliciously nested ballots cheap.
package encoding

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// MaxNestedLevels bounds the recursion depth the decoder accepts. A ballot
// nests one struct level per inner vote chain; committees are small, so
// anything deeper than this is hostile input.
const MaxNestedLevels = 256

// EncMode is the canonical encoder for signed consensus material.
var EncMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("could not construct canonical cbor encoder: %s", err))
	}
	return em
}()

// DecMode is the decoder counterpart of EncMode.
var DecMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		MaxNestedLevels: MaxNestedLevels,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("could not construct canonical cbor decoder: %s", err))
	}
	return dm
}()

// Marshal encodes a value into its canonical byte representation.
func Marshal(v interface{}) ([]byte, error) {
	data, err := EncMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("could not encode value: %w", err)
	}
	return data, nil
}

// Unmarshal decodes canonical bytes into the given value. It returns an error
// for malformed input and for input nested deeper than MaxNestedLevels.
func Unmarshal(data []byte, v interface{}) error {
	err := DecMode.Unmarshal(data, v)
	if err != nil {
		return fmt.Errorf("could not decode value: %w", err)
	}
	return nil
}

// MustMarshal encodes a value and panics on failure. It is intended for
// values the caller constructed itself, where an encoding failure is a
// programming error rather than bad input.
func MustMarshal(v interface{}) []byte {
	data, err := Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// Equal reports whether two values have identical canonical encodings.
func Equal(a, b interface{}) bool {
	return bytes.Equal(MustMarshal(a), MustMarshal(b))
}

// Compare orders two values by their canonical encodings.
func Compare(a, b interface{}) int {
	return bytes.Compare(MustMarshal(a), MustMarshal(b))
}
