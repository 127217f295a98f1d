package chain

import (
	"context"

	"github.com/mr-tron/base58"
)

// Signer is the opaque signing capability. Key custody lives outside this
// core; the submitter only needs a public key for swap construction and a way
// to sign the prepared transaction bytes.
type Signer interface {
	Pubkey() string
	Sign(ctx context.Context, tx []byte) ([]byte, error)
}

// ValidAddress reports whether s is a well-formed base58 32-byte address.
func ValidAddress(s string) bool {
	raw, err := base58.Decode(s)
	return err == nil && len(raw) == 32
}

// ValidSignature reports whether s is a well-formed base58 64-byte signature.
func ValidSignature(s string) bool {
	raw, err := base58.Decode(s)
	return err == nil && len(raw) == 64
}
