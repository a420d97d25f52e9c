// Package crypto implements the cryptographic primitives the wallet
// engine needs against the ecash blind-signature scheme: Y-point
// derivation, blinding, unblinding, and DLEQ verification, all on
// secp256k1.
package crypto

import (
	"encoding/hex"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// KeyPair is one (amount, public key) pair within a keyset.
type KeyPair struct {
	Amount    uint64
	PublicKey *secp256k1.PublicKey
}

// Keyset is the set of a mint's public signing keys for one denomination
// series, as returned by GET /v1/keys/{id}.
type Keyset struct {
	MintURL     string
	ID          string
	Unit        string
	InputFeePpk uint
	Keys        map[uint64]*secp256k1.PublicKey
}

// KeyFor returns the signing public key for the given denomination, or
// false if the keyset has no key at that amount.
func (k Keyset) KeyFor(amount uint64) (*secp256k1.PublicKey, bool) {
	pk, ok := k.Keys[amount]
	return pk, ok
}

// ParsePublicKey parses a hex-encoded compressed secp256k1 point, the
// wire format every NUT uses for keys and blinded points.
func ParsePublicKey(hexStr string) (*secp256k1.PublicKey, error) {
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, err
	}
	return secp256k1.ParsePubKey(b)
}

// EncodePublicKey renders a public key as the compressed hex wire format.
func EncodePublicKey(pk *secp256k1.PublicKey) string {
	return hex.EncodeToString(pk.SerializeCompressed())
}

// ParsePublicKeyBytes parses a raw compressed secp256k1 point.
func ParsePublicKeyBytes(b []byte) (*secp256k1.PublicKey, error) {
	return secp256k1.ParsePubKey(b)
}
