package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// DerivedOutput is one deterministically-derived (secret, blinding
// factor, blinded message) triple at a given counter index.
type DerivedOutput struct {
	Counter     uint64
	Amount      uint64
	Secret      []byte
	BlindFactor *secp256k1.PrivateKey
	B_          *secp256k1.PublicKey
}

// DeriveOutputs deterministically derives len(amounts) outputs for
// (mintURL, keysetID) starting at startCounter, from masterSeed.
// Calling this twice with the same arguments always yields the same
// secrets and blinding factors, which is what lets melt recovery ask
// the mint to re-sign outputs it has already seen and get back the
// identical signatures.
//
// This is not NUT-13 BIP32 derivation; it derives with HMAC over
// (masterSeed, mintURL, keysetID, counter), which gives the same
// determinism and domain separation the recovery path needs.
func DeriveOutputs(masterSeed []byte, mintURL, keysetID string, startCounter uint64, amounts []uint64) ([]DerivedOutput, error) {
	out := make([]DerivedOutput, len(amounts))
	for i, amount := range amounts {
		counter := startCounter + uint64(i)
		secret := deriveBytes(masterSeed, "secret", mintURL, keysetID, counter, 32)
		rBytes := deriveBytes(masterSeed, "blinding", mintURL, keysetID, counter, 32)

		r := secp256k1.PrivKeyFromBytes(rBytes)
		B_, err := BlindMessage(secret, r)
		if err != nil {
			return nil, err
		}
		out[i] = DerivedOutput{
			Counter:     counter,
			Amount:      amount,
			Secret:      secret,
			BlindFactor: r,
			B_:          B_,
		}
	}
	return out, nil
}

func deriveBytes(masterSeed []byte, domain, mintURL, keysetID string, counter uint64, n int) []byte {
	h := hmac.New(sha256.New, masterSeed)
	h.Write([]byte(domain))
	h.Write([]byte{0})
	h.Write([]byte(mintURL))
	h.Write([]byte{0})
	h.Write([]byte(keysetID))
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], counter)
	h.Write(ctr[:])
	sum := h.Sum(nil)
	if n <= len(sum) {
		return sum[:n]
	}
	return sum
}
