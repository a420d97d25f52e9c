package crypto

import (
	"crypto/sha256"
	"errors"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// domainSeparator matches the NUT-00 hash-to-curve domain separator so
// Y-points derived here agree with any compliant mint.
var domainSeparator = []byte("Secp256k1_HashToCurve_Cashu_")

// HashToCurve derives the Y-point of a proof secret: a point on the curve
// deterministically derived from the secret bytes, used both as the
// message the blind signature is over and as the identifier the mint
// checks proof state against (POST /v1/checkstate).
func HashToCurve(secret []byte) (*secp256k1.PublicKey, error) {
	msgHash := sha256.Sum256(append(domainSeparator, secret...))
	counter := uint32(0)
	for {
		var candidate [36]byte
		copy(candidate[:32], msgHash[:])
		candidate[32] = byte(counter)
		candidate[33] = byte(counter >> 8)
		candidate[34] = byte(counter >> 16)
		candidate[35] = byte(counter >> 24)
		h := sha256.Sum256(candidate[:])

		prefixed := append([]byte{0x02}, h[:]...)
		if pk, err := secp256k1.ParsePubKey(prefixed); err == nil {
			return pk, nil
		}
		counter++
		if counter > 1<<20 {
			return nil, errors.New("crypto: hash-to-curve did not converge")
		}
	}
}

// GenerateSecret returns a fresh random 32-byte secret read from rng.
// Entropy is a parameter here, not an ambient global, so callers and
// tests control it.
func GenerateSecret(rng io.Reader) ([]byte, error) {
	secret := make([]byte, 32)
	if _, err := io.ReadFull(rng, secret); err != nil {
		return nil, err
	}
	return secret, nil
}

// GenerateBlindingFactor returns a fresh random scalar r used to blind a
// message, read from rng.
func GenerateBlindingFactor(rng io.Reader) (*secp256k1.PrivateKey, error) {
	var buf [32]byte
	for {
		if _, err := io.ReadFull(rng, buf[:]); err != nil {
			return nil, err
		}
		r := secp256k1.PrivKeyFromBytes(buf[:])
		if r != nil {
			return r, nil
		}
	}
}

// BlindMessage computes B_ = Y + r*G for the secret's Y-point Y and
// blinding factor r.
func BlindMessage(secret []byte, r *secp256k1.PrivateKey) (*secp256k1.PublicKey, error) {
	Y, err := HashToCurve(secret)
	if err != nil {
		return nil, err
	}
	var rG secp256k1.JacobianPoint
	r.PubKey().AsJacobian(&rG)

	var Yj secp256k1.JacobianPoint
	Y.AsJacobian(&Yj)

	var sum secp256k1.JacobianPoint
	secp256k1.AddNonConst(&Yj, &rG, &sum)
	sum.ToAffine()
	return secp256k1.NewPublicKey(&sum.X, &sum.Y), nil
}

// UnblindSignature computes C = C_ - r*K for the mint's response C_,
// local blinding factor r, and the mint's signing key K for this
// denomination. C is the final unblinded signature stored on the Proof.
func UnblindSignature(C_ *secp256k1.PublicKey, r *secp256k1.PrivateKey, K *secp256k1.PublicKey) *secp256k1.PublicKey {
	var rK secp256k1.JacobianPoint
	K.AsJacobian(&rK)
	secp256k1.ScalarMultNonConst(&r.Key, &rK, &rK)
	rK.Y.Negate(1)
	rK.Y.Normalize()

	var C_j secp256k1.JacobianPoint
	C_.AsJacobian(&C_j)

	var out secp256k1.JacobianPoint
	secp256k1.AddNonConst(&C_j, &rK, &out)
	out.ToAffine()
	return secp256k1.NewPublicKey(&out.X, &out.Y)
}

// ParseBlindedPoint parses a compressed blinded point using btcec,
// kept distinct from ParsePublicKey (decred) because the B_/C_ wire
// values cross as plain compressed-point hex and some callers already
// hold btcec keys.
func ParseBlindedPoint(compressed []byte) (*btcec.PublicKey, error) {
	return btcec.ParsePubKey(compressed)
}
