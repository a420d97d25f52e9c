package crypto

import (
	"crypto/hmac"
	"crypto/sha256"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/0ceanSlim/nutengine/cashu"
)

// VerifyDLEQ checks the discrete-log-equality proof a mint attaches to a
// blinded signature: proof that C_ = k*B_ was signed with the same key k
// whose public half is K, without revealing k. This lets the wallet
// refuse a signature from a key the mint never published as a keyset
// key.
//
// e and s are the proof's two scalars. The check recomputes
// e' = H(R1 || R2 || K || B_ || C_) where R1 = s*G - e*K and
// R2 = s*B_ - e*C_, and accepts iff e' == e.
func VerifyDLEQ(proof *cashu.DLEQProof, K, B_, C_ *secp256k1.PublicKey) bool {
	if proof == nil || len(proof.E) != 32 || len(proof.S) != 32 {
		return false
	}
	var e, s secp256k1.ModNScalar
	if overflow := e.SetByteSlice(proof.E); overflow {
		return false
	}
	if overflow := s.SetByteSlice(proof.S); overflow {
		return false
	}

	R1 := scalarMultAddNeg(&s, nil, &e, K) // s*G - e*K
	R2 := scalarMultAddNeg(&s, B_, &e, C_) // s*B_ - e*C_

	h := hmac.New(sha256.New, nil)
	h.Write(R1.SerializeCompressed())
	h.Write(R2.SerializeCompressed())
	h.Write(K.SerializeCompressed())
	h.Write(B_.SerializeCompressed())
	h.Write(C_.SerializeCompressed())
	digest := h.Sum(nil)

	var recomputed secp256k1.ModNScalar
	recomputed.SetByteSlice(digest)
	return recomputed.Equals(&e)
}

// scalarMultAddNeg computes s*base - e*sub, where base is G if nil.
func scalarMultAddNeg(s *secp256k1.ModNScalar, base *secp256k1.PublicKey, e *secp256k1.ModNScalar, sub *secp256k1.PublicKey) *secp256k1.PublicKey {
	var sBase secp256k1.JacobianPoint
	if base == nil {
		secp256k1.ScalarBaseMultNonConst(s, &sBase)
	} else {
		var baseJ secp256k1.JacobianPoint
		base.AsJacobian(&baseJ)
		secp256k1.ScalarMultNonConst(s, &baseJ, &sBase)
	}

	var subJ, eSub secp256k1.JacobianPoint
	sub.AsJacobian(&subJ)
	secp256k1.ScalarMultNonConst(e, &subJ, &eSub)
	eSub.Y.Negate(1)
	eSub.Y.Normalize()

	var out secp256k1.JacobianPoint
	secp256k1.AddNonConst(&sBase, &eSub, &out)
	out.ToAffine()
	return secp256k1.NewPublicKey(&out.X, &out.Y)
}
