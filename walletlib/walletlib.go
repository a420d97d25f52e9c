// Package walletlib is the ecash cryptography boundary that blinds and
// unblinds messages and verifies signatures. The rest of the engine
// depends only on the Library interface; Secp256k1Library, built on
// crypto/, is the one concrete implementation.
package walletlib

import (
	"encoding/hex"
	"fmt"

	"github.com/0ceanSlim/nutengine/cashu"
	"github.com/0ceanSlim/nutengine/crypto"
)

// Library is the capability surface MeltHandler (and any other saga)
// needs from the blind-signature scheme. It never touches storage or
// the network; callers hand it secrets/keysets and get back wire types.
type Library interface {
	// CreateOutputs deterministically derives len(amounts) blinded
	// messages for (mintURL, keysetID) starting at startCounter. Calling
	// it twice with the same arguments reproduces the same outputs,
	// which is what makes mint-side recovery idempotent.
	CreateOutputs(mintURL, keysetID string, startCounter uint64, amounts []uint64) ([]crypto.DerivedOutput, cashu.BlindedMessages, error)

	// ConstructProofs unblinds each signature against the matching
	// derived output and keyset key, returning finished Proofs. Mismatched
	// lengths or an unknown denomination is a ProofValidation error.
	ConstructProofs(sigs cashu.BlindedSignatures, outputs []crypto.DerivedOutput, keyset crypto.Keyset, mintURL string) (cashu.Proofs, error)

	// ProofY returns the hex-encoded Y-point of a proof secret, the
	// identifier MintGateway.CheckProofStates batches on.
	ProofY(secret []byte) (string, error)
}

// Secp256k1Library is the reference Library implementation: secp256k1
// blinding and unblinding with HMAC-derived deterministic secrets.
type Secp256k1Library struct {
	// MasterSeed seeds deterministic derivation (crypto.DeriveOutputs).
	// It must remain stable for the lifetime of the wallet: losing it
	// breaks the recovery path that re-derives swap outputs by counter.
	MasterSeed []byte
}

func NewSecp256k1Library(masterSeed []byte) *Secp256k1Library {
	return &Secp256k1Library{MasterSeed: masterSeed}
}

func (l *Secp256k1Library) CreateOutputs(mintURL, keysetID string, startCounter uint64, amounts []uint64) ([]crypto.DerivedOutput, cashu.BlindedMessages, error) {
	derived, err := crypto.DeriveOutputs(l.MasterSeed, mintURL, keysetID, startCounter, amounts)
	if err != nil {
		return nil, nil, err
	}
	messages := make(cashu.BlindedMessages, len(derived))
	for i, d := range derived {
		messages[i] = cashu.BlindedMessage{
			Amount:      d.Amount,
			KeysetID:    keysetID,
			B_:          d.B_.SerializeCompressed(),
			Secret:      d.Secret,
			BlindFactor: d.BlindFactor.Serialize(),
			Counter:     d.Counter,
		}
	}
	return derived, messages, nil
}

func (l *Secp256k1Library) ConstructProofs(sigs cashu.BlindedSignatures, outputs []crypto.DerivedOutput, keyset crypto.Keyset, mintURL string) (cashu.Proofs, error) {
	if len(sigs) != len(outputs) {
		return nil, cashu.New(cashu.KindProofValidation, "signature count %d does not match output count %d", len(sigs), len(outputs))
	}

	proofs := make(cashu.Proofs, len(sigs))
	for i, sig := range sigs {
		K, ok := keyset.KeyFor(sig.Amount)
		if !ok {
			return nil, cashu.New(cashu.KindProofValidation, "keyset %s has no key for amount %d", keyset.ID, sig.Amount)
		}
		C_, err := crypto.ParsePublicKeyBytes(sig.C_)
		if err != nil {
			return nil, cashu.Wrap(cashu.KindMintProtocol, err, "invalid C_ in blinded signature")
		}

		C := crypto.UnblindSignature(C_, outputs[i].BlindFactor, K)

		var dleq *cashu.DLEQProof
		if sig.DLEQ != nil {
			valid := crypto.VerifyDLEQ(&cashu.DLEQProof{E: sig.DLEQ.E, S: sig.DLEQ.S}, K, outputs[i].B_, C_)
			if !valid {
				return nil, cashu.New(cashu.KindMintProtocol, "dleq verification failed for amount %d", sig.Amount)
			}
			dleq = sig.DLEQ
		}

		proofs[i] = cashu.Proof{
			MintURL:        mintURL,
			KeysetID:       keyset.ID,
			Amount:         sig.Amount,
			Secret:         outputs[i].Secret,
			UnblindedPoint: C.SerializeCompressed(),
			DLEQ:           dleq,
			State:          cashu.ProofReady,
		}
	}
	return proofs, nil
}

func (l *Secp256k1Library) ProofY(secret []byte) (string, error) {
	Y, err := crypto.HashToCurve(secret)
	if err != nil {
		return "", fmt.Errorf("walletlib: %w", err)
	}
	return hex.EncodeToString(Y.SerializeCompressed()), nil
}
