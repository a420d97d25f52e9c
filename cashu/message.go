package cashu

// BlindedMessage is an output the wallet sends to the mint to be signed:
// a blinded point B_ of a given Amount under KeysetID, derived from a
// locally-generated secret at derivation-counter index Counter.
type BlindedMessage struct {
	Amount   uint64
	KeysetID string
	B_       []byte // compressed blinded point

	// Secret and BlindFactor are kept so the wallet can unblind the
	// signature once it comes back; they never leave the process.
	Secret      []byte
	BlindFactor []byte
	Counter     uint64
}

// BlindedMessages is an ordered set of outputs submitted together.
type BlindedMessages []BlindedMessage

// Total returns the sum of Amount across all messages.
func (b BlindedMessages) Total() uint64 {
	var total uint64
	for _, m := range b {
		total += m.Amount
	}
	return total
}

// BlindedSignature is what the mint returns for one BlindedMessage: C_,
// the signed blinded point, plus an optional DLEQ proof.
type BlindedSignature struct {
	Amount   uint64
	KeysetID string
	C_       []byte
	DLEQ     *DLEQProof
}

// BlindedSignatures is an ordered set of signatures, one per
// BlindedMessages entry submitted in the same request.
type BlindedSignatures []BlindedSignature

// OutputData is the derivation-counter-backed blinded-message set used
// for both ordinary change outputs and deterministic recovery from the
// mint. It records everything needed to reconstruct the same
// BlindedMessages a second time from the same counter range, which is
// what makes mint-side recovery idempotent.
type OutputData struct {
	MintURL      string
	KeysetID     string
	StartCounter uint64
	Amounts      []uint64
}

// Secrets derived from an OutputData are deterministic functions of
// (MintURL, KeysetID, StartCounter+i); see crypto.DeriveOutputs.
