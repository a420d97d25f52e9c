package cashu

// ProofState is the lifecycle state of a Proof, as tracked locally by the
// wallet engine. It mirrors the mint-side UNSPENT|PENDING|SPENT states
// (see ProofMintState) but is not the same enumeration: ready/inflight are
// local reservation bookkeeping, not wire states.
type ProofState int

const (
	// ProofReady is spendable and unreserved.
	ProofReady ProofState = iota
	// ProofInflight is reserved and in use by an in-progress operation.
	ProofInflight
	// ProofSpent is terminal; retained for audit only.
	ProofSpent
)

func (s ProofState) String() string {
	switch s {
	case ProofReady:
		return "ready"
	case ProofInflight:
		return "inflight"
	case ProofSpent:
		return "spent"
	default:
		return "unknown"
	}
}

// ProofMintState is the state the mint reports for a proof's Y-point via
// POST /v1/checkstate (NUT-07).
type ProofMintState int

const (
	MintStateUnspent ProofMintState = iota
	MintStatePending
	MintStateSpent
)

func (s ProofMintState) String() string {
	switch s {
	case MintStateUnspent:
		return "UNSPENT"
	case MintStatePending:
		return "PENDING"
	case MintStateSpent:
		return "SPENT"
	default:
		return "UNKNOWN"
	}
}

// DLEQProof is the discrete-log-equality proof a mint may attach to a
// blinded signature so the wallet can verify the signature was produced
// with the claimed keyset key without trusting the mint blindly.
type DLEQProof struct {
	E []byte
	S []byte
}

// Proof is the unit of ecash value held by the wallet: an unblinded
// signature over a secret, redeemable at MintURL against KeysetID.
//
// Identity is (MintURL, Secret); Secret is unique within a mint. The
// reservation invariants are enforced by the proof store, not by this
// type.
type Proof struct {
	MintURL        string
	KeysetID       string
	Amount         uint64
	Secret         []byte
	UnblindedPoint []byte // C, the unblinded signature point, compressed
	DLEQ           *DLEQProof
	Witness        string // optional scripted-spend witness (NUT-11), opaque here

	State ProofState

	// UsedByOperationID is non-empty iff the proof is reserved. A proof
	// reserved by a terminal or vanished operation is an orphan, found
	// and released by the recovery sweep.
	UsedByOperationID string
	// CreatedByOperationID records which operation produced this proof
	// (receive/mint/swap), used by melt recovery to find swap-send proofs.
	CreatedByOperationID string
}

// Proofs is a slice of Proof with convenience totals used throughout
// selection and saga bookkeeping.
type Proofs []Proof

// Total returns the sum of Amount across all proofs.
func (p Proofs) Total() uint64 {
	var total uint64
	for _, proof := range p {
		total += proof.Amount
	}
	return total
}

// Secrets returns the hex-independent raw secrets of every proof, in order.
func (p Proofs) Secrets() [][]byte {
	out := make([][]byte, len(p))
	for i, proof := range p {
		out[i] = proof.Secret
	}
	return out
}
