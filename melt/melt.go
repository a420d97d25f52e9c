// Package melt implements the algorithmic core of the bolt11 melt
// saga: prepare, execute, finalize, check-pending, rollback, and the
// crash-recovery path. Handler is deliberately stateless between
// calls: every method takes the opstore.MeltOperation it's acting on
// and returns the operation's next state, leaving persistence to the
// caller (operation.Service).
package melt

import (
	"context"
	"encoding/hex"
	"io"

	"github.com/0ceanSlim/nutengine/cashu"
	"github.com/0ceanSlim/nutengine/gateway"
	"github.com/0ceanSlim/nutengine/opstore"
	"github.com/0ceanSlim/nutengine/proofstore"
	"github.com/0ceanSlim/nutengine/storage"
	"github.com/0ceanSlim/nutengine/walletlib"
)

// SwapThresholdRatio decides when to pre-swap: selected proofs
// overshooting the required amount by this factor are swapped into
// exact-sum denominations before the melt, to minimize mint-side
// change and preserve privacy.
const SwapThresholdRatio = 1.1

// Handler is MeltHandler. It holds only collaborators, never operation
// state — every exported method is a pure function of its arguments plus
// the collaborators' own state (the mint, the proof store).
type Handler struct {
	Gateway  gateway.Gateway
	Proofs   proofstore.Store
	Counters storage.CounterRepo
	Keysets  storage.KeysetRepo
	Wallet   walletlib.Library
	Rand     io.Reader
	Unit     string
}

// PrepareRequest is the caller-supplied input to Prepare: everything
// MeltHandler needs that isn't already recoverable from storage.
type PrepareRequest struct {
	OperationID      string
	MintURL          string
	Invoice          string
	AllowSmallDenoms bool
}

// PrepareResult is the outcome of a successful Prepare: the PreparedData
// to persist plus the quote, so the caller can log/display it.
type PrepareResult struct {
	Prepared opstore.PreparedData
	Quote    gateway.MeltQuote
}

// ExecuteResult is the outcome of Execute: the operation's next terminal
// or pending state, plus any change proofs produced along the way.
type ExecuteResult struct {
	NextState    opstore.MeltState
	ChangeProofs cashu.Proofs
	FailReason   string
}

// ysFor computes the Y-point identifier MintGateway.CheckProofStates
// batches on for each secret, in order.
func ysFor(wallet walletlib.Library, secrets [][]byte) ([][]byte, error) {
	out := make([][]byte, len(secrets))
	for i, s := range secrets {
		yHex, err := wallet.ProofY(s)
		if err != nil {
			return nil, cashu.Wrap(cashu.KindProofValidation, err, "computing Y for secret")
		}
		y, err := hex.DecodeString(yHex)
		if err != nil {
			return nil, cashu.Wrap(cashu.KindMintProtocol, err, "decoding Y-point hex")
		}
		out[i] = y
	}
	return out, nil
}

// swapFee computes the mint's input fee for the proofs about to be
// swapped: (sum(input_fee_ppk) + 999) / 1000, the standard NUT-02
// rounding.
func swapFee(ctx context.Context, proofs cashu.Proofs, keyset storage.KeysetRepo, mintURL string) (uint64, error) {
	var totalPpk uint64
	seen := make(map[string]uint)
	for _, p := range proofs {
		feePpk, ok := seen[p.KeysetID]
		if !ok {
			ks, found, err := keyset.GetKeyset(ctx, mintURL, p.KeysetID)
			if err != nil {
				return 0, err
			}
			if !found {
				return 0, cashu.New(cashu.KindMintProtocol, "unknown keyset %s for fee computation", p.KeysetID)
			}
			feePpk = ks.InputFeePpk
			seen[p.KeysetID] = feePpk
		}
		totalPpk += uint64(feePpk)
	}
	return (totalPpk + 999) / 1000, nil
}
