package melt

import (
	"context"

	"github.com/0ceanSlim/nutengine/cashu"
	"github.com/0ceanSlim/nutengine/opstore"
)

// RecoverResult is the outcome of RecoverExecuting: the terminal state
// the operation is driven to, plus a human-readable reason for the
// rolled-back cases ("swap happened but melt failed", "recovered from
// mint").
type RecoverResult struct {
	NextState    opstore.MeltState
	Reason       string
	ChangeProofs cashu.Proofs
}

// RecoverExecuting is the crash-recovery path, invoked at startup for
// any operation found in opstore.StateExecuting.
// It is the hardest path in the saga: Execute may have crashed at any
// point between submitting the melt and persisting its result, and
// UNPAID additionally requires determining whether a pre-melt swap
// actually reached the mint before the crash.
func (h *Handler) RecoverExecuting(ctx context.Context, op opstore.MeltOperation) (RecoverResult, error) {
	prepared := *op.Prepared
	quote, err := h.Gateway.CheckMeltQuote(ctx, op.MintURL, prepared.QuoteID)
	if err != nil {
		return RecoverResult{}, err
	}

	switch quote.State {
	case "PAID":
		fin, err := h.Finalize(ctx, op)
		if err != nil {
			return RecoverResult{}, err
		}
		return RecoverResult{NextState: opstore.StateFinalized, ChangeProofs: fin.ChangeProofs}, nil

	case "PENDING":
		return RecoverResult{NextState: opstore.StatePending}, nil

	case "UNPAID":
		return h.recoverUnpaid(ctx, op, prepared)

	default:
		return RecoverResult{}, cashu.New(cashu.KindMintProtocol, "unexpected melt quote state %q from %s during recovery", quote.State, op.MintURL)
	}
}

func (h *Handler) recoverUnpaid(ctx context.Context, op opstore.MeltOperation, prepared opstore.PreparedData) (RecoverResult, error) {
	if !prepared.NeedsSwap {
		if err := h.Proofs.RestoreToReady(ctx, op.MintURL, prepared.InputProofSecrets); err != nil {
			return RecoverResult{}, err
		}
		return RecoverResult{NextState: opstore.StateRolledBack, Reason: "melt quote unpaid"}, nil
	}

	ys, err := ysFor(h.Wallet, prepared.InputProofSecrets)
	if err != nil {
		return RecoverResult{}, err
	}
	states, err := h.Gateway.CheckProofStates(ctx, op.MintURL, ys)
	if err != nil {
		return RecoverResult{}, err
	}
	swapHappened := false
	for _, s := range states {
		if s.State == cashu.MintStateSpent {
			swapHappened = true
			break
		}
	}

	if !swapHappened {
		if err := h.Proofs.RestoreToReady(ctx, op.MintURL, prepared.InputProofSecrets); err != nil {
			return RecoverResult{}, err
		}
		return RecoverResult{NextState: opstore.StateRolledBack, Reason: "melt quote unpaid"}, nil
	}

	sendSecrets, err := h.meltInputSecrets(op.MintURL, prepared)
	if err != nil {
		return RecoverResult{}, err
	}

	local, err := h.Proofs.GetByOperationID(ctx, op.MintURL, op.ID)
	if err != nil {
		return RecoverResult{}, err
	}
	if haveAllSecrets(local, sendSecrets) {
		if err := h.Proofs.RestoreToReady(ctx, op.MintURL, sendSecrets); err != nil {
			return RecoverResult{}, err
		}
		return RecoverResult{NextState: opstore.StateRolledBack, Reason: "swap happened but melt failed"}, nil
	}

	// Crash fell between the swap and saving its result locally. The
	// mint's blinded-message signing is deterministic for a given
	// (keyset, counter) pair, so re-submitting the same send outputs
	// recovers the same signatures it issued the first time.
	sendAmounts, _, _ := swapSplit(prepared)
	derived, outputs, err := h.Wallet.CreateOutputs(op.MintURL, prepared.SwapOutputData.KeysetID, prepared.SwapOutputData.StartCounter, sendAmounts)
	if err != nil {
		return RecoverResult{}, err
	}
	sigs, err := h.Gateway.Swap(ctx, op.MintURL, nil, outputs)
	if err != nil {
		return RecoverResult{}, err
	}
	keyset, found, err := h.Keysets.GetKeyset(ctx, op.MintURL, prepared.SwapOutputData.KeysetID)
	if err != nil {
		return RecoverResult{}, err
	}
	if !found {
		return RecoverResult{}, cashu.New(cashu.KindMintProtocol, "unknown keyset %s recovering swap", prepared.SwapOutputData.KeysetID)
	}
	recovered, err := h.Wallet.ConstructProofs(sigs, derived, keyset, op.MintURL)
	if err != nil {
		return RecoverResult{}, err
	}
	for i := range recovered {
		recovered[i].CreatedByOperationID = op.ID
	}
	if err := h.Proofs.SaveProofs(ctx, op.MintURL, recovered); err != nil {
		return RecoverResult{}, err
	}
	// Best-effort: the mint already considers these spent; a failure
	// here doesn't change the mint's ledger, only local bookkeeping.
	_ = h.Proofs.SetState(ctx, op.MintURL, prepared.InputProofSecrets, cashu.ProofSpent)

	return RecoverResult{NextState: opstore.StateRolledBack, Reason: "recovered from mint"}, nil
}

func haveAllSecrets(proofs cashu.Proofs, secrets [][]byte) bool {
	if len(proofs) == 0 {
		return false
	}
	have := make(map[string]struct{}, len(proofs))
	for _, p := range proofs {
		have[string(p.Secret)] = struct{}{}
	}
	for _, s := range secrets {
		if _, ok := have[string(s)]; !ok {
			return false
		}
	}
	return true
}
