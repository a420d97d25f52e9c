package melt

import (
	"context"

	"github.com/0ceanSlim/nutengine/cashu"
	"github.com/0ceanSlim/nutengine/crypto"
	"github.com/0ceanSlim/nutengine/opstore"
)

// Execute loads the reserved inputs, optionally pre-swaps them,
// submits the melt, and interprets the mint's response. The caller
// (operation.Service) persists StateExecuting before calling this so a
// crash mid-call is recoverable via RecoverExecuting.
func (h *Handler) Execute(ctx context.Context, op opstore.MeltOperation) (ExecuteResult, error) {
	prepared := op.Prepared
	inputs, err := h.loadReservedInputs(ctx, op.MintURL, op.ID, prepared.InputProofSecrets)
	if err != nil {
		return ExecuteResult{}, err
	}

	meltInputs := inputs
	if prepared.NeedsSwap {
		swapped, err := h.runSwap(ctx, op.MintURL, op.ID, *prepared, inputs)
		if err != nil {
			return ExecuteResult{}, err
		}
		meltInputs = swapped
	} else {
		if err := h.Proofs.SetState(ctx, op.MintURL, prepared.InputProofSecrets, cashu.ProofInflight); err != nil {
			return ExecuteResult{}, err
		}
	}

	derived, blankOutputs, err := h.Wallet.CreateOutputs(op.MintURL, prepared.ChangeOutputData.KeysetID, prepared.ChangeOutputData.StartCounter, prepared.ChangeOutputData.Amounts)
	if err != nil {
		return ExecuteResult{}, err
	}

	meltInputSecrets := meltInputs.Secrets()
	result, err := h.Gateway.MeltBolt11(ctx, op.MintURL, prepared.QuoteID, meltInputs, blankOutputs)
	if err != nil {
		return ExecuteResult{}, err
	}

	switch result.State {
	case "PAID":
		if err := h.Proofs.SetState(ctx, op.MintURL, meltInputSecrets, cashu.ProofSpent); err != nil {
			return ExecuteResult{}, err
		}
		changeProofs, err := h.saveChange(ctx, op, *prepared, derived, result.Change)
		if err != nil {
			return ExecuteResult{}, err
		}
		return ExecuteResult{NextState: opstore.StateFinalized, ChangeProofs: changeProofs}, nil

	case "PENDING":
		return ExecuteResult{NextState: opstore.StatePending}, nil

	case "UNPAID":
		if err := h.Proofs.RestoreToReady(ctx, op.MintURL, meltInputSecrets); err != nil {
			return ExecuteResult{}, err
		}
		return ExecuteResult{NextState: opstore.StateRolledBack, FailReason: "melt quote unpaid"}, nil

	default:
		return ExecuteResult{}, cashu.New(cashu.KindMintProtocol, "unexpected melt state %q from %s", result.State, op.MintURL)
	}
}

// loadReservedInputs fetches the proofs this operation reserved and
// fails fatally if any expected secret is missing, before any state is
// mutated.
func (h *Handler) loadReservedInputs(ctx context.Context, mintURL, operationID string, secrets [][]byte) (cashu.Proofs, error) {
	all, err := h.Proofs.GetByOperationID(ctx, mintURL, operationID)
	if err != nil {
		return nil, err
	}
	bySecret := make(map[string]cashu.Proof, len(all))
	for _, p := range all {
		if p.UsedByOperationID == operationID {
			bySecret[string(p.Secret)] = p
		}
	}
	out := make(cashu.Proofs, 0, len(secrets))
	for _, s := range secrets {
		p, ok := bySecret[string(s)]
		if !ok {
			return nil, cashu.New(cashu.KindIllegalStateTransition, "reserved input proof missing for operation %s", operationID)
		}
		out = append(out, p)
	}
	if len(out) != len(secrets) {
		return nil, cashu.New(cashu.KindIllegalStateTransition, "reserved input count %d does not match expected %d", len(out), len(secrets))
	}
	return out, nil
}

// runSwap performs the pre-melt swap: mark inputs inflight, submit the
// swap, mark inputs spent, and persist the new send (inflight, these
// become the melt inputs) and keep (ready) proofs.
func (h *Handler) runSwap(ctx context.Context, mintURL, operationID string, prepared opstore.PreparedData, inputs cashu.Proofs) (cashu.Proofs, error) {
	if err := h.Proofs.SetState(ctx, mintURL, prepared.InputProofSecrets, cashu.ProofInflight); err != nil {
		return nil, err
	}

	sendAmounts, keepAmounts, keepStart := swapSplit(prepared)
	sendDerived, sendOutputs, err := h.Wallet.CreateOutputs(mintURL, prepared.SwapOutputData.KeysetID, prepared.SwapOutputData.StartCounter, sendAmounts)
	if err != nil {
		return nil, err
	}
	keepDerived, keepOutputs, err := h.Wallet.CreateOutputs(mintURL, prepared.SwapOutputData.KeysetID, keepStart, keepAmounts)
	if err != nil {
		return nil, err
	}

	allOutputs := append(append(cashu.BlindedMessages{}, sendOutputs...), keepOutputs...)
	sigs, err := h.Gateway.Swap(ctx, mintURL, inputs, allOutputs)
	if err != nil {
		return nil, err
	}
	if len(sigs) != len(allOutputs) {
		return nil, cashu.New(cashu.KindMintProtocol, "swap returned %d signatures for %d outputs", len(sigs), len(allOutputs))
	}

	if err := h.Proofs.SetState(ctx, mintURL, prepared.InputProofSecrets, cashu.ProofSpent); err != nil {
		return nil, err
	}

	keyset, found, err := h.Keysets.GetKeyset(ctx, mintURL, prepared.SwapOutputData.KeysetID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, cashu.New(cashu.KindMintProtocol, "unknown keyset %s for swap unblind", prepared.SwapOutputData.KeysetID)
	}

	sendSigs, keepSigs := sigs[:len(sendOutputs)], sigs[len(sendOutputs):]

	sendProofs, err := h.Wallet.ConstructProofs(sendSigs, sendDerived, keyset, mintURL)
	if err != nil {
		return nil, err
	}
	keepProofs, err := h.Wallet.ConstructProofs(keepSigs, keepDerived, keyset, mintURL)
	if err != nil {
		return nil, err
	}
	for i := range sendProofs {
		sendProofs[i].State = cashu.ProofInflight
		sendProofs[i].CreatedByOperationID = operationID
	}
	for i := range keepProofs {
		keepProofs[i].CreatedByOperationID = operationID
	}

	toSave := append(append(cashu.Proofs{}, sendProofs...), keepProofs...)
	if err := h.Proofs.SaveProofs(ctx, mintURL, toSave); err != nil {
		return nil, err
	}
	return sendProofs, nil
}

// swapSplit recomputes the send/keep denomination split and keep
// counter start deterministically from PreparedData, per prepare.go's
// comment: SwapOutputData only persists the send side; the keep side
// (and its counter range) is always swapStart+len(sendAmounts) onward.
func swapSplit(prepared opstore.PreparedData) (sendAmounts, keepAmounts []uint64, keepStart uint64) {
	sendAmount := prepared.Amount + prepared.FeeReserve
	keepAmount := prepared.InputAmount - sendAmount - prepared.SwapFee
	sendAmounts = binaryDecompose(sendAmount)
	keepAmounts = binaryDecompose(keepAmount)
	keepStart = prepared.SwapOutputData.StartCounter + uint64(len(sendAmounts))
	return sendAmounts, keepAmounts, keepStart
}

// saveChange unblinds the mint's returned change signatures against the
// change output data prepared earlier and persists the resulting
// proofs, each bearing CreatedByOperationID so later queries (and melt
// recovery) can find them. Empty change is not an error (no change was
// owed), nor is receiving fewer signatures than blank outputs; receiving
// more signatures than blank outputs is a MintProtocol error.
func (h *Handler) saveChange(ctx context.Context, op opstore.MeltOperation, prepared opstore.PreparedData, derived []crypto.DerivedOutput, change cashu.BlindedSignatures) (cashu.Proofs, error) {
	if len(change) == 0 {
		return nil, nil
	}
	if len(change) > len(derived) {
		return nil, cashu.New(cashu.KindMintProtocol, "mint returned %d change signatures for %d blank outputs", len(change), len(derived))
	}
	keyset, found, err := h.Keysets.GetKeyset(ctx, op.MintURL, prepared.ChangeOutputData.KeysetID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, cashu.New(cashu.KindMintProtocol, "unknown keyset %s for change unblind", prepared.ChangeOutputData.KeysetID)
	}

	// The mint returns change signatures matched positionally to a
	// prefix of the blank outputs it received (it may sign fewer than
	// were offered); unblind against that same prefix.
	used := derived[:len(change)]
	changeProofs, err := h.Wallet.ConstructProofs(change, used, keyset, op.MintURL)
	if err != nil {
		return nil, err
	}
	for i := range changeProofs {
		changeProofs[i].CreatedByOperationID = op.ID
	}
	if err := h.Proofs.SaveProofs(ctx, op.MintURL, changeProofs); err != nil {
		return nil, err
	}
	return changeProofs, nil
}
