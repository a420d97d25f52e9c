package melt

import (
	"context"

	"github.com/0ceanSlim/nutengine/opstore"
)

// meltInputSecrets returns the secrets of the proofs actually submitted
// to the mint as melt inputs: the original input proofs when no swap
// ran, or the deterministic swap-send secrets otherwise. Both Rollback
// and RecoverExecuting need this same derivation.
func (h *Handler) meltInputSecrets(mintURL string, prepared opstore.PreparedData) ([][]byte, error) {
	if !prepared.NeedsSwap {
		return prepared.InputProofSecrets, nil
	}
	sendAmounts, _, _ := swapSplit(prepared)
	derived, _, err := h.Wallet.CreateOutputs(mintURL, prepared.SwapOutputData.KeysetID, prepared.SwapOutputData.StartCounter, sendAmounts)
	if err != nil {
		return nil, err
	}
	secrets := make([][]byte, len(derived))
	for i, d := range derived {
		secrets[i] = d.Secret
	}
	return secrets, nil
}

// Rollback determines the melt input secrets (original inputs, or the
// swap-send proofs) and restores them to ready. Valid from pending
// (via rolling_back) or directly after an execute-path failure.
func (h *Handler) Rollback(ctx context.Context, op opstore.MeltOperation) error {
	secrets, err := h.meltInputSecrets(op.MintURL, *op.Prepared)
	if err != nil {
		return err
	}
	return h.Proofs.RestoreToReady(ctx, op.MintURL, secrets)
}
