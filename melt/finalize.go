package melt

import (
	"context"

	"github.com/0ceanSlim/nutengine/cashu"
	"github.com/0ceanSlim/nutengine/opstore"
)

// FinalizeResult is the outcome of Finalize: the change proofs saved,
// if any.
type FinalizeResult struct {
	ChangeProofs cashu.Proofs
}

// Finalize is called on a pending operation once CheckPending (or a
// realtime notification) reports the melt quote as PAID: mark the melt
// inputs spent and save any change.
func (h *Handler) Finalize(ctx context.Context, op opstore.MeltOperation) (FinalizeResult, error) {
	quote, err := h.Gateway.CheckMeltQuote(ctx, op.MintURL, op.Prepared.QuoteID)
	if err != nil {
		return FinalizeResult{}, err
	}
	if quote.State != "PAID" {
		return FinalizeResult{}, cashu.New(cashu.KindIllegalStateTransition, "quote %s is %s, not PAID", quote.ID, quote.State)
	}

	secrets, err := h.meltInputSecrets(op.MintURL, *op.Prepared)
	if err != nil {
		return FinalizeResult{}, err
	}
	if err := h.Proofs.SetState(ctx, op.MintURL, secrets, cashu.ProofSpent); err != nil {
		return FinalizeResult{}, err
	}

	if len(quote.Change) == 0 {
		return FinalizeResult{}, nil
	}

	derived, _, err := h.Wallet.CreateOutputs(op.MintURL, op.Prepared.ChangeOutputData.KeysetID, op.Prepared.ChangeOutputData.StartCounter, op.Prepared.ChangeOutputData.Amounts)
	if err != nil {
		return FinalizeResult{}, err
	}
	changeProofs, err := h.saveChange(ctx, op, *op.Prepared, derived, quote.Change)
	if err != nil {
		return FinalizeResult{}, err
	}
	return FinalizeResult{ChangeProofs: changeProofs}, nil
}
