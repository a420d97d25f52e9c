package melt

import (
	"context"

	"github.com/0ceanSlim/nutengine/cashu"
	"github.com/0ceanSlim/nutengine/opstore"
)

// Prepare obtains a melt quote, selects and reserves input proofs,
// decides whether to pre-swap, and builds the blank/swap output data.
// The caller is responsible for releasing any reservation this call
// made before surfacing an error.
func (h *Handler) Prepare(ctx context.Context, req PrepareRequest) (PrepareResult, error) {
	quote, err := h.Gateway.CreateMeltQuote(ctx, req.MintURL, req.Invoice, h.Unit)
	if err != nil {
		return PrepareResult{}, err
	}

	required := quote.Amount + quote.FeeReserve
	selected, err := h.Proofs.SelectForSend(ctx, req.MintURL, required, h.Unit, req.AllowSmallDenoms)
	if err != nil {
		return PrepareResult{}, err
	}
	selectedAmount := selected.Total()

	if err := h.Proofs.Reserve(ctx, req.MintURL, selected.Secrets(), req.OperationID); err != nil {
		return PrepareResult{}, err
	}

	needsSwap := selectedAmount >= uint64(float64(required)*SwapThresholdRatio)

	prepared := opstore.PreparedData{
		QuoteID:           quote.ID,
		Amount:            quote.Amount,
		FeeReserve:        quote.FeeReserve,
		NeedsSwap:         needsSwap,
		InputAmount:       selectedAmount,
		InputProofSecrets: selected.Secrets(),
	}

	// Blank outputs: the mint uses these to return unspent lightning fee
	// as change, sized to the largest possible change (selectedAmount -
	// amount) in binary-decomposable denominations so a single output set
	// covers any actual change up to that bound.
	blankAmounts := binaryDecompose(selectedAmount - quote.Amount)
	keysetID, err := h.activeKeysetID(ctx, req.MintURL)
	if err != nil {
		h.releaseOnFailure(ctx, req.MintURL, selected.Secrets())
		return PrepareResult{}, err
	}
	startCounter, err := h.Counters.Reserve(ctx, req.MintURL, keysetID, uint64(len(blankAmounts)))
	if err != nil {
		h.releaseOnFailure(ctx, req.MintURL, selected.Secrets())
		return PrepareResult{}, err
	}
	prepared.ChangeOutputData = cashu.OutputData{
		MintURL:      req.MintURL,
		KeysetID:     keysetID,
		StartCounter: startCounter,
		Amounts:      blankAmounts,
	}

	if needsSwap {
		fee, err := swapFee(ctx, selected, h.Keysets, req.MintURL)
		if err != nil {
			h.releaseOnFailure(ctx, req.MintURL, selected.Secrets())
			return PrepareResult{}, err
		}
		prepared.SwapFee = fee

		sendAmount := required
		keepAmount := selectedAmount - sendAmount - fee

		sendAmounts := binaryDecompose(sendAmount)
		keepAmounts := binaryDecompose(keepAmount)
		total := uint64(len(sendAmounts) + len(keepAmounts))

		swapStart, err := h.Counters.Reserve(ctx, req.MintURL, keysetID, total)
		if err != nil {
			h.releaseOnFailure(ctx, req.MintURL, selected.Secrets())
			return PrepareResult{}, err
		}

		sendData := cashu.OutputData{
			MintURL:      req.MintURL,
			KeysetID:     keysetID,
			StartCounter: swapStart,
			Amounts:      sendAmounts,
		}
		prepared.SwapOutputData = &sendData
		// keepAmounts are derived at swapStart+len(sendAmounts) onward;
		// Execute recomputes this same split deterministically from
		// SwapOutputData and InputAmount, so it is not persisted
		// separately.
	}

	return PrepareResult{Prepared: prepared, Quote: quote}, nil
}

func (h *Handler) releaseOnFailure(ctx context.Context, mintURL string, secrets [][]byte) {
	_ = h.Proofs.Release(ctx, mintURL, secrets)
}

// activeKeysetID picks the mint's active keyset for the configured unit,
// fetching fresh keyset info when the cache is empty.
func (h *Handler) activeKeysetID(ctx context.Context, mintURL string) (string, error) {
	keysets, err := h.Keysets.ListKeysets(ctx, mintURL)
	if err != nil {
		return "", err
	}
	if len(keysets) == 0 {
		infos, err := h.Gateway.GetKeysets(ctx, mintURL)
		if err != nil {
			return "", err
		}
		for _, info := range infos {
			if info.Active && info.Unit == h.Unit {
				ks, err := h.Gateway.GetKeys(ctx, mintURL, info.ID)
				if err == nil {
					ks.InputFeePpk = info.InputFeePpk
					err = h.Keysets.SaveKeyset(ctx, ks)
				}
				return ks.ID, err
			}
		}
		return "", cashu.New(cashu.KindMintProtocol, "no active %s keyset at mint %s", h.Unit, mintURL)
	}
	for _, ks := range keysets {
		if ks.Unit == h.Unit {
			return ks.ID, nil
		}
	}
	return keysets[0].ID, nil
}

// binaryDecompose splits an amount into power-of-two denominations, the
// standard ecash amount representation every NUT wire format uses.
func binaryDecompose(amount uint64) []uint64 {
	if amount == 0 {
		return nil
	}
	var out []uint64
	for bit := uint64(1); amount > 0; bit <<= 1 {
		if amount&1 == 1 {
			out = append(out, bit)
		}
		amount >>= 1
	}
	return out
}
