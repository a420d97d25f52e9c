package melt

import (
	"context"

	"github.com/0ceanSlim/nutengine/cashu"
	"github.com/0ceanSlim/nutengine/opstore"
)

// PendingOutcome is the result of one CheckPending poll.
type PendingOutcome int

const (
	OutcomeStayPending PendingOutcome = iota
	OutcomeFinalize
	OutcomeRollback
)

// CheckPending is a single mint call mapping the melt quote's state to
// the next saga action. Any state other than UNPAID/PENDING/PAID is
// fatal (MintProtocol).
func (h *Handler) CheckPending(ctx context.Context, op opstore.MeltOperation) (PendingOutcome, error) {
	quote, err := h.Gateway.CheckMeltQuote(ctx, op.MintURL, op.Prepared.QuoteID)
	if err != nil {
		return OutcomeStayPending, err
	}
	switch quote.State {
	case "PAID":
		return OutcomeFinalize, nil
	case "PENDING":
		return OutcomeStayPending, nil
	case "UNPAID":
		return OutcomeRollback, nil
	default:
		return OutcomeStayPending, cashu.New(cashu.KindMintProtocol, "unexpected melt quote state %q from %s", quote.State, op.MintURL)
	}
}
