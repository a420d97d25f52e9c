// Package gateway implements the rate-limited request surface the rest
// of the engine uses to talk to a mint. Every
// other component that needs to reach a mint — MeltHandler, the polling
// transport, the operation service's recovery loop — goes through this
// interface rather than holding its own *http.Client.
package gateway

import (
	"context"

	"github.com/0ceanSlim/nutengine/cashu"
	"github.com/0ceanSlim/nutengine/crypto"
)

// Info is the mint's GET /v1/info response, trimmed to what callers need.
type Info struct {
	Name        string
	Pubkey      string
	Version     string
	Description string
	Nuts        map[string]any
}

// KeysetInfo is one entry of GET /v1/keysets, before the full key set for
// that id has been fetched via GetKeys.
type KeysetInfo struct {
	ID          string
	Unit        string
	Active      bool
	InputFeePpk uint
}

// MintQuote mirrors the mint-quote lifecycle: UNPAID | PAID | ISSUED.
type MintQuote struct {
	ID             string
	PaymentRequest string
	Amount         uint64
	State          string
	Expiry         int64
}

// MeltQuote mirrors the melt-quote lifecycle: UNPAID | PENDING | PAID.
type MeltQuote struct {
	ID              string
	Amount          uint64
	FeeReserve      uint64
	State           string
	Expiry          int64
	PaymentPreimage string
	Change          cashu.BlindedSignatures
}

// MeltResult is the outcome of submitting POST /v1/melt/bolt11.
type MeltResult struct {
	State           string
	PaymentPreimage string
	Change          cashu.BlindedSignatures
}

// ProofStateResult is one entry of a POST /v1/checkstate response.
type ProofStateResult struct {
	Y     []byte
	State cashu.ProofMintState
}

// maxProofStateBatch is the mint-side cap on Y-values per checkstate
// call; CheckProofStates batches accordingly.
const maxProofStateBatch = 100

// Gateway is the MintGateway contract. Every method is keyed by mintURL
// so one Gateway instance serves every trusted mint, each behind its own
// rate limiter.
type Gateway interface {
	GetInfo(ctx context.Context, mintURL string) (Info, error)
	GetKeysets(ctx context.Context, mintURL string) ([]KeysetInfo, error)
	GetKeys(ctx context.Context, mintURL, keysetID string) (crypto.Keyset, error)

	CreateMintQuote(ctx context.Context, mintURL string, amount uint64, unit string) (MintQuote, error)
	CheckMintQuote(ctx context.Context, mintURL, quoteID string) (MintQuote, error)

	CreateMeltQuote(ctx context.Context, mintURL, invoice, unit string) (MeltQuote, error)
	CheckMeltQuote(ctx context.Context, mintURL, quoteID string) (MeltQuote, error)

	CheckProofStates(ctx context.Context, mintURL string, ys [][]byte) ([]ProofStateResult, error)

	MeltBolt11(ctx context.Context, mintURL, quoteID string, inputs cashu.Proofs, outputs cashu.BlindedMessages) (MeltResult, error)

	// Swap exchanges inputs for new signatures over outputs (NUT-03).
	// The melt saga uses this for its pre-melt swap; recovery re-submits
	// the same outputs with no inputs to re-obtain signatures.
	Swap(ctx context.Context, mintURL string, inputs cashu.Proofs, outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error)
}
