package gateway

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/time/rate"

	"github.com/0ceanSlim/nutengine/cashu"
	"github.com/0ceanSlim/nutengine/crypto"
)

// HTTPGateway is the concrete Gateway: one *http.Client shared across
// mints, one rate.Limiter per mint URL created lazily on first use and
// held for the gateway's lifetime.
type HTTPGateway struct {
	client *http.Client
	log    *slog.Logger

	rateLimit rate.Limit
	burst     int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Option configures an HTTPGateway at construction.
type Option func(*HTTPGateway)

// WithRateLimit overrides the per-mint rate limit (requests/sec) and burst.
func WithRateLimit(requestsPerSecond float64, burst int) Option {
	return func(g *HTTPGateway) {
		g.rateLimit = rate.Limit(requestsPerSecond)
		g.burst = burst
	}
}

// WithHTTPClient overrides the underlying *http.Client, e.g. for tests.
func WithHTTPClient(client *http.Client) Option {
	return func(g *HTTPGateway) { g.client = client }
}

func NewHTTPGateway(log *slog.Logger, opts ...Option) *HTTPGateway {
	g := &HTTPGateway{
		client:    &http.Client{Timeout: 30 * time.Second},
		log:       log,
		rateLimit: rate.Limit(5),
		burst:     10,
		limiters:  make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *HTTPGateway) limiterFor(mintURL string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[mintURL]
	if !ok {
		l = rate.NewLimiter(g.rateLimit, g.burst)
		g.limiters[mintURL] = l
	}
	return l
}

// do performs one rate-limited HTTP round trip and decodes a JSON
// response into out (out may be nil for empty-body responses).
func (g *HTTPGateway) do(ctx context.Context, mintURL, method, path string, body any, out any) error {
	if err := g.limiterFor(mintURL).Wait(ctx); err != nil {
		return cashu.Wrap(cashu.KindTransport, err, "rate limiter wait for %s", mintURL)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return cashu.Wrap(cashu.KindProofValidation, err, "encoding request body")
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, mintURL+path, reqBody)
	if err != nil {
		return cashu.Wrap(cashu.KindTransport, err, "building request to %s%s", mintURL, path)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	g.log.Debug("mint request", slog.Group("gateway", "mint", mintURL, "method", method, "path", path))

	resp, err := g.client.Do(req)
	if err != nil {
		return cashu.Wrap(cashu.KindTransport, err, "calling %s%s", mintURL, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return cashu.Wrap(cashu.KindTransport, err, "reading response from %s%s", mintURL, path)
	}

	if resp.StatusCode >= 300 {
		g.log.Warn("mint error response", slog.Group("gateway", "mint", mintURL, "path", path, "status", resp.StatusCode))
		return cashu.New(cashu.KindMintProtocol, "%s%s: HTTP %d: %s", mintURL, path, resp.StatusCode, string(data))
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return cashu.Wrap(cashu.KindMintProtocol, err, "decoding response from %s%s", mintURL, path)
	}
	return nil
}

func (g *HTTPGateway) GetInfo(ctx context.Context, mintURL string) (Info, error) {
	var resp struct {
		Name        string         `json:"name"`
		Pubkey      string         `json:"pubkey"`
		Version     string         `json:"version"`
		Description string         `json:"description"`
		Nuts        map[string]any `json:"nuts"`
	}
	if err := g.do(ctx, mintURL, http.MethodGet, "/v1/info", nil, &resp); err != nil {
		return Info{}, err
	}
	return Info{Name: resp.Name, Pubkey: resp.Pubkey, Version: resp.Version, Description: resp.Description, Nuts: resp.Nuts}, nil
}

func (g *HTTPGateway) GetKeysets(ctx context.Context, mintURL string) ([]KeysetInfo, error) {
	var resp struct {
		Keysets []struct {
			ID          string `json:"id"`
			Unit        string `json:"unit"`
			Active      bool   `json:"active"`
			InputFeePpk uint   `json:"input_fee_ppk"`
		} `json:"keysets"`
	}
	if err := g.do(ctx, mintURL, http.MethodGet, "/v1/keysets", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]KeysetInfo, len(resp.Keysets))
	for i, k := range resp.Keysets {
		out[i] = KeysetInfo{ID: k.ID, Unit: k.Unit, Active: k.Active, InputFeePpk: k.InputFeePpk}
	}
	return out, nil
}

func (g *HTTPGateway) GetKeys(ctx context.Context, mintURL, keysetID string) (crypto.Keyset, error) {
	var resp struct {
		Keysets []struct {
			ID          string            `json:"id"`
			Unit        string            `json:"unit"`
			InputFeePpk uint              `json:"input_fee_ppk"`
			Keys        map[string]string `json:"keys"`
		} `json:"keysets"`
	}
	if err := g.do(ctx, mintURL, http.MethodGet, "/v1/keys/"+keysetID, nil, &resp); err != nil {
		return crypto.Keyset{}, err
	}
	if len(resp.Keysets) == 0 {
		return crypto.Keyset{}, cashu.New(cashu.KindMintProtocol, "no keyset %s returned by %s", keysetID, mintURL)
	}
	entry := resp.Keysets[0]
	keyset := crypto.Keyset{MintURL: mintURL, ID: entry.ID, Unit: entry.Unit, InputFeePpk: entry.InputFeePpk, Keys: map[uint64]*secp256k1.PublicKey{}}
	for amountStr, hexKey := range entry.Keys {
		var amount uint64
		if _, err := fmt.Sscanf(amountStr, "%d", &amount); err != nil {
			return crypto.Keyset{}, cashu.Wrap(cashu.KindMintProtocol, err, "bad keyset amount %q from %s", amountStr, mintURL)
		}
		pk, err := crypto.ParsePublicKey(hexKey)
		if err != nil {
			return crypto.Keyset{}, cashu.Wrap(cashu.KindMintProtocol, err, "bad keyset key for amount %s from %s", amountStr, mintURL)
		}
		keyset.Keys[amount] = pk
	}
	return keyset, nil
}

func (g *HTTPGateway) CreateMintQuote(ctx context.Context, mintURL string, amount uint64, unit string) (MintQuote, error) {
	reqBody := map[string]any{"amount": amount, "unit": unit}
	var resp struct {
		Quote   string `json:"quote"`
		Request string `json:"request"`
		Amount  uint64 `json:"amount"`
		State   string `json:"state"`
		Expiry  int64  `json:"expiry"`
	}
	if err := g.do(ctx, mintURL, http.MethodPost, "/v1/mint/quote/bolt11", reqBody, &resp); err != nil {
		return MintQuote{}, err
	}
	if resp.Amount == 0 {
		resp.Amount = amount
	}
	return MintQuote{ID: resp.Quote, PaymentRequest: resp.Request, Amount: resp.Amount, State: resp.State, Expiry: resp.Expiry}, nil
}

func (g *HTTPGateway) CheckMintQuote(ctx context.Context, mintURL, quoteID string) (MintQuote, error) {
	var resp struct {
		Quote   string `json:"quote"`
		Request string `json:"request"`
		Amount  uint64 `json:"amount"`
		State   string `json:"state"`
		Expiry  int64  `json:"expiry"`
	}
	if err := g.do(ctx, mintURL, http.MethodGet, "/v1/mint/quote/bolt11/"+quoteID, nil, &resp); err != nil {
		return MintQuote{}, err
	}
	return MintQuote{ID: resp.Quote, PaymentRequest: resp.Request, Amount: resp.Amount, State: resp.State, Expiry: resp.Expiry}, nil
}

func (g *HTTPGateway) CreateMeltQuote(ctx context.Context, mintURL, invoice, unit string) (MeltQuote, error) {
	if _, err := decodeInvoice(invoice); err != nil {
		return MeltQuote{}, cashu.Wrap(cashu.KindProofValidation, err, "invalid bolt11 invoice")
	}

	reqBody := map[string]any{"request": invoice, "unit": unit}
	var resp struct {
		Quote           string                 `json:"quote"`
		Amount          uint64                 `json:"amount"`
		FeeReserve      uint64                 `json:"fee_reserve"`
		State           string                 `json:"state"`
		Expiry          int64                  `json:"expiry"`
		PaymentPreimage string                 `json:"payment_preimage,omitempty"`
		Change          []wireBlindedSignature `json:"change,omitempty"`
	}
	if err := g.do(ctx, mintURL, http.MethodPost, "/v1/melt/quote/bolt11", reqBody, &resp); err != nil {
		return MeltQuote{}, err
	}
	change, err := fromWireSignatures(resp.Change)
	if err != nil {
		return MeltQuote{}, err
	}
	return MeltQuote{ID: resp.Quote, Amount: resp.Amount, FeeReserve: resp.FeeReserve, State: resp.State, Expiry: resp.Expiry, PaymentPreimage: resp.PaymentPreimage, Change: change}, nil
}

func (g *HTTPGateway) CheckMeltQuote(ctx context.Context, mintURL, quoteID string) (MeltQuote, error) {
	var resp struct {
		Quote           string                 `json:"quote"`
		Amount          uint64                 `json:"amount"`
		FeeReserve      uint64                 `json:"fee_reserve"`
		State           string                 `json:"state"`
		Expiry          int64                  `json:"expiry"`
		PaymentPreimage string                 `json:"payment_preimage,omitempty"`
		Change          []wireBlindedSignature `json:"change,omitempty"`
	}
	if err := g.do(ctx, mintURL, http.MethodGet, "/v1/melt/quote/bolt11/"+quoteID, nil, &resp); err != nil {
		return MeltQuote{}, err
	}
	change, err := fromWireSignatures(resp.Change)
	if err != nil {
		return MeltQuote{}, err
	}
	return MeltQuote{ID: resp.Quote, Amount: resp.Amount, FeeReserve: resp.FeeReserve, State: resp.State, Expiry: resp.Expiry, PaymentPreimage: resp.PaymentPreimage, Change: change}, nil
}

func (g *HTTPGateway) CheckProofStates(ctx context.Context, mintURL string, ys [][]byte) ([]ProofStateResult, error) {
	var out []ProofStateResult
	for start := 0; start < len(ys); start += maxProofStateBatch {
		end := start + maxProofStateBatch
		if end > len(ys) {
			end = len(ys)
		}
		batch := ys[start:end]

		hexYs := make([]string, len(batch))
		for i, y := range batch {
			hexYs[i] = hex.EncodeToString(y)
		}
		reqBody := map[string]any{"Ys": hexYs}
		var resp struct {
			States []struct {
				Y     string `json:"Y"`
				State string `json:"state"`
			} `json:"states"`
		}
		if err := g.do(ctx, mintURL, http.MethodPost, "/v1/checkstate", reqBody, &resp); err != nil {
			return nil, err
		}
		for _, s := range resp.States {
			yBytes, err := hex.DecodeString(s.Y)
			if err != nil {
				return nil, cashu.Wrap(cashu.KindMintProtocol, err, "decoding checkstate Y from %s", mintURL)
			}
			out = append(out, ProofStateResult{Y: yBytes, State: parseMintState(s.State)})
		}
	}
	return out, nil
}

func parseMintState(s string) cashu.ProofMintState {
	switch s {
	case "PENDING":
		return cashu.MintStatePending
	case "SPENT":
		return cashu.MintStateSpent
	default:
		return cashu.MintStateUnspent
	}
}

func (g *HTTPGateway) MeltBolt11(ctx context.Context, mintURL, quoteID string, inputs cashu.Proofs, outputs cashu.BlindedMessages) (MeltResult, error) {
	reqBody := map[string]any{
		"quote":   quoteID,
		"inputs":  toWireProofs(inputs),
		"outputs": toWireOutputs(outputs),
	}
	var resp struct {
		State           string                 `json:"state"`
		PaymentPreimage string                 `json:"payment_preimage,omitempty"`
		Change          []wireBlindedSignature `json:"change,omitempty"`
	}
	if err := g.do(ctx, mintURL, http.MethodPost, "/v1/melt/bolt11", reqBody, &resp); err != nil {
		return MeltResult{}, err
	}
	change, err := fromWireSignatures(resp.Change)
	if err != nil {
		return MeltResult{}, err
	}
	return MeltResult{State: resp.State, PaymentPreimage: resp.PaymentPreimage, Change: change}, nil
}

func (g *HTTPGateway) Swap(ctx context.Context, mintURL string, inputs cashu.Proofs, outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	reqBody := map[string]any{
		"inputs":  toWireProofs(inputs),
		"outputs": toWireOutputs(outputs),
	}
	var resp struct {
		Signatures []wireBlindedSignature `json:"signatures"`
	}
	if err := g.do(ctx, mintURL, http.MethodPost, "/v1/swap", reqBody, &resp); err != nil {
		return nil, err
	}
	return fromWireSignatures(resp.Signatures)
}

var _ Gateway = (*HTTPGateway)(nil)
