package gateway_test

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/0ceanSlim/nutengine/cashu"
	"github.com/0ceanSlim/nutengine/gateway"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestCheckProofStatesBatches(t *testing.T) {
	var mu sync.Mutex
	var calls int
	var batchSizes []int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/checkstate" {
			http.NotFound(w, r)
			return
		}
		var body struct {
			Ys []string `json:"Ys"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		calls++
		batchSizes = append(batchSizes, len(body.Ys))
		mu.Unlock()

		states := make([]map[string]string, len(body.Ys))
		for i, y := range body.Ys {
			states[i] = map[string]string{"Y": y, "state": "UNSPENT"}
		}
		json.NewEncoder(w).Encode(map[string]any{"states": states})
	}))
	defer srv.Close()

	g := gateway.NewHTTPGateway(discard(), gateway.WithRateLimit(1000, 1000))

	ys := make([][]byte, 150)
	for i := range ys {
		ys[i] = []byte{0x02, byte(i), byte(i >> 8)}
	}
	results, err := g.CheckProofStates(context.Background(), srv.URL, ys)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 150 {
		t.Fatalf("got %d results, want 150", len(results))
	}
	if calls != 2 || batchSizes[0] != 100 || batchSizes[1] != 50 {
		t.Fatalf("calls=%d batches=%v, want 2 calls of 100+50", calls, batchSizes)
	}
	if results[0].State != cashu.MintStateUnspent {
		t.Fatalf("state = %s, want UNSPENT", results[0].State)
	}
	if hex.EncodeToString(results[0].Y) != hex.EncodeToString(ys[0]) {
		t.Fatal("Y round trip mismatch")
	}
}

func TestMeltBolt11WireShape(t *testing.T) {
	var gotBody map[string]json.RawMessage

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/melt/bolt11" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"state": "PAID", "payment_preimage": "abcd"})
	}))
	defer srv.Close()

	g := gateway.NewHTTPGateway(discard(), gateway.WithRateLimit(1000, 1000))

	inputs := cashu.Proofs{{
		KeysetID:       "ks1",
		Amount:         64,
		Secret:         []byte("sec"),
		UnblindedPoint: []byte{0x02, 0xaa},
	}}
	result, err := g.MeltBolt11(context.Background(), srv.URL, "quote-1", inputs, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.State != "PAID" || result.PaymentPreimage != "abcd" {
		t.Fatalf("result = %+v", result)
	}

	var quote string
	if err := json.Unmarshal(gotBody["quote"], &quote); err != nil || quote != "quote-1" {
		t.Fatalf("quote field = %s", gotBody["quote"])
	}
	var wireInputs []map[string]any
	if err := json.Unmarshal(gotBody["inputs"], &wireInputs); err != nil {
		t.Fatal(err)
	}
	if len(wireInputs) != 1 || wireInputs[0]["id"] != "ks1" || wireInputs[0]["secret"] != "sec" {
		t.Fatalf("inputs = %+v", wireInputs)
	}
	if wireInputs[0]["C"] != hex.EncodeToString([]byte{0x02, 0xaa}) {
		t.Fatalf("C = %v", wireInputs[0]["C"])
	}
}

func TestMintErrorSurfacesAsMintProtocol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"quote not found","code":20005}`, http.StatusNotFound)
	}))
	defer srv.Close()

	g := gateway.NewHTTPGateway(discard(), gateway.WithRateLimit(1000, 1000))
	_, err := g.CheckMeltQuote(context.Background(), srv.URL, "nope")
	if !errors.Is(err, cashu.ErrMintProtocol) {
		t.Fatalf("err = %v, want MintProtocol", err)
	}
}

func TestGetKeysetsParsesFees(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/keysets" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"keysets": []map[string]any{
				{"id": "00abc", "unit": "sat", "active": true, "input_fee_ppk": 100},
				{"id": "00def", "unit": "sat", "active": false, "input_fee_ppk": 0},
			},
		})
	}))
	defer srv.Close()

	g := gateway.NewHTTPGateway(discard(), gateway.WithRateLimit(1000, 1000))
	keysets, err := g.GetKeysets(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if len(keysets) != 2 {
		t.Fatalf("got %d keysets", len(keysets))
	}
	if keysets[0].InputFeePpk != 100 || !keysets[0].Active {
		t.Fatalf("keyset 0 = %+v", keysets[0])
	}
}
