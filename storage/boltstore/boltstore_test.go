package boltstore_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/0ceanSlim/nutengine/cashu"
	"github.com/0ceanSlim/nutengine/opstore"
	"github.com/0ceanSlim/nutengine/storage"
	"github.com/0ceanSlim/nutengine/storage/boltstore"
)

const mintURL = "https://mint.example.com"

func openRepos(t *testing.T) *boltstore.Repos {
	t.Helper()
	repos, err := boltstore.Open(filepath.Join(t.TempDir(), "wallet.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { repos.Close() })
	return repos
}

func proof(secret string, amount uint64) cashu.Proof {
	return cashu.Proof{
		MintURL:  mintURL,
		KeysetID: "ks1",
		Amount:   amount,
		Secret:   []byte(secret),
		State:    cashu.ProofReady,
	}
}

func TestProofStoreSaveAndDuplicate(t *testing.T) {
	repos := openRepos(t)
	ctx := context.Background()

	if err := repos.ProofStore.SaveProofs(ctx, mintURL, cashu.Proofs{proof("s1", 8)}); err != nil {
		t.Fatal(err)
	}
	err := repos.ProofStore.SaveProofs(ctx, mintURL, cashu.Proofs{proof("s1", 8)})
	if !errors.Is(err, cashu.ErrDuplicateProof) {
		t.Fatalf("err = %v, want DuplicateProof", err)
	}
}

func TestProofStoreReserveExclusive(t *testing.T) {
	repos := openRepos(t)
	ctx := context.Background()
	secrets := [][]byte{[]byte("s1")}

	if err := repos.ProofStore.SaveProofs(ctx, mintURL, cashu.Proofs{proof("s1", 8)}); err != nil {
		t.Fatal(err)
	}
	if err := repos.ProofStore.Reserve(ctx, mintURL, secrets, "op-a"); err != nil {
		t.Fatal(err)
	}
	// Same operation: idempotent.
	if err := repos.ProofStore.Reserve(ctx, mintURL, secrets, "op-a"); err != nil {
		t.Fatalf("re-reserve by the same operation: %v", err)
	}
	// Different operation: refused.
	err := repos.ProofStore.Reserve(ctx, mintURL, secrets, "op-b")
	if !errors.Is(err, cashu.ErrAlreadyReserved) {
		t.Fatalf("err = %v, want AlreadyReserved", err)
	}

	if err := repos.ProofStore.Release(ctx, mintURL, secrets); err != nil {
		t.Fatal(err)
	}
	if err := repos.ProofStore.Reserve(ctx, mintURL, secrets, "op-b"); err != nil {
		t.Fatalf("reserve after release: %v", err)
	}
}

func TestProofStoreSpentIsTerminal(t *testing.T) {
	repos := openRepos(t)
	ctx := context.Background()
	secrets := [][]byte{[]byte("s1")}

	if err := repos.ProofStore.SaveProofs(ctx, mintURL, cashu.Proofs{proof("s1", 8)}); err != nil {
		t.Fatal(err)
	}
	if err := repos.ProofStore.SetState(ctx, mintURL, secrets, cashu.ProofSpent); err != nil {
		t.Fatal(err)
	}
	err := repos.ProofStore.SetState(ctx, mintURL, secrets, cashu.ProofReady)
	if !errors.Is(err, cashu.ErrIllegalTransition) {
		t.Fatalf("err = %v, want IllegalTransition", err)
	}
	err = repos.ProofStore.RestoreToReady(ctx, mintURL, secrets)
	if !errors.Is(err, cashu.ErrIllegalTransition) {
		t.Fatalf("restore err = %v, want IllegalTransition", err)
	}
}

func TestProofStoreSetStateUnknownSecret(t *testing.T) {
	repos := openRepos(t)
	err := repos.ProofStore.SetState(context.Background(), mintURL, [][]byte{[]byte("nope")}, cashu.ProofInflight)
	if !errors.Is(err, cashu.ErrUnknownProof) {
		t.Fatalf("err = %v, want UnknownProof", err)
	}
}

func TestProofStoreSelectAndBalance(t *testing.T) {
	repos := openRepos(t)
	ctx := context.Background()

	proofs := cashu.Proofs{proof("a", 64), proof("b", 32), proof("c", 4)}
	if err := repos.ProofStore.SaveProofs(ctx, mintURL, proofs); err != nil {
		t.Fatal(err)
	}
	// Reserved proofs are invisible to selection.
	if err := repos.ProofStore.Reserve(ctx, mintURL, [][]byte{[]byte("a")}, "op-x"); err != nil {
		t.Fatal(err)
	}

	selected, err := repos.ProofStore.SelectForSend(ctx, mintURL, 36, "sat", false)
	if err != nil {
		t.Fatal(err)
	}
	if selected.Total() != 36 {
		t.Fatalf("selected total = %d, want exact 36 from the unreserved set", selected.Total())
	}

	balance, err := repos.ProofStore.Balance(ctx, mintURL)
	if err != nil {
		t.Fatal(err)
	}
	if balance != 36 {
		t.Fatalf("balance = %d, want 36 (reserved 64 excluded)", balance)
	}

	_, err = repos.ProofStore.SelectForSend(ctx, mintURL, 1000, "sat", false)
	if !errors.Is(err, cashu.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want InsufficientBalance", err)
	}
}

func TestCounterRepoReserveMonotonic(t *testing.T) {
	repos := openRepos(t)
	ctx := context.Background()
	counters := repos.CounterRepo()

	start, err := counters.Reserve(ctx, mintURL, "ks1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if start != 0 {
		t.Fatalf("first reservation starts at %d, want 0", start)
	}
	start, err = counters.Reserve(ctx, mintURL, "ks1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if start != 3 {
		t.Fatalf("second reservation starts at %d, want 3", start)
	}
	current, err := counters.Current(ctx, mintURL, "ks1")
	if err != nil {
		t.Fatal(err)
	}
	if current != 8 {
		t.Fatalf("current = %d, want 8", current)
	}

	// Independent per keyset.
	start, _ = counters.Reserve(ctx, mintURL, "ks2", 1)
	if start != 0 {
		t.Fatalf("other keyset starts at %d, want 0", start)
	}
}

func TestOperationStoreRoundTrip(t *testing.T) {
	repos := openRepos(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Second)
	op := opstore.MeltOperation{
		ID:      "op-1",
		MintURL: mintURL,
		Unit:    "sat",
		Method:  "bolt11",
		State:   opstore.StatePrepared,
		Prepared: &opstore.PreparedData{
			QuoteID:           "q1",
			Amount:            90,
			FeeReserve:        10,
			InputAmount:       100,
			InputProofSecrets: [][]byte{[]byte("s1")},
			ChangeOutputData:  cashu.OutputData{MintURL: mintURL, KeysetID: "ks1", StartCounter: 4, Amounts: []uint64{2, 8}},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := repos.OperationStore.Create(ctx, op); err != nil {
		t.Fatal(err)
	}

	got, found, err := repos.OperationStore.Get(ctx, "op-1")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if got.State != opstore.StatePrepared || got.Prepared == nil || got.Prepared.QuoteID != "q1" {
		t.Fatalf("round trip lost data: %+v", got)
	}
	if got.Prepared.ChangeOutputData.StartCounter != 4 {
		t.Fatalf("change output data lost: %+v", got.Prepared.ChangeOutputData)
	}

	byQuote, found, err := repos.OperationStore.GetByQuoteID(ctx, mintURL, "q1")
	if err != nil || !found || byQuote.ID != "op-1" {
		t.Fatalf("get by quote: %+v found=%v err=%v", byQuote, found, err)
	}

	op.State = opstore.StatePending
	if err := repos.OperationStore.Update(ctx, op); err != nil {
		t.Fatal(err)
	}
	pending, err := repos.OperationStore.ListByState(ctx, mintURL, opstore.StatePending)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != "op-1" {
		t.Fatalf("list by state = %+v", pending)
	}
}

func TestMintRepoTrustLifecycle(t *testing.T) {
	repos := openRepos(t)
	ctx := context.Background()
	mints := repos.MintRepo()

	trusted, err := mints.IsTrusted(ctx, mintURL)
	if err != nil {
		t.Fatal(err)
	}
	if trusted {
		t.Fatal("unknown mint reported trusted")
	}

	if err := mints.Trust(ctx, storage.TrustedMint{URL: mintURL, Nickname: "primary"}); err != nil {
		t.Fatal(err)
	}
	trusted, _ = mints.IsTrusted(ctx, mintURL)
	if !trusted {
		t.Fatal("trusted mint not reported trusted")
	}

	list, err := mints.ListTrusted(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].URL != mintURL {
		t.Fatalf("list = %+v", list)
	}

	if err := mints.Untrust(ctx, mintURL); err != nil {
		t.Fatal(err)
	}
	trusted, _ = mints.IsTrusted(ctx, mintURL)
	if trusted {
		t.Fatal("untrusted mint still reported trusted")
	}
}
