package operation_test

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/0ceanSlim/nutengine/cashu"
	"github.com/0ceanSlim/nutengine/gateway"
	"github.com/0ceanSlim/nutengine/internal/testutil"
	"github.com/0ceanSlim/nutengine/melt"
	"github.com/0ceanSlim/nutengine/operation"
	"github.com/0ceanSlim/nutengine/opstore"
	"github.com/0ceanSlim/nutengine/walletlib"
)

const mintURL = "https://mint.example.com"

type fixture struct {
	svc    *operation.Service
	gw     *testutil.FakeGateway
	proofs *testutil.MemProofStore
	ops    *testutil.MemOpStore
	events chan operation.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key := testutil.NewMintKey()
	gw := &testutil.FakeGateway{Key: key}
	proofs := testutil.NewMemProofStore()
	ops := testutil.NewMemOpStore()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	handler := &melt.Handler{
		Gateway:  gw,
		Proofs:   proofs,
		Counters: testutil.NewMemCounterRepo(),
		Keysets:  testutil.NewMemKeysetRepo(testutil.NewKeyset(mintURL, key)),
		Wallet:   walletlib.NewSecp256k1Library([]byte("test master seed")),
		Rand:     rand.Reader,
		Unit:     "sat",
	}
	events := make(chan operation.Event, 32)
	svc := operation.New(handler, ops, proofs, testutil.NewMemMintRepo(mintURL), log, events)
	return &fixture{svc: svc, gw: gw, proofs: proofs, ops: ops, events: events}
}

func (f *fixture) seedProofs(t *testing.T, amounts ...uint64) {
	t.Helper()
	proofs := make(cashu.Proofs, len(amounts))
	for i, amount := range amounts {
		proofs[i] = cashu.Proof{
			MintURL:  mintURL,
			KeysetID: testutil.TestKeysetID,
			Amount:   amount,
			Secret:   []byte{byte(i), byte(amount), 0xbb},
			State:    cashu.ProofReady,
		}
	}
	if err := f.proofs.SaveProofs(context.Background(), mintURL, proofs); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) drainEvents() []operation.Event {
	var out []operation.Event
	for {
		select {
		case ev := <-f.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestInitRejectsUntrustedMint(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Init(context.Background(), operation.InitRequest{MintURL: "https://unknown.example.com", Unit: "sat"})
	if !errors.Is(err, cashu.ErrUnknownMint) {
		t.Fatalf("err = %v, want UnknownMint", err)
	}
}

func TestFullSagaEmitsEventsInOrder(t *testing.T) {
	f := newFixture(t)
	f.seedProofs(t, 100)
	f.gw.MeltQuote = gateway.MeltQuote{ID: "q1", Amount: 90, FeeReserve: 10, State: "UNPAID"}
	f.gw.MeltResult = gateway.MeltResult{State: "PAID"}

	ctx := context.Background()
	op, err := f.svc.Init(ctx, operation.InitRequest{MintURL: mintURL, Unit: "sat"})
	if err != nil {
		t.Fatal(err)
	}
	if op, err = f.svc.Prepare(ctx, op.ID, "lnbc1...", false); err != nil {
		t.Fatal(err)
	}
	if op, err = f.svc.Execute(ctx, op.ID); err != nil {
		t.Fatal(err)
	}
	if op.State != opstore.StateFinalized {
		t.Fatalf("state = %s, want finalized", op.State)
	}

	events := f.drainEvents()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Kind != operation.EventPrepared || events[1].Kind != operation.EventFinalized {
		t.Fatalf("event order = %s, %s", events[0].Kind, events[1].Kind)
	}
}

func TestPrepareFailureDeletesRecordAndReleasesProofs(t *testing.T) {
	f := newFixture(t)
	f.seedProofs(t, 8)
	f.gw.MeltQuote = gateway.MeltQuote{ID: "q", Amount: 90, FeeReserve: 10, State: "UNPAID"}

	ctx := context.Background()
	op, err := f.svc.Init(ctx, operation.InitRequest{MintURL: mintURL, Unit: "sat"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Prepare(ctx, op.ID, "lnbc1...", false); !errors.Is(err, cashu.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want InsufficientBalance", err)
	}
	if _, found, _ := f.ops.Get(ctx, op.ID); found {
		t.Fatal("init record should be deleted after failed prepare")
	}
	reserved, _ := f.proofs.GetReserved(ctx)
	if len(reserved) != 0 {
		t.Fatalf("expected no reservations, found %d", len(reserved))
	}
}

// Finalizing an already-finalized operation is a no-op and emits no
// second event.
func TestFinalizeIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seedProofs(t, 100)
	f.gw.MeltQuote = gateway.MeltQuote{ID: "q", Amount: 90, FeeReserve: 10, State: "UNPAID"}
	f.gw.MeltResult = gateway.MeltResult{State: "PENDING"}

	ctx := context.Background()
	op, err := f.svc.Init(ctx, operation.InitRequest{MintURL: mintURL, Unit: "sat"})
	if err != nil {
		t.Fatal(err)
	}
	if op, err = f.svc.Prepare(ctx, op.ID, "lnbc1...", false); err != nil {
		t.Fatal(err)
	}
	if op, err = f.svc.Execute(ctx, op.ID); err != nil {
		t.Fatal(err)
	}
	if op.State != opstore.StatePending {
		t.Fatalf("state = %s, want pending", op.State)
	}
	f.drainEvents()

	f.gw.CheckMeltStates = []string{"PAID"}
	if _, err := f.svc.Finalize(ctx, op.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Finalize(ctx, op.ID); err != nil {
		t.Fatal(err)
	}

	var finalized int
	for _, ev := range f.drainEvents() {
		if ev.Kind == operation.EventFinalized {
			finalized++
		}
	}
	if finalized != 1 {
		t.Fatalf("got %d finalized events, want exactly 1", finalized)
	}
}

func TestFinalizeRefusesRolledBack(t *testing.T) {
	f := newFixture(t)
	f.seedProofs(t, 100)
	f.gw.MeltQuote = gateway.MeltQuote{ID: "q", Amount: 90, FeeReserve: 10, State: "UNPAID"}
	f.gw.MeltResult = gateway.MeltResult{State: "PENDING"}

	ctx := context.Background()
	op, _ := f.svc.Init(ctx, operation.InitRequest{MintURL: mintURL, Unit: "sat"})
	op, _ = f.svc.Prepare(ctx, op.ID, "lnbc1...", false)
	op, err := f.svc.Execute(ctx, op.ID)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.svc.Rollback(ctx, op.ID, "gave up"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Finalize(ctx, op.ID); !errors.Is(err, cashu.ErrIllegalStateTransition) {
		t.Fatalf("err = %v, want IllegalStateTransition", err)
	}
}

func TestRollbackForbiddenFromInit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	op, err := f.svc.Init(ctx, operation.InitRequest{MintURL: mintURL, Unit: "sat"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Rollback(ctx, op.ID, "nope"); !errors.Is(err, cashu.ErrIllegalStateTransition) {
		t.Fatalf("err = %v, want IllegalStateTransition", err)
	}
}

// The per-operation lock is lease-or-fail: a second mutation while one
// is in flight surfaces OperationInProgress instead of queueing.
func TestOperationLockContention(t *testing.T) {
	f := newFixture(t)
	f.seedProofs(t, 100)
	f.gw.MeltQuote = gateway.MeltQuote{ID: "q", Amount: 90, FeeReserve: 10, State: "UNPAID"}
	f.gw.MeltResult = gateway.MeltResult{State: "PENDING"}

	ctx := context.Background()
	op, _ := f.svc.Init(ctx, operation.InitRequest{MintURL: mintURL, Unit: "sat"})
	op, _ = f.svc.Prepare(ctx, op.ID, "lnbc1...", false)
	op, err := f.svc.Execute(ctx, op.ID)
	if err != nil {
		t.Fatal(err)
	}

	block := make(chan struct{})
	entered := make(chan struct{}, 1)
	f.gw.BlockCheckMelt = block
	f.gw.CheckMeltEntered = entered
	f.gw.CheckMeltStates = []string{"PAID"}

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Finalize(ctx, op.ID)
		done <- err
	}()

	// Wait for the goroutine to take the lock and park in the gateway.
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("finalize never reached the gateway")
	}

	if _, err := f.svc.Finalize(ctx, op.ID); !errors.Is(err, cashu.ErrOperationInProgress) {
		t.Fatalf("err = %v, want OperationInProgress", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("blocked finalize: %v", err)
	}
}

func TestRecoverySweepsOrphanedReservations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	orphan := cashu.Proof{
		MintURL:           mintURL,
		KeysetID:          testutil.TestKeysetID,
		Amount:            4,
		Secret:            []byte("orphan"),
		State:             cashu.ProofReady,
		UsedByOperationID: "gone-operation",
	}
	if err := f.proofs.SaveProofs(ctx, mintURL, cashu.Proofs{orphan}); err != nil {
		t.Fatal(err)
	}

	if err := f.svc.RecoverPendingOperations(ctx); err != nil {
		t.Fatal(err)
	}

	reserved, _ := f.proofs.GetReserved(ctx)
	if len(reserved) != 0 {
		t.Fatalf("orphaned reservation not released, %d still reserved", len(reserved))
	}
}

// Recovery drives an executing operation to the terminal state matching
// the mint's quote view.
func TestRecoveryDrivesExecutingOperation(t *testing.T) {
	f := newFixture(t)
	f.seedProofs(t, 100)
	f.gw.MeltQuote = gateway.MeltQuote{ID: "q", Amount: 90, FeeReserve: 10, State: "UNPAID"}
	f.gw.MeltResultErr = cashu.New(cashu.KindTransport, "crash")

	ctx := context.Background()
	op, _ := f.svc.Init(ctx, operation.InitRequest{MintURL: mintURL, Unit: "sat"})
	op, err := f.svc.Prepare(ctx, op.ID, "lnbc1...", false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Execute(ctx, op.ID); err == nil {
		t.Fatal("expected execute to fail")
	}

	// The record is stranded in executing, exactly as after a crash.
	stored, found, _ := f.ops.Get(ctx, op.ID)
	if !found || stored.State != opstore.StateExecuting {
		t.Fatalf("state = %v, want executing", stored.State)
	}

	f.gw.CheckMeltStates = []string{"UNPAID"}
	if err := f.svc.RecoverPendingOperations(ctx); err != nil {
		t.Fatal(err)
	}

	stored, _, _ = f.ops.Get(ctx, op.ID)
	if stored.State != opstore.StateRolledBack {
		t.Fatalf("state = %s, want rolled_back", stored.State)
	}
	balance, _ := f.proofs.Balance(ctx, mintURL)
	if balance != 100 {
		t.Fatalf("balance = %d, want the released 100", balance)
	}
}

func TestRecoveryLockExcludesConcurrentRuns(t *testing.T) {
	f := newFixture(t)
	f.seedProofs(t, 100)
	f.gw.MeltQuote = gateway.MeltQuote{ID: "q", Amount: 90, FeeReserve: 10, State: "UNPAID"}
	f.gw.MeltResult = gateway.MeltResult{State: "PENDING"}

	ctx := context.Background()
	op, _ := f.svc.Init(ctx, operation.InitRequest{MintURL: mintURL, Unit: "sat"})
	op, _ = f.svc.Prepare(ctx, op.ID, "lnbc1...", false)
	if _, err := f.svc.Execute(ctx, op.ID); err != nil {
		t.Fatal(err)
	}

	block := make(chan struct{})
	entered := make(chan struct{}, 1)
	f.gw.BlockCheckMelt = block
	f.gw.CheckMeltEntered = entered
	f.gw.CheckMeltStates = []string{"PENDING"}

	done := make(chan error, 1)
	go func() { done <- f.svc.RecoverPendingOperations(ctx) }()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("recovery never reached the gateway")
	}

	if err := f.svc.RecoverPendingOperations(ctx); !errors.Is(err, cashu.ErrRecoveryInProgress) {
		t.Fatalf("err = %v, want RecoveryInProgress", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("blocked recovery: %v", err)
	}
}
