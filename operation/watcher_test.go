package operation_test

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/0ceanSlim/nutengine/gateway"
	"github.com/0ceanSlim/nutengine/operation"
	"github.com/0ceanSlim/nutengine/opstore"
	"github.com/0ceanSlim/nutengine/realtime"
	"github.com/0ceanSlim/nutengine/subscription"
)

// stubTransport records frames and lets the test inject notifications,
// standing in for the hybrid transport under the subscription manager.
type stubTransport struct {
	mu       sync.Mutex
	sends    []realtime.Request
	handlers map[realtime.EventKind][]realtime.Handler
}

func newStubTransport() *stubTransport {
	return &stubTransport{handlers: make(map[realtime.EventKind][]realtime.Handler)}
}

func (s *stubTransport) On(mintURL string, kind realtime.EventKind, h realtime.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = append(s.handlers[kind], h)
}

func (s *stubTransport) Send(ctx context.Context, mintURL string, req realtime.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, req)
	return nil
}

func (s *stubTransport) CloseMint(mintURL string) {}
func (s *stubTransport) CloseAll()                {}
func (s *stubTransport) Pause()                   {}
func (s *stubTransport) Resume()                  {}

func (s *stubTransport) sent() []realtime.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]realtime.Request(nil), s.sends...)
}

func (s *stubTransport) notify(subID, payload string) {
	s.mu.Lock()
	handlers := append([]realtime.Handler(nil), s.handlers[realtime.EventMessage]...)
	s.mu.Unlock()
	env := &realtime.Envelope{
		JSONRPC: "2.0",
		Method:  "subscribe",
		Params:  &realtime.NotificationParams{SubID: subID, Payload: json.RawMessage(payload)},
	}
	for _, h := range handlers {
		h(realtime.Event{Kind: realtime.EventMessage, MintURL: mintURL, Message: env})
	}
}

func TestWatcherFinalizesOnPaidNotification(t *testing.T) {
	f := newFixture(t)
	f.seedProofs(t, 100)
	f.gw.MeltQuote = gateway.MeltQuote{ID: "qw", Amount: 90, FeeReserve: 10, State: "UNPAID"}
	f.gw.MeltResult = gateway.MeltResult{State: "PENDING"}

	ctx := context.Background()
	op, _ := f.svc.Init(ctx, operation.InitRequest{MintURL: mintURL, Unit: "sat"})
	op, _ = f.svc.Prepare(ctx, op.ID, "lnbc1...", false)
	op, err := f.svc.Execute(ctx, op.ID)
	if err != nil {
		t.Fatal(err)
	}
	if op.State != opstore.StatePending {
		t.Fatalf("state = %s, want pending", op.State)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	transport := newStubTransport()
	subs := subscription.New(transport, log, rand.Reader)
	watcher := operation.NewWatcher(f.svc, subs, log)

	if err := watcher.Watch(ctx, op); err != nil {
		t.Fatal(err)
	}
	sent := transport.sent()
	if len(sent) != 1 || sent[0].Params.Kind != realtime.KindBolt11MeltQuote {
		t.Fatalf("watch sent %+v", sent)
	}
	if sent[0].Params.Filters[0] != op.Prepared.QuoteID {
		t.Fatalf("watch filters on %q, want the quote id", sent[0].Params.Filters[0])
	}

	f.gw.CheckMeltStates = []string{"PAID"}
	transport.notify(sent[0].Params.SubID, `{"quote":"qw","state":"PAID"}`)

	deadline := time.After(2 * time.Second)
	for {
		stored, _, _ := f.ops.Get(ctx, op.ID)
		if stored.State == opstore.StateFinalized {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("operation stuck in %s", stored.State)
		case <-time.After(5 * time.Millisecond):
		}
	}

	// The terminal notification tears the watch down.
	var unsubscribed bool
	for _, req := range transport.sent() {
		if req.Method == "unsubscribe" {
			unsubscribed = true
		}
	}
	if !unsubscribed {
		t.Fatal("watcher did not unsubscribe after finalizing")
	}
}

func TestWatcherRejectsNonPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	op, _ := f.svc.Init(ctx, operation.InitRequest{MintURL: mintURL, Unit: "sat"})

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	subs := subscription.New(newStubTransport(), log, rand.Reader)
	watcher := operation.NewWatcher(f.svc, subs, log)

	if err := watcher.Watch(ctx, op); err == nil {
		t.Fatal("watch accepted a non-pending operation")
	}
}
