package subscription_test

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/0ceanSlim/nutengine/realtime"
	"github.com/0ceanSlim/nutengine/subscription"
)

const mintURL = "https://mint.example.com"

// fakeTransport records sends and lets tests fire events at the
// handlers the manager registers.
type fakeTransport struct {
	mu       sync.Mutex
	sends    []realtime.Request
	handlers map[realtime.EventKind][]realtime.Handler
	paused   bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[realtime.EventKind][]realtime.Handler)}
}

func (f *fakeTransport) On(mintURL string, kind realtime.EventKind, h realtime.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[kind] = append(f.handlers[kind], h)
}

func (f *fakeTransport) Send(ctx context.Context, mintURL string, req realtime.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, req)
	return nil
}

func (f *fakeTransport) CloseMint(mintURL string) {}
func (f *fakeTransport) CloseAll()                {}
func (f *fakeTransport) Pause()                   { f.mu.Lock(); f.paused = true; f.mu.Unlock() }
func (f *fakeTransport) Resume()                  { f.mu.Lock(); f.paused = false; f.mu.Unlock() }

func (f *fakeTransport) fire(ev realtime.Event) {
	f.mu.Lock()
	handlers := append([]realtime.Handler(nil), f.handlers[ev.Kind]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (f *fakeTransport) sent() []realtime.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]realtime.Request(nil), f.sends...)
}

func (f *fakeTransport) notify(subID string, payload string) {
	raw := json.RawMessage(payload)
	f.fire(realtime.Event{
		Kind:    realtime.EventMessage,
		MintURL: mintURL,
		Message: &realtime.Envelope{
			JSONRPC: "2.0",
			Method:  "subscribe",
			Params:  &realtime.NotificationParams{SubID: subID, Payload: raw},
		},
	})
}

func newManager(f *fakeTransport) *subscription.Manager {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return subscription.New(f, log, rand.Reader)
}

func TestSubscribeSendsFrame(t *testing.T) {
	f := newFakeTransport()
	m := newManager(f)

	handle, err := m.Subscribe(context.Background(), mintURL, realtime.KindBolt11MeltQuote, []string{"q1"}, func(json.RawMessage) {})
	if err != nil {
		t.Fatal(err)
	}

	sent := f.sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(sent))
	}
	req := sent[0]
	if req.Method != "subscribe" || req.Params.Kind != realtime.KindBolt11MeltQuote {
		t.Fatalf("bad frame: %+v", req)
	}
	if len(req.Params.SubID) != 22 {
		t.Fatalf("sub id %q is not 16 bytes base64url", req.Params.SubID)
	}
	if req.Params.SubID != handle.SubID() {
		t.Fatal("handle and frame disagree on sub id")
	}
}

// An identical (mint, kind, sorted filters) subscription reuses the
// existing one; both callbacks fire on a notification.
func TestSubscribeCoalescesIdenticalFilters(t *testing.T) {
	f := newFakeTransport()
	m := newManager(f)
	ctx := context.Background()

	var calls []string
	h1, err := m.Subscribe(ctx, mintURL, realtime.KindProofState, []string{"aa", "bb"}, func(json.RawMessage) { calls = append(calls, "first") })
	if err != nil {
		t.Fatal(err)
	}
	h2, err := m.Subscribe(ctx, mintURL, realtime.KindProofState, []string{"bb", "aa"}, func(json.RawMessage) { calls = append(calls, "second") })
	if err != nil {
		t.Fatal(err)
	}

	if h1.SubID() != h2.SubID() {
		t.Fatal("identical subscriptions should share a sub id")
	}
	if got := len(f.sent()); got != 1 {
		t.Fatalf("sent %d frames, want 1", got)
	}

	f.notify(h1.SubID(), `{"Y":"aa","state":"SPENT"}`)
	if len(calls) != 2 || calls[0] != "first" || calls[1] != "second" {
		t.Fatalf("callback dispatch = %v", calls)
	}
}

func TestUnsubscribeRefCounts(t *testing.T) {
	f := newFakeTransport()
	m := newManager(f)
	ctx := context.Background()

	h1, _ := m.Subscribe(ctx, mintURL, realtime.KindProofState, []string{"aa"}, func(json.RawMessage) {})
	h2, _ := m.Subscribe(ctx, mintURL, realtime.KindProofState, []string{"aa"}, func(json.RawMessage) {})

	if err := h1.Unsubscribe(ctx); err != nil {
		t.Fatal(err)
	}
	for _, req := range f.sent() {
		if req.Method == "unsubscribe" {
			t.Fatal("unsubscribe sent while a callback is still attached")
		}
	}

	if err := h2.Unsubscribe(ctx); err != nil {
		t.Fatal(err)
	}
	sent := f.sent()
	last := sent[len(sent)-1]
	if last.Method != "unsubscribe" || last.Params.SubID != h1.SubID() {
		t.Fatalf("last frame = %+v, want unsubscribe for %s", last, h1.SubID())
	}
}

func TestErrorResponseRemovesSubscription(t *testing.T) {
	f := newFakeTransport()
	m := newManager(f)
	ctx := context.Background()

	fired := 0
	h, err := m.Subscribe(ctx, mintURL, realtime.KindBolt11MeltQuote, []string{"q9"}, func(json.RawMessage) { fired++ })
	if err != nil {
		t.Fatal(err)
	}

	reqID := f.sent()[0].ID
	f.fire(realtime.Event{
		Kind:    realtime.EventMessage,
		MintURL: mintURL,
		Message: &realtime.Envelope{
			JSONRPC: "2.0",
			Error:   &realtime.RPCError{Code: -1, Message: "no such quote"},
			ID:      &reqID,
		},
	})

	f.notify(h.SubID(), `{"quote":"q9","state":"PAID"}`)
	if fired != 0 {
		t.Fatal("rejected subscription still dispatched a notification")
	}
}

// A reconnect (second open) replays every active subscription with its
// original sub id; the initial open does not.
func TestReSubscribeOnReconnect(t *testing.T) {
	f := newFakeTransport()
	m := newManager(f)
	ctx := context.Background()

	h1, _ := m.Subscribe(ctx, mintURL, realtime.KindBolt11MeltQuote, []string{"q1"}, func(json.RawMessage) {})
	h2, _ := m.Subscribe(ctx, mintURL, realtime.KindProofState, []string{"aa"}, func(json.RawMessage) {})

	f.fire(realtime.Event{Kind: realtime.EventOpen, MintURL: mintURL})
	if got := len(f.sent()); got != 2 {
		t.Fatalf("initial open must not resend; %d frames sent", got)
	}

	f.fire(realtime.Event{Kind: realtime.EventOpen, MintURL: mintURL})
	sent := f.sent()
	if len(sent) != 4 {
		t.Fatalf("reconnect open sent %d extra frames, want 2", len(sent)-2)
	}
	resent := map[string]bool{}
	for _, req := range sent[2:] {
		if req.Method != "subscribe" {
			t.Fatalf("resent frame is %s", req.Method)
		}
		resent[req.Params.SubID] = true
	}
	if !resent[h1.SubID()] || !resent[h2.SubID()] {
		t.Fatal("resent frames do not carry the original sub ids")
	}
}

// Across pause/resume every active subscription is resent exactly
// once, driven by the single fresh open the transport surfaces.
func TestPauseResumeResendsActivesOnce(t *testing.T) {
	f := newFakeTransport()
	m := newManager(f)
	ctx := context.Background()

	h1, _ := m.Subscribe(ctx, mintURL, realtime.KindBolt11MeltQuote, []string{"q1"}, func(json.RawMessage) {})
	f.fire(realtime.Event{Kind: realtime.EventOpen, MintURL: mintURL})

	m.Pause()
	if !f.paused {
		t.Fatal("pause did not reach the transport")
	}

	// Registered while paused: no frame goes out yet.
	h2, err := m.Subscribe(ctx, mintURL, realtime.KindProofState, []string{"bb"}, func(json.RawMessage) {})
	if err != nil {
		t.Fatal(err)
	}
	if got := len(f.sent()); got != 1 {
		t.Fatalf("%d frames sent while paused, want the 1 pre-pause frame only", got)
	}

	m.Resume()
	// The transport surfaces one fresh open after resume.
	f.fire(realtime.Event{Kind: realtime.EventOpen, MintURL: mintURL})

	sent := f.sent()
	count := map[string]int{}
	for _, req := range sent {
		if req.Method == "subscribe" {
			count[req.Params.SubID]++
		}
	}
	if count[h1.SubID()] != 2 { // initial + exactly one resend
		t.Fatalf("pre-pause subscription sent %d times, want 2", count[h1.SubID()])
	}
	if count[h2.SubID()] != 1 { // first and only send after resume
		t.Fatalf("paused-registered subscription sent %d times, want 1", count[h2.SubID()])
	}
}

// A panicking callback is contained; later callbacks still run.
func TestCallbackPanicIsContained(t *testing.T) {
	f := newFakeTransport()
	m := newManager(f)
	ctx := context.Background()

	ran := false
	h, _ := m.Subscribe(ctx, mintURL, realtime.KindProofState, []string{"aa"}, func(json.RawMessage) { panic("boom") })
	if _, err := m.Subscribe(ctx, mintURL, realtime.KindProofState, []string{"aa"}, func(json.RawMessage) { ran = true }); err != nil {
		t.Fatal(err)
	}

	f.notify(h.SubID(), `{"Y":"aa","state":"UNSPENT"}`)
	if !ran {
		t.Fatal("second callback did not run after the first panicked")
	}
}
