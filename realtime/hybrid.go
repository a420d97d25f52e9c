package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/0ceanSlim/nutengine/gateway"
)

// HybridTransport composes the WS leg (reconnect disabled) with the
// polling leg (slow interval by default). Every send is mirrored to
// both legs so polling always knows what to poll; inbound notifications
// from either leg pass through a dedup wrapper keyed on
// (mint, sub_id, identifier) so the downstream consumer sees each state
// change once no matter which leg reported it first. When the WS leg
// drops for a mint, polling switches to the fast interval and carries
// the mint indefinitely; no WS reconnect is attempted until Resume.
type HybridTransport struct {
	ws      *WSTransport
	polling *PollingTransport
	log     *slog.Logger

	fastInterval time.Duration

	mu          sync.Mutex
	handlers    map[string][]listenerEntry
	attached    map[string]bool
	openEmitted map[string]bool
	wsFailed    map[string]bool
	paused      bool
	lastState   map[dedupKey]string
}

// dedupKey identifies one notification stream: a (mint, sub_id,
// identifier) triple, where identifier is the payload's proof Y-point
// or quote id.
type dedupKey struct {
	mintURL    string
	subID      string
	identifier string
}

// NewHybridTransport builds the hybrid over a fresh WS leg and a
// polling leg backed by gw. slowInterval <= 0 uses DefaultSlowInterval.
func NewHybridTransport(gw gateway.Gateway, log *slog.Logger, slowInterval time.Duration) *HybridTransport {
	return NewHybridTransportFrom(NewWSTransport(log, false), NewPollingTransport(gw, log, slowInterval), log)
}

// NewHybridTransportFrom composes pre-built legs, used by tests to
// substitute fakes.
func NewHybridTransportFrom(ws *WSTransport, polling *PollingTransport, log *slog.Logger) *HybridTransport {
	return &HybridTransport{
		ws:           ws,
		polling:      polling,
		log:          log,
		fastInterval: DefaultFastInterval,
		handlers:     make(map[string][]listenerEntry),
		attached:     make(map[string]bool),
		openEmitted:  make(map[string]bool),
		wsFailed:     make(map[string]bool),
		lastState:    make(map[dedupKey]string),
	}
}

// On registers a downstream handler. The hybrid attaches its own
// internal handlers to both legs on the first registration for a mint
// and fans events out from there, so leg events always pass through the
// dedup and failover logic before reaching consumers.
func (h *HybridTransport) On(mintURL string, kind EventKind, handler Handler) {
	h.mu.Lock()
	h.handlers[mintURL] = append(h.handlers[mintURL], listenerEntry{kind: kind, h: handler})
	needAttach := !h.attached[mintURL]
	h.attached[mintURL] = true
	h.mu.Unlock()

	if !needAttach {
		return
	}
	for _, kind := range []EventKind{EventOpen, EventMessage, EventClose, EventError} {
		k := kind
		h.ws.On(mintURL, k, func(ev Event) { h.fromWS(ev) })
		h.polling.On(mintURL, k, func(ev Event) { h.fromLeg(ev) })
	}
}

func (h *HybridTransport) emit(ev Event) {
	h.mu.Lock()
	entries := append([]listenerEntry(nil), h.handlers[ev.MintURL]...)
	h.mu.Unlock()
	for _, e := range entries {
		if e.kind == ev.Kind {
			e.h(ev)
		}
	}
}

// fromWS handles events from the WS leg: close events additionally
// trip the per-mint failover before passing through.
func (h *HybridTransport) fromWS(ev Event) {
	if ev.Kind == EventClose {
		h.mu.Lock()
		paused := h.paused
		if !paused {
			h.wsFailed[ev.MintURL] = true
		}
		h.mu.Unlock()
		if !paused {
			h.log.Info("ws leg down, polling takes over", slog.String("mint", ev.MintURL), slog.Duration("interval", h.fastInterval))
			h.polling.SetInterval(ev.MintURL, h.fastInterval)
		}
	}
	h.fromLeg(ev)
}

// fromLeg is the shared inbound path for both legs: open events are
// deduplicated to the first per mint, notifications go through the
// state dedup, close/error pass through untouched.
func (h *HybridTransport) fromLeg(ev Event) {
	switch ev.Kind {
	case EventOpen:
		h.mu.Lock()
		seen := h.openEmitted[ev.MintURL]
		h.openEmitted[ev.MintURL] = true
		h.mu.Unlock()
		if seen {
			return
		}
		h.emit(ev)

	case EventMessage:
		if ev.Message != nil && ev.Message.IsNotification() {
			if h.isDuplicate(ev.MintURL, ev.Message.Params) {
				return
			}
		}
		h.emit(ev)

	default:
		h.emit(ev)
	}
}

// isDuplicate records the notification's state under its dedup key and
// reports whether the previous state for that key was identical.
// Payloads without a Y or quote identifier are never deduplicated.
func (h *HybridTransport) isDuplicate(mintURL string, params *NotificationParams) bool {
	identifier, state, ok := payloadIdentity(params.Payload)
	if !ok {
		return false
	}
	key := dedupKey{mintURL: mintURL, subID: params.SubID, identifier: identifier}
	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, seen := h.lastState[key]; seen && prev == state {
		return true
	}
	h.lastState[key] = state
	return false
}

// Send mirrors the request to both legs so the polling leg tracks the
// same subscription set as the WS leg.
func (h *HybridTransport) Send(ctx context.Context, mintURL string, req Request) error {
	wsErr := h.ws.Send(ctx, mintURL, req)
	pollErr := h.polling.Send(ctx, mintURL, req)
	if wsErr != nil {
		return wsErr
	}
	return pollErr
}

func (h *HybridTransport) CloseMint(mintURL string) {
	h.ws.CloseMint(mintURL)
	h.polling.CloseMint(mintURL)

	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.openEmitted, mintURL)
	delete(h.wsFailed, mintURL)
	delete(h.attached, mintURL)
	delete(h.handlers, mintURL)
	for key := range h.lastState {
		if key.mintURL == mintURL {
			delete(h.lastState, key)
		}
	}
}

func (h *HybridTransport) CloseAll() {
	h.mu.Lock()
	mints := make([]string, 0, len(h.attached))
	for mintURL := range h.attached {
		mints = append(mints, mintURL)
	}
	h.mu.Unlock()
	for _, mintURL := range mints {
		h.CloseMint(mintURL)
	}
}

// Pause quiesces both legs without touching subscription state: WS
// sockets close with "Paused", polling timers stop, and the
// has-emitted-open set clears so consumers see a fresh open on Resume.
// The WS-failed flags survive untouched, so a mint that was already on
// fast polling resumes on fast polling.
func (h *HybridTransport) Pause() {
	h.mu.Lock()
	h.paused = true
	h.openEmitted = make(map[string]bool)
	h.mu.Unlock()

	h.ws.Pause()
	h.polling.Pause()
}

// Resume reconnects the WS leg for every mint with listeners and
// re-enables polling.
func (h *HybridTransport) Resume() {
	h.mu.Lock()
	h.paused = false
	h.mu.Unlock()

	h.ws.Resume()
	h.polling.Resume()
}

var _ Transport = (*HybridTransport)(nil)
