// Package subscription is the protocol-level subscribe/unsubscribe
// layer over a realtime.Transport. It allocates sub-ids, coalesces
// identical subscriptions, tracks pending requests, dispatches
// notification payloads to callbacks, and re-subscribes every active
// subscription when a transport reconnects.
package subscription

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/0ceanSlim/nutengine/cashu"
	"github.com/0ceanSlim/nutengine/realtime"
)

// Callback receives one notification payload. Callbacks run under a
// panic boundary; a panicking or misbehaving callback is logged and
// never propagates to the transport or the other callbacks.
type Callback func(payload json.RawMessage)

// sub is one active subscription: its wire identity plus the callback
// set, keyed by registration token so each caller can detach only its
// own callback.
type sub struct {
	mintURL   string
	kind      string
	subID     string
	filters   []string
	coalesce  string
	callbacks map[int]Callback
	order     []int
}

// Subscription is the per-caller handle Subscribe returns. Unsubscribe
// detaches only this caller's callback; the wire unsubscribe is sent
// when the last callback detaches.
type Subscription struct {
	m     *Manager
	subID string
	token int
}

// SubID returns the wire sub-id this caller is attached to.
func (s *Subscription) SubID() string { return s.subID }

// Unsubscribe detaches this caller; see Manager.unsubscribe.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	return s.m.unsubscribe(ctx, s)
}

// Manager is the SubscriptionManager.
type Manager struct {
	transport realtime.Transport
	log       *slog.Logger
	rand      io.Reader

	mu        sync.Mutex
	nextReqID map[string]int
	active    map[string]map[string]*sub // mintURL -> subID -> sub
	// pendingSubscribe maps (mintURL, request id) to the subID awaiting
	// acceptance, so error responses can tear the subscription back down.
	pendingSubscribe map[string]map[int]string
	seenOpen         map[string]bool
	attached         map[string]bool
	paused           bool
	nextToken        int
}

// New builds a Manager over transport. rand supplies sub-id entropy;
// tests pass a deterministic reader.
func New(transport realtime.Transport, log *slog.Logger, rand io.Reader) *Manager {
	return &Manager{
		transport:        transport,
		log:              log,
		rand:             rand,
		nextReqID:        make(map[string]int),
		active:           make(map[string]map[string]*sub),
		pendingSubscribe: make(map[string]map[int]string),
		seenOpen:         make(map[string]bool),
		attached:         make(map[string]bool),
	}
}

// coalesceKey is the identity subscriptions coalesce on: at most one
// subscription per (mint_url, kind, sorted(filters)).
func coalesceKey(kind string, filters []string) string {
	sorted := append([]string(nil), filters...)
	sort.Strings(sorted)
	return kind + "\x00" + strings.Join(sorted, "\x00")
}

// newSubID allocates a 16-byte random base64url sub-id.
func (m *Manager) newSubID() (string, error) {
	var buf [16]byte
	if _, err := io.ReadFull(m.rand, buf[:]); err != nil {
		return "", cashu.Wrap(cashu.KindTransport, err, "generating sub id")
	}
	return base64.RawURLEncoding.EncodeToString(buf[:]), nil
}

// Subscribe attaches callback to the subscription identified by
// (mintURL, kind, filters), creating and sending it if none exists.
// While the manager is paused the subscription is registered without a
// send; the open event following Resume replays it.
func (m *Manager) Subscribe(ctx context.Context, mintURL, kind string, filters []string, callback Callback) (*Subscription, error) {
	m.mu.Lock()

	if !m.attached[mintURL] {
		m.attached[mintURL] = true
		m.mu.Unlock()
		m.transport.On(mintURL, realtime.EventMessage, func(ev realtime.Event) { m.onMessage(ev) })
		m.transport.On(mintURL, realtime.EventOpen, func(ev realtime.Event) { m.onOpen(ev) })
		m.mu.Lock()
	}

	key := coalesceKey(kind, filters)
	for _, existing := range m.active[mintURL] {
		if existing.coalesce == key {
			m.nextToken++
			token := m.nextToken
			existing.callbacks[token] = callback
			existing.order = append(existing.order, token)
			subID := existing.subID
			m.mu.Unlock()
			return &Subscription{m: m, subID: subID, token: token}, nil
		}
	}

	subID, err := m.newSubID()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.nextToken++
	token := m.nextToken
	s := &sub{
		mintURL:   mintURL,
		kind:      kind,
		subID:     subID,
		filters:   append([]string(nil), filters...),
		coalesce:  key,
		callbacks: map[int]Callback{token: callback},
		order:     []int{token},
	}
	if m.active[mintURL] == nil {
		m.active[mintURL] = make(map[string]*sub)
	}
	m.active[mintURL][subID] = s

	if m.paused {
		m.mu.Unlock()
		return &Subscription{m: m, subID: subID, token: token}, nil
	}

	reqID := m.nextReqIDLocked(mintURL)
	if m.pendingSubscribe[mintURL] == nil {
		m.pendingSubscribe[mintURL] = make(map[int]string)
	}
	m.pendingSubscribe[mintURL][reqID] = subID
	req := realtime.NewSubscribeRequest(reqID, kind, subID, s.filters)
	m.mu.Unlock()

	if err := m.transport.Send(ctx, mintURL, req); err != nil {
		m.mu.Lock()
		delete(m.active[mintURL], subID)
		delete(m.pendingSubscribe[mintURL], reqID)
		m.mu.Unlock()
		return nil, err
	}
	return &Subscription{m: m, subID: subID, token: token}, nil
}

func (m *Manager) nextReqIDLocked(mintURL string) int {
	m.nextReqID[mintURL]++
	return m.nextReqID[mintURL]
}

func (m *Manager) unsubscribe(ctx context.Context, handle *Subscription) error {
	m.mu.Lock()
	var target *sub
	var mintURL string
	for mint, subs := range m.active {
		if s, ok := subs[handle.subID]; ok {
			target, mintURL = s, mint
			break
		}
	}
	if target == nil {
		m.mu.Unlock()
		return nil
	}
	delete(target.callbacks, handle.token)
	for i, t := range target.order {
		if t == handle.token {
			target.order = append(target.order[:i], target.order[i+1:]...)
			break
		}
	}
	if len(target.callbacks) > 0 {
		m.mu.Unlock()
		return nil
	}
	delete(m.active[mintURL], target.subID)
	if m.paused {
		m.mu.Unlock()
		return nil
	}
	req := realtime.NewUnsubscribeRequest(m.nextReqIDLocked(mintURL), target.subID)
	m.mu.Unlock()
	return m.transport.Send(ctx, mintURL, req)
}

// onMessage handles one inbound frame: notifications fan out to the
// subscription's callbacks; responses settle pending subscribes.
func (m *Manager) onMessage(ev realtime.Event) {
	env := ev.Message
	if env == nil {
		return
	}

	if env.IsNotification() {
		m.dispatchNotification(ev.MintURL, env.Params)
		return
	}
	if env.ID == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	pending := m.pendingSubscribe[ev.MintURL]
	subID, isPending := pending[*env.ID]
	if !isPending {
		return
	}
	delete(pending, *env.ID)
	if env.Error != nil {
		// The mint rejected the subscribe; the subscription never
		// existed server-side, so drop it client-side too.
		m.log.Warn("subscribe rejected",
			slog.String("mint", ev.MintURL),
			slog.String("sub_id", subID),
			slog.Int("code", env.Error.Code),
			slog.String("message", env.Error.Message))
		delete(m.active[ev.MintURL], subID)
	}
}

func (m *Manager) dispatchNotification(mintURL string, params *realtime.NotificationParams) {
	m.mu.Lock()
	s := m.active[mintURL][params.SubID]
	if s == nil {
		m.mu.Unlock()
		return
	}
	callbacks := make([]Callback, 0, len(s.order))
	for _, token := range s.order {
		if cb, ok := s.callbacks[token]; ok {
			callbacks = append(callbacks, cb)
		}
	}
	m.mu.Unlock()

	for _, cb := range callbacks {
		m.safeInvoke(mintURL, params.SubID, cb, params.Payload)
	}
}

func (m *Manager) safeInvoke(mintURL, subID string, cb Callback, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Warn("subscription callback panicked",
				slog.String("mint", mintURL),
				slog.String("sub_id", subID),
				slog.Any("panic", r))
		}
	}()
	cb(payload)
}

// onOpen replays every active subscription after a reconnect. The
// first open per mint is the initial connection — the subscribe path
// already sent those frames — so only subsequent opens resend.
func (m *Manager) onOpen(ev realtime.Event) {
	m.mu.Lock()
	if !m.seenOpen[ev.MintURL] {
		m.seenOpen[ev.MintURL] = true
		m.mu.Unlock()
		return
	}
	var frames []realtime.Request
	for _, s := range m.active[ev.MintURL] {
		reqID := m.nextReqIDLocked(ev.MintURL)
		if m.pendingSubscribe[ev.MintURL] == nil {
			m.pendingSubscribe[ev.MintURL] = make(map[int]string)
		}
		m.pendingSubscribe[ev.MintURL][reqID] = s.subID
		frames = append(frames, realtime.NewSubscribeRequest(reqID, s.kind, s.subID, s.filters))
	}
	m.mu.Unlock()

	for _, req := range frames {
		if err := m.transport.Send(context.Background(), ev.MintURL, req); err != nil {
			m.log.Warn("re-subscribing after reconnect", slog.String("mint", ev.MintURL), slog.Any("error", err))
		}
	}
}

// Pause quiesces the transport while preserving every registered
// subscription; Resume reconnects and lets the resulting open events
// replay them.
func (m *Manager) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
	m.transport.Pause()
}

func (m *Manager) Resume() {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
	m.transport.Resume()
}

// CloseMint drops every subscription and transport state for one mint.
func (m *Manager) CloseMint(mintURL string) {
	m.mu.Lock()
	delete(m.active, mintURL)
	delete(m.pendingSubscribe, mintURL)
	delete(m.seenOpen, mintURL)
	delete(m.attached, mintURL)
	m.mu.Unlock()
	m.transport.CloseMint(mintURL)
}

// Close drops everything.
func (m *Manager) Close() {
	m.mu.Lock()
	m.active = make(map[string]map[string]*sub)
	m.pendingSubscribe = make(map[string]map[int]string)
	m.seenOpen = make(map[string]bool)
	m.attached = make(map[string]bool)
	m.mu.Unlock()
	m.transport.CloseAll()
}
