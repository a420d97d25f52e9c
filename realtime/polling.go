package realtime

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/0ceanSlim/nutengine/gateway"
)

// DefaultSlowInterval is the polling cadence while the WS leg is
// healthy; DefaultFastInterval is what the hybrid switches to when the
// WS leg fails for a mint.
const (
	DefaultSlowInterval = 20 * time.Second
	DefaultFastInterval = 5 * time.Second
)

// pollTask is one active subscription turned into a recurring mint
// query, keyed by sub_id.
type pollTask struct {
	mintURL string
	subID   string
	kind    string
	filters []string

	timer   *time.Timer
	running bool
}

// PollingTransport is the polling leg of the hybrid: it mirrors
// subscribe/unsubscribe traffic into per-mint polling tasks, issues the
// appropriate mint query on each tick, and synthesizes notifications in
// the same wire shape a WS push would carry, so downstream consumers
// cannot tell the legs apart.
type PollingTransport struct {
	gw  gateway.Gateway
	log *slog.Logger

	defaultInterval time.Duration

	mu          sync.Mutex
	intervals   map[string]time.Duration
	tasks       map[string]*pollTask
	listeners   map[string][]listenerEntry
	openEmitted map[string]bool
	// unsubDuringRun records sub_ids unsubscribed while their task was
	// mid-query; consulted at re-enqueue time so an in-flight tick is
	// never re-scheduled after its subscription is gone.
	unsubDuringRun map[string]bool
	paused         bool
}

func NewPollingTransport(gw gateway.Gateway, log *slog.Logger, interval time.Duration) *PollingTransport {
	if interval <= 0 {
		interval = DefaultSlowInterval
	}
	return &PollingTransport{
		gw:              gw,
		log:             log,
		defaultInterval: interval,
		intervals:       make(map[string]time.Duration),
		tasks:           make(map[string]*pollTask),
		listeners:       make(map[string][]listenerEntry),
		openEmitted:     make(map[string]bool),
		unsubDuringRun:  make(map[string]bool),
	}
}

func (p *PollingTransport) On(mintURL string, kind EventKind, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners[mintURL] = append(p.listeners[mintURL], listenerEntry{kind: kind, h: h})
}

func (p *PollingTransport) dispatch(ev Event) {
	p.mu.Lock()
	entries := append([]listenerEntry(nil), p.listeners[ev.MintURL]...)
	p.mu.Unlock()
	for _, e := range entries {
		if e.kind == ev.Kind {
			e.h(ev)
		}
	}
}

// SetInterval overrides the polling interval for one mint; running
// tasks pick it up on their next re-enqueue.
func (p *PollingTransport) SetInterval(mintURL string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.intervals[mintURL] = d
}

func (p *PollingTransport) intervalFor(mintURL string) time.Duration {
	if d, ok := p.intervals[mintURL]; ok {
		return d
	}
	return p.defaultInterval
}

// Send mirrors a subscribe into a new polling task, or an unsubscribe
// into task removal. The first subscribe for a mint emits a synthetic
// open event so downstream code perceives the same lifecycle as a WS
// connection establishing.
func (p *PollingTransport) Send(ctx context.Context, mintURL string, req Request) error {
	switch req.Method {
	case "subscribe":
		p.mu.Lock()
		task := &pollTask{
			mintURL: mintURL,
			subID:   req.Params.SubID,
			kind:    req.Params.Kind,
			filters: append([]string(nil), req.Params.Filters...),
		}
		p.tasks[task.subID] = task
		emitOpen := !p.openEmitted[mintURL]
		p.openEmitted[mintURL] = true
		if !p.paused {
			p.scheduleLocked(task, p.intervalFor(mintURL))
		}
		p.mu.Unlock()

		if emitOpen {
			p.dispatch(Event{Kind: EventOpen, MintURL: mintURL})
		}
		return nil

	case "unsubscribe":
		p.mu.Lock()
		defer p.mu.Unlock()
		task, ok := p.tasks[req.Params.SubID]
		if !ok {
			return nil
		}
		if task.running {
			p.unsubDuringRun[task.subID] = true
			return nil
		}
		if task.timer != nil {
			task.timer.Stop()
		}
		delete(p.tasks, task.subID)
		return nil

	default:
		return nil
	}
}

// scheduleLocked arms the task's timer; p.mu must be held.
func (p *PollingTransport) scheduleLocked(task *pollTask, d time.Duration) {
	task.timer = time.AfterFunc(d, func() { p.runTask(task) })
}

func (p *PollingTransport) runTask(task *pollTask) {
	p.mu.Lock()
	if p.paused || p.tasks[task.subID] != task {
		p.mu.Unlock()
		return
	}
	task.running = true
	p.mu.Unlock()

	p.poll(task)

	p.mu.Lock()
	defer p.mu.Unlock()
	task.running = false
	if p.unsubDuringRun[task.subID] {
		delete(p.unsubDuringRun, task.subID)
		delete(p.tasks, task.subID)
		return
	}
	if p.paused || p.tasks[task.subID] != task {
		return
	}
	p.scheduleLocked(task, p.intervalFor(task.mintURL))
}

// poll issues the mint query matching the task's kind and dispatches a
// synthesized notification per result. Query failures are logged and
// skipped; the next tick retries.
func (p *PollingTransport) poll(task *pollTask) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	switch task.kind {
	case KindBolt11MintQuote:
		for _, quoteID := range task.filters {
			quote, err := p.gw.CheckMintQuote(ctx, task.mintURL, quoteID)
			if err != nil {
				p.log.Warn("polling mint quote", slog.String("mint", task.mintURL), slog.String("quote", quoteID), slog.Any("error", err))
				continue
			}
			p.notify(task, map[string]any{"quote": quote.ID, "state": quote.State, "request": quote.PaymentRequest})
		}

	case KindBolt11MeltQuote:
		for _, quoteID := range task.filters {
			quote, err := p.gw.CheckMeltQuote(ctx, task.mintURL, quoteID)
			if err != nil {
				p.log.Warn("polling melt quote", slog.String("mint", task.mintURL), slog.String("quote", quoteID), slog.Any("error", err))
				continue
			}
			p.notify(task, map[string]any{"quote": quote.ID, "state": quote.State})
		}

	case KindProofState:
		ys := make([][]byte, 0, len(task.filters))
		for _, f := range task.filters {
			y, err := hex.DecodeString(f)
			if err != nil {
				p.log.Warn("bad proof-state filter", slog.String("mint", task.mintURL), slog.String("filter", f))
				continue
			}
			ys = append(ys, y)
		}
		if len(ys) == 0 {
			return
		}
		states, err := p.gw.CheckProofStates(ctx, task.mintURL, ys)
		if err != nil {
			p.log.Warn("polling proof states", slog.String("mint", task.mintURL), slog.Any("error", err))
			return
		}
		for _, s := range states {
			p.notify(task, map[string]any{"Y": hex.EncodeToString(s.Y), "state": s.State.String()})
		}
	}
}

func (p *PollingTransport) notify(task *pollTask, payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	env := &Envelope{
		JSONRPC: "2.0",
		Method:  "subscribe",
		Params:  &NotificationParams{SubID: task.subID, Payload: raw},
	}
	p.dispatch(Event{Kind: EventMessage, MintURL: task.mintURL, Message: env})
}

func (p *PollingTransport) CloseMint(mintURL string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for subID, task := range p.tasks {
		if task.mintURL != mintURL {
			continue
		}
		if task.timer != nil {
			task.timer.Stop()
		}
		delete(p.tasks, subID)
		delete(p.unsubDuringRun, subID)
	}
	delete(p.listeners, mintURL)
	delete(p.openEmitted, mintURL)
	delete(p.intervals, mintURL)
}

func (p *PollingTransport) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for subID, task := range p.tasks {
		if task.timer != nil {
			task.timer.Stop()
		}
		delete(p.tasks, subID)
	}
	p.listeners = make(map[string][]listenerEntry)
	p.openEmitted = make(map[string]bool)
	p.unsubDuringRun = make(map[string]bool)
}

// Pause suspends every task's timer but keeps the task set, so Resume
// picks polling back up without re-subscribing. The synthetic-open
// bookkeeping resets so each mint surfaces a fresh open after Resume.
func (p *PollingTransport) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	for _, task := range p.tasks {
		if task.timer != nil {
			task.timer.Stop()
			task.timer = nil
		}
	}
	p.openEmitted = make(map[string]bool)
}

func (p *PollingTransport) Resume() {
	p.mu.Lock()
	if !p.paused {
		p.mu.Unlock()
		return
	}
	p.paused = false
	reopened := make(map[string]bool)
	for _, task := range p.tasks {
		if !p.openEmitted[task.mintURL] {
			p.openEmitted[task.mintURL] = true
			reopened[task.mintURL] = true
		}
		p.scheduleLocked(task, p.intervalFor(task.mintURL))
	}
	p.mu.Unlock()

	for mintURL := range reopened {
		p.dispatch(Event{Kind: EventOpen, MintURL: mintURL})
	}
}

var _ Transport = (*PollingTransport)(nil)
