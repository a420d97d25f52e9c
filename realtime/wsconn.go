package realtime

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/0ceanSlim/nutengine/cashu"
)

// DeriveWsURL transforms a mint's base URL into its subscription
// endpoint: http(s)://host/path -> ws(s)://host/path/v1/ws.
func DeriveWsURL(mintURL string) (string, error) {
	u, err := url.Parse(mintURL)
	if err != nil {
		return "", cashu.Wrap(cashu.KindTransport, err, "parsing mint url %s", mintURL)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", cashu.New(cashu.KindTransport, "mint url %s has unsupported scheme %q", mintURL, u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/ws"
	return u.String(), nil
}

// listenerEntry is one registered (kind, handler) pair for a mint.
type listenerEntry struct {
	kind EventKind
	h    Handler
}

// mintConn is the per-mint socket state: the live connection (nil while
// dialing or down), the pre-open send queue, and reconnect bookkeeping.
type mintConn struct {
	ws             *websocket.Conn
	open           bool
	dialing        bool
	closed         bool // deliberately closed; suppresses reconnect
	queue          []Request
	attempt        int
	reconnectTimer *time.Timer

	writeMu sync.Mutex
}

// ConnManager owns one socket per mint URL: messages queued before
// open and flushed on open, optional exponential-backoff reconnect,
// and per-mint listeners persisted in a map so every freshly-created
// socket keeps feeding the same consumers.
type ConnManager struct {
	log       *slog.Logger
	dialer    *websocket.Dialer
	reconnect bool

	mu        sync.Mutex
	conns     map[string]*mintConn
	listeners map[string][]listenerEntry
}

// NewConnManager builds a ConnManager. reconnect controls whether a
// dropped socket schedules a redial; the hybrid transport passes false
// and lets polling compensate instead.
func NewConnManager(log *slog.Logger, reconnect bool) *ConnManager {
	return &ConnManager{
		log:       log,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		reconnect: reconnect,
		conns:     make(map[string]*mintConn),
		listeners: make(map[string][]listenerEntry),
	}
}

// On registers a handler for (mintURL, kind). Listeners survive socket
// churn: dispatch always reads the current map, so a reconnected socket
// feeds the same handlers without re-registration.
func (m *ConnManager) On(mintURL string, kind EventKind, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[mintURL] = append(m.listeners[mintURL], listenerEntry{kind: kind, h: h})
}

func (m *ConnManager) dispatch(ev Event) {
	m.mu.Lock()
	entries := append([]listenerEntry(nil), m.listeners[ev.MintURL]...)
	m.mu.Unlock()
	for _, e := range entries {
		if e.kind == ev.Kind {
			e.h(ev)
		}
	}
}

// Send writes req to the mint's socket, dialing first if no socket
// exists yet. Messages sent before the socket opens are queued and
// flushed on open, in order.
func (m *ConnManager) Send(ctx context.Context, mintURL string, req Request) error {
	m.mu.Lock()
	c, ok := m.conns[mintURL]
	if !ok || c.closed {
		c = &mintConn{}
		m.conns[mintURL] = c
	}
	if !c.open {
		c.queue = append(c.queue, req)
		needDial := !c.dialing
		if needDial {
			c.dialing = true
		}
		m.mu.Unlock()
		if needDial {
			go m.dial(mintURL)
		}
		return nil
	}
	m.mu.Unlock()
	return m.write(c, req)
}

func (m *ConnManager) write(c *mintConn, req Request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(req); err != nil {
		return cashu.Wrap(cashu.KindTransport, err, "writing ws frame")
	}
	return nil
}

// Connect establishes (or re-establishes) the socket for mintURL. Safe
// to call for a mint that is already connected or mid-dial.
func (m *ConnManager) Connect(mintURL string) {
	m.mu.Lock()
	c, ok := m.conns[mintURL]
	if !ok || c.closed {
		c = &mintConn{}
		m.conns[mintURL] = c
	}
	if c.open || c.dialing {
		m.mu.Unlock()
		return
	}
	c.dialing = true
	m.mu.Unlock()
	go m.dial(mintURL)
}

func (m *ConnManager) dial(mintURL string) {
	wsURL, err := DeriveWsURL(mintURL)
	if err != nil {
		m.mu.Lock()
		if c := m.conns[mintURL]; c != nil {
			c.dialing = false
		}
		m.mu.Unlock()
		m.dispatch(Event{Kind: EventError, MintURL: mintURL, Err: err})
		return
	}

	ws, _, err := m.dialer.Dial(wsURL, nil)

	m.mu.Lock()
	c := m.conns[mintURL]
	if c == nil || c.closed {
		m.mu.Unlock()
		if ws != nil {
			ws.Close()
		}
		return
	}
	c.dialing = false
	if err != nil {
		m.mu.Unlock()
		m.log.Warn("ws dial failed", slog.String("mint", mintURL), slog.Any("error", err))
		m.dispatch(Event{Kind: EventError, MintURL: mintURL, Err: cashu.Wrap(cashu.KindTransport, err, "dialing %s", wsURL)})
		m.scheduleReconnect(mintURL)
		return
	}

	c.ws = ws
	c.open = true
	c.attempt = 0
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	pending := c.queue
	c.queue = nil
	m.mu.Unlock()

	m.dispatch(Event{Kind: EventOpen, MintURL: mintURL})
	for _, req := range pending {
		if err := m.write(c, req); err != nil {
			m.log.Warn("flushing queued ws frame", slog.String("mint", mintURL), slog.Any("error", err))
		}
	}

	go m.readLoop(mintURL, c, ws)
}

func (m *ConnManager) readLoop(mintURL string, c *mintConn, ws *websocket.Conn) {
	for {
		var env Envelope
		if err := ws.ReadJSON(&env); err != nil {
			code, reason := websocket.CloseAbnormalClosure, err.Error()
			if ce, ok := err.(*websocket.CloseError); ok {
				code, reason = ce.Code, ce.Text
			}

			m.mu.Lock()
			deliberate := c.closed
			if m.conns[mintURL] == c {
				c.open = false
				c.ws = nil
			}
			m.mu.Unlock()

			m.dispatch(Event{Kind: EventClose, MintURL: mintURL, Code: code, Reason: reason})
			if !deliberate {
				m.scheduleReconnect(mintURL)
			}
			return
		}
		m.dispatch(Event{Kind: EventMessage, MintURL: mintURL, Message: &env})
	}
}

// scheduleReconnect arms the backoff timer for mintURL:
// min(30s, 2^min(6, attempt-1) x 1s). The timer is cleared on open and
// on deliberate close.
func (m *ConnManager) scheduleReconnect(mintURL string) {
	if !m.reconnect {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.conns[mintURL]
	if c == nil || c.closed || c.open || c.reconnectTimer != nil {
		return
	}
	c.attempt++
	delay := reconnectDelay(c.attempt)
	c.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if cur := m.conns[mintURL]; cur == c {
			c.reconnectTimer = nil
			if c.closed || c.open || c.dialing {
				m.mu.Unlock()
				return
			}
			c.dialing = true
			m.mu.Unlock()
			m.dial(mintURL)
			return
		}
		m.mu.Unlock()
	})
	m.log.Info("ws reconnect scheduled", slog.String("mint", mintURL), slog.Int("attempt", c.attempt), slog.Duration("delay", delay))
}

func reconnectDelay(attempt int) time.Duration {
	exp := attempt - 1
	if exp > 6 {
		exp = 6
	}
	d := time.Duration(1<<uint(exp)) * time.Second
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// Close tears down the socket for mintURL with the given close frame,
// suppressing any reconnect. Listeners stay registered.
func (m *ConnManager) Close(mintURL string, code int, reason string) {
	m.mu.Lock()
	c := m.conns[mintURL]
	if c == nil {
		m.mu.Unlock()
		return
	}
	c.closed = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	ws := c.ws
	delete(m.conns, mintURL)
	m.mu.Unlock()

	if ws != nil {
		msg := websocket.FormatCloseMessage(code, reason)
		deadline := time.Now().Add(time.Second)
		_ = ws.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = ws.Close()
	}
}

// CloseAll tears down every socket with the given close frame.
func (m *ConnManager) CloseAll(code int, reason string) {
	m.mu.Lock()
	mints := make([]string, 0, len(m.conns))
	for mintURL := range m.conns {
		mints = append(mints, mintURL)
	}
	m.mu.Unlock()
	for _, mintURL := range mints {
		m.Close(mintURL, code, reason)
	}
}

// ClearReconnectTimers stops every pending reconnect without tearing
// down live sockets or listener registrations.
func (m *ConnManager) ClearReconnectTimers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		if c.reconnectTimer != nil {
			c.reconnectTimer.Stop()
			c.reconnectTimer = nil
		}
	}
}

// MintsWithListeners returns every mint URL that has at least one
// registered listener, the set Resume reconnects.
func (m *ConnManager) MintsWithListeners() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.listeners))
	for mintURL, entries := range m.listeners {
		if len(entries) > 0 {
			out = append(out, mintURL)
		}
	}
	return out
}

// RemoveListeners drops every listener for mintURL.
func (m *ConnManager) RemoveListeners(mintURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, mintURL)
}
