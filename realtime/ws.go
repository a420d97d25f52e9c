package realtime

import (
	"context"
	"log/slog"

	"github.com/gorilla/websocket"
)

// WSTransport is the WebSocket leg of the hybrid: a thin Transport
// veneer over ConnManager. Pause closes every socket with close code
// 1000 reason "Paused" and clears pending reconnect timers; Resume
// redials every mint that has registered listeners.
type WSTransport struct {
	cm *ConnManager
}

// NewWSTransport builds a WSTransport. reconnect is forwarded to the
// ConnManager; HybridTransport passes false.
func NewWSTransport(log *slog.Logger, reconnect bool) *WSTransport {
	return &WSTransport{cm: NewConnManager(log, reconnect)}
}

func (t *WSTransport) On(mintURL string, kind EventKind, h Handler) {
	t.cm.On(mintURL, kind, h)
}

func (t *WSTransport) Send(ctx context.Context, mintURL string, req Request) error {
	return t.cm.Send(ctx, mintURL, req)
}

// Connect establishes the socket for mintURL without sending anything.
func (t *WSTransport) Connect(mintURL string) {
	t.cm.Connect(mintURL)
}

func (t *WSTransport) CloseMint(mintURL string) {
	t.cm.Close(mintURL, websocket.CloseNormalClosure, "")
	t.cm.RemoveListeners(mintURL)
}

func (t *WSTransport) CloseAll() {
	t.cm.CloseAll(websocket.CloseNormalClosure, "")
}

func (t *WSTransport) Pause() {
	t.cm.ClearReconnectTimers()
	t.cm.CloseAll(websocket.CloseNormalClosure, "Paused")
}

func (t *WSTransport) Resume() {
	for _, mintURL := range t.cm.MintsWithListeners() {
		t.cm.Connect(mintURL)
	}
}

var _ Transport = (*WSTransport)(nil)
