package operation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/0ceanSlim/nutengine/cashu"
	"github.com/0ceanSlim/nutengine/opstore"
	"github.com/0ceanSlim/nutengine/realtime"
	"github.com/0ceanSlim/nutengine/subscription"
)

// Watcher drives pending melt operations from mint-push notifications:
// it subscribes to the melt quote of each watched operation and calls
// Finalize or Rollback when the mint reports PAID or UNPAID, replacing
// a poll loop with the realtime channel.
type Watcher struct {
	svc  *Service
	subs *subscription.Manager
	log  *slog.Logger

	mu      sync.Mutex
	watched map[string]*subscription.Subscription
}

func NewWatcher(svc *Service, subs *subscription.Manager, log *slog.Logger) *Watcher {
	return &Watcher{
		svc:     svc,
		subs:    subs,
		log:     log,
		watched: make(map[string]*subscription.Subscription),
	}
}

// Watch subscribes to op's melt quote. The operation must be pending;
// watching is idempotent per operation id.
func (w *Watcher) Watch(ctx context.Context, op opstore.MeltOperation) error {
	if op.State != opstore.StatePending {
		return cashu.New(cashu.KindIllegalStateTransition, "operation %s is %s, not pending", op.ID, op.State)
	}
	w.mu.Lock()
	if _, ok := w.watched[op.ID]; ok {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	operationID := op.ID
	mintURL := op.MintURL
	handle, err := w.subs.Subscribe(ctx, mintURL, realtime.KindBolt11MeltQuote, []string{op.Prepared.QuoteID}, func(payload json.RawMessage) {
		w.onQuoteUpdate(operationID, payload)
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.watched[operationID] = handle
	w.mu.Unlock()
	return nil
}

func (w *Watcher) onQuoteUpdate(operationID string, payload json.RawMessage) {
	var body struct {
		Quote string `json:"quote"`
		State string `json:"state"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		w.log.Warn("bad melt quote notification", slog.String("operation_id", operationID), slog.Any("error", err))
		return
	}

	ctx := context.Background()
	switch body.State {
	case "PAID":
		if _, err := w.svc.Finalize(ctx, operationID); err != nil {
			// A concurrent finalize (recovery loop, explicit call)
			// holding the lock is the expected race; anything else is
			// worth surfacing.
			if errors.Is(err, cashu.ErrOperationInProgress) {
				return
			}
			w.log.Error("finalizing from notification", slog.String("operation_id", operationID), slog.Any("error", err))
			return
		}
		w.Unwatch(ctx, operationID)

	case "UNPAID":
		if _, err := w.svc.Rollback(ctx, operationID, "melt quote unpaid"); err != nil {
			if errors.Is(err, cashu.ErrOperationInProgress) {
				return
			}
			w.log.Error("rolling back from notification", slog.String("operation_id", operationID), slog.Any("error", err))
			return
		}
		w.Unwatch(ctx, operationID)
	}
}

// Unwatch drops the subscription for operationID, if any.
func (w *Watcher) Unwatch(ctx context.Context, operationID string) {
	w.mu.Lock()
	handle := w.watched[operationID]
	delete(w.watched, operationID)
	w.mu.Unlock()
	if handle == nil {
		return
	}
	if err := handle.Unsubscribe(ctx); err != nil {
		w.log.Warn("unsubscribing melt quote watch", slog.String("operation_id", operationID), slog.Any("error", err))
	}
}
