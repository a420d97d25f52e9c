// Package operation implements the melt orchestrator wrapping
// melt.Handler with single-flight locking per operation, state
// persistence, a global recovery driver, and event emission.
// melt.Handler never mutates an operation record; this package is the
// sole mutator.
package operation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/0ceanSlim/nutengine/cashu"
	"github.com/0ceanSlim/nutengine/melt"
	"github.com/0ceanSlim/nutengine/opstore"
	"github.com/0ceanSlim/nutengine/proofstore"
	"github.com/0ceanSlim/nutengine/storage"
)

// Clock abstracts time.Now for operation timestamps. New installs
// time.Now; Service has no exported way to replace it.
type Clock func() time.Time

// Service is MeltOperationService.
type Service struct {
	handler *melt.Handler
	ops     opstore.Store
	proofs  proofstore.Store
	mints   storage.MintRepo
	log     *slog.Logger
	clock   Clock
	events  chan Event

	mu             sync.Mutex
	operationLocks map[string]struct{}
	recoveryLock   chan struct{} // buffered(1); held = empty
}

// New builds a Service. events, if non-nil, receives every emitted
// Event; callers that don't care about events may pass nil and the
// service drops them silently. The dispatcher never blocks on a slow
// consumer either: when the channel is full the event is logged and
// dropped (see emit).
func New(handler *melt.Handler, ops opstore.Store, proofs proofstore.Store, mints storage.MintRepo, log *slog.Logger, events chan Event) *Service {
	s := &Service{
		handler:        handler,
		ops:            ops,
		proofs:         proofs,
		mints:          mints,
		log:            log,
		clock:          time.Now,
		events:         events,
		operationLocks: make(map[string]struct{}),
		recoveryLock:   make(chan struct{}, 1),
	}
	s.recoveryLock <- struct{}{}
	return s
}

// lock acquires the per-operation lease, failing fast with
// cashu.ErrOperationInProgress rather than blocking: callers retry on
// their own schedule, nothing queues behind a held lease.
func (s *Service) lock(id string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.operationLocks[id]; held {
		return nil, cashu.New(cashu.KindOperationInProgress, "operation %s is already in progress", id)
	}
	s.operationLocks[id] = struct{}{}
	return func() {
		s.mu.Lock()
		delete(s.operationLocks, id)
		s.mu.Unlock()
	}, nil
}

func (s *Service) emit(ev Event) {
	if s.events == nil {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.log.Warn("dropping melt event, subscriber channel full", slog.String("kind", string(ev.Kind)), slog.String("operation_id", ev.OperationID))
	}
}

// releaseReservations frees every proof still reserved under
// operationID, so a failed prepare never leaves reservations behind.
func (s *Service) releaseReservations(ctx context.Context, mintURL, operationID string) {
	held, err := s.proofs.GetByOperationID(ctx, mintURL, operationID)
	if err != nil {
		s.log.Warn("listing reservations after failed prepare", slog.String("operation_id", operationID), slog.Any("error", err))
		return
	}
	var secrets [][]byte
	for _, p := range held {
		if p.UsedByOperationID == operationID {
			secrets = append(secrets, p.Secret)
		}
	}
	if len(secrets) == 0 {
		return
	}
	if err := s.proofs.Release(ctx, mintURL, secrets); err != nil {
		s.log.Warn("releasing proofs after failed prepare", slog.String("operation_id", operationID), slog.Any("error", err))
	}
}

// InitRequest is the caller-supplied input to Init.
type InitRequest struct {
	MintURL          string
	Invoice          string
	Unit             string
	AllowSmallDenoms bool
}

// Init validates trust and creates the init-state record. No proofs
// are touched here.
func (s *Service) Init(ctx context.Context, req InitRequest) (opstore.MeltOperation, error) {
	trusted, err := s.mints.IsTrusted(ctx, req.MintURL)
	if err != nil {
		return opstore.MeltOperation{}, err
	}
	if !trusted {
		return opstore.MeltOperation{}, cashu.New(cashu.KindUnknownMint, "mint %s is not trusted", req.MintURL)
	}

	now := s.clock()
	op := opstore.MeltOperation{
		ID:        uuid.NewString(),
		MintURL:   req.MintURL,
		Unit:      req.Unit,
		Method:    "bolt11",
		State:     opstore.StateInit,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.ops.Create(ctx, op); err != nil {
		return opstore.MeltOperation{}, err
	}
	return op, nil
}

// Prepare, under the per-operation lock, asks melt.Handler to obtain a
// quote and reserve inputs. On failure, any reservation Handler.Prepare
// made is released and the init record is deleted, leaving no trace of
// the failed attempt.
func (s *Service) Prepare(ctx context.Context, operationID, invoice string, allowSmallDenoms bool) (opstore.MeltOperation, error) {
	unlock, err := s.lock(operationID)
	if err != nil {
		return opstore.MeltOperation{}, err
	}
	defer unlock()

	op, found, err := s.ops.Get(ctx, operationID)
	if err != nil {
		return opstore.MeltOperation{}, err
	}
	if !found {
		return opstore.MeltOperation{}, cashu.New(cashu.KindIllegalStateTransition, "no operation %s", operationID)
	}
	if op.State != opstore.StateInit {
		return opstore.MeltOperation{}, cashu.New(cashu.KindIllegalStateTransition, "operation %s is %s, not init", operationID, op.State)
	}

	result, err := s.handler.Prepare(ctx, melt.PrepareRequest{
		OperationID:      operationID,
		MintURL:          op.MintURL,
		Invoice:          invoice,
		AllowSmallDenoms: allowSmallDenoms,
	})
	if err != nil {
		s.releaseReservations(ctx, op.MintURL, operationID)
		if delErr := s.ops.Delete(ctx, operationID); delErr != nil {
			s.log.Warn("deleting init record after failed prepare", slog.String("operation_id", operationID), slog.Any("error", delErr))
		}
		return opstore.MeltOperation{}, err
	}

	prepared := result.Prepared
	op.State = opstore.StatePrepared
	op.Prepared = &prepared
	op.UpdatedAt = s.clock()
	if err := s.ops.Update(ctx, op); err != nil {
		return opstore.MeltOperation{}, err
	}
	s.emit(Event{Kind: EventPrepared, MintURL: op.MintURL, OperationID: op.ID, Operation: op})
	return op, nil
}

// Execute writes StateExecuting before calling the handler, so a crash
// mid-call is recoverable via RecoverExecuting, then interprets the
// result.
func (s *Service) Execute(ctx context.Context, operationID string) (opstore.MeltOperation, error) {
	unlock, err := s.lock(operationID)
	if err != nil {
		return opstore.MeltOperation{}, err
	}
	defer unlock()

	op, found, err := s.ops.Get(ctx, operationID)
	if err != nil {
		return opstore.MeltOperation{}, err
	}
	if !found {
		return opstore.MeltOperation{}, cashu.New(cashu.KindIllegalStateTransition, "no operation %s", operationID)
	}
	if op.State != opstore.StatePrepared {
		return opstore.MeltOperation{}, cashu.New(cashu.KindIllegalStateTransition, "operation %s is %s, not prepared", operationID, op.State)
	}

	op.State = opstore.StateExecuting
	op.UpdatedAt = s.clock()
	if err := s.ops.Update(ctx, op); err != nil {
		return opstore.MeltOperation{}, err
	}

	result, err := s.handler.Execute(ctx, op)
	if err != nil {
		return opstore.MeltOperation{}, err
	}

	op.State = result.NextState
	if result.FailReason != "" {
		op.Error = result.FailReason
	}
	op.UpdatedAt = s.clock()
	if err := s.ops.Update(ctx, op); err != nil {
		return opstore.MeltOperation{}, err
	}

	switch result.NextState {
	case opstore.StatePending:
		s.emit(Event{Kind: EventPending, MintURL: op.MintURL, OperationID: op.ID, Operation: op})
	case opstore.StateFinalized:
		s.emit(Event{Kind: EventFinalized, MintURL: op.MintURL, OperationID: op.ID, Operation: op, ChangeProofs: result.ChangeProofs})
	case opstore.StateRolledBack:
		s.emit(Event{Kind: EventRolledBack, MintURL: op.MintURL, OperationID: op.ID, Operation: op})
	}
	return op, nil
}

// Finalize pre-checks state, no-ops if already finalized, and refuses
// rolled-back operations.
func (s *Service) Finalize(ctx context.Context, operationID string) (opstore.MeltOperation, error) {
	unlock, err := s.lock(operationID)
	if err != nil {
		return opstore.MeltOperation{}, err
	}
	defer unlock()

	op, found, err := s.ops.Get(ctx, operationID)
	if err != nil {
		return opstore.MeltOperation{}, err
	}
	if !found {
		return opstore.MeltOperation{}, cashu.New(cashu.KindIllegalStateTransition, "no operation %s", operationID)
	}
	if op.State == opstore.StateFinalized {
		return op, nil
	}
	if op.State == opstore.StateRolledBack || op.State == opstore.StateRollingBack {
		return opstore.MeltOperation{}, cashu.New(cashu.KindIllegalStateTransition, "cannot finalize operation %s in state %s", operationID, op.State)
	}
	if op.State != opstore.StatePending {
		return opstore.MeltOperation{}, cashu.New(cashu.KindIllegalStateTransition, "operation %s is %s, not pending", operationID, op.State)
	}

	result, err := s.handler.Finalize(ctx, op)
	if err != nil {
		return opstore.MeltOperation{}, err
	}

	op.State = opstore.StateFinalized
	op.UpdatedAt = s.clock()
	if err := s.ops.Update(ctx, op); err != nil {
		return opstore.MeltOperation{}, err
	}
	s.emit(Event{Kind: EventFinalized, MintURL: op.MintURL, OperationID: op.ID, Operation: op, ChangeProofs: result.ChangeProofs})
	return op, nil
}

// Rollback is forbidden from init, finalized, rolled_back, and
// rolling_back. From pending, it transitions to rolling_back first so
// a concurrent finalize driven by a watcher notification cannot race
// this call.
func (s *Service) Rollback(ctx context.Context, operationID, reason string) (opstore.MeltOperation, error) {
	unlock, err := s.lock(operationID)
	if err != nil {
		return opstore.MeltOperation{}, err
	}
	defer unlock()

	op, found, err := s.ops.Get(ctx, operationID)
	if err != nil {
		return opstore.MeltOperation{}, err
	}
	if !found {
		return opstore.MeltOperation{}, cashu.New(cashu.KindIllegalStateTransition, "no operation %s", operationID)
	}
	switch op.State {
	case opstore.StateInit, opstore.StateFinalized, opstore.StateRolledBack, opstore.StateRollingBack:
		return opstore.MeltOperation{}, cashu.New(cashu.KindIllegalStateTransition, "cannot roll back operation %s from state %s", operationID, op.State)
	}

	if op.State == opstore.StatePending {
		op.State = opstore.StateRollingBack
		op.UpdatedAt = s.clock()
		if err := s.ops.Update(ctx, op); err != nil {
			return opstore.MeltOperation{}, err
		}
	}

	if err := s.handler.Rollback(ctx, op); err != nil {
		return opstore.MeltOperation{}, err
	}

	op.State = opstore.StateRolledBack
	op.Error = reason
	op.UpdatedAt = s.clock()
	if err := s.ops.Update(ctx, op); err != nil {
		return opstore.MeltOperation{}, err
	}
	s.emit(Event{Kind: EventRolledBack, MintURL: op.MintURL, OperationID: op.ID, Operation: op})
	return op, nil
}
