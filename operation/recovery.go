package operation

import (
	"context"
	"log/slog"

	"github.com/0ceanSlim/nutengine/cashu"
	"github.com/0ceanSlim/nutengine/melt"
	"github.com/0ceanSlim/nutengine/opstore"
)

// tryAcquireRecovery applies the same lease-or-fail pattern the
// per-operation locks use: recovery never queues behind itself.
func (s *Service) tryAcquireRecovery() (func(), error) {
	select {
	case <-s.recoveryLock:
		return func() { s.recoveryLock <- struct{}{} }, nil
	default:
		return nil, cashu.New(cashu.KindRecoveryInProgress, "recovery already in progress")
	}
}

// RecoverPendingOperations is the startup recovery driver: globally
// serialized via the recovery lease, it drives every executing
// operation through RecoverExecuting, every pending operation through
// CheckPending, and finally sweeps orphaned proof reservations.
func (s *Service) RecoverPendingOperations(ctx context.Context) error {
	release, err := s.tryAcquireRecovery()
	if err != nil {
		return err
	}
	defer release()

	mints, err := s.mints.ListTrusted(ctx)
	if err != nil {
		return err
	}

	for _, mint := range mints {
		executing, err := s.ops.ListByState(ctx, mint.URL, opstore.StateExecuting)
		if err != nil {
			return err
		}
		for _, op := range executing {
			if err := s.recoverOne(ctx, op); err != nil {
				s.log.Error("recovering executing operation", slog.String("operation_id", op.ID), slog.Any("error", err))
			}
		}

		pending, err := s.ops.ListByState(ctx, mint.URL, opstore.StatePending)
		if err != nil {
			return err
		}
		for _, op := range pending {
			if err := s.checkOnePending(ctx, op); err != nil {
				s.log.Error("checking pending operation", slog.String("operation_id", op.ID), slog.Any("error", err))
			}
		}
	}

	return s.sweepOrphans(ctx)
}

func (s *Service) recoverOne(ctx context.Context, op opstore.MeltOperation) error {
	result, err := s.handler.RecoverExecuting(ctx, op)
	if err != nil {
		return err
	}
	op.State = result.NextState
	if result.Reason != "" {
		op.Error = result.Reason
	}
	op.UpdatedAt = s.clock()
	if err := s.ops.Update(ctx, op); err != nil {
		return err
	}
	switch result.NextState {
	case opstore.StatePending:
		s.emit(Event{Kind: EventPending, MintURL: op.MintURL, OperationID: op.ID, Operation: op})
	case opstore.StateFinalized:
		s.emit(Event{Kind: EventFinalized, MintURL: op.MintURL, OperationID: op.ID, Operation: op, ChangeProofs: result.ChangeProofs})
	case opstore.StateRolledBack:
		s.emit(Event{Kind: EventRolledBack, MintURL: op.MintURL, OperationID: op.ID, Operation: op})
	}
	return nil
}

func (s *Service) checkOnePending(ctx context.Context, op opstore.MeltOperation) error {
	outcome, err := s.handler.CheckPending(ctx, op)
	if err != nil {
		return err
	}
	switch outcome {
	case melt.OutcomeFinalize:
		_, err := s.Finalize(ctx, op.ID)
		return err
	case melt.OutcomeRollback:
		_, err := s.Rollback(ctx, op.ID, "melt quote unpaid")
		return err
	default:
		return nil
	}
}

// sweepOrphans releases any reserved proof whose operation is terminal
// or no longer exists, the last step of every recovery run.
func (s *Service) sweepOrphans(ctx context.Context) error {
	reserved, err := s.proofs.GetReserved(ctx)
	if err != nil {
		return err
	}
	terminal := make(map[string]bool)
	byMint := make(map[string][][]byte)
	for _, p := range reserved {
		if p.UsedByOperationID == "" {
			continue
		}
		stale, cached := terminal[p.UsedByOperationID]
		if !cached {
			op, found, err := s.ops.Get(ctx, p.UsedByOperationID)
			stale = !found || op.State.Terminal()
			terminal[p.UsedByOperationID] = stale
			_ = err
		}
		if stale {
			byMint[p.MintURL] = append(byMint[p.MintURL], p.Secret)
		}
	}
	for mintURL, secrets := range byMint {
		if err := s.proofs.Release(ctx, mintURL, secrets); err != nil {
			s.log.Warn("releasing orphaned proof reservation", slog.String("mint_url", mintURL), slog.Any("error", err))
		}
	}
	return nil
}
