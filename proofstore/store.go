// Package proofstore declares the proof inventory contract: atomic
// reservation, release, and state transitions over the wallet's
// proofs. boltstore.ProofStore is the reference implementation;
// Select is the storage-agnostic selection policy every implementation
// should delegate to.
package proofstore

import (
	"context"

	"github.com/0ceanSlim/nutengine/cashu"
)

// Store is the ProofStore contract.
type Store interface {
	// SaveProofs inserts new proofs. A (mint_url, secret) conflict with
	// an existing row fails the whole batch with cashu.ErrDuplicateProof.
	SaveProofs(ctx context.Context, mintURL string, proofs cashu.Proofs) error

	// SetState transitions the named secrets to newState. Any secret not
	// present fails with cashu.ErrUnknownProof; moving a spent proof back
	// fails with cashu.ErrIllegalTransition. The lifecycle invariants are
	// enforced here, not by the caller.
	SetState(ctx context.Context, mintURL string, secrets [][]byte, newState cashu.ProofState) error

	// Reserve atomically marks ready, unreserved proofs as used by
	// operationID. Idempotent when called again with the same
	// operationID; fails with cashu.ErrAlreadyReserved if any named
	// secret is reserved by a different operation.
	Reserve(ctx context.Context, mintURL string, secrets [][]byte, operationID string) error

	// Release clears the reservation, leaving State untouched.
	Release(ctx context.Context, mintURL string, secrets [][]byte) error

	// RestoreToReady sets State to ready and clears the reservation.
	// Valid only from ready or inflight.
	RestoreToReady(ctx context.Context, mintURL string, secrets [][]byte) error

	// SelectForSend returns ready, unreserved proofs summing to at least
	// targetAmount, per the Select policy below. Returns
	// cashu.ErrInsufficientBalance if the store can't cover it.
	SelectForSend(ctx context.Context, mintURL string, targetAmount uint64, unit string, allowSmallDenoms bool) (cashu.Proofs, error)

	// GetByOperationID returns every proof bearing operationID as either
	// UsedByOperationID or CreatedByOperationID.
	GetByOperationID(ctx context.Context, mintURL, operationID string) (cashu.Proofs, error)

	// GetReserved returns every reserved proof across all mints, for
	// the orphan sweep recovery runs last.
	GetReserved(ctx context.Context) (cashu.Proofs, error)

	// Balance sums ready, unreserved proof amounts for mintURL.
	Balance(ctx context.Context, mintURL string) (uint64, error)
}
