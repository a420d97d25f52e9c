// Package storage declares the persistence boundary contracts:
// MintRepo, KeysetRepo, CounterRepo, MintQuoteRepo, MeltQuoteRepo, and
// HistoryRepo. Proof and operation persistence belong to their owning
// components (proofstore.Store, opstore.Store) rather than a separate
// thin repo.
//
// Any key-value or relational store may implement these; boltstore gives
// a concrete bbolt-backed implementation of all of them.
package storage

import (
	"context"

	"github.com/0ceanSlim/nutengine/crypto"
)

// TrustedMint is a mint the wallet has opted to transact with.
type TrustedMint struct {
	URL      string
	AddedAt  int64
	Nickname string
}

// MintRepo persists the wallet's trusted-mint set, consulted before
// any operation against a mint is created.
type MintRepo interface {
	Trust(ctx context.Context, mint TrustedMint) error
	Untrust(ctx context.Context, mintURL string) error
	IsTrusted(ctx context.Context, mintURL string) (bool, error)
	ListTrusted(ctx context.Context) ([]TrustedMint, error)
}

// KeysetRepo caches the keysets fetched from each mint's GET /v1/keys.
type KeysetRepo interface {
	SaveKeyset(ctx context.Context, keyset crypto.Keyset) error
	GetKeyset(ctx context.Context, mintURL, keysetID string) (crypto.Keyset, bool, error)
	ListKeysets(ctx context.Context, mintURL string) ([]crypto.Keyset, error)
}

// CounterRepo persists the monotonic per-(mint,keyset) derivation
// counter. It only ever moves forward; rewinding it would reuse
// secrets and break deterministic recovery.
type CounterRepo interface {
	// Reserve atomically reserves the next n counter values for
	// (mintURL, keysetID) and returns the first reserved index; the
	// stored counter becomes start+n. A fresh (mint,keyset) starts at 0.
	Reserve(ctx context.Context, mintURL, keysetID string, n uint64) (start uint64, err error)
	// Current returns the next unreserved index without consuming it.
	Current(ctx context.Context, mintURL, keysetID string) (uint64, error)
}

// CachedMintQuote and CachedMeltQuote record the wallet's local view of
// mint-issued quotes, for audit and for resuming after a restart without
// re-querying the mint for quotes the wallet itself created.
type CachedMintQuote struct {
	ID             string
	MintURL        string
	Amount         uint64
	PaymentRequest string
	State          string
	Expiry         int64
}

type CachedMeltQuote struct {
	ID         string
	MintURL    string
	Amount     uint64
	FeeReserve uint64
	State      string
	Expiry     int64
}

type MintQuoteRepo interface {
	Save(ctx context.Context, quote CachedMintQuote) error
	Get(ctx context.Context, mintURL, id string) (CachedMintQuote, bool, error)
	UpdateState(ctx context.Context, mintURL, id, state string) error
}

type MeltQuoteRepo interface {
	Save(ctx context.Context, quote CachedMeltQuote) error
	Get(ctx context.Context, mintURL, id string) (CachedMeltQuote, bool, error)
	UpdateState(ctx context.Context, mintURL, id, state string) error
}

// HistoryEntry is one audit-log row: a human-readable record of a
// completed transaction, independent of the operational state machine
// that produced it.
type HistoryEntry struct {
	ID          string
	MintURL     string
	Kind        string // "melt", "send", "receive", "mint"
	Amount      int64  // signed: positive received, negative sent
	OperationID string
	CreatedAt   int64
}

type HistoryRepo interface {
	Append(ctx context.Context, entry HistoryEntry) error
	List(ctx context.Context, mintURL string, limit int) ([]HistoryEntry, error)
}
