// Package opstore holds the persisted record of a melt operation's
// progress through its saga, modeled as a sum type over MeltState
// rather than one struct with a tag field and a pile of optional
// pointers.
package opstore

import (
	"context"
	"time"

	"github.com/0ceanSlim/nutengine/cashu"
)

// MeltState is the discriminant of a MeltOperation.
type MeltState int

const (
	StateInit MeltState = iota
	StatePrepared
	StateExecuting
	StatePending
	StateFinalized
	StateRollingBack
	StateRolledBack
)

func (s MeltState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StatePrepared:
		return "prepared"
	case StateExecuting:
		return "executing"
	case StatePending:
		return "pending"
	case StateFinalized:
		return "finalized"
	case StateRollingBack:
		return "rolling_back"
	case StateRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state admits no further transition.
func (s MeltState) Terminal() bool {
	return s == StateFinalized || s == StateRolledBack
}

// PreparedData is the data every state from prepared onward shares.
type PreparedData struct {
	QuoteID           string
	Amount            uint64
	FeeReserve        uint64
	SwapFee           uint64
	NeedsSwap         bool
	InputAmount       uint64
	InputProofSecrets [][]byte
	ChangeOutputData  cashu.OutputData
	SwapOutputData    *cashu.OutputData
}

// MeltOperation is the tagged union over melt saga states. Fields valid
// only in some states are grouped in *PreparedData, nil before
// "prepared". Callers should branch on State, not on which pointer is
// non-nil.
type MeltOperation struct {
	ID        string
	MintURL   string
	Unit      string
	Method    string
	State     MeltState
	Prepared  *PreparedData
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists melt operation records keyed by id, with the two
// domain queries the service and recovery loops need.
type Store interface {
	Create(ctx context.Context, op MeltOperation) error
	Get(ctx context.Context, id string) (MeltOperation, bool, error)
	Update(ctx context.Context, op MeltOperation) error
	Delete(ctx context.Context, id string) error

	ListByState(ctx context.Context, mintURL string, state MeltState) ([]MeltOperation, error)
	GetByQuoteID(ctx context.Context, mintURL, quoteID string) (MeltOperation, bool, error)
}
