package operation

import (
	"github.com/0ceanSlim/nutengine/cashu"
	"github.com/0ceanSlim/nutengine/opstore"
)

// EventKind is the closed enumeration of events Service emits; each
// kind carries the same typed Event payload.
type EventKind string

const (
	EventPrepared   EventKind = "melt:prepared"
	EventPending    EventKind = "melt:pending"
	EventFinalized  EventKind = "melt:finalized"
	EventRolledBack EventKind = "melt:rolled-back"
)

// Event is the single payload shape every EventKind carries: the mint,
// the operation id, and the new record. ChangeProofs is populated only
// for EventFinalized.
type Event struct {
	Kind         EventKind
	MintURL      string
	OperationID  string
	Operation    opstore.MeltOperation
	ChangeProofs cashu.Proofs
}
