// Package cashu holds the value types and error taxonomy shared by every
// component of the wallet engine: proofs, amounts, blinded messages, and
// the abstract error kinds described in the engine's error handling design.
package cashu

import "fmt"

// Kind is one of the abstract error kinds the engine's error handling
// design distinguishes. Collaborators match on Kind via errors.Is against
// the sentinel values below rather than comparing strings.
type Kind int

const (
	KindUnknown Kind = iota
	KindUnknownMint
	KindProofValidation
	KindInsufficientBalance
	KindIllegalStateTransition
	KindOperationInProgress
	KindRecoveryInProgress
	KindMintProtocol
	KindTransport
	KindProofRace

	// storage-level kinds (ProofStore contract)
	KindDuplicateProof
	KindUnknownProof
	KindIllegalTransition
	KindAlreadyReserved
)

func (k Kind) String() string {
	switch k {
	case KindUnknownMint:
		return "UnknownMint"
	case KindProofValidation:
		return "ProofValidation"
	case KindInsufficientBalance:
		return "InsufficientBalance"
	case KindIllegalStateTransition:
		return "IllegalStateTransition"
	case KindOperationInProgress:
		return "OperationInProgress"
	case KindRecoveryInProgress:
		return "RecoveryInProgress"
	case KindMintProtocol:
		return "MintProtocol"
	case KindTransport:
		return "Transport"
	case KindProofRace:
		return "ProofRace"
	case KindDuplicateProof:
		return "DuplicateProof"
	case KindUnknownProof:
		return "UnknownProof"
	case KindIllegalTransition:
		return "IllegalTransition"
	case KindAlreadyReserved:
		return "AlreadyReserved"
	default:
		return "Unknown"
	}
}

// Error is the engine's concrete error type. It carries a Kind so callers
// can match with errors.Is against the sentinel values below, and an
// optional wrapped cause for diagnostics.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is a sentinel *Error with the same Kind,
// regardless of message. This lets callers write
// errors.Is(err, cashu.ErrInsufficientBalance).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind wrapping cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Sentinel errors for errors.Is matching. Each carries only a Kind; the
// Message is irrelevant for matching purposes.
var (
	ErrUnknownMint            = &Error{Kind: KindUnknownMint, Message: "mint is not trusted"}
	ErrProofValidation        = &Error{Kind: KindProofValidation, Message: "proof validation failed"}
	ErrInsufficientBalance    = &Error{Kind: KindInsufficientBalance, Message: "insufficient balance"}
	ErrIllegalStateTransition = &Error{Kind: KindIllegalStateTransition, Message: "illegal state transition"}
	ErrOperationInProgress    = &Error{Kind: KindOperationInProgress, Message: "operation already in progress"}
	ErrRecoveryInProgress     = &Error{Kind: KindRecoveryInProgress, Message: "recovery already in progress"}
	ErrMintProtocol           = &Error{Kind: KindMintProtocol, Message: "unexpected mint response"}
	ErrTransport              = &Error{Kind: KindTransport, Message: "transport failure"}
	ErrProofRace              = &Error{Kind: KindProofRace, Message: "reservation race"}

	ErrDuplicateProof    = &Error{Kind: KindDuplicateProof, Message: "duplicate proof"}
	ErrUnknownProof      = &Error{Kind: KindUnknownProof, Message: "unknown proof"}
	ErrIllegalTransition = &Error{Kind: KindIllegalTransition, Message: "illegal proof state transition"}
	ErrAlreadyReserved   = &Error{Kind: KindAlreadyReserved, Message: "proof already reserved by another operation"}
)
