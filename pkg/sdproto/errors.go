package sdproto

import "fmt"

// Kind identifies the broad category of a driver-level Error.
type Kind int

const (
	// KindBus wraps an error returned by the underlying transport
	// (ByteTransfer, ChipSelect, Clock, or Delay).
	KindBus Kind = iota
	// KindNoResponse means the R1 poll window elapsed without a valid
	// response byte.
	KindNoResponse
	// KindNotIdle means a handshake-phase assertion was violated.
	KindNotIdle
	// KindCommand means the card reported a fatal R1 bit.
	KindCommand
	// KindTransfer means a data-phase token reported a fatal error.
	KindTransfer
	// KindTimeout means a busy-wait deadline elapsed.
	KindTimeout
	// KindGeneric means a protocol invariant was violated (bad
	// check-pattern echo, unrecognized write-response byte, unsupported
	// CSD version, OpCond loop never left idle, and similar).
	KindGeneric
)

var kindNames = map[Kind]string{
	KindBus:        "bus error",
	KindNoResponse: "no response",
	KindNotIdle:    "not idle",
	KindCommand:    "command error",
	KindTransfer:   "transfer error",
	KindTimeout:    "timeout",
	KindGeneric:    "protocol error",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown error"
}

// Error is the single error taxonomy raised by every layer of this driver.
// It wraps the underlying transport error (Cause) when Kind is KindBus,
// and carries the protocol-specific detail (R1 or Token) for KindCommand
// and KindTransfer respectively.
type Error struct {
	Kind  Kind
	Cause error
	R1    R1Error
	Token TokenError
}

// NewBusError wraps an error surfaced by a ByteTransfer/ChipSelect/Clock/
// Delay implementation.
func NewBusError(cause error) *Error {
	return &Error{Kind: KindBus, Cause: cause}
}

// NewCommandError reports a fatal R1 status bit.
func NewCommandError(r1 R1Error) *Error {
	return &Error{Kind: KindCommand, R1: r1}
}

// NewTransferError reports a fatal data-phase token.
func NewTransferError(token TokenError) *Error {
	return &Error{Kind: KindTransfer, Token: token}
}

// NewError builds a bare Error of the given Kind, for KindNoResponse,
// KindNotIdle, KindTimeout, and KindGeneric.
func NewError(kind Kind) *Error {
	return &Error{Kind: kind}
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch e.Kind {
	case KindBus:
		return fmt.Sprintf("sdspi: %s: %v", e.Kind, e.Cause)
	case KindCommand:
		return fmt.Sprintf("sdspi: %s: %s", e.Kind, e.R1)
	case KindTransfer:
		return fmt.Sprintf("sdspi: %s: %s", e.Kind, e.Token)
	default:
		return fmt.Sprintf("sdspi: %s", e.Kind)
	}
}

// Unwrap exposes the underlying transport error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether err is a *Error of Kind NoResponse or
// Command — the two outcomes the CMD0 handshake loop treats as "card
// wasn't ready yet, try again" rather than aborting.
func IsRetryable(err error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	return e.Kind == KindNoResponse || e.Kind == KindCommand
}

// Is reports whether target is an *Error with the same Kind, matching the
// sentinel-comparison idiom used elsewhere in this driver (errors.Is(err,
// sdproto.NewError(sdproto.KindTimeout)) reports true for any KindTimeout
// error regardless of Cause/R1/Token).
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}
