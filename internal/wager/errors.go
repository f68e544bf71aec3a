package wager

import (
	"errors"
	"fmt"
)

// Kind classifies a failed wager.
type Kind string

const (
	// KindValidation: malformed input, rejected before any store access.
	KindValidation Kind = "validation"
	// KindPrecondition: the event is missing or not accepting stakes.
	KindPrecondition Kind = "precondition"
	// KindConflict: insufficient funds or an existing bet on the event.
	KindConflict Kind = "conflict"
	// KindInfrastructure: the store failed. The message is generic.
	KindInfrastructure Kind = "infrastructure"
)

// Error is the typed failure returned by Service.Place. Msg is safe to show
// to the caller; Err carries the cause for logs and errors.Is.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or KindInfrastructure for untyped errors.
func KindOf(err error) Kind {
	var we *Error
	if errors.As(err, &we) {
		return we.Kind
	}
	return KindInfrastructure
}

// User-facing messages.
const (
	MsgUserRequired    = "userId is required"
	MsgEventRequired   = "eventId is required"
	MsgAmountRange     = "amount must be between 10 and 1000"
	MsgAmountPrecision = "amount must have at most 2 decimal places"
	MsgEventNotFound   = "event not found"
	MsgEventNotActive  = "event is not active"
	MsgInsufficient    = "insufficient balance"
	MsgAlreadyBet      = "already bet on this event"
	MsgInternal        = "internal error"
	MsgUnauthenticated = "authentication required"
	MsgForbidden       = "userId does not match the authenticated user"
)

func validationError(msg string) *Error { return &Error{Kind: KindValidation, Msg: msg} }

func preconditionError(msg string, err error) *Error {
	return &Error{Kind: KindPrecondition, Msg: msg, Err: err}
}

func conflictError(msg string, err error) *Error {
	return &Error{Kind: KindConflict, Msg: msg, Err: err}
}

func infraError(err error) *Error {
	return &Error{Kind: KindInfrastructure, Msg: MsgInternal, Err: err}
}
