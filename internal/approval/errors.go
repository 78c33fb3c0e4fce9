package approval

import "errors"

// Code is the stable numeric identifier of an engine error. Values are
// assigned explicitly and never reused.
type Code uint32

const (
	CodeOK                           Code = 0
	CodeWalletAlreadyExists          Code = 1
	CodeSenderNotFound               Code = 2
	CodeReceiverNotFound             Code = 3
	CodeInsufficientFunds            Code = 4
	CodeRequestNotFound              Code = 5
	CodeAlreadySettled               Code = 6
	CodeUnauthorizedApprover         Code = 7
	CodeInvalidAmount                Code = 8
	CodeEmptyApproverSet             Code = 9
	CodeRequestAlreadyExists         Code = 10
	CodeBalanceOverflow              Code = 11
	CodeReservationInvariantViolated Code = 100
)

// Error is a typed engine rejection.
type Error struct {
	Code    Code
	Message string
	// Fatal marks internal-consistency failures. They are never a
	// consequence of bad input.
	Fatal bool
}

func (e *Error) Error() string { return e.Message }

var (
	ErrWalletAlreadyExists  = &Error{Code: CodeWalletAlreadyExists, Message: "wallet already exists"}
	ErrSenderNotFound       = &Error{Code: CodeSenderNotFound, Message: "sender wallet not found"}
	ErrReceiverNotFound     = &Error{Code: CodeReceiverNotFound, Message: "receiver wallet not found"}
	ErrInsufficientFunds    = &Error{Code: CodeInsufficientFunds, Message: "insufficient available funds"}
	ErrRequestNotFound      = &Error{Code: CodeRequestNotFound, Message: "multisig request not found"}
	ErrAlreadySettled       = &Error{Code: CodeAlreadySettled, Message: "multisig request already settled"}
	ErrUnauthorizedApprover = &Error{Code: CodeUnauthorizedApprover, Message: "signer is not an approver of this request"}
	ErrInvalidAmount        = &Error{Code: CodeInvalidAmount, Message: "amount must be positive"}
	ErrEmptyApproverSet     = &Error{Code: CodeEmptyApproverSet, Message: "approver set is empty"}
	ErrRequestAlreadyExists = &Error{Code: CodeRequestAlreadyExists, Message: "multisig request already exists"}
	ErrBalanceOverflow      = &Error{Code: CodeBalanceOverflow, Message: "receiver balance would overflow"}

	ErrReservationInvariantViolated = &Error{
		Code:    CodeReservationInvariantViolated,
		Message: "reservation invariant violated",
		Fatal:   true,
	}
)

// IsFatal reports whether err is an internal-consistency failure.
func IsFatal(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Fatal
}

// CodeOf returns the engine code carried by err, or false if err is not an
// engine error.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return 0, false
}
