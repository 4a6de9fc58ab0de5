// Package loanerr defines the business error taxonomy shared by the loan engine packages.
package loanerr

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeInvalidArgument      Code = "invalid_argument"
	CodeAlreadyPaid          Code = "already_paid"
	CodeNoPendingEMIs        Code = "no_pending_emis"
	CodeAmountMismatch       Code = "amount_mismatch"
	CodeInvalidStatus        Code = "invalid_status"
	CodeNotEligible          Code = "not_eligible"
	CodeNoPenalty            Code = "no_penalty"
	CodeWaiverExceedsPenalty Code = "waiver_exceeds_penalty"
	CodeNotFound             Code = "not_found"
	CodeConflict             Code = "conflict"
)

// Error is a caller-recoverable business error.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is reports whether target carries the same code, so errors.Is works against the sentinels below.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidArgument      = &Error{Code: CodeInvalidArgument}
	ErrAlreadyPaid          = &Error{Code: CodeAlreadyPaid}
	ErrNoPendingEMIs        = &Error{Code: CodeNoPendingEMIs}
	ErrAmountMismatch       = &Error{Code: CodeAmountMismatch}
	ErrInvalidStatus        = &Error{Code: CodeInvalidStatus}
	ErrNotEligible          = &Error{Code: CodeNotEligible}
	ErrNoPenalty            = &Error{Code: CodeNoPenalty}
	ErrWaiverExceedsPenalty = &Error{Code: CodeWaiverExceedsPenalty}
	ErrNotFound             = &Error{Code: CodeNotFound}
	ErrConflict             = &Error{Code: CodeConflict}
)

// New builds an error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func InvalidArgument(format string, args ...any) *Error {
	return New(CodeInvalidArgument, format, args...)
}

func InvalidStatus(format string, args ...any) *Error {
	return New(CodeInvalidStatus, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, format, args...)
}

// CodeOf returns the code of the first *Error in err's chain, or "" if there is none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
