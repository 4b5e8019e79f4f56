// Package apperr carries the structured failures returned by the console's
// operations: a kind that decides how the caller reacts, a code naming the
// exact rule that failed, and a message for the operator.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindValidation        Kind = "validation"
	KindInvalidTransition Kind = "invalid_transition"
	KindStoreUnavailable  Kind = "store_unavailable"
	KindConflict          Kind = "conflict"
)

type Code string

const (
	CodeAccountNotFound     Code = "account_not_found"
	CodeWithdrawalNotFound  Code = "withdrawal_not_found"
	CodeInvalidReason       Code = "invalid_reason"
	CodeInvalidAmount       Code = "invalid_amount"
	CodeInvalidMode         Code = "invalid_mode"
	CodeInvalidAction       Code = "invalid_action"
	CodeInvalidRequest      Code = "invalid_request"
	CodeMissingReceipt      Code = "missing_receipt"
	CodeMissingReason       Code = "missing_reason"
	CodeInsufficientBalance Code = "insufficient_balance"
	CodeInvalidTransition   Code = "invalid_transition"
	CodeStoreUnavailable    Code = "store_unavailable"
	CodeDuplicateID         Code = "duplicate_id"
)

type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, code Code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func NotFound(code Code, message string) *Error {
	return New(KindNotFound, code, message)
}

func Validation(code Code, message string) *Error {
	return New(KindValidation, code, message)
}

func InvalidTransition(message string) *Error {
	return New(KindInvalidTransition, CodeInvalidTransition, message)
}

// Unavailable wraps an infrastructure failure. The write may still have
// landed server-side; callers must not assume it did not.
func Unavailable(err error) *Error {
	return &Error{Kind: KindStoreUnavailable, Code: CodeStoreUnavailable, Message: "account store unavailable", Err: err}
}

// DuplicateID reports a uniqueness violation on a generated identifier.
func DuplicateID(message string) *Error {
	return New(KindConflict, CodeDuplicateID, message)
}

func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}

func Is(err error, code Code) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

// Retryable reports whether a caller may try the same request again.
// Only infrastructure failures qualify; an invalid request stays invalid.
func Retryable(err error) bool {
	return KindOf(err) == KindStoreUnavailable
}

// Outcome labels an operation result for metrics: "ok", the error code,
// or "error" for a plain error.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if e, ok := As(err); ok {
		return string(e.Code)
	}
	return "error"
}
