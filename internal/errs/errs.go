// Package errs defines the error taxonomy shared by ingestion, routing and
// the chat surface. Every error carries the HTTP status it maps to when it
// has to leave the process.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation decisions.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindScopeRejection    Kind = "scope_rejection"
	KindBudgetExceeded    Kind = "budget_exceeded"
	KindRetrievalFailure  Kind = "retrieval_failure"
	KindGenerationFailure Kind = "generation_failure"
	KindIngestion         Kind = "ingestion"
	KindLedgerWrite       Kind = "ledger_write"
)

// Error is a classified error.
type Error struct {
	Kind       Kind
	HTTPStatus int
	Message    string
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error of the same kind and message, so sentinels work
// with errors.Is even after wrapping a cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Message == e.Message
}

// New creates an error of the given kind with a default status for it.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, HTTPStatus: statusFor(kind), Message: msg}
}

// Wrap creates an error of the given kind around cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, HTTPStatus: statusFor(kind), Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// StatusOf returns the HTTP status for err, 500 when unclassified.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) && e.HTTPStatus != 0 {
		return e.HTTPStatus
	}
	return http.StatusInternalServerError
}

func statusFor(kind Kind) int {
	switch kind {
	case KindValidation, KindIngestion:
		return http.StatusBadRequest
	case KindScopeRejection:
		return http.StatusOK
	case KindBudgetExceeded:
		return http.StatusTooManyRequests
	case KindRetrievalFailure, KindGenerationFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var (
	ErrMessageEmpty   = New(KindValidation, "message is empty")
	ErrMessageTooLong = New(KindValidation, "message is too long")
	ErrBudgetExceeded = New(KindBudgetExceeded, "budget exceeded")
	ErrNoSections     = New(KindIngestion, "document contains no labeled sections")
	ErrLedgerWrite    = New(KindLedgerWrite, "usage ledger write failed")
)
