// Package syncerr defines the error taxonomy shared by the store, the
// remote client and the sync orchestrator.
//
// Every failure that crosses a component boundary is an *Error carrying a
// Kind. Classification for retry purposes is then a pure function over the
// Kind (see package retry) instead of a catch-all mapping of arbitrary
// errors.
package syncerr

import (
	"errors"
	"fmt"

	"github.com/roach88/tally/internal/ledger"
)

// Kind categorizes a sync failure.
type Kind string

const (
	// KindValidation is a local or remote rejection of the record contents. Never retried.
	KindValidation Kind = "VALIDATION"

	// KindNotFound means the remote record is missing; the local record is flagged orphaned.
	KindNotFound Kind = "NOT_FOUND"

	// KindConflict is a version conflict, routed to the conflict resolver.
	KindConflict Kind = "CONFLICT"

	// KindTransient is a network or 5xx failure, retried with backoff.
	KindTransient Kind = "TRANSIENT"

	// KindPermanent is a remote rejection that will not succeed on retry.
	KindPermanent Kind = "PERMANENT"

	// KindStorage is a local store failure. Fatal to the current cycle.
	KindStorage Kind = "STORAGE"
)

// Error is a classified sync failure.
type Error struct {
	// Kind identifies the error category.
	Kind Kind

	// Op names the operation that failed ("push", "pull", "upsert", ...).
	Op string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error

	// Unreachable marks total network unavailability (name resolution
	// failure, refused connection). Only meaningful for KindTransient.
	Unreachable bool

	// StatusCode is the remote HTTP status, zero for local failures.
	StatusCode int

	// Remote carries the server copy for KindConflict when the remote
	// returned it with the rejection.
	Remote *ledger.Record
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of err, or "" if err is not an *Error.
// Uses errors.As to handle wrapped errors.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// Is reports whether err is an *Error of kind k.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// IsUnreachable reports whether err signals that the network is down.
func IsUnreachable(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == KindTransient && se.Unreachable
	}
	return false
}

// RemoteRecord returns the server copy attached to a conflict error.
func RemoteRecord(err error) (*ledger.Record, bool) {
	var se *Error
	if errors.As(err, &se) && se.Remote != nil {
		return se.Remote, true
	}
	return nil, false
}

// Validation creates a KindValidation error.
func Validation(op string, err error) *Error {
	return &Error{Kind: KindValidation, Op: op, Err: err}
}

// NotFound creates a KindNotFound error.
func NotFound(op, message string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: message}
}

// Conflict creates a KindConflict error carrying the server copy.
func Conflict(op string, remote *ledger.Record) *Error {
	msg := "version conflict"
	if remote != nil {
		msg = fmt.Sprintf("version conflict (server version %d)", remote.Version)
	}
	return &Error{Kind: KindConflict, Op: op, Message: msg, Remote: remote}
}

// Transient creates a KindTransient error.
func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Unreachable creates a KindTransient error that aborts the whole cycle.
func Unreachable(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: err, Unreachable: true}
}

// Permanent creates a KindPermanent error.
func Permanent(op, message string) *Error {
	return &Error{Kind: KindPermanent, Op: op, Message: message}
}

// Storage wraps a local store failure.
func Storage(op string, err error) *Error {
	return &Error{Kind: KindStorage, Op: op, Err: err}
}
