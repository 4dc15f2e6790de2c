// Package replerr defines the error taxonomy shared by the replication packages.
//
// Every public replication operation fails with an error matching ErrReplication.
// Malformed or unauthorized inbound messages additionally match ErrInvalidMessage so
// callers can tell "reject" apart from "retry".
package replerr

import (
	"errors"
	"fmt"
)

var (
	// ErrReplication is the catch-all operational failure (I/O, transport, invalid state).
	ErrReplication = errors.New("replication error")

	// ErrInvalidMessage flags a malformed or unauthorized inbound message.
	ErrInvalidMessage = errors.New("invalid replication message")
)

// Error is a general replication failure for a named operation.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports true for ErrReplication so wrapped causes stay reachable via Unwrap.
func (e *Error) Is(target error) bool { return target == ErrReplication }

// New wraps err as a replication failure of op.
func New(op string, err error) error {
	return &Error{Op: op, Err: err}
}

// Newf builds a replication failure with a formatted cause.
func Newf(op, format string, args ...any) error {
	return &Error{Op: op, Err: fmt.Errorf(format, args...)}
}

// InvalidMessageError reports a malformed or unauthorized message.
type InvalidMessageError struct {
	ID     string // message id, empty when unknown
	Reason string
}

func (e *InvalidMessageError) Error() string {
	if e.ID == "" {
		return "invalid replication message: " + e.Reason
	}
	return fmt.Sprintf("invalid replication message [%s]: %s", e.ID, e.Reason)
}

func (e *InvalidMessageError) Is(target error) bool {
	return target == ErrInvalidMessage || target == ErrReplication
}

// Invalid builds an InvalidMessageError for message id.
func Invalid(id, format string, args ...any) error {
	return &InvalidMessageError{ID: id, Reason: fmt.Sprintf(format, args...)}
}

// IsInvalidMessage reports whether err flags a rejected message.
func IsInvalidMessage(err error) bool {
	return errors.Is(err, ErrInvalidMessage)
}
