package scheduling

import (
	"errors"
	"fmt"
)

// ErrorKind classifies scheduling failures. The string value is the error
// code returned to API callers.
type ErrorKind string

const (
	KindValidation             ErrorKind = "VALIDATION_ERROR"
	KindNotFound               ErrorKind = "NOT_FOUND"
	KindDoctorUnavailable      ErrorKind = "DOCTOR_UNAVAILABLE"
	KindOutsideWorkingHours    ErrorKind = "OUTSIDE_WORKING_HOURS"
	KindSlotConflict           ErrorKind = "SLOT_CONFLICT"
	KindInvalidStateTransition ErrorKind = "INVALID_STATE_TRANSITION"
	KindAlreadyCancelled       ErrorKind = "ALREADY_CANCELLED"
	KindRepository             ErrorKind = "REPOSITORY_ERROR"
)

// Error is a kinded scheduling error.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors by kind, so errors.Is(err, ErrSlotConflict)
// holds for any slot conflict regardless of its message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

var (
	ErrValidation             = &Error{Kind: KindValidation}
	ErrNotFound               = &Error{Kind: KindNotFound}
	ErrDoctorUnavailable      = &Error{Kind: KindDoctorUnavailable}
	ErrOutsideWorkingHours    = &Error{Kind: KindOutsideWorkingHours}
	ErrSlotConflict           = &Error{Kind: KindSlotConflict}
	ErrInvalidStateTransition = &Error{Kind: KindInvalidStateTransition}
	ErrAlreadyCancelled       = &Error{Kind: KindAlreadyCancelled}
	ErrRepository             = &Error{Kind: KindRepository}
)

func newError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func validationError(format string, args ...interface{}) *Error {
	return newError(KindValidation, format, args...)
}

// KindOf returns the kind of err, or KindRepository for errors that did not
// originate in this package.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindRepository
}

type transientError struct{ err error }

func (t *transientError) Error() string { return t.err.Error() }
func (t *transientError) Unwrap() error { return t.err }

// Transient marks a storage error as safe to retry.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked with Transient.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}
