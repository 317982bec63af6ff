package core

import "github.com/pkg/errors"

var errInvalidInput = errors.New("invalid input")

// FieldError is used to indicate an error with a specific struct field.
type FieldError struct {
	Field string
	Error string
}

type ValidationError struct {
	Err    error
	Fields []FieldError
}

func NewValidationError(err error, flds ...FieldError) error {
	return &ValidationError{err, flds}
}

func (err ValidationError) Error() string {
	if err.Err == nil {
		return ""
	}
	return err.Err.Error()
}

func IsValidationError(err error) bool {
	_, ok := errors.Cause(err).(*ValidationError)
	return ok
}

type shutdown struct {
	message string
}

func NewShutdownError(msg string) error {
	return &shutdown{message: msg}
}

func (s shutdown) Error() string {
	return s.message
}

func IsShutdown(err error) bool {
	_, ok := errors.Cause(err).(*shutdown)
	return ok
}

// permanent marks an error that retrying cannot fix.
type permanent struct {
	err error
}

func NewPermanentError(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Cause() error  { return p.err }

// IsPermanent reports whether err (or anything it wraps) was marked permanent.
// Validation errors are always permanent.
func IsPermanent(err error) bool {
	for err != nil {
		switch err.(type) {
		case *permanent, *ValidationError:
			return true
		}
		cause, ok := err.(interface{ Cause() error })
		if !ok {
			return false
		}
		err = cause.Cause()
	}
	return false
}

// transient marks an infrastructure failure expected to go away on its own (lost connection, deadlock, lock timeout...).
type transient struct {
	err error
}

func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return &transient{err: err}
}

func (t transient) Error() string { return t.err.Error() }
func (t transient) Cause() error  { return t.err }

func IsTransient(err error) bool {
	for err != nil {
		if _, ok := err.(*transient); ok {
			return true
		}
		cause, ok := err.(interface{ Cause() error })
		if !ok {
			return false
		}
		err = cause.Cause()
	}
	return false
}
