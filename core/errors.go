package core

import (
	"fmt"

	"github.com/pkg/errors"
)

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

// InvariantError reports stored data that violates an engine invariant
// (eg. longest streak smaller than current streak). It is logged loudly and
// never silently corrected: guessing which field is wrong would mask a bug.
type InvariantError struct {
	Invariant string
	Detail    string
}

func NewInvariantError(invariant, format string, args ...interface{}) error {
	return &InvariantError{Invariant: invariant, Detail: fmt.Sprintf(format, args...)}
}

func (err InvariantError) Error() string {
	return "invariant violated: " + err.Invariant + ": " + err.Detail
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
