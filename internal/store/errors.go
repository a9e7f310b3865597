package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested demand doesn't exist.
var ErrNotFound = errors.New("demand not found")

// Code is the machine-readable classification of a failed write.
type Code string

const (
	// CodeUniqueViolation means a row with the same primary key already exists
	CodeUniqueViolation Code = "unique_violation"

	// CodeNotFound means the row to mutate does not exist
	CodeNotFound Code = "not_found"

	// CodeInvalidInput means the row failed validation
	CodeInvalidInput Code = "invalid_input"

	// CodeUnavailable means the store could not be reached
	CodeUnavailable Code = "unavailable"
)

// WriteError is returned by every failed mutation. Code is stable and meant
// for programmatic handling; Message is meant for people.
type WriteError struct {
	Code    Code
	Message string
	Err     error
}

func (e *WriteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err means the demand does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// CodeOf returns the write error code carried by err, or "" if none.
func CodeOf(err error) Code {
	var we *WriteError
	if errors.As(err, &we) {
		return we.Code
	}
	return ""
}

func notFound(id string) *WriteError {
	return &WriteError{Code: CodeNotFound, Message: fmt.Sprintf("demand %s does not exist", id), Err: ErrNotFound}
}

func unavailable(op string, err error) *WriteError {
	return &WriteError{Code: CodeUnavailable, Message: "failed to " + op, Err: err}
}
