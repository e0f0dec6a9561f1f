package transform

import (
	"context"
	"errors"
	"fmt"

	"tengine/internal/executor"
	"tengine/internal/files"
)

// Kind classifies every dispatcher failure. Exactly one kind crosses the
// service boundary per failed request.
type Kind int

const (
	InternalError Kind = iota
	InvalidRequest
	NoMatchingTransformer
	UnsupportedInput
	StorageError
	BackendError
)

func (k Kind) String() string {
	switch k {
	case InvalidRequest:
		return "InvalidRequest"
	case NoMatchingTransformer:
		return "NoMatchingTransformer"
	case UnsupportedInput:
		return "UnsupportedInput"
	case StorageError:
		return "StorageError"
	case BackendError:
		return "BackendError"
	default:
		return "InternalError"
	}
}

// Class is the caller-facing status class of a Kind.
type Class string

const (
	ClassBadRequest        Class = "bad_request"
	ClassResourceExhausted Class = "resource_exhausted"
	ClassInternal          Class = "internal"
)

func (k Kind) Class() Class {
	switch k {
	case InvalidRequest, NoMatchingTransformer, UnsupportedInput:
		return ClassBadRequest
	case StorageError:
		return ClassResourceExhausted
	default:
		return ClassInternal
	}
}

// Status is the HTTP-style numeric status reported for k.
func (k Kind) Status() int {
	switch k.Class() {
	case ClassBadRequest:
		return 400
	case ClassResourceExhausted:
		return 507
	default:
		return 500
	}
}

// Error is the single error type returned by Dispatch. Message is safe to
// show to callers; Err keeps the cause for logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error

	severe bool
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Status is shorthand for e.Kind.Status().
func (e *Error) Status() int { return e.Kind.Status() }

func newError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// AsError maps any error onto the taxonomy. Errors not produced by the
// dispatcher are classified by their markers and default to InternalError.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if reason, ok := executor.IsUnsupported(err); ok {
		return newError(UnsupportedInput, err, "%s", reason)
	}
	switch {
	case errors.Is(err, files.ErrMissingFilename), errors.Is(err, files.ErrInvalidFilename),
		errors.Is(err, files.ErrEmptyContent):
		return newError(InvalidRequest, err, "Invalid request")
	case errors.Is(err, files.ErrStorage):
		return newError(StorageError, err, "Insufficient storage")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return newError(BackendError, err, "Transform did not complete")
	}
	return newError(InternalError, err, "Internal error")
}

// sourceStagingError maps a files.Manager.Stage failure.
func sourceStagingError(err error) *Error {
	switch {
	case errors.Is(err, files.ErrMissingFilename):
		return newError(InvalidRequest, err, "The source filename was not supplied")
	case errors.Is(err, files.ErrInvalidFilename):
		return newError(InvalidRequest, err, "The source filename is not valid")
	case errors.Is(err, files.ErrEmptyContent):
		return newError(InvalidRequest, err, "The source content was empty")
	default:
		return newError(StorageError, err, "Failed to store the source file")
	}
}

// targetStagingError maps a files.Manager.Allocate failure. A missing target
// name means the caller and the framework disagree on the request shape, so
// it is logged at error level.
func targetStagingError(err error) *Error {
	switch {
	case errors.Is(err, files.ErrMissingFilename):
		e := newError(InvalidRequest, err, "The target filename was not supplied")
		e.severe = true
		return e
	case errors.Is(err, files.ErrInvalidFilename):
		return newError(InvalidRequest, err, "The target filename is not valid")
	}
	return newError(StorageError, err, "Failed to create the target file")
}
