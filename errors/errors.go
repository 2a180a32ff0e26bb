package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code classifies an Error. Codes share their values with http status codes so they can be
// written to and read from the wire unchanged.
type Code int

const (
	OK                 Code = http.StatusOK
	InvalidArgument    Code = http.StatusBadRequest
	Unauthenticated    Code = http.StatusUnauthorized
	PermissionDenied   Code = http.StatusForbidden
	NotFound           Code = http.StatusNotFound
	Aborted            Code = http.StatusConflict
	FailedPrecondition Code = http.StatusPreconditionFailed
	AlreadyExists      Code = http.StatusUnprocessableEntity
	Cancelled          Code = 499
	Internal           Code = http.StatusInternalServerError
	Unavailable        Code = http.StatusServiceUnavailable
	DeadlineExceeded   Code = http.StatusGatewayTimeout

	Validation = InvalidArgument
	Forbidden  = PermissionDenied
)

var codeNames = map[Code]string{
	OK:                 "OK",
	InvalidArgument:    "INVALID_ARGUMENT",
	Unauthenticated:    "UNAUTHENTICATED",
	PermissionDenied:   "PERMISSION_DENIED",
	NotFound:           "NOT_FOUND",
	Aborted:            "ABORTED",
	FailedPrecondition: "FAILED_PRECONDITION",
	AlreadyExists:      "ALREADY_EXISTS",
	Cancelled:          "CANCELLED",
	Internal:           "INTERNAL",
	Unavailable:        "UNAVAILABLE",
	DeadlineExceeded:   "DEADLINE_EXCEEDED",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CODE(%d)", int(c))
}

// Retryable reports whether an operation that failed with the code may succeed if attempted again
func (c Code) Retryable() bool {
	switch c {
	case Aborted, FailedPrecondition, AlreadyExists, Unavailable:
		return true
	}
	return false
}

// Error is a custom error
type Error struct {
	Code     Code     `json:"code"`
	Messages []string `json:"messages"`
	Err      error    `json:"err,omitempty"`
}

// Error returns the Error as a json string
func (e *Error) Error() string {
	c := *e
	if c.Code == 0 {
		c.Code = OK
	}
	if c.Err != nil {
		c.Messages = append(append([]string{}, c.Messages...), c.Err.Error())
		c.Err = nil
	}
	bits, _ := json.Marshal(&c)
	return string(bits)
}

// Unwrap returns the wrapped error
func (e *Error) Unwrap() error {
	return e.Err
}

// RemoveError removes the error from the Error and leaves it's messages and code
func (e *Error) RemoveError() *Error {
	return &Error{
		Code:     e.Code,
		Messages: e.Messages,
		Err:      nil,
	}
}

// New returns a new Error with the given code and formatted message
func New(code Code, msg string, args ...any) error {
	e := &Error{Code: code}
	if msg != "" {
		e.Messages = append(e.Messages, fmt.Sprintf(msg, args...))
	}
	return e
}

// Extract extracts the custom Error from the given error, walking any wrap chain
func Extract(err error) *Error {
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return &Error{
		Code:     0,
		Messages: nil,
		Err:      err,
	}
}

// CodeOf returns the code of the first Error in err's chain. Context errors map to Cancelled and
// DeadlineExceeded, anything else to Internal.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if stderrors.As(err, &e) && e.Code != 0 {
		return e.Code
	}
	switch {
	case stderrors.Is(err, context.Canceled):
		return Cancelled
	case stderrors.Is(err, context.DeadlineExceeded):
		return DeadlineExceeded
	}
	return Internal
}

// IsRetryable reports whether the error carries a retryable code
func IsRetryable(err error) bool {
	return err != nil && CodeOf(err).Retryable()
}

// Wrap wraps the given error and returns a new one. The wrapped error is never modified.
func Wrap(err error, code Code, msg string, args ...any) error {
	if err == nil {
		return nil
	}
	e := &Error{Code: code, Err: err}
	var inner *Error
	if stderrors.As(err, &inner) {
		e.Messages = append(e.Messages, inner.Messages...)
		if code <= 0 {
			e.Code = inner.Code
		}
		if inner == err {
			e.Err = inner.Err
		}
	}
	if msg != "" {
		e.Messages = append(e.Messages, fmt.Sprintf(msg, args...))
	}
	return e
}

// Is is errors.Is from the standard library
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As is errors.As from the standard library
func As(err error, target any) bool {
	return stderrors.As(err, target)
}
