package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error codes for the custody error taxonomy.
const (
	CodeInternal          = 1000
	CodeInvalidArgument   = 1001
	CodeConfiguration     = 1002
	CodeStoreUnavailable  = 1003
	CodeAuthentication    = 2001
	CodeUnsupportedFormat = 2002
	CodeLockConflict      = 3001
	CodeNotFound          = 4001
	CodeExpired           = 4002
	CodeRevoked           = 5001
)

// CustodyError is a coded error returned by every custody component.
// Messages never carry secret material.
type CustodyError struct {
	Code      int
	Message   string
	Cause     error
	Timestamp time.Time
}

// Error implements the error interface.
func (e *CustodyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Cause)
	}

	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *CustodyError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a CustodyError with the same code, so the
// package sentinels work with errors.Is.
func (e *CustodyError) Is(target error) bool {
	var t *CustodyError
	if !errors.As(target, &t) {
		return false
	}

	return t.Code == e.Code
}

// New creates a new CustodyError.
func New(code int, message string) *CustodyError {
	return &CustodyError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Newf creates a new CustodyError with a formatted message.
func Newf(code int, format string, args ...interface{}) *CustodyError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps err with the given code. An error that already is a
// CustodyError keeps its original code.
func Wrap(err error, code int, message string) error {
	if err == nil {
		return nil
	}

	var cErr *CustodyError
	if errors.As(err, &cErr) {
		return err
	}

	return &CustodyError{
		Code:      code,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
	}
}

// Code returns the custody code of err, or CodeInternal for foreign errors.
func Code(err error) int {
	if err == nil {
		return 0
	}

	var cErr *CustodyError
	if errors.As(err, &cErr) {
		return cErr.Code
	}

	return CodeInternal
}

// Is is errors.Is, re-exported so callers need a single errors import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As is errors.As.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Retryable reports whether a caller may retry the operation after backoff.
// Only lock conflicts qualify; cryptographic failures never do.
func Retryable(err error) bool {
	return Code(err) == CodeLockConflict
}

// HTTPStatus maps an error kind to the status a route handler should return.
func HTTPStatus(err error) int {
	switch Code(err) {
	case 0:
		return http.StatusOK
	case CodeLockConflict:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	case CodeExpired:
		return http.StatusGone
	case CodeRevoked:
		return http.StatusUnauthorized
	case CodeAuthentication:
		return http.StatusUnprocessableEntity
	case CodeInvalidArgument, CodeUnsupportedFormat:
		return http.StatusBadRequest
	case CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Sentinels, compared by code through errors.Is.
var (
	ErrInternal          = New(CodeInternal, "internal error")
	ErrInvalidArgument   = New(CodeInvalidArgument, "invalid argument")
	ErrConfiguration     = New(CodeConfiguration, "configuration error")
	ErrStoreUnavailable  = New(CodeStoreUnavailable, "store unavailable")
	ErrAuthentication    = New(CodeAuthentication, "authentication failed")
	ErrUnsupportedFormat = New(CodeUnsupportedFormat, "unsupported format")
	ErrLockConflict      = New(CodeLockConflict, "operation already in flight")
	ErrNotFound          = New(CodeNotFound, "not found")
	ErrExpired           = New(CodeExpired, "expired")
	ErrRevoked           = New(CodeRevoked, "credential revoked")
)

// Common error constructors
var (
	Configuration = func(msg string) *CustodyError {
		return New(CodeConfiguration, msg)
	}

	// Authentication always carries the same message: callers must not learn
	// whether the tag, the key or the associated data was wrong.
	Authentication = func() *CustodyError {
		return New(CodeAuthentication, "authentication failed")
	}

	UnsupportedFormat = func(msg string) *CustodyError {
		return New(CodeUnsupportedFormat, msg)
	}

	LockConflict = func(resource string) *CustodyError {
		return New(CodeLockConflict, fmt.Sprintf("%s already in flight", resource))
	}

	NotFound = func(resource string) *CustodyError {
		return New(CodeNotFound, fmt.Sprintf("%s not found", resource))
	}

	Expired = func(resource string) *CustodyError {
		return New(CodeExpired, fmt.Sprintf("%s has expired", resource))
	}

	Revoked = func() *CustodyError {
		return New(CodeRevoked, "credential revoked")
	}

	InvalidArgument = func(msg string) *CustodyError {
		return New(CodeInvalidArgument, msg)
	}

	StoreUnavailable = func(err error) error {
		return Wrap(err, CodeStoreUnavailable, "store unavailable")
	}
)
