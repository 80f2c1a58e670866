// Package apperr classifies the errors that cross sync boundaries so retry
// policies can tell transient failures from permanent ones.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type Code string

const (
	NotFound         Code = "NOT_FOUND"
	InvalidData      Code = "INVALID_DATA"
	Constraint       Code = "CONSTRAINT_VIOLATION"
	PermissionDenied Code = "PERMISSION_DENIED"
	Unauthorized     Code = "UNAUTHORIZED"
	Network          Code = "NETWORK"
	Timeout          Code = "TIMEOUT"
	Temporary        Code = "TEMPORARY"
	CircuitOpen      Code = "CIRCUIT_OPEN"
	SyncInProgress   Code = "SYNC_IN_PROGRESS"
	Internal         Code = "INTERNAL"
)

// AppError carries a Code alongside the wrapped cause.
type AppError struct {
	Code    Code
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// CodeOf returns the code of the outermost AppError in err's chain, or "".
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

func Is(err error, code Code) bool {
	var appErr *AppError
	for err != nil {
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

var (
	transientPatterns = []string{
		"network", "timeout", "timed out", "temporar", "connection refused",
		"connection reset", "broken pipe", "eof", "unavailable", "too many connections",
		"database is locked", "busy", "deadlock",
	}
	permanentPatterns = []string{
		"not found", "unauthorized", "forbidden", "permission denied", "invalid",
		"constraint", "duplicate", "violat",
	}
)

// Retryable reports whether err looks transient. Coded errors are decided by
// their code; uncoded errors fall back to message patterns.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch CodeOf(err) {
	case Network, Timeout, Temporary:
		return true
	case NotFound, InvalidData, Constraint, PermissionDenied, Unauthorized,
		CircuitOpen, SyncInProgress, Internal:
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, p := range permanentPatterns {
		if strings.Contains(msg, p) {
			return false
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
