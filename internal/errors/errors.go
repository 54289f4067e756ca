// Package errors provides structured error types for the ingestion pipeline.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("resource not found")
	ErrTimeout      = errors.New("operation timed out")
	ErrUnavailable  = errors.New("service unavailable")
	ErrDisconnected = errors.New("not connected")
)

// OpError records which component and operation failed.
type OpError struct {
	Component string // "cache", "mirror", ...
	Op        string
	Err       error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Component, e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Wrap returns nil when err is nil, otherwise an *OpError.
func Wrap(component, op string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Component: component, Op: op, Err: err}
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsInvalidInput reports whether err was caused by a malformed request.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}
