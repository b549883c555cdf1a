// Package apperr holds the error taxonomy shared by the pipeline.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable identifier used for metric labels and job messages.
type Code string

const (
	CodeExternalAPI Code = "EXTERNAL_API"
	CodeStore       Code = "STORE"
	CodeValidation  Code = "VALIDATION"
	CodeInternal    Code = "INTERNAL"
)

// ExternalAPIError means the directory API returned a non-success status or a body
// that could not be parsed.
type ExternalAPIError struct {
	Status  int
	Message string
}

func (e *ExternalAPIError) Error() string {
	return fmt.Sprintf("external api error %d: %s", e.Status, e.Message)
}

// Retryable reports whether re-issuing the call later could succeed.
func (e *ExternalAPIError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// StoreError wraps a persistence failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// ValidationError rejects malformed input before any side effect happens.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func External(status int, format string, args ...interface{}) error {
	return &ExternalAPIError{Status: status, Message: fmt.Sprintf(format, args...)}
}

// Store returns nil when err is nil so call sites can wrap unconditionally.
func Store(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

func Validation(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// CodeOf classifies err. Unknown errors map to CodeInternal.
func CodeOf(err error) Code {
	var ext *ExternalAPIError
	var st *StoreError
	var val *ValidationError
	switch {
	case errors.As(err, &ext):
		return CodeExternalAPI
	case errors.As(err, &st):
		return CodeStore
	case errors.As(err, &val):
		return CodeValidation
	default:
		return CodeInternal
	}
}

func IsExternal(err error) bool {
	var ext *ExternalAPIError
	return errors.As(err, &ext)
}

func IsValidation(err error) bool {
	var val *ValidationError
	return errors.As(err, &val)
}
