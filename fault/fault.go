// Package fault defines the category-tagged error type used by every
// pipeline step in Conduit.
//
// Categories are a closed taxonomy, not error types: a step outcome carries
// exactly one category, and the category alone decides whether the attempt
// is retried inline, routed to the DLQ, or failed terminally.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Category classifies a step failure.
type Category string

// The closed set of failure categories.
const (
	CategoryNetwork        Category = "NETWORK"
	CategoryTimeout        Category = "TIMEOUT"
	CategoryRateLimit      Category = "RATE_LIMIT"
	CategoryServer         Category = "SERVER_ERROR"
	CategoryAuth           Category = "AUTH"
	CategoryValidation     Category = "VALIDATION"
	CategoryTransformation Category = "TRANSFORMATION"
	CategorySSRF           Category = "SSRF"
	CategoryCancelled      Category = "CANCELLED"
	CategoryInternal       Category = "INTERNAL"
)

// Retryable reports whether failures of this category may be retried,
// either inline or from the DLQ.
//
// Matrix:
//   - NETWORK, TIMEOUT, SERVER_ERROR, RATE_LIMIT → retryable
//   - AUTH, VALIDATION, TRANSFORMATION, SSRF, CANCELLED → terminal
//   - INTERNAL → terminal for the delivery; the worker pauses and the
//     supervisor restarts it.
func (c Category) Retryable() bool {
	switch c {
	case CategoryNetwork, CategoryTimeout, CategoryServer, CategoryRateLimit:
		return true
	default:
		return false
	}
}

// Error is a category-tagged failure produced by a pipeline step.
type Error struct {
	// Category classifies the failure.
	Category Category `json:"category" bson:"category"`

	// Code is a short machine-readable identifier (e.g. "oauth2_token_fetch").
	Code string `json:"code,omitempty" bson:"code,omitempty"`

	// StatusCode is the HTTP status, when the failure came from a response.
	StatusCode int `json:"status_code,omitempty" bson:"status_code,omitempty"`

	// Message is the human-readable description.
	Message string `json:"message" bson:"message"`

	// Cause is the wrapped underlying error, if any. Not persisted.
	Cause error `json:"-" bson:"-"`
}

// New creates a category-tagged error.
func New(cat Category, code, format string, args ...any) *Error {
	return &Error{
		Category: cat,
		Code:     code,
		Message:  fmt.Sprintf(format, args...),
	}
}

// Wrap creates a category-tagged error wrapping an underlying cause.
func Wrap(cat Category, code string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{
		Category: cat,
		Code:     code,
		Message:  cause.Error(),
		Cause:    cause,
	}
}

// WithStatus returns the error with the HTTP status code set.
func (e *Error) WithStatus(status int) *Error {
	e.StatusCode = status
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (%d): %s", e.Category, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether this error's category is retryable.
func (e *Error) Retryable() bool {
	return e.Category.Retryable()
}

// CategoryOf extracts the category from an arbitrary error. Errors that do
// not carry a category are classified as INTERNAL; context cancellation and
// deadline expiry map to CANCELLED and TIMEOUT respectively.
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}

	var fe *Error
	if errors.As(err, &fe) {
		return fe.Category
	}

	switch {
	case errors.Is(err, context.Canceled):
		return CategoryCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	default:
		return CategoryInternal
	}
}

// As extracts a *Error from err, synthesizing an INTERNAL one when the
// error carries no category. Returns nil for a nil error.
func As(err error) *Error {
	if err == nil {
		return nil
	}

	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}

	return Wrap(CategoryOf(err), "uncategorized", err)
}

// FromPanic converts a recovered panic value into an INTERNAL error.
// Used at task boundaries so a panicking step never takes down a worker.
func FromPanic(v any) *Error {
	return New(CategoryInternal, "panic", "recovered panic: %v", v)
}
