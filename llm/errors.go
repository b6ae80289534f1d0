package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// Error types for classifying LLM errors.

// TransientError represents a temporary error that may succeed on retry.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string {
	return e.err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.err
}

// NewTransientError wraps an error as transient (retryable).
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// FatalError represents a permanent error that should not be retried.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string {
	return e.err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.err
}

// NewFatalError wraps an error as fatal (non-retryable).
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// IsTransient returns true if the error is transient and should be retried.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsFatal returns true if the error is fatal and should not be retried.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// ProviderUnavailableError is returned when a provider's circuit breaker is
// open or its retry budget is exhausted. Orchestrators record an Info
// comment for the affected chunk and continue.
type ProviderUnavailableError struct {
	Provider string
	Err      error
}

func (e *ProviderUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("provider %s unavailable", e.Provider)
	}
	return fmt.Sprintf("provider %s unavailable: %v", e.Provider, e.Err)
}

func (e *ProviderUnavailableError) Unwrap() error {
	return e.Err
}

// IsProviderUnavailable reports whether err carries a ProviderUnavailableError.
func IsProviderUnavailable(err error) bool {
	var pu *ProviderUnavailableError
	return errors.As(err, &pu)
}

// classifyHTTPError determines if an HTTP error is transient or fatal.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("LLM API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusRequestTimeout,
		statusCode == http.StatusTooManyRequests:
		// Timeouts and rate limiting are transient
		return NewTransientError(err)
	case statusCode >= 500:
		// Server errors are transient
		return NewTransientError(err)
	case statusCode == http.StatusBadRequest,
		statusCode == http.StatusUnauthorized,
		statusCode == http.StatusForbidden:
		// Bad requests and auth errors are fatal for this request
		return NewFatalError(err)
	default:
		// Unknown errors default to fatal
		return NewFatalError(err)
	}
}
