// Package gateerr defines the closed failure taxonomy the gateway surfaces
// to callers. Every terminal failure is one of three kinds; transient kinds
// are retried internally before they ever reach the caller.
package gateerr

import (
	"errors"
	"fmt"
)

// Kind classifies a gateway failure.
type Kind string

const (
	// KindTimeout means the provider call did not complete in its window.
	KindTimeout Kind = "timeout"
	// KindProvider covers error statuses, empty responses, an empty model
	// shortlist, exhausted retries, and the all-credentials-backed-off case.
	KindProvider Kind = "provider"
	// KindValidation covers content the gateway itself could not interpret.
	// In practice this path mostly degrades to a raw-fallback success.
	KindValidation Kind = "validation"
)

// Error is a classified gateway failure.
type Error struct {
	Kind      Kind
	Status    int // HTTP status when one applies, else 0
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (status=%d)", e.Kind, e.Message, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Timeout builds a timeout-classified failure.
func Timeout(message string) *Error {
	return &Error{Kind: KindTimeout, Message: message, Retryable: true}
}

// Provider builds a provider-classified failure carrying the HTTP status.
func Provider(status int, message string) *Error {
	return &Error{Kind: KindProvider, Status: status, Message: message, Retryable: true}
}

// RateLimited builds the provider-classified failure used for credential
// quota violations and the all-credentials-backed-off case.
func RateLimited(message string) *Error {
	return &Error{Kind: KindProvider, Status: 429, Message: message, Retryable: true}
}

// Validation builds a validation-classified failure.
func Validation(message string) *Error {
	return &Error{Kind: KindValidation, Message: message, Retryable: false}
}

// KindOf extracts the failure kind, defaulting unknown errors to provider.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindProvider
}

// IsRetryable reports whether the error is a transient class worth retrying.
// Unclassified errors are treated as retryable provider faults.
func IsRetryable(err error) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Retryable
	}
	return true
}
