// Package errors provides the delivery engine's error taxonomy,
// categorization, and retry helpers.
//
// Failures fall into four families: admission rejections (dropped,
// never retried), storage failures (surfaced to the calling cycle),
// transport failures (retried within the destination's budget), and
// credential rejections (logged distinctly, retried like transport
// failures so a corrected credential is picked up without a restart).
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryTransient indicates retry will likely help.
	// Examples: timeouts, connection resets, 5xx responses.
	CategoryTransient Category = iota

	// CategoryPermanent indicates retry won't help.
	// Examples: malformed frames, invalid configuration.
	CategoryPermanent

	// CategoryAuth indicates the destination rejected the credential.
	// Retried on the next cycle like a transient failure, but logged
	// so operators can tell configuration problems from connectivity.
	CategoryAuth

	// CategoryStorage indicates the persisted store failed.
	CategoryStorage
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	case CategoryAuth:
		return "auth"
	case CategoryStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// CategorizedError wraps an error with its category and context.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Category indicates how this error should be handled.
	Category Category

	// Attempts is the number of attempts that have been made.
	Attempts int

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s, attempts: %d)",
			e.Context, e.Err, e.Category, e.Attempts)
	}
	return fmt.Sprintf("%s (category: %s, attempts: %d)",
		e.Err, e.Category, e.Attempts)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// Categorize determines how an error should be handled.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent // shouldn't happen, fail safe
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	var authErr *AuthError
	if errors.As(err, &authErr) {
		return CategoryAuth
	}

	var storeErr *StorageError
	if errors.As(err, &storeErr) {
		return CategoryStorage
	}

	var admErr *AdmissionError
	if errors.As(err, &admErr) {
		return CategoryPermanent
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case 401, 403:
			return CategoryAuth
		case 408, 429:
			return CategoryTransient
		default:
			if httpErr.StatusCode >= 500 {
				return CategoryTransient
			}
			return CategoryPermanent
		}
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return CategoryTransient
	}

	// Timeouts and cancellations surface as context errors.
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransient
	}
	if errors.Is(err, context.Canceled) {
		return CategoryPermanent
	}

	// Unknown errors are permanent (fail safe)
	return CategoryPermanent
}

// IsRetryable reports whether the error should be retried.
// Auth rejections count as retryable so a corrected credential is
// picked up on a later cycle without a process restart.
func IsRetryable(err error) bool {
	cat := Categorize(err)
	return cat == CategoryTransient || cat == CategoryAuth
}

// IsAuth reports whether the error is a credential rejection.
func IsAuth(err error) bool {
	return Categorize(err) == CategoryAuth
}
