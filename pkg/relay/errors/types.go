package errors

import "fmt"

// AdmissionError indicates a sensor frame could not be normalized into
// an event. The frame is dropped before queueing and never retried.
type AdmissionError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *AdmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("admission rejected: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("admission rejected: %s", e.Reason)
}

// Unwrap returns the underlying error.
func (e *AdmissionError) Unwrap() error {
	return e.Err
}

// StorageError indicates a persisted-store operation failed.
type StorageError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// TransportError indicates a network failure or timeout while talking
// to a destination or the discovery collaborator.
type TransportError struct {
	Destination string
	Err         error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Destination != "" {
		return fmt.Sprintf("transport to %s: %v", e.Destination, e.Err)
	}
	return fmt.Sprintf("transport: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// HTTPError represents a non-2xx response from a destination.
type HTTPError struct {
	StatusCode  int
	Destination string
	Body        string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Destination != "" {
		return fmt.Sprintf("HTTP %d from %s: %s", e.StatusCode, e.Destination, e.Body)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// AuthError indicates a destination rejected the configured credential.
// It is logged distinctly from generic transport failures but handled
// identically at the health state machine level.
type AuthError struct {
	Destination string
	StatusCode  int
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	return fmt.Sprintf("credential rejected by %s (HTTP %d)", e.Destination, e.StatusCode)
}
