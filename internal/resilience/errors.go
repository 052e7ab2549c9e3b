package resilience

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrCircuitOpen is returned without invoking the operation while a breaker is open
	// or while its single half-open probe is in flight.
	ErrCircuitOpen = errors.New("resilience: circuit open")

	ErrRetriesExhausted = errors.New("resilience: retries exhausted")
)

// StatusError carries an upstream HTTP-like status so Classify can categorize it.
// Adapters wrap SDK and transport failures in it.
type StatusError struct {
	Service    string
	Code       int
	RetryAfter time.Duration
	Err        error
}

func (e *StatusError) Error() string {
	msg := http.StatusText(e.Code)
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Service == "" {
		return fmt.Sprintf("status %d: %s", e.Code, msg)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Service, e.Code, msg)
}

func (e *StatusError) Unwrap() error { return e.Err }

// NewStatusError is a small constructor for adapters.
func NewStatusError(service string, code int, err error) *StatusError {
	return &StatusError{Service: service, Code: code, Err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as a validation failure that must not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// RetriesExhaustedError is returned once every attempt failed with a retryable error.
type RetriesExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("resilience: retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() []error { return []error{ErrRetriesExhausted, e.Last} }
