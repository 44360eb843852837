// Package errs centralizes the error taxonomy used across the orchestrator:
// every error that crosses a component boundary is classified into an
// ErrorKind exactly once, here, rather than by re-inspecting error strings
// at each call site. Handlers and the HTTP layer both consult Classify to
// decide retry behavior and status codes.
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorKind names one row of the error taxonomy.
type ErrorKind string

const (
	KindValidation             ErrorKind = "VALIDATION"
	KindNotFound               ErrorKind = "NOT_FOUND"
	KindProviderClientError    ErrorKind = "PROVIDER_4XX"
	KindRateLimit              ErrorKind = "RATE_LIMIT"
	KindProviderServerError    ErrorKind = "PROVIDER_5XX"
	KindNetwork                ErrorKind = "NETWORK"
	KindCircuitBreaker         ErrorKind = "CIRCUIT_BREAKER_ERROR"
	KindStartupTimeout         ErrorKind = "STARTUP_TIMEOUT"
	KindHealthCheckFailed      ErrorKind = "HEALTH_CHECK_FAILED"
	KindStartupConflict        ErrorKind = "STARTUP_ALREADY_IN_PROGRESS"
	KindRegistryAuthNotFound   ErrorKind = "REGISTRY_AUTH_NOT_FOUND"
	KindNoOptimalProduct       ErrorKind = "NO_OPTIMAL_PRODUCT_ANY_REGION"
	KindMigrationConflict      ErrorKind = "MIGRATION_JOB_CONFLICT"
	KindTimeout                ErrorKind = "TIMEOUT"
	KindShutdown               ErrorKind = "SHUTDOWN"
	KindInternal               ErrorKind = "INTERNAL"
)

// retryable records, per kind, whether the job engine and provider client
// should retry an attempt that failed with this kind.
var retryable = map[ErrorKind]bool{
	KindValidation:           false,
	KindNotFound:              false,
	KindProviderClientError:   false,
	KindRateLimit:             true,
	KindProviderServerError:   true,
	KindNetwork:               true,
	KindCircuitBreaker:        true,
	KindStartupTimeout:        false,
	KindHealthCheckFailed:     true,
	KindStartupConflict:       false,
	KindRegistryAuthNotFound:  false,
	KindNoOptimalProduct:      false,
	KindMigrationConflict:     false,
	KindTimeout:               true,
	KindShutdown:              false,
	KindInternal:              false,
}

// httpStatus maps each kind to the status code the REST surface renders it
// as, per spec §7.
var httpStatus = map[ErrorKind]int{
	KindValidation:           http.StatusBadRequest,
	KindNotFound:             http.StatusNotFound,
	KindProviderClientError:  http.StatusBadGateway,
	KindRateLimit:            http.StatusTooManyRequests,
	KindProviderServerError:  http.StatusBadGateway,
	KindNetwork:              http.StatusBadGateway,
	KindCircuitBreaker:       http.StatusServiceUnavailable,
	KindStartupTimeout:       http.StatusGatewayTimeout,
	KindHealthCheckFailed:    http.StatusGatewayTimeout,
	KindStartupConflict:      http.StatusConflict,
	KindRegistryAuthNotFound: http.StatusNotFound,
	KindNoOptimalProduct:     http.StatusConflict,
	KindMigrationConflict:    http.StatusConflict,
	KindTimeout:              http.StatusGatewayTimeout,
	KindShutdown:             http.StatusServiceUnavailable,
	KindInternal:             http.StatusInternalServerError,
}

// Error is a classified, user-facing error carrying the fields the REST
// surface renders per spec §7: {code, message, details?, timestamp, requestId}.
type Error struct {
	Kind      ErrorKind
	Message   string
	Details   string
	Timestamp time.Time
	RequestID string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Code returns the machine-readable error code surfaced to clients.
func (e *Error) Code() string { return string(e.Kind) }

// HTTPStatus returns the status code this kind renders as.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Retryable reports whether an attempt that failed with this error should
// be retried by the job engine or the provider client's attempt loop.
func (e *Error) Retryable() bool {
	if r, ok := retryable[e.Kind]; ok {
		return r
	}
	return false
}

// New builds a classified Error.
func New(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Timestamp: time.Now().UTC(), Cause: cause}
}

// Classify extracts the ErrorKind from err, falling back to KindInternal
// for errors that did not originate from this package (e.g. a bare
// context.DeadlineExceeded is classified as KindTimeout explicitly by
// callers at the boundary where the timeout was observed).
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether err, classified, should be retried.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// HTTPStatusForClassified returns the HTTP status for a classified error,
// or 500 if err does not carry a classification.
func HTTPStatusForClassified(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}
