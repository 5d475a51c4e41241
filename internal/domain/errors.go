package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrCircuitOpen is returned by the breaker without invoking the Gateway.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrAlreadyMonitored reports a duplicate registration; the existing
	// configuration is left untouched.
	ErrAlreadyMonitored = errors.New("auction already monitored")

	ErrNotMonitored = errors.New("auction not monitored")
)

// FailureKind buckets Gateway failures for retry and breaker purposes.
type FailureKind string

const (
	// FailureTransient covers connection refused, timeouts and 5xx. Retryable.
	FailureTransient FailureKind = "transient"
	// FailureSemantic covers bid-too-low, already-ended, outbid. Final.
	FailureSemantic FailureKind = "semantic"
	// FailureAuth covers credential rejections. Monitoring pauses.
	FailureAuth FailureKind = "auth"
	// FailureMalformed covers undecodable external data. Recovered locally.
	FailureMalformed FailureKind = "malformed"
)

// GatewayError wraps a Gateway failure with its taxonomy bucket.
type GatewayError struct {
	Kind       FailureKind
	Op         string
	StatusCode int
	Err        error
}

func (e *GatewayError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway %s: %s (status %d): %v", e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("gateway %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Retryable reports whether an error may be retried against the Gateway.
// Circuit-open counts as transient for scheduling purposes.
func Retryable(err error) bool {
	if errors.Is(err, ErrCircuitOpen) {
		return true
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind == FailureTransient
	}
	return false
}

// IsAuthFailure reports whether the error is a credential rejection.
func IsAuthFailure(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge) && ge.Kind == FailureAuth
}

// ValidationError describes a rejected request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
