// Package rterr defines the Automation Runtime's error taxonomy: a small
// closed set of kinds every component returns instead of raw engine errors.
package rterr

import (
	"errors"
	"fmt"

	"browserrunner/internal/correlation"
)

// Kind is one tag in the runtime's closed error taxonomy.
type Kind string

const (
	InvalidInput         Kind = "invalid_input"
	NotFound             Kind = "not_found"
	Timeout              Kind = "timeout"
	Transient            Kind = "transient"
	Fatal                Kind = "fatal"
	Cancelled            Kind = "cancelled"
	PolicyViolation      Kind = "policy_violation"
	PlannerLowConfidence Kind = "planner_low_confidence"
)

// Error is the concrete error type returned across component boundaries.
// It never carries a raw engine stack trace, only a stable kind and a
// human-readable message, per the user-visible behaviour rule.
type Error struct {
	Kind            Kind
	Message         string
	Retryable       bool
	Cause           error
	CorrelationKeys []correlation.Key
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind, attaching correlation keys found
// in the underlying cause's message, if any.
func New(kind Kind, message string, cause error) *Error {
	e := &Error{Kind: kind, Message: message, Cause: cause}
	if cause != nil {
		e.CorrelationKeys = correlation.FromMessage(cause.Error())
	}
	return e
}

func Invalid(message string, cause error) *Error { return New(InvalidInput, message, cause) }
func NotFoundf(format string, args ...interface{}) *Error {
	return New(NotFound, fmt.Sprintf(format, args...), nil)
}
func TimeoutErr(message string, cause error) *Error {
	e := New(Timeout, message, cause)
	e.Retryable = false
	return e
}
func Transient_(message string, cause error) *Error {
	e := New(Transient, message, cause)
	e.Retryable = true
	return e
}
func FatalErr(message string, cause error) *Error { return New(Fatal, message, cause) }
func CancelledErr(message string) *Error          { return New(Cancelled, message, nil) }
func Policy(message string) *Error                { return New(PolicyViolation, message, nil) }
func LowConfidence(message string) *Error         { return New(PlannerLowConfidence, message, nil) }

// MarkExhausted flips an error to retryable:false because the executor
// already exhausted its retry budget — "honestly signalling we tried", per
// the coordinator's propagation policy.
func MarkExhausted(err error) error {
	var re *Error
	if errors.As(err, &re) {
		clone := *re
		clone.Retryable = false
		return &clone
	}
	return err
}

// KindOf extracts the Kind of err, defaulting to Fatal for unrecognised
// errors so nothing silently escapes the taxonomy.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return Fatal
}

// IsRetryable reports whether err is tagged retryable.
func IsRetryable(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Retryable
	}
	return false
}
