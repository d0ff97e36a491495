// Package errs provides the typed error kinds used across the trading
// core so that callers can distinguish retryable transport failures from
// business rejections without parsing strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for routing/retry decisions.
type Kind string

const (
	TransientNetwork  Kind = "transient_network"
	BrokerRateLimit    Kind = "broker_rate_limit"
	BrokerBusiness     Kind = "broker_business_error"
	Validation         Kind = "validation"
	Invariant          Kind = "invariant"
	Unauthorized       Kind = "unauthorized"
	Stale              Kind = "stale"
	ExternalUnavailable Kind = "external_unavailable"
)

// Typed is an error tagged with a Kind plus optional structured detail.
type Typed struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Typed) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Typed) Unwrap() error { return e.Cause }

// New builds a Typed error with no wrapped cause.
func New(kind Kind, message string) *Typed {
	return &Typed{Kind: kind, Message: message}
}

// Wrap builds a Typed error wrapping cause.
func Wrap(kind Kind, message string, cause error) *Typed {
	return &Typed{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is a Typed error of the given kind.
func Is(err error, kind Kind) bool {
	var t *Typed
	if errors.As(err, &t) {
		return t.Kind == kind
	}
	return false
}
