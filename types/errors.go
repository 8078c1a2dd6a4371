package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a commerce error. Callers branch on the kind, never on
// the message text.
type ErrorKind string

// Error kinds
const (
	// KindValidation is malformed input. Caller error, never retried.
	KindValidation ErrorKind = "VALIDATION"
	// KindConflict is an illegal state transition. Caller must inspect
	// current state before retrying.
	KindConflict ErrorKind = "CONFLICT"
	// KindNotFound is an unknown negotiation, agent, product or payment id.
	KindNotFound ErrorKind = "NOT_FOUND"
	// KindExpired is a lapsed deadline or TTL. Caller must re-quote.
	KindExpired ErrorKind = "EXPIRED"
	// KindInsufficientReputation is a business-rule rejection on trust score.
	KindInsufficientReputation ErrorKind = "INSUFFICIENT_REPUTATION"
	// KindInsufficientStock is a business-rule rejection on availability.
	KindInsufficientStock ErrorKind = "INSUFFICIENT_STOCK"
	// KindTransient is a failed downstream call, eligible for caller-driven
	// retry with backoff.
	KindTransient ErrorKind = "TRANSIENT"
	// KindAuth is an invalid signature or token. Fatal to the operation.
	KindAuth ErrorKind = "AUTH"
	// KindConfig is invalid or missing configuration.
	KindConfig ErrorKind = "CONFIG"
	// KindPayment is a settlement failure reported by a rail.
	KindPayment ErrorKind = "PAYMENT"
)

// CommerceError is the error type returned by every core operation.
type CommerceError struct {
	Kind    ErrorKind         `json:"kind"`
	Message string            `json:"message"`
	Field   string            `json:"field,omitempty"`
	Details map[string]string `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface
func (e *CommerceError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause, if any
func (e *CommerceError) Unwrap() error {
	return e.cause
}

// WithDetail attaches a key/value detail and returns the error for chaining
func (e *CommerceError) WithDetail(key, value string) *CommerceError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// NewValidationError reports malformed input on a named field
func NewValidationError(field, message string) *CommerceError {
	return &CommerceError{Kind: KindValidation, Field: field, Message: message}
}

// NewConflictError reports an illegal state transition
func NewConflictError(message string) *CommerceError {
	return &CommerceError{Kind: KindConflict, Message: message}
}

// NewNotFoundError reports an unknown id for the given resource
func NewNotFoundError(resource, id string) *CommerceError {
	return &CommerceError{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s %s not found", resource, id),
		Details: map[string]string{"resource": resource, "id": id},
	}
}

// NewExpiredError reports a lapsed deadline or TTL
func NewExpiredError(message string) *CommerceError {
	return &CommerceError{Kind: KindExpired, Message: message}
}

// NewInsufficientReputationError reports a trust-score rejection. The message
// carries both the actual score and the threshold so the caller can correct.
func NewInsufficientReputationError(score, minimum int) *CommerceError {
	return &CommerceError{
		Kind:    KindInsufficientReputation,
		Message: fmt.Sprintf("reputation score %d below required minimum %d", score, minimum),
		Details: map[string]string{
			"score":   fmt.Sprintf("%d", score),
			"minimum": fmt.Sprintf("%d", minimum),
		},
	}
}

// NewInsufficientStockError reports an availability rejection
func NewInsufficientStockError(requested, available int) *CommerceError {
	return &CommerceError{
		Kind:    KindInsufficientStock,
		Message: fmt.Sprintf("requested quantity %d exceeds available stock %d", requested, available),
		Details: map[string]string{
			"requested": fmt.Sprintf("%d", requested),
			"available": fmt.Sprintf("%d", available),
		},
	}
}

// NewTransientError wraps a downstream failure. The message is generic on
// purpose; the wrapped cause stays available for logs via Unwrap.
func NewTransientError(operation string, cause error) *CommerceError {
	return &CommerceError{
		Kind:    KindTransient,
		Message: fmt.Sprintf("%s failed, retry later", operation),
		cause:   cause,
	}
}

// NewAuthError reports an invalid signature or token
func NewAuthError(message string) *CommerceError {
	return &CommerceError{Kind: KindAuth, Message: message}
}

// NewConfigError reports invalid configuration
func NewConfigError(message string) *CommerceError {
	return &CommerceError{Kind: KindConfig, Message: message}
}

// NewPaymentError reports a settlement failure
func NewPaymentError(message string) *CommerceError {
	return &CommerceError{Kind: KindPayment, Message: message}
}

// KindOf returns the kind of err, or "" when err is not a CommerceError
func KindOf(err error) ErrorKind {
	var ce *CommerceError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// IsValidation reports whether err is a validation error
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsConflict reports whether err is an illegal-transition error
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsNotFound reports whether err is an unknown-id error
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsExpired reports whether err is a deadline/TTL error
func IsExpired(err error) bool { return KindOf(err) == KindExpired }

// IsTransient reports whether err is eligible for caller-driven retry
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsAuth reports whether err is a signature/token error
func IsAuth(err error) bool { return KindOf(err) == KindAuth }
