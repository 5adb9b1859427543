package errors

import (
	stdErrors "errors"
	"fmt"
	"sync"
)

// Code identifies a class of failure within the exchange protocol.
type Code string

// Severity describes how serious an error is, used for alerting and audit.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	CodeUnknown             Code = "UNKNOWN"
	CodeNegotiation         Code = "NEGOTIATION"
	CodePaymentRequired     Code = "PAYMENT_REQUIRED"
	CodePaymentVerification Code = "PAYMENT_VERIFICATION"
	CodeSettlement          Code = "SETTLEMENT"
	CodeReconciliation      Code = "RECONCILIATION"
	CodeCredential          Code = "CREDENTIAL"
	CodeConflict            Code = "CONFLICT"
	CodeNotFound            Code = "NOT_FOUND"
	CodeTimeout             Code = "TIMEOUT"
	CodeInternal            Code = "INTERNAL"
)

// Attributes provides default behaviour for a code.
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown: {
			Message:  "unknown error",
			Severity: SeverityCritical,
			Alert:    true,
		},
		CodeNegotiation: {
			Message:  "malformed negotiation request",
			Severity: SeverityInfo,
		},
		CodePaymentRequired: {
			// A protocol step, not a fault.
			Message:  "payment required",
			Severity: SeverityInfo,
		},
		CodePaymentVerification: {
			// Terminal for the submission; the buyer may retry with a
			// fresh authorization.
			Message:   "payment verification failed",
			Severity:  SeverityWarning,
			Retryable: true,
		},
		CodeSettlement: {
			Message:  "settlement submission failed",
			Severity: SeverityWarning,
			Alert:    true,
		},
		CodeReconciliation: {
			Message:  "on-chain reconciliation mismatch",
			Severity: SeverityWarning,
		},
		CodeCredential: {
			Message:  "credential unknown, expired or revoked",
			Severity: SeverityInfo,
		},
		CodeConflict: {
			Message:  "illegal state transition",
			Severity: SeverityWarning,
		},
		CodeNotFound: {
			Message:  "resource not found",
			Severity: SeverityInfo,
		},
		CodeTimeout: {
			Message:   "operation timed out",
			Severity:  SeverityWarning,
			Retryable: true,
			Alert:     true,
		},
		CodeInternal: {
			Message:  "internal error",
			Severity: SeverityCritical,
			Alert:    true,
		},
	}
)

// Register lets a package add or override a code description during init.
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf returns the attributes for a code, falling back to UNKNOWN.
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error is the unified error type used across the module.
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
}

// Option configures an Error.
type Option func(*Error)

// WithMetadata attaches a key/value pair to the error.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// New creates an error with the given code and message.
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap attaches the unified error type around a cause.
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Unwrap implements errors.Unwrap.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches errors by code so errors.Is works across wrap layers.
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code returns the error code.
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message returns the human readable message without the cause chain.
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata returns a copy of the attached metadata.
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Retryable reports whether a retry of the same operation may succeed.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	return AttributesOf(e.code).Retryable
}

// ShouldAlert reports whether this error should page someone.
func (e *Error) ShouldAlert() bool {
	if e == nil {
		return false
	}
	return AttributesOf(e.code).Alert
}

// Severity returns the error severity.
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	return AttributesOf(e.code).Severity
}

// From extracts the unified error type from an error chain.
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf returns the code carried by err, or UNKNOWN.
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}
