package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType classifies admission-control errors
type ErrorType string

const (
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeBlocked       ErrorType = "blocked"
	ErrorTypeRateLimited   ErrorType = "rate_limited"
	ErrorTypeRiskBlocked   ErrorType = "risk_blocked"
	ErrorTypeCollaborator  ErrorType = "collaborator_unavailable"
	ErrorTypeSystem        ErrorType = "system"
)

// ErrorSeverity represents the severity of an error
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// AppError carries the type, severity and context of an admission error.
// Expected denials (blocked, rate limited, risk blocked) are values of this
// type, never panics, and never surface as 5xx to the caller.
type AppError struct {
	Type       ErrorType              `json:"type"`
	Severity   ErrorSeverity          `json:"severity"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	RetryAfter time.Duration          `json:"retry_after,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Context    map[string]interface{} `json:"context,omitempty"`
	wrapped    error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error
func (e *AppError) Unwrap() error {
	return e.wrapped
}

// New creates a new application error
func New(errType ErrorType, severity ErrorSeverity, code string, message string) *AppError {
	return &AppError{
		Type:      errType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Context:   make(map[string]interface{}),
	}
}

// WithError wraps an existing error
func (e *AppError) WithError(err error) *AppError {
	e.wrapped = err
	return e
}

// WithContext adds context information to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	e.Context[key] = value
	return e
}

// WithRetryAfter attaches the duration after which the caller may retry
func (e *AppError) WithRetryAfter(d time.Duration) *AppError {
	e.RetryAfter = d
	return e
}

// Typed constructors for the admission taxonomy.

// NewConfiguration reports an invalid setup value. Fatal at startup,
// never produced at request time.
func NewConfiguration(message string) *AppError {
	return New(ErrorTypeConfiguration, SeverityCritical, "CONFIG_INVALID", message)
}

// NewBlocked reports that the identity is currently blocked.
func NewBlocked(reason string) *AppError {
	return New(ErrorTypeBlocked, SeverityMedium, "IDENTITY_BLOCKED", reason)
}

// NewRateLimited reports a sliding-window violation with a retry-after hint.
func NewRateLimited(retryAfter time.Duration) *AppError {
	return New(ErrorTypeRateLimited, SeverityLow, "RATE_LIMITED", "request rate limit exceeded").
		WithRetryAfter(retryAfter)
}

// NewRiskBlocked reports a critical risk score.
func NewRiskBlocked(score int) *AppError {
	return New(ErrorTypeRiskBlocked, SeverityHigh, "RISK_BLOCKED", "transaction blocked by risk assessment").
		WithContext("score", score)
}

// NewCollaborator reports an unreachable durable mirror or event-count source.
// Recovered locally: admission proceeds on in-memory state.
func NewCollaborator(name string, err error) *AppError {
	return New(ErrorTypeCollaborator, SeverityMedium, "COLLABORATOR_UNAVAILABLE",
		fmt.Sprintf("collaborator %s unavailable", name)).WithError(err)
}

// IsType reports whether err is an AppError of the given type.
func IsType(err error, t ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == t
	}
	return false
}

// AsAppError extracts an AppError from err, if present.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	ok := errors.As(err, &appErr)
	return appErr, ok
}
