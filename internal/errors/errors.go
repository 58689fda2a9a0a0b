package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrorType represents the category of error
type ErrorType int

const (
	// Configuration errors - missing or invalid configuration
	ErrorTypeConfig ErrorType = iota
	// Validation errors - malformed input, rejected before any external call
	ErrorTypeValidation
	// Database errors - the store rejected a read or write
	ErrorTypeDatabase
	// Network errors - network connectivity issues
	ErrorTypeNetwork
	// NotFound errors - a mutating operation targeted a missing entity
	ErrorTypeNotFound
	// CodeGeneration errors - the batch code generator failed
	ErrorTypeCodeGeneration
	// State errors - a transition not allowed from the current state
	ErrorTypeState
	// External errors - external service failures (event bus, cache)
	ErrorTypeExternal
	// Internal errors - unexpected internal state
	ErrorTypeInternal
	// Conflict errors - a uniqueness constraint rejected a write
	ErrorTypeConflict
)

// Severity represents how critical an error is
type Severity int

const (
	// SeverityLow - can continue with degraded functionality
	SeverityLow Severity = iota
	// SeverityMedium - should be addressed but not fatal
	SeverityMedium
	// SeverityHigh - significant issue, may impact functionality
	SeverityHigh
	// SeverityCritical - must be addressed, stops execution
	SeverityCritical
)

// Sentinels for errors.Is checks against the taxonomy.
var (
	ErrNotFound          = &Error{Type: ErrorTypeNotFound, Message: "not found"}
	ErrValidation        = &Error{Type: ErrorTypeValidation, Message: "validation failed"}
	ErrPersistence       = &Error{Type: ErrorTypeDatabase, Message: "persistence failed"}
	ErrCodeGeneration    = &Error{Type: ErrorTypeCodeGeneration, Message: "batch code generation failed"}
	ErrInvalidTransition = &Error{Type: ErrorTypeState, Message: "invalid state transition"}
	ErrConflict          = &Error{Type: ErrorTypeConflict, Message: "conflict"}
)

// Error represents a structured error with context
type Error struct {
	Type       ErrorType
	Severity   Severity
	Message    string
	Cause      error
	Context    map[string]interface{}
	StackTrace string
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Is checks if this error matches the target error type
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// IsFatal returns true if this error should stop execution
func (e *Error) IsFatal() bool {
	return e.Severity == SeverityCritical
}

// DetailedString returns a detailed error message with context
func (e *Error) DetailedString() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("[%s] [%s] %s\n",
		severityString(e.Severity),
		e.Type.String(),
		e.Message))

	if e.Cause != nil {
		sb.WriteString(fmt.Sprintf("Caused by: %v\n", e.Cause))
	}

	if len(e.Context) > 0 {
		sb.WriteString("Context:\n")
		for k, v := range e.Context {
			sb.WriteString(fmt.Sprintf("  %s: %v\n", k, v))
		}
	}

	if e.StackTrace != "" {
		sb.WriteString(fmt.Sprintf("Stack trace:\n%s\n", e.StackTrace))
	}

	return sb.String()
}

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeConfig:
		return "CONFIG"
	case ErrorTypeValidation:
		return "VALIDATION"
	case ErrorTypeDatabase:
		return "PERSISTENCE"
	case ErrorTypeNetwork:
		return "NETWORK"
	case ErrorTypeNotFound:
		return "NOT_FOUND"
	case ErrorTypeCodeGeneration:
		return "CODE_GENERATION"
	case ErrorTypeState:
		return "STATE"
	case ErrorTypeExternal:
		return "EXTERNAL"
	case ErrorTypeInternal:
		return "INTERNAL"
	case ErrorTypeConflict:
		return "CONFLICT"
	default:
		return "UNKNOWN"
	}
}

func severityString(s Severity) string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// captureStackTrace captures the current stack trace
func captureStackTrace(skip int) string {
	var sb strings.Builder
	for i := skip; i < skip+10; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			break
		}
		sb.WriteString(fmt.Sprintf("  %s:%d %s\n", file, line, fn.Name()))
	}
	return sb.String()
}

// New creates a new error with the given type, severity, and message
func New(errType ErrorType, severity Severity, message string) *Error {
	return &Error{
		Type:       errType,
		Severity:   severity,
		Message:    message,
		Context:    make(map[string]interface{}),
		StackTrace: captureStackTrace(2),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, severity Severity, message string) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Type:       errType,
		Severity:   severity,
		Message:    message,
		Cause:      err,
		Context:    make(map[string]interface{}),
		StackTrace: captureStackTrace(2),
	}
}

// ConfigError creates a configuration error
func ConfigError(message string) *Error {
	return New(ErrorTypeConfig, SeverityCritical, message)
}

// ValidationError creates a validation error
func ValidationError(message string) *Error {
	return New(ErrorTypeValidation, SeverityHigh, message)
}

// ValidationErrorf creates a validation error with formatting
func ValidationErrorf(format string, args ...interface{}) *Error {
	return New(ErrorTypeValidation, SeverityHigh, fmt.Sprintf(format, args...))
}

// PersistenceError wraps a store failure. The underlying message is kept so
// callers can surface it.
func PersistenceError(err error, message string) *Error {
	return Wrap(err, ErrorTypeDatabase, SeverityHigh, message)
}

// PersistenceErrorf wraps a store failure with formatting
func PersistenceErrorf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, ErrorTypeDatabase, SeverityHigh, fmt.Sprintf(format, args...))
}

// NetworkError wraps a network error
func NetworkError(err error, message string) *Error {
	return Wrap(err, ErrorTypeNetwork, SeverityHigh, message)
}

// NotFoundError reports a missing entity targeted by a mutating operation
func NotFoundError(kind, id string) *Error {
	return New(ErrorTypeNotFound, SeverityMedium, fmt.Sprintf("%s not found: %s", kind, id)).
		WithContext("id", id)
}

// BatchCodeGenerationError wraps the reason the code generator failed
func BatchCodeGenerationError(reason error) *Error {
	if reason == nil {
		reason = stderrors.New("unknown reason")
	}
	return Wrap(reason, ErrorTypeCodeGeneration, SeverityMedium, "batch code generation failed")
}

// StateErrorf reports a transition that is not allowed from the current state
func StateErrorf(format string, args ...interface{}) *Error {
	return New(ErrorTypeState, SeverityMedium, fmt.Sprintf(format, args...))
}

// ExternalError wraps an external service error
func ExternalError(err error, message string) *Error {
	return Wrap(err, ErrorTypeExternal, SeverityMedium, message)
}

// ConflictError wraps a write rejected by a uniqueness constraint
func ConflictError(err error, message string) *Error {
	return Wrap(err, ErrorTypeConflict, SeverityMedium, message)
}

// InternalErrorf creates an internal error with formatting
func InternalErrorf(format string, args ...interface{}) *Error {
	return New(ErrorTypeInternal, SeverityCritical, fmt.Sprintf(format, args...))
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// IsFatal checks if an error is fatal (should stop execution)
func IsFatal(err error) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.IsFatal()
	}
	return false
}

// GetType returns the type of an error
func GetType(err error) ErrorType {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeInternal
}

// IsRetryable reports whether repeating the operation may succeed. Input,
// lookup and state errors never change on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if !stderrors.As(err, &e) {
		return false
	}
	switch e.Type {
	case ErrorTypeDatabase, ErrorTypeNetwork, ErrorTypeExternal:
		return true
	default:
		return false
	}
}
