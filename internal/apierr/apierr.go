// Package apierr defines the canonical error taxonomy shared by every
// protocol adapter. A single Error type carries enough structure to be
// rendered as a REST envelope, a gRPC status, a WebSocket error frame, or
// a JSON-RPC error object without losing category, severity, or retry
// information.
package apierr

import (
	"errors"
	"fmt"
	"time"
)

// Category groups error kinds into the buckets used for status-code
// mapping and for deciding retry/propagation behavior.
type Category string

const (
	CategoryInput    Category = "input"
	CategoryAuth     Category = "auth"
	CategoryResource Category = "resource"
	CategoryCapacity Category = "capacity"
	CategoryDriver   Category = "driver"
	CategorySystem   Category = "system"
)

// Severity describes how loud an error should be in logs/alerts.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Code is a stable, machine-readable error identifier.
type Code string

const (
	CodeValidation   Code = "VALIDATION"
	CodeUnsupported  Code = "UNSUPPORTED"
	CodeBadArgument  Code = "BAD_ARGUMENT"
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeForbidden       Code = "FORBIDDEN"
	CodeTokenExpired    Code = "TOKEN_EXPIRED"
	CodeSessionExpired  Code = "SESSION_EXPIRED"
	CodeNotFound     Code = "NOT_FOUND"
	CodeConflict     Code = "CONFLICT"
	CodeLocked       Code = "LOCKED"
	CodeDuplicate    Code = "DUPLICATE"
	CodeRateLimited  Code = "RATE_LIMITED"
	CodeUnavailable  Code = "UNAVAILABLE"
	CodeTimeout      Code = "TIMEOUT"
	CodeCanceled     Code = "CANCELED"
	CodeBrowserLaunchFailed Code = "BROWSER_LAUNCH_FAILED"
	CodeBrowserCrashed      Code = "BROWSER_CRASHED"
	CodePageClosed          Code = "PAGE_CLOSED"
	CodeNavigationFailed    Code = "NAVIGATION_FAILED"
	CodeInternal         Code = "INTERNAL"
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"
	CodeSerialization    Code = "SERIALIZATION"
)

// RetryConfig describes how a retryable error should be retried by a
// caller that has not already exhausted the executor's own retry policy.
type RetryConfig struct {
	MaxAttempts       int           `json:"maxAttempts"`
	InitialDelay      time.Duration `json:"initialDelay"`
	BackoffMultiplier float64       `json:"backoffMultiplier"`
	MaxDelay          time.Duration `json:"maxDelay"`
	Jitter            bool          `json:"jitter"`
}

// Error is the canonical error type. It implements the error interface
// and carries everything a protocol adapter needs to render a response.
type Error struct {
	Code               Code         `json:"code"`
	Category           Category     `json:"category"`
	Severity           Severity     `json:"severity"`
	Message            string       `json:"message"`
	UserMessage        string       `json:"userMessage"`
	Retryable          bool         `json:"retryable"`
	RetryConfig        *RetryConfig `json:"retryConfig,omitempty"`
	RecoverySuggestions []string    `json:"recoverySuggestions,omitempty"`
	TechnicalDetails   any          `json:"-"`
	Timestamp          time.Time    `json:"timestamp"`
	RequestID          string       `json:"requestId,omitempty"`
	cause              error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.cause }

// WithCause attaches a wrapped underlying error, kept out of the JSON
// rendering and only used for logging.
func (e *Error) WithCause(err error) *Error {
	clone := *e
	clone.cause = err
	return &clone
}

// WithRequestID returns a copy of the error tagged with a request id.
func (e *Error) WithRequestID(id string) *Error {
	clone := *e
	clone.RequestID = id
	return &clone
}

func newErr(code Code, category Category, severity Severity, retryable bool, msg string) *Error {
	return &Error{
		Code:        code,
		Category:    category,
		Severity:    severity,
		Message:     msg,
		UserMessage: msg,
		Retryable:   retryable,
		Timestamp:   time.Now(),
	}
}

// Constructors, one per error kind named in spec.md section 7.

func Validation(msg string) *Error  { return newErr(CodeValidation, CategoryInput, SeverityWarning, false, msg) }
func Unsupported(msg string) *Error { return newErr(CodeUnsupported, CategoryInput, SeverityWarning, false, msg) }
func BadArgument(msg string) *Error { return newErr(CodeBadArgument, CategoryInput, SeverityWarning, false, msg) }

func Unauthenticated(msg string) *Error { return newErr(CodeUnauthenticated, CategoryAuth, SeverityWarning, false, msg) }
func Forbidden(msg string) *Error       { return newErr(CodeForbidden, CategoryAuth, SeverityWarning, false, msg) }
func TokenExpired(msg string) *Error    { return newErr(CodeTokenExpired, CategoryAuth, SeverityWarning, false, msg) }
func SessionExpired(msg string) *Error  { return newErr(CodeSessionExpired, CategoryAuth, SeverityWarning, false, msg) }

func NotFound(msg string) *Error  { return newErr(CodeNotFound, CategoryResource, SeverityInfo, false, msg) }
func Conflict(msg string) *Error  { return newErr(CodeConflict, CategoryResource, SeverityWarning, false, msg) }
func Locked(msg string) *Error    { return newErr(CodeLocked, CategoryResource, SeverityWarning, false, msg) }
func Duplicate(msg string) *Error { return newErr(CodeDuplicate, CategoryResource, SeverityWarning, false, msg) }

func RateLimited(msg string) *Error {
	e := newErr(CodeRateLimited, CategoryCapacity, SeverityWarning, true, msg)
	e.RetryConfig = &RetryConfig{MaxAttempts: 3, InitialDelay: time.Second, BackoffMultiplier: 2, MaxDelay: 30 * time.Second, Jitter: true}
	return e
}
func Unavailable(msg string) *Error {
	e := newErr(CodeUnavailable, CategoryCapacity, SeverityError, true, msg)
	e.RetryConfig = &RetryConfig{MaxAttempts: 2, InitialDelay: 2 * time.Second, BackoffMultiplier: 2, MaxDelay: 10 * time.Second, Jitter: true}
	return e
}
func Timeout(msg string) *Error {
	e := newErr(CodeTimeout, CategoryCapacity, SeverityWarning, true, msg)
	e.RetryConfig = &RetryConfig{MaxAttempts: 2, InitialDelay: 500 * time.Millisecond, BackoffMultiplier: 2, MaxDelay: 5 * time.Second, Jitter: true}
	return e
}
func Canceled(msg string) *Error { return newErr(CodeCanceled, CategoryCapacity, SeverityInfo, false, msg) }

func BrowserLaunchFailed(msg string) *Error {
	e := newErr(CodeBrowserLaunchFailed, CategoryDriver, SeverityError, true, msg)
	e.RetryConfig = &RetryConfig{MaxAttempts: 2, InitialDelay: time.Second, BackoffMultiplier: 2, MaxDelay: 8 * time.Second, Jitter: true}
	return e
}
func BrowserCrashed(msg string) *Error  { return newErr(CodeBrowserCrashed, CategoryDriver, SeverityCritical, true, msg) }
func PageClosed(msg string) *Error      { return newErr(CodePageClosed, CategoryDriver, SeverityWarning, false, msg) }
func NavigationFailed(msg string) *Error {
	e := newErr(CodeNavigationFailed, CategoryDriver, SeverityWarning, true, msg)
	e.RetryConfig = &RetryConfig{MaxAttempts: 3, InitialDelay: 500 * time.Millisecond, BackoffMultiplier: 2, MaxDelay: 4 * time.Second, Jitter: true}
	return e
}

func Internal(msg string) *Error         { return newErr(CodeInternal, CategorySystem, SeverityCritical, false, msg) }
func StoreUnavailable(msg string) *Error { return newErr(CodeStoreUnavailable, CategorySystem, SeverityCritical, true, msg) }
func Serialization(msg string) *Error    { return newErr(CodeSerialization, CategorySystem, SeverityError, false, msg) }

// As extracts an *Error from a wrapped error chain, if present.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable reports whether err is (or wraps) a retryable *Error.
func IsRetryable(err error) bool {
	e, ok := As(err)
	return ok && e.Retryable
}

// HTTPStatus maps an Error to the REST status code from the Error→HTTP
// table referenced by every protocol adapter; gRPC and JSON-RPC codes
// derive from this same mapping rather than duplicating it.
func HTTPStatus(e *Error) int {
	switch e.Code {
	case CodeValidation, CodeBadArgument, CodeUnsupported:
		return 400
	case CodeUnauthenticated, CodeTokenExpired, CodeSessionExpired:
		return 401
	case CodeForbidden:
		return 403
	case CodeNotFound:
		return 404
	case CodeConflict, CodeDuplicate, CodeLocked:
		return 409
	case CodeRateLimited:
		return 429
	case CodeUnavailable:
		return 503
	case CodeTimeout, CodeCanceled:
		return 504
	case CodeBrowserLaunchFailed, CodeBrowserCrashed, CodePageClosed, CodeNavigationFailed:
		return 502
	case CodeStoreUnavailable:
		return 503
	default:
		return 500
	}
}

// GRPCCode maps an Error to the canonical gRPC status code named in
// spec.md section 6's HTTP/gRPC table, expressed as plain ints so this
// package does not need to import google.golang.org/grpc/codes.
func GRPCCode(e *Error) int {
	switch HTTPStatus(e) {
	case 400:
		return 3 // INVALID_ARGUMENT
	case 401:
		return 16 // UNAUTHENTICATED
	case 403:
		return 7 // PERMISSION_DENIED
	case 404:
		return 5 // NOT_FOUND
	case 409:
		return 6 // ALREADY_EXISTS
	case 429:
		return 8 // RESOURCE_EXHAUSTED
	case 503:
		return 14 // UNAVAILABLE
	case 504:
		return 4 // DEADLINE_EXCEEDED
	default:
		return 13 // INTERNAL
	}
}
