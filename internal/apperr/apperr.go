// Package apperr defines the aggregator's error taxonomy: a small set of
// typed errors that every layer (backend client, manager, dispatcher,
// internal tools) raises instead of ad-hoc fmt.Errorf strings, so the
// frontend dispatcher can map them onto stable JSON-RPC error codes.
package apperr

import "fmt"

// Kind identifies one of the aggregator's error categories.
type Kind string

const (
	KindToolNotFound        Kind = "TOOL_NOT_FOUND"
	KindToolDisabled        Kind = "TOOL_DISABLED"
	KindToolExecutionError  Kind = "TOOL_EXECUTION_ERROR"
	KindValidationError     Kind = "VALIDATION_ERROR"
	KindBackendTimeout      Kind = "BACKEND_TIMEOUT"
	KindBackendUnavailable  Kind = "BACKEND_UNAVAILABLE"
	KindAuthenticationError Kind = "AUTHENTICATION_ERROR"
	KindAuthorizationError Kind = "AUTHORIZATION_ERROR"
	KindRateLimitExceeded   Kind = "RATE_LIMIT_EXCEEDED"
	KindConfigurationError  Kind = "CONFIGURATION_ERROR"
	KindMCPServerError      Kind = "MCP_SERVER_ERROR"
	KindInternalError       Kind = "INTERNAL_ERROR"
)

// httpStatus gives each Kind a conventional HTTP-equivalent status. The
// dispatcher uses it to pick the JSON-RPC error code; the status itself
// is never emitted on the wire (MCP transport has no HTTP status line).
var httpStatus = map[Kind]int{
	KindToolNotFound:        404,
	KindToolDisabled:        403,
	KindToolExecutionError:  500,
	KindValidationError:     400,
	KindBackendTimeout:      504,
	KindBackendUnavailable:  503,
	KindAuthenticationError: 401,
	KindAuthorizationError:  403,
	KindRateLimitExceeded:   429,
	KindConfigurationError:  500,
	KindMCPServerError:      502,
	KindInternalError:       500,
}

// Error is the aggregator's uniform error type. It carries a Kind for
// programmatic dispatch, a human Message, an optional wrapped cause, and
// a free-form Details map surfaced to callers that need structured
// context (the offending field, the backend name, the retry count).
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus returns the HTTP-equivalent status for the error's Kind.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return 500
}

// New builds an Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind and message to an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithDetails returns a copy of e with Details set, for fluent construction:
// apperr.New(apperr.KindToolNotFound, "no such tool").WithDetails(map[string]any{"tool": name})
func (e *Error) WithDetails(details map[string]any) *Error {
	n := *e
	n.Details = details
	return &n
}

// As reports whether err is (or wraps) an *Error, and if so returns it.
func As(err error) (*Error, bool) {
	var target *Error
	if err == nil {
		return nil, false
	}
	if e, ok := err.(*Error); ok {
		return e, true
	}
	if u, ok := err.(interface{ Unwrap() error }); ok {
		return As(u.Unwrap())
	}
	return target, false
}

// ToolNotFound convenience constructors, used in hot paths where we don't
// want every call site spelling out the Kind constant.
func ToolNotFound(name string) *Error {
	return New(KindToolNotFound, fmt.Sprintf("tool %q is not registered", name)).
		WithDetails(map[string]any{"tool": name})
}

func ToolDisabled(name string) *Error {
	return New(KindToolDisabled, fmt.Sprintf("tool %q is disabled", name)).
		WithDetails(map[string]any{"tool": name})
}

func BackendUnavailable(backend string, cause error) *Error {
	return Wrap(KindBackendUnavailable, fmt.Sprintf("backend %q is unavailable", backend), cause).
		WithDetails(map[string]any{"backend": backend})
}

func BackendTimeout(backend, tool string) *Error {
	return New(KindBackendTimeout, fmt.Sprintf("backend %q timed out calling %q", backend, tool)).
		WithDetails(map[string]any{"backend": backend, "tool": tool})
}

func ValidationError(message string, details map[string]any) *Error {
	return New(KindValidationError, message).WithDetails(details)
}

func RateLimitExceeded(identifier string, retryAfterSeconds float64) *Error {
	return New(KindRateLimitExceeded, fmt.Sprintf("Rate limit exceeded. Retry after %d seconds.", int64(retryAfterSeconds))).
		WithDetails(map[string]any{"identifier": identifier, "retryAfter": retryAfterSeconds})
}

func AuthenticationError(message string) *Error {
	return New(KindAuthenticationError, message)
}

func AuthorizationError(tool string) *Error {
	return New(KindAuthorizationError, fmt.Sprintf("not permitted to call %q", tool)).
		WithDetails(map[string]any{"tool": tool})
}
