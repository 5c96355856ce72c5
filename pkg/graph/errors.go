package graph

import (
	"errors"
	"fmt"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during backoff.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrUsageBlocked is returned when the app-usage tracker blocks a request.
	ErrUsageBlocked = errors.New("request blocked: app usage critical")
)

// Class categorizes a provider or network failure. Classification is derived
// solely from the provider's numeric code and type tag (or from the transport
// layer), so it is stable across retries.
type Class string

const (
	// ClassTransport covers network-level failures: timeouts, connection resets.
	ClassTransport Class = "transport"

	// ClassRateLimit covers provider-signaled throttling.
	ClassRateLimit Class = "rate_limit"

	// ClassAuth covers expired or invalid credentials. Fatal to the whole run.
	ClassAuth Class = "auth"

	// ClassPermission covers feature/permission denials. Fatal to the component
	// that hit it, not to the run.
	ClassPermission Class = "permission"

	// ClassUnsupported covers metrics or features the provider does not offer
	// for this resource. Never surfaced as a user-facing error.
	ClassUnsupported Class = "unsupported"

	// ClassTransient covers provider-side hiccups the provider itself labels
	// as temporary.
	ClassTransient Class = "transient"

	// ClassDataShape covers unparsable or structurally mismatched responses.
	ClassDataShape Class = "data_shape"
)

// Error is the classified projection of the Graph error envelope
// {error:{message, code, type, error_subcode, fbtrace_id}} plus transport
// failures. It is a plain value; all predicates live in pure functions.
type Error struct {
	Message    string
	Code       int
	Type       string
	Subcode    int
	TraceID    string
	Class      Class
	HTTPStatus int
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("graph %s error: %s: %v", e.Class, e.Message, e.Err)
	}
	return fmt.Sprintf("graph %s error (code %d, subcode %d): %s",
		e.Class, e.Code, e.Subcode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Classify maps the provider's numeric code and type tag to an error class.
// Pure and deterministic: the same envelope always classifies the same way.
func Classify(code int, typeTag string, subcode int) Class {
	switch code {
	case 1, 2:
		// "Unknown error" and "Service temporarily unavailable".
		return ClassTransient
	case 4, 17, 32, 613:
		// App, user, page and custom rate limits.
		return ClassRateLimit
	case 190:
		return ClassAuth
	case 10:
		return ClassPermission
	case 100:
		if subcode == 33 {
			// Object or metric does not exist / not supported for this node.
			return ClassUnsupported
		}
		return ClassDataShape
	case 3001:
		return ClassUnsupported
	}

	if code >= 200 && code <= 299 {
		return ClassPermission
	}

	if typeTag == "OAuthException" {
		return ClassAuth
	}

	return ClassDataShape
}

// Retryable reports whether an error class is worth retrying. Auth and
// permission failures short-circuit: retrying them wastes quota and cannot
// succeed.
func Retryable(c Class) bool {
	switch c {
	case ClassTransport, ClassRateLimit, ClassTransient:
		return true
	default:
		return false
	}
}

// RateLimited reports whether err is a provider-signaled throttle.
func RateLimited(err error) bool {
	var gerr *Error
	return errors.As(err, &gerr) && gerr.Class == ClassRateLimit
}

// TokenExpired reports whether err means the credential is no longer valid.
func TokenExpired(err error) bool {
	var gerr *Error
	return errors.As(err, &gerr) && gerr.Class == ClassAuth
}

// PermissionDenied reports whether err is a feature or permission denial.
func PermissionDenied(err error) bool {
	var gerr *Error
	return errors.As(err, &gerr) && gerr.Class == ClassPermission
}

// Unsupported reports whether err means the feature is not available for the
// resource, an expected, silent gap rather than a user-facing failure.
func Unsupported(err error) bool {
	var gerr *Error
	return errors.As(err, &gerr) && gerr.Class == ClassUnsupported
}

// ClassOf extracts the class from err, or ClassTransport for plain
// network-level errors that never reached the provider.
func ClassOf(err error) Class {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Class
	}
	return ClassTransport
}
