package otaflux

import "fmt"

// ErrorCode enumerates the error categories the core surfaces to its callers.
type ErrorCode int

const (
	// Unknown represents an unspecified error condition.
	Unknown ErrorCode = iota
	// NotFound means no parsable semver tag exists for the device. Permanent
	// for the current registry state; callers render 404.
	NotFound
	// UpstreamError means a registry call failed (network, auth, 5xx).
	// Transient; callers render 404 and devices retry by polling.
	UpstreamError
	// InvariantError means an internal invariant was violated, e.g. a
	// waiter observed broadcast completion but found no cache entry.
	InvariantError
	// ConfigError is construction-time only: cache_size == 0, an unreadable
	// cosign key, a malformed MQTT URL. Fatal at startup.
	ConfigError
)

func (c ErrorCode) String() string {
	switch c {
	case NotFound:
		return "not_found"
	case UpstreamError:
		return "upstream_error"
	case InvariantError:
		return "invariant_error"
	case ConfigError:
		return "config_error"
	default:
		return "unknown"
	}
}

// Error is the core's error type, carrying a code and the wrapped cause.
type Error struct {
	Code ErrorCode
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

// Unwrap allows errors.Is/errors.As to see through to the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with the given code.
func NewError(code ErrorCode, err error) *Error {
	return &Error{Code: code, Err: err}
}

// Is reports whether target is an *Error with the same code, so callers can
// write errors.Is(err, otaflux.ErrNotFound) against the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Sentinel errors usable with errors.Is; only the Code is compared.
var (
	ErrNotFound       = &Error{Code: NotFound}
	ErrUpstreamError  = &Error{Code: UpstreamError}
	ErrInvariantError = &Error{Code: InvariantError}
	ErrConfigError    = &Error{Code: ConfigError}
)
