package types

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for comparison using errors.Is(). Backends and the
// router wrap these with context; callers never receive an untyped failure.
var (
	// ErrValidationFailed indicates malformed caller input. Never retried.
	ErrValidationFailed = errors.New("validation failed")

	// ErrBackendUnavailable indicates a transient backend failure
	// (network, process, timeout). Drives breaker state and fallback.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrNotFound indicates the record is absent on every reachable backend.
	ErrNotFound = errors.New("record not found")

	// ErrAllBackendsUnavailable indicates no eligible backend could serve
	// the operation.
	ErrAllBackendsUnavailable = errors.New("all backends unavailable")

	// ErrTimeout indicates the caller's overall deadline was exceeded.
	ErrTimeout = errors.New("operation timed out")

	// ErrCircuitOpen is the reason a backend was skipped without a call.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// Attempt records what happened to one candidate backend during routing.
type Attempt struct {
	Backend string `json:"backend"`
	Skipped bool   `json:"skipped"`
	Err     error  `json:"-"`
}

// Reason renders the attempt outcome for logs and error messages.
func (a Attempt) Reason() string {
	if a.Err == nil {
		return "ok"
	}
	return a.Err.Error()
}

// RoutingError reports an operation that no backend could complete. It
// matches ErrAllBackendsUnavailable, or ErrNotFound when at least one
// reachable backend answered that the id does not exist.
type RoutingError struct {
	Op       string
	Kind     error
	Attempts []Attempt
}

// Error returns the string representation of the error
func (e *RoutingError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %v", e.Op, e.Kind)
	if len(e.Attempts) > 0 {
		b.WriteString(" [")
		for i, a := range e.Attempts {
			if i > 0 {
				b.WriteString("; ")
			}
			fmt.Fprintf(&b, "%s: %s", a.Backend, a.Reason())
		}
		b.WriteString("]")
	}
	return b.String()
}

// Unwrap returns the error kind for use with errors.Is/As
func (e *RoutingError) Unwrap() error {
	return e.Kind
}

// Unreachable lists backends that were skipped or failed.
func (e *RoutingError) Unreachable() []string {
	var names []string
	for _, a := range e.Attempts {
		if a.Skipped || (a.Err != nil && !errors.Is(a.Err, ErrNotFound)) {
			names = append(names, a.Backend)
		}
	}
	return names
}

// TimeoutError reports that the caller's deadline expired. When Ambiguous
// is set a write was in flight and may still complete on Backend; the
// documented recovery is a retry carrying the same idempotency key.
type TimeoutError struct {
	Op        string
	Backend   string
	Ambiguous bool
	Err       error
}

// Error returns the string representation of the error
func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, ErrTimeout)
	if e.Backend != "" {
		msg += " during call to " + e.Backend
	}
	if e.Ambiguous {
		msg += " (write outcome unknown)"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches ErrTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// Unwrap returns the underlying context error
func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidationFailed)
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsUnavailable reports whether err is a backend or system unavailability.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable) || errors.Is(err, ErrAllBackendsUnavailable)
}

// IsTimeout reports whether err is an overall deadline expiry.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsRetryable reports whether a caller-level retry may succeed. Validation
// failures and missing records are final; timeouts are only safe to retry
// with an idempotency key, which the caller decides.
func IsRetryable(err error) bool {
	if err == nil || IsValidation(err) || IsNotFound(err) || IsTimeout(err) {
		return false
	}
	return IsUnavailable(err)
}
