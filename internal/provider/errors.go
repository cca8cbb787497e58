package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// Sentinel errors, one per error kind. Callers match them with errors.Is;
// every *Error reports Is(true) for the sentinel of its own Kind.
var (
	ErrConfiguration   = errors.New("invalid configuration")
	ErrUnknownProvider = errors.New("unknown provider")
	ErrAuthentication  = errors.New("authentication failed")
	ErrRateLimit       = errors.New("rate limit exceeded")
	ErrCapacity        = errors.New("content exceeds model capacity")
	ErrTransient       = errors.New("transient network error")
	ErrBadRequest      = errors.New("bad request")
)

// Kind classifies an error for retry and fallback decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindUnknownProvider
	KindAuthentication
	KindRateLimit
	KindCapacity
	KindTransient
	KindBadRequest
)

var kindSentinels = map[Kind]error{
	KindConfiguration:   ErrConfiguration,
	KindUnknownProvider: ErrUnknownProvider,
	KindAuthentication:  ErrAuthentication,
	KindRateLimit:       ErrRateLimit,
	KindCapacity:        ErrCapacity,
	KindTransient:       ErrTransient,
	KindBadRequest:      ErrBadRequest,
}

// String returns the snake_case name used in logs and HTTP error bodies.
func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindUnknownProvider:
		return "unknown_provider"
	case KindAuthentication:
		return "authentication"
	case KindRateLimit:
		return "rate_limit"
	case KindCapacity:
		return "capacity"
	case KindTransient:
		return "transient"
	case KindBadRequest:
		return "bad_request"
	default:
		return "unknown"
	}
}

// Error is a provider-qualified failure. Adapters build one at the point
// where the wire error is first observed, so nothing downstream has to dig
// through loosely-typed response bodies.
type Error struct {
	Kind       Kind
	Provider   ID
	StatusCode int    // HTTP status, 0 for transport failures
	Code       string // provider error code or type, e.g. "invalid_api_key"
	Message    string // provider message, or our own description
	Err        error  // underlying error, if any
}

// Error renders a human-readable message carrying the provider, the kind
// and the upstream detail, enough for callers to localize.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(string(e.Provider))
		b.WriteString(": ")
	}
	if s, ok := kindSentinels[e.Kind]; ok {
		b.WriteString(s.Error())
	} else {
		b.WriteString("request failed")
	}
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	switch {
	case e.Message != "":
		b.WriteString(": ")
		b.WriteString(e.Message)
	case e.Err != nil:
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes the underlying error to errors.Is and errors.As.
func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel error of e's kind.
func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// Retryable reports whether the failure is worth another attempt.
func (e *Error) Retryable() bool {
	return e.Kind == KindRateLimit || e.Kind == KindTransient
}

// NewError builds a provider-qualified error.
func NewError(p ID, kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Provider: p, Message: message, Err: err}
}

// KindOf returns the kind of err, or KindUnknown if err carries none.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err is a rate limit, a 5xx, or a transient
// network failure. Errors that never went through an adapter are classified
// by inspecting the transport error.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return isTransientNetwork(err)
}

// Normalize guarantees a provider-qualified error: *Error values pass
// through unchanged, anything else is classified as a transport failure.
func Normalize(p ID, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return transportError(p, err)
}

// transportError wraps a failure that happened before any HTTP status was
// received (dial, TLS, reset, timeout).
func transportError(p ID, err error) *Error {
	kind := KindUnknown
	if isTransientNetwork(err) {
		kind = KindTransient
	}
	return &Error{Kind: kind, Provider: p, Err: err}
}

// isTransientNetwork matches the connection-reset and timeout class of
// network errors.
func isTransientNetwork(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// wireError classifies an HTTP error response. The status gives the base
// kind; a provider-specific code (or a context-length message) refines it.
func wireError(p ID, status int, code, message string, codes map[string]Kind) *Error {
	kind := statusKind(status)
	if k, ok := codes[code]; ok {
		kind = k
	}
	if kind == KindBadRequest && mentionsContextLength(message) {
		kind = KindCapacity
	}
	return &Error{Kind: kind, Provider: p, StatusCode: status, Code: code, Message: message}
}

func statusKind(status int) Kind {
	switch {
	case status == 401 || status == 403:
		return KindAuthentication
	case status == 429:
		return KindRateLimit
	case status == 413:
		return KindCapacity
	case status >= 500 && status <= 599:
		return KindTransient
	case status >= 400 && status < 500:
		return KindBadRequest
	default:
		return KindUnknown
	}
}

func mentionsContextLength(message string) bool {
	m := strings.ToLower(message)
	return strings.Contains(m, "context length") ||
		strings.Contains(m, "maximum context") ||
		strings.Contains(m, "prompt is too long")
}
