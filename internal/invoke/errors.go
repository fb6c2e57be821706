package invoke

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
)

// CodeUnknown is the Error.Code used when the provider never returned a status.
const CodeUnknown = 0

// ErrMissingCredential is the cause of every error produced by the
// missing-key short-circuit.
var ErrMissingCredential = errors.New("missing api credential")

// Kind buckets provider status codes the way the user-facing messages do.
type Kind string

const (
	KindAuth      Kind = "auth_error"   // 401
	KindRateLimit Kind = "rate_limit"   // 429
	KindServer    Kind = "server_error" // 500
	KindUnknown   Kind = "unknown"      // anything else, or no status at all
)

// KindOf maps an HTTP status to its Kind.
func KindOf(code int) Kind {
	switch code {
	case http.StatusUnauthorized:
		return KindAuth
	case http.StatusTooManyRequests:
		return KindRateLimit
	case http.StatusInternalServerError:
		return KindServer
	default:
		return KindUnknown
	}
}

// Error is the classified, terminal failure of a provider call. It is the only
// error type Do ever returns.
type Error struct {
	Provider string
	Code     int    // last provider HTTP status, CodeUnknown when absent
	Message  string // human-readable, safe to forward to the end user
	Detail   string // provider's own error text, if it sent one
	Cause    error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Cause }

// Kind reports the status bucket of the error.
func (e *Error) Kind() Kind { return KindOf(e.Code) }

// Text returns the provider's own message when present, the human message otherwise.
func (e *Error) Text() string {
	if e.Detail != "" {
		return e.Detail
	}
	return e.Message
}

// StatusError is returned by provider attempts for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.StatusCode, truncate(e.Body, 512))
}

// StatusCode extracts the HTTP status carried by err, or CodeUnknown.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return CodeUnknown
}

// ProviderText pulls the provider's embedded error message out of a
// StatusError body. path is a gjson path such as "error.message".
func ProviderText(err error, path string) string {
	var se *StatusError
	if !errors.As(err, &se) || len(se.Body) == 0 || !gjson.ValidBytes(se.Body) {
		return ""
	}
	res := gjson.GetBytes(se.Body, path)
	if res.Type != gjson.String {
		return ""
	}
	return res.String()
}

// Classifier turns the last failure of a call into the error surfaced to callers.
type Classifier func(code int, err error) *Error

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
