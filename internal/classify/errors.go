// Package classify formalizes the error taxonomy the Sync Runner and Token
// Broker use to decide whether a resume cursor survives a failure.
package classify

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind is the taxonomy a failure is bucketed into.
type ErrorKind int

const (
	// KindAuthentication means the bearer is invalid or revoked. The Sync
	// Runner clears resume fields and does not retry automatically.
	KindAuthentication ErrorKind = iota
	// KindRateLimit means the provider is throttling. Resume fields are
	// preserved so the next attempt continues where it stopped.
	KindRateLimit
	// KindNetwork means a transport-level failure (timeout, connection
	// reset). Resume fields are preserved.
	KindNetwork
	// KindUnknown is anything else. Resume fields are preserved.
	KindUnknown
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindRateLimit:
		return "rate_limit"
	case KindNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with its classified Kind. Status carries
// the HTTP status code the classification came from, or 0 when the failure
// never reached the server.
type Error struct {
	Kind   ErrorKind
	Status int
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// PreservesResume reports whether a Sync Runner should keep its page-token
// cursor after this failure. Only authentication errors clear it.
func (e *Error) PreservesResume() bool {
	return e.Kind != KindAuthentication
}

// UserMessage returns the fixed, user-visible text for this Kind.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindAuthentication:
		return "reconnect required"
	case KindRateLimit:
		return "retry later"
	case KindNetwork:
		return "retry"
	default:
		return "an unexpected error occurred"
	}
}

var networkSubstrings = []string{
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"no such host",
	"network is unreachable",
	"context deadline exceeded",
	"eof",
}

var rateLimitSubstrings = []string{
	"rate limit",
	"quota",
	"too many requests",
}

// FromHTTPStatus classifies a failure by HTTP status code and, when the
// status is ambiguous (e.g. the call never reached the server), by
// substring matching against the error text: 401/403 -> authentication,
// 429 or quota text -> rate limit, fetch/network/timeout text -> network,
// else unknown.
func FromHTTPStatus(statusCode int, err error) *Error {
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &Error{Kind: KindAuthentication, Status: statusCode, Err: err}
	case http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimit, Status: statusCode, Err: err}
	}
	e := FromError(err)
	if e.Status == 0 {
		e.Status = statusCode
	}
	return e
}

// FromError classifies a failure that did not carry an HTTP status code, by
// inspecting its text for known network/rate-limit substrings.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	msg := strings.ToLower(err.Error())
	for _, s := range rateLimitSubstrings {
		if strings.Contains(msg, s) {
			return &Error{Kind: KindRateLimit, Err: err}
		}
	}
	for _, s := range networkSubstrings {
		if strings.Contains(msg, s) {
			return &Error{Kind: KindNetwork, Err: err}
		}
	}
	return &Error{Kind: KindUnknown, Err: err}
}
