package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Kind classifies a provider failure. Callers branch on the kind, never on
// provider-specific status codes.
type Kind string

const (
	KindUnauthorized Kind = "unauthorized"
	KindRateLimited  Kind = "rate_limited"
	KindTimeout      Kind = "timeout"
	KindNetwork      Kind = "network"
	KindNotFound     Kind = "not_found"
	KindMalformed    Kind = "malformed"
	KindUnknown      Kind = "unknown"
)

// Error is the failure contract every provider operation returns.
type Error struct {
	Provider string
	Kind     Kind
	Status   int
	// RetryAfter is the provider-requested suspension, from a Retry-After
	// header. Zero when the provider did not say.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Provider, e.Kind, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether retrying the same request can succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindTimeout, KindNetwork:
		return true
	}
	return false
}

// FromResponse classifies a non-2xx HTTP response. The body is not consumed.
func FromResponse(name string, resp *http.Response) *Error {
	return FromStatus(name, resp.StatusCode, retryAfter(resp))
}

// FromStatus classifies a bare HTTP status code. Used when a client library
// surfaces the status but not the response itself.
func FromStatus(name string, status int, after time.Duration) *Error {
	e := &Error{Provider: name, Status: status}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindUnauthorized
	case status == http.StatusNotFound:
		e.Kind = KindNotFound
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		e.RetryAfter = after
	case status == http.StatusServiceUnavailable && after > 0:
		// MusicBrainz throttles with 503 + Retry-After rather than 429.
		e.Kind = KindRateLimited
		e.RetryAfter = after
	case status == http.StatusRequestTimeout:
		e.Kind = KindTimeout
	case status >= 500:
		e.Kind = KindNetwork
	default:
		e.Kind = KindUnknown
	}

	return e
}

// WrapTransport classifies an error from the HTTP round trip itself.
func WrapTransport(name string, err error) *Error {
	e := &Error{Provider: name, Err: err}

	var nerr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		e.Kind = KindTimeout
	case errors.As(err, &nerr) && nerr.Timeout():
		e.Kind = KindTimeout
	case errors.Is(err, context.Canceled):
		e.Kind = KindUnknown
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		e.Kind = KindNetwork
	default:
		e.Kind = KindNetwork
	}

	return e
}

// Malformed wraps a decode failure on an otherwise successful response.
func Malformed(name string, err error) *Error {
	return &Error{Provider: name, Kind: KindMalformed, Err: err}
}

// NotFound is the typed miss providers return when an entity does not exist.
func NotFound(name string) *Error {
	return &Error{Provider: name, Kind: KindNotFound}
}

// IsNotFound reports whether err is a provider miss.
func IsNotFound(err error) bool {
	var perr *Error
	return errors.As(err, &perr) && perr.Kind == KindNotFound
}

// IsUnauthorized reports whether err is an auth failure; the coordinator
// disables the provider for the rest of the run on these.
func IsUnauthorized(err error) bool {
	var perr *Error
	return errors.As(err, &perr) && perr.Kind == KindUnauthorized
}

// KindOf extracts the error kind, defaulting to unknown.
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return KindUnknown
}

// retryAfter parses a Retry-After header as either seconds or an HTTP date.
func retryAfter(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
