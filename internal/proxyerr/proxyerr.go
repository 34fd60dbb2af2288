// Package proxyerr defines the typed error kinds the proxy can surface to a
// client. A ProxyError never leaks an underlying cause's message; only its
// Kind and, where meaningful, a safe Detail string cross the HTTP boundary.
package proxyerr

import (
	"fmt"
	"net/http"
)

// Kind identifies one of the fixed error categories the pipeline or
// transport can produce.
type Kind string

const (
	KindInvalidToken        Kind = "invalid_token"
	KindNotInWhitelist      Kind = "not_in_whitelist"
	KindM3U8LimitExceeded   Kind = "m3u8_limit_exceeded"
	KindOriginNotFound      Kind = "origin_not_found"
	KindOriginError         Kind = "origin_error"
	KindTransientRedis      Kind = "transient_redis"
	KindRangeNotSatisfiable Kind = "range_not_satisfiable"
	KindMethodNotAllowed    Kind = "method_not_allowed"
	KindBadRequest          Kind = "bad_request"
	KindInternal            Kind = "internal"
)

// ProxyError is the error type returned by pipeline and transport code.
// StatusCode is excluded from the JSON body; handlers use it to set the
// HTTP response status.
type ProxyError struct {
	Kind       Kind   `json:"error"`
	Detail     string `json:"detail,omitempty"`
	StatusCode int    `json:"-"`
	// cause is never serialized; it exists for server-side logging only.
	cause error
}

func (e *ProxyError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	return string(e.Kind)
}

// Unwrap allows errors.Is/errors.As to reach the underlying cause, which is
// never exposed to a client.
func (e *ProxyError) Unwrap() error {
	return e.cause
}

// WithCause attaches an underlying error for server-side logging and
// returns the same instance for chaining.
func (e *ProxyError) WithCause(err error) *ProxyError {
	e.cause = err
	return e
}

// WithDetail sets a client-safe detail string and returns the same instance.
func (e *ProxyError) WithDetail(detail string) *ProxyError {
	e.Detail = detail
	return e
}

func NewInvalidToken(detail string) *ProxyError {
	return &ProxyError{Kind: KindInvalidToken, Detail: detail, StatusCode: http.StatusForbidden}
}

func NewNotInWhitelist() *ProxyError {
	return &ProxyError{Kind: KindNotInWhitelist, StatusCode: http.StatusForbidden}
}

func NewM3U8LimitExceeded() *ProxyError {
	return &ProxyError{Kind: KindM3U8LimitExceeded, StatusCode: http.StatusForbidden}
}

func NewOriginNotFound() *ProxyError {
	return &ProxyError{Kind: KindOriginNotFound, StatusCode: http.StatusNotFound}
}

func NewOriginError(detail string) *ProxyError {
	return &ProxyError{Kind: KindOriginError, Detail: detail, StatusCode: http.StatusBadGateway}
}

func NewTransientRedis() *ProxyError {
	return &ProxyError{Kind: KindTransientRedis, StatusCode: http.StatusServiceUnavailable}
}

func NewRangeNotSatisfiable(size int64) *ProxyError {
	return &ProxyError{
		Kind:       KindRangeNotSatisfiable,
		Detail:     fmt.Sprintf("bytes */%d", size),
		StatusCode: http.StatusRequestedRangeNotSatisfiable,
	}
}

func NewMethodNotAllowed() *ProxyError {
	return &ProxyError{Kind: KindMethodNotAllowed, StatusCode: http.StatusMethodNotAllowed}
}

func NewBadRequest(detail string) *ProxyError {
	return &ProxyError{Kind: KindBadRequest, Detail: detail, StatusCode: http.StatusBadRequest}
}

func NewInternal(err error) *ProxyError {
	return &ProxyError{Kind: KindInternal, StatusCode: http.StatusInternalServerError, cause: err}
}

// StatusCode returns the HTTP status for any error, defaulting to 500 for
// errors that are not a *ProxyError so a raw Go error never escapes as a
// 200 or as its own message.
func StatusCode(err error) int {
	if pe, ok := err.(*ProxyError); ok {
		return pe.StatusCode
	}
	return http.StatusInternalServerError
}

// AsProxyError normalizes any error into a *ProxyError, wrapping unknown
// errors as KindInternal so handlers always have a stable shape to encode.
func AsProxyError(err error) *ProxyError {
	if pe, ok := err.(*ProxyError); ok {
		return pe
	}
	return NewInternal(err)
}
