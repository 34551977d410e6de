package adapter

import (
	"context"
	"errors"
	"net"
	"regexp"
	"syscall"

	"github.com/hupe1980/toolmesh/core"
)

// RetryableCodes are low level network error codes that are always retried.
var RetryableCodes = map[string]struct{}{
	"ECONNRESET":      {},
	"ECONNREFUSED":    {},
	"ETIMEDOUT":       {},
	"ESOCKETTIMEDOUT": {},
	"ENOTFOUND":       {},
	"ENETUNREACH":     {},
	"EHOSTUNREACH":    {},
	"EPIPE":           {},
	"EAI_AGAIN":       {},
}

// RetryableStatuses are HTTP-like status codes that are retried.
var RetryableStatuses = map[int]struct{}{
	408: {}, 425: {}, 429: {}, 500: {}, 502: {}, 503: {}, 504: {}, 507: {}, 509: {},
}

var retryableErrnos = []syscall.Errno{
	syscall.ECONNRESET,
	syscall.ECONNREFUSED,
	syscall.ETIMEDOUT,
	syscall.ENETUNREACH,
	syscall.EHOSTUNREACH,
	syscall.EPIPE,
}

var transientMessage = regexp.MustCompile(`(?i)timeout|timed out|retry|temporarily unavailable|connection (failed|dropped|reset)|server (unavailable|overloaded|error)|network|rate limit|throttl`)

// IsRetryable reports whether err is worth another attempt.
//
// Timeouts, connection failures, well known network error codes, retryable
// HTTP-like statuses and aborted calls are retried, as is any error whose
// message looks transient. Validation, protocol, not-found and unauthorized
// errors from the taxonomy are always terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if kind, ok := core.KindOf(err); ok {
		switch kind {
		case core.KindTimeout, core.KindConnection:
			return true
		case core.KindValidation, core.KindProtocol, core.KindNotFound, core.KindUnauthorized:
			return false
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	var coded core.CodedError
	if errors.As(err, &coded) {
		if _, ok := RetryableCodes[coded.ErrorCode()]; ok {
			return true
		}
	}

	for _, errno := range retryableErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && (dnsErr.IsNotFound || dnsErr.IsTemporary || dnsErr.IsTimeout) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var status core.StatusCoder
	if errors.As(err, &status) {
		if _, ok := RetryableStatuses[status.StatusCode()]; ok {
			return true
		}
	}

	var named core.NamedError
	if errors.As(err, &named) && named.ErrorName() == "AbortError" {
		return true
	}

	return transientMessage.MatchString(err.Error())
}

// BackendError is a convenience error for adapters that want to report a
// low level code, an HTTP-like status or a symbolic name to the retry
// classifier.
type BackendError struct {
	Code    string
	Status  int
	Name    string
	Message string
	Err     error
}

func (e *BackendError) Error() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	case e.Code != "":
		return e.Code
	default:
		return "backend error"
	}
}

// Unwrap returns the wrapped error.
func (e *BackendError) Unwrap() error { return e.Err }

// ErrorCode implements core.CodedError.
func (e *BackendError) ErrorCode() string { return e.Code }

// StatusCode implements core.StatusCoder.
func (e *BackendError) StatusCode() int { return e.Status }

// ErrorName implements core.NamedError.
func (e *BackendError) ErrorName() string { return e.Name }
