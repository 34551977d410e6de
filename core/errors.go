package core

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies an Error within the wire taxonomy. Each kind maps to a
// stable type name, machine readable code and HTTP-like status.
type ErrorKind int

const (
	// KindInternal is the catch-all for unexpected failures.
	KindInternal ErrorKind = iota
	// KindValidation marks malformed input that could not be repaired.
	KindValidation
	// KindProtocol marks envelope level protocol violations.
	KindProtocol
	// KindNotFound marks a missing command, session or resource.
	KindNotFound
	// KindUnauthorized marks a rejected credential.
	KindUnauthorized
	// KindConnection marks a backend that could not be reached.
	KindConnection
	// KindTimeout marks an operation that exceeded its time budget.
	KindTimeout
	// KindToolExecution marks an adapter call that failed terminally.
	KindToolExecution
)

type kindInfo struct {
	typeName string
	code     string
	status   int
}

var kinds = map[ErrorKind]kindInfo{
	KindInternal:      {"InternalError", "INTERNAL_ERROR", 500},
	KindValidation:    {"ValidationError", "VALIDATION_ERROR", 400},
	KindProtocol:      {"ProtocolError", "PROTOCOL_ERROR", 400},
	KindNotFound:      {"NotFoundError", "NOT_FOUND", 404},
	KindUnauthorized:  {"UnauthorizedError", "UNAUTHORIZED", 401},
	KindConnection:    {"ConnectionError", "CONNECTION_ERROR", 503},
	KindTimeout:       {"TimeoutError", "TIMEOUT_ERROR", 504},
	KindToolExecution: {"ToolExecutionError", "TOOL_EXECUTION_ERROR", 500},
}

// TypeName returns the wire type name (e.g. "TimeoutError").
func (k ErrorKind) TypeName() string { return kinds[k].typeName }

// Code returns the stable wire code (e.g. "TIMEOUT_ERROR").
func (k ErrorKind) Code() string { return kinds[k].code }

// Status returns the HTTP-like status associated with the kind.
func (k ErrorKind) Status() int { return kinds[k].status }

func (k ErrorKind) String() string { return k.TypeName() }

// Sentinel values usable with errors.Is to test an error's kind.
var (
	ErrInternal      = &Error{Kind: KindInternal}
	ErrValidation    = &Error{Kind: KindValidation}
	ErrProtocol      = &Error{Kind: KindProtocol}
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrUnauthorized  = &Error{Kind: KindUnauthorized}
	ErrConnection    = &Error{Kind: KindConnection}
	ErrTimeout       = &Error{Kind: KindTimeout}
	ErrToolExecution = &Error{Kind: KindToolExecution}
)

// Error is the structured error carried across the protocol boundary.
//
// Details holds kind specific context: "server" for connection errors,
// "operation" for timeouts and "tool" for tool execution failures. Cause is
// never serialized; it is kept for errors.Is / errors.As chains and logging.
type Error struct {
	Kind    ErrorKind
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" && e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind.Code(), e.Cause)
	}
	return e.Message
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error of the same kind, so sentinel comparisons work
// regardless of message or details.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Code returns the wire code of the error's kind.
func (e *Error) Code() string { return e.Kind.Code() }

// Status returns the HTTP-like status of the error's kind.
func (e *Error) Status() int { return e.Kind.Status() }

// WithDetail returns e after setting a single detail entry.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

func newError(kind ErrorKind, cause error, msg string, args ...any) *Error {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	return &Error{Kind: kind, Message: msg, Details: map[string]any{}, Cause: cause}
}

// NewValidationError reports input that could not be normalized.
func NewValidationError(msg string, args ...any) *Error {
	return newError(KindValidation, nil, msg, args...)
}

// NewProtocolError reports a protocol level violation.
func NewProtocolError(msg string, args ...any) *Error {
	return newError(KindProtocol, nil, msg, args...)
}

// NewNotFoundError reports a missing resource.
func NewNotFoundError(msg string, args ...any) *Error {
	return newError(KindNotFound, nil, msg, args...)
}

// NewUnauthorizedError reports a rejected credential.
func NewUnauthorizedError(msg string, args ...any) *Error {
	return newError(KindUnauthorized, nil, msg, args...)
}

// NewConnectionError reports a backend that could not be reached.
func NewConnectionError(server string, cause error, msg string, args ...any) *Error {
	return newError(KindConnection, cause, msg, args...).WithDetail("server", server)
}

// NewTimeoutError reports an operation that exceeded its budget.
func NewTimeoutError(operation string, cause error, msg string, args ...any) *Error {
	return newError(KindTimeout, cause, msg, args...).WithDetail("operation", operation)
}

// NewToolExecutionError reports a terminal adapter failure.
func NewToolExecutionError(tool string, cause error, msg string, args ...any) *Error {
	return newError(KindToolExecution, cause, msg, args...).WithDetail("tool", tool)
}

// NewInternalError wraps an unexpected failure.
func NewInternalError(cause error, msg string, args ...any) *Error {
	return newError(KindInternal, cause, msg, args...)
}

// KindOf returns the kind of the first *Error in err's chain. The second
// return value is false when the chain holds no *Error.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return KindInternal, false
}

// FormatError converts any error into a wire-safe ErrorDetail. Errors outside
// the taxonomy are reported as InternalError keeping their message; a context
// deadline is reported as a timeout.
func FormatError(err error) ErrorDetail {
	if err == nil {
		return ErrorDetail{Type: KindInternal.TypeName(), Code: KindInternal.Code(), Message: "unknown error", Details: map[string]any{}}
	}

	var e *Error
	if errors.As(err, &e) {
		details := make(map[string]any, len(e.Details))
		for k, v := range e.Details {
			details[k] = v
		}
		return ErrorDetail{Type: e.Kind.TypeName(), Code: e.Kind.Code(), Message: e.Error(), Details: details}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorDetail{Type: KindTimeout.TypeName(), Code: KindTimeout.Code(), Message: err.Error(), Details: map[string]any{}}
	}

	return ErrorDetail{
		Type:    KindInternal.TypeName(),
		Code:    KindInternal.Code(),
		Message: err.Error(),
		Details: map[string]any{"errorType": fmt.Sprintf("%T", err)},
	}
}

// CodedError is implemented by errors that carry a low level code such as
// "ECONNRESET".
type CodedError interface {
	error
	ErrorCode() string
}

// StatusCoder is implemented by errors carrying an HTTP-like status code.
type StatusCoder interface {
	error
	StatusCode() int
}

// NamedError is implemented by errors exposing a symbolic name such as
// "AbortError".
type NamedError interface {
	error
	ErrorName() string
}
