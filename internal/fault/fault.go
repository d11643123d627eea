package fault

import (
	"errors"
	"fmt"
)

// Code classifies every cross-component failure in the substrate.
// Codes travel on the wire (JSON-RPC error.data.code) and in logs,
// so they are stable strings, not iota enums.
type Code string

const (
	CodeInvalidEnvelope  Code = "invalid_envelope"
	CodeDuplicate        Code = "duplicate" // accepted, not an error; present for wire symmetry
	CodeNotFound         Code = "not_found"
	CodeNotPermitted     Code = "not_permitted"
	CodeUnreachable      Code = "unreachable"
	CodeQueueFull        Code = "queue_full"
	CodeDeadlineExceeded Code = "deadline_exceeded"
	CodeApprovalRequired Code = "approval_required"
	CodeToolError        Code = "tool_error"
	CodeInternal         Code = "internal"
)

// Error is the structured error carried across RPC and component
// boundaries. Internal detail never rides in Message; it is logged
// at the point of failure and Message stays safe to surface.
type Error struct {
	Code      Code                   `json:"code"`
	Message   string                 `json:"message"`
	Retryable bool                   `json:"retryable"`
	Handle    string                 `json:"handle,omitempty"` // approval_required only
	Data      map[string]interface{} `json:"data,omitempty"`
	wrapped   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// New builds an Error with the default retryability for the code.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: defaultRetryable(code)}
}

// Newf is New with formatting.
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches a cause while keeping the taxonomy code on top.
func Wrap(code Code, message string, cause error) *Error {
	e := New(code, message)
	e.wrapped = cause
	return e
}

// WithData returns a copy carrying structured detail.
func (e *Error) WithData(key string, value interface{}) *Error {
	out := *e
	out.Data = map[string]interface{}{}
	for k, v := range e.Data {
		out.Data[k] = v
	}
	out.Data[key] = value
	return &out
}

// ApprovalRequired builds the gated-tool response carrying the
// pending approval handle shown to the operator.
func ApprovalRequired(handle, description string) *Error {
	e := New(CodeApprovalRequired, description)
	e.Handle = handle
	return e
}

// As extracts a taxonomy error from any wrap chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// CodeOf classifies an arbitrary error: taxonomy errors report their
// own code, everything else is internal.
func CodeOf(err error) Code {
	if fe, ok := As(err); ok {
		return fe.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	fe, ok := As(err)
	return ok && fe.Code == code
}

// Retryable reports whether the caller may retry. Unknown errors are
// treated as retryable internal faults.
func Retryable(err error) bool {
	if fe, ok := As(err); ok {
		return fe.Retryable
	}
	return true
}

func defaultRetryable(code Code) bool {
	switch code {
	case CodeQueueFull, CodeUnreachable, CodeDeadlineExceeded, CodeInternal:
		return true
	default:
		return false
	}
}
