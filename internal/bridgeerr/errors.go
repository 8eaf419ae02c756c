// Package bridgeerr implements the closed sum-type error taxonomy called
// for by the redesign notes: a fixed numeric code, a kind classifying
// propagation policy, a short message, and an optional contextual payload.
// It replaces the deeply nested error-class inheritance of the original
// source with one struct type and a table of constructors.
package bridgeerr

import (
	"errors"
	"fmt"
)

// Kind groups error codes by propagation policy (§7 of the taxonomy).
type Kind string

const (
	KindTransport Kind = "transport"
	KindProtocol  Kind = "protocol"
	KindState     Kind = "state"
	KindResource  Kind = "resource"
	KindFatal     Kind = "fatal"
)

// Code is the normative numeric error code. Ranges:
//
//	100-199 transport/communication, 200-299 patch, 300-399 object,
//	400-499 parameter, 500-599 system.
type Code int

const (
	CodeConnectionRefused   Code = 101
	CodeTimeout             Code = 103
	CodeInvalidAddress      Code = 104
	CodeInvalidArguments    Code = 105
	CodeConnectionLost      Code = 109
	CodeTransportSendFailed Code = 110
	CodeTransportBusy       Code = 111

	CodePatchNotFound        Code = 201
	CodePatchCreationFailed  Code = 203

	CodeObjectNotFound       Code = 301
	CodeObjectCreationFailed Code = 302
	CodeInletOutOfRange      Code = 307
	CodeOutletOutOfRange     Code = 308
	CodeConnectionFailed        Code = 304
	CodeIncompatibleConnection  Code = 311
	CodeCircularConnection      Code = 312

	CodeParameterNotFound    Code = 401
	CodeParameterOutOfRange  Code = 407
	CodeReadOnlyParameter    Code = 408

	CodeUnknownRoute          Code = 501
	CodeAccessDenied          Code = 505
	CodeInsufficientResources Code = 503
	CodeInternalError         Code = 507
	CodeSessionError          Code = 511
	CodeStateSyncError        Code = 512
	CodeRateLimitExceeded     Code = 515
)

// kindOf classifies a code into its propagation-policy Kind.
func kindOf(c Code) Kind {
	switch {
	case c == CodeInternalError:
		return KindFatal
	case c == CodeUnknownRoute || c == CodeInvalidAddress || c == CodeInvalidArguments || c == CodeAccessDenied:
		return KindProtocol
	case c == CodeTimeout || c == CodeTransportBusy || c == CodeInsufficientResources || c == CodeRateLimitExceeded:
		return KindResource
	case c >= 100 && c < 200:
		return KindTransport
	default:
		return KindState
	}
}

// Error is the bridge's single error type. It satisfies the standard error
// interface and carries everything a JSON-RPC error frame needs.
type Error struct {
	Code    Code
	Kind    Kind
	Message string
	Data    map[string]interface{}
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("bridge: [%d] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("bridge: [%d] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error with the given code and message, classifying its Kind
// from the code's range.
func New(code Code, message string) *Error {
	return &Error{Code: code, Kind: kindOf(code), Message: message}
}

// Newf is New with fmt formatting.
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches a code/message to an underlying cause, preserving it for
// errors.Unwrap/errors.Is.
func Wrap(code Code, message string, cause error) *Error {
	e := New(code, message)
	e.cause = cause
	return e
}

// WithData returns a copy of e carrying the given contextual identifiers
// (patchId, objectId, requestId, ...).
func (e *Error) WithData(data map[string]interface{}) *Error {
	cp := *e
	cp.Data = data
	return &cp
}

// Internal wraps any unhandled panic or unexpected failure as the catch-all
// 507 InternalError, per the "exception-driven control flow" redesign note.
func Internal(cause error) *Error {
	return Wrap(CodeInternalError, "internal error", cause)
}

// As reports whether err is (or wraps) a *Error.
func As(err error) (*Error, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
