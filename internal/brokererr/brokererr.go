// Package brokererr classifies every caller-visible failure in the broker
// into the error taxonomy of one typed Kind, distinguishing errors that are
// safe to show the caller from internal failures that are not.
package brokererr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error taxonomy. These are categories, not concrete
// messages: many different causes can classify to the same Kind.
type Kind string

const (
	Unauthorized            Kind = "unauthorized"
	Forbidden               Kind = "forbidden"
	MissingCredentials      Kind = "missing_credentials"
	InvalidSpec             Kind = "invalid_spec"
	UpstreamHTTPError       Kind = "upstream_http_error"
	UpstreamTransportError  Kind = "upstream_transport_error"
	MCPUnsupportedTransport Kind = "mcp_unsupported_transport"
	ApprovalTimeout         Kind = "approval_timeout"
	Internal                Kind = "internal_error"
)

// CallerVisible reports whether the kind's message is safe to return to an
// external caller verbatim. Internal carries only a generic message outward;
// everything else is descriptive by design.
func (k Kind) CallerVisible() bool {
	return k != Internal
}

// Error is the broker's single structured error type. Every layer can
// classify a failure with one type switch instead of string matching.
type Error struct {
	Kind        Kind
	SourceName  string
	OperationID string
	Message     string
	Cause       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	switch {
	case e.SourceName != "" && e.OperationID != "":
		return fmt.Sprintf("[%s] %s/%s: %s", e.Kind, e.SourceName, e.OperationID, msg)
	case e.SourceName != "":
		return fmt.Sprintf("[%s] %s: %s", e.Kind, e.SourceName, msg)
	default:
		return fmt.Sprintf("[%s] %s", e.Kind, msg)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an Error of the given kind wrapping cause.
func New(kind Kind, cause error) *Error {
	var msg string
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// Newf creates an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithSource attaches the Source name for context.
func (e *Error) WithSource(name string) *Error {
	e.SourceName = name
	return e
}

// WithOperation attaches the Operation id for context.
func (e *Error) WithOperation(id string) *Error {
	e.OperationID = id
	return e
}

// Of extracts a *Error from an error chain.
func Of(err error) (*Error, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// Is reports whether err classifies as kind, defaulting to false for
// unclassified errors (they are never silently treated as matching).
func Is(err error, kind Kind) bool {
	be, ok := Of(err)
	return ok && be.Kind == kind
}

// CallerMessage returns the message safe to hand to an external caller:
// the full message for caller-visible kinds, a generic one for Internal.
func CallerMessage(err error) string {
	be, ok := Of(err)
	if !ok {
		return "internal error"
	}
	if !be.Kind.CallerVisible() {
		return "internal error"
	}
	return be.Error()
}
