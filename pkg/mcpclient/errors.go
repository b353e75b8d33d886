package mcpclient

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a remote tool failure
type ErrorKind string

const (
	// KindTransport covers network errors, timeouts and non-200 statuses
	KindTransport ErrorKind = "transport"
	// KindProtocol covers malformed responses and JSON-RPC error members
	KindProtocol ErrorKind = "protocol"
	// KindResource means no connection slot could be acquired in time
	KindResource ErrorKind = "resource"
	// KindExhausted wraps the last failure once every attempt is spent
	KindExhausted ErrorKind = "exhausted"
)

// ToolError is the single error type surfaced by the remote tool client
type ToolError struct {
	Kind       ErrorKind
	Message    string
	Code       *int // JSON-RPC error code, when the server sent one
	StatusCode int  // HTTP status, zero when no response was read
	Data       any
	Err        error
}

func (e *ToolError) Error() string {
	return e.Message
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// Unavailable reports whether the failure means the server could not be
// reached, as opposed to answering with an error.
func (e *ToolError) Unavailable() bool {
	switch e.Kind {
	case KindTransport, KindResource:
		return true
	case KindExhausted:
		if inner, ok := AsToolError(e.Err); ok {
			return inner.Unavailable()
		}
	}
	return false
}

// IsToolError reports whether err carries a *ToolError
func IsToolError(err error) bool {
	var te *ToolError
	return errors.As(err, &te)
}

// AsToolError extracts the *ToolError from err
func AsToolError(err error) (*ToolError, bool) {
	var te *ToolError
	ok := errors.As(err, &te)
	return te, ok
}

func transportError(err error) *ToolError {
	return &ToolError{Kind: KindTransport, Message: fmt.Sprintf("MCP request failed: %v", err), Err: err}
}

func statusError(status int, body string) *ToolError {
	return &ToolError{
		Kind:       KindTransport,
		Message:    fmt.Sprintf("MCP server returned status %d: %s", status, body),
		StatusCode: status,
	}
}

func protocolError(msg string, err error) *ToolError {
	return &ToolError{Kind: KindProtocol, Message: msg, Err: err}
}

func exhaustedError(attempts int, last error) *ToolError {
	te := &ToolError{
		Kind:    KindExhausted,
		Message: fmt.Sprintf("MCP tool call failed after %d attempts: %v", attempts, last),
		Err:     last,
	}
	if prev, ok := AsToolError(last); ok {
		te.Code = prev.Code
		te.StatusCode = prev.StatusCode
		te.Data = prev.Data
	}
	return te
}
