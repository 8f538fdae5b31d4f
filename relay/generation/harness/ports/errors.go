package harnessports

import "errors"

var (
	ErrNoProviderAvailable   = errors.New("no provider available")
	ErrBackendUnavailable    = errors.New("backend unavailable")
	ErrBackendTimeout        = errors.New("backend timed out")
	ErrBackendProtocol       = errors.New("backend protocol error")
	ErrNotConnected          = errors.New("tool server not connected")
	ErrToolInvocationFailed  = errors.New("tool invocation failed")
	ErrMalformedToolCallJSON = errors.New("malformed tool call json")
)

// ErrToolsUnsupported is returned by a backend that rejected structured tool
// definitions. The turn is retried with the JSON fallback encoding.
var ErrToolsUnsupported = &ProtocolError{Reason: "model does not support structured tool calls"}

// ProtocolError is a BackendProtocol failure with a reason.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return ErrBackendProtocol.Error() + ": " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return ErrBackendProtocol }
