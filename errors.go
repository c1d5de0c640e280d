package mcpbridge

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a session id is absent from the shared store.
// An expired session and one that never existed are indistinguishable; both
// map to this error.
var ErrNotFound = errors.New("session not found")

// ErrTransportClosed is returned by Transport.Receive when the transport is
// closed while a receiver is waiting.
var ErrTransportClosed = errors.New("transport closed")

// InvalidArgumentError reports a malformed argument, such as a URL that is
// not absolute. It is never retried and is surfaced to the caller verbatim.
type InvalidArgumentError struct {
	Field  string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// UpstreamConnectionError reports a transport-level failure to reach or
// initialize an MCP server. The underlying cause is preserved; nothing at
// this layer retries.
type UpstreamConnectionError struct {
	URL string
	Err error
}

func (e *UpstreamConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to MCP server %s: %v", e.URL, e.Err)
}

func (e *UpstreamConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports a well-formed JSON-RPC error envelope received from
// the server, carrying the server-supplied code and message.
type ProtocolError struct {
	Code    int
	Message string
	Data    map[string]any
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("server error, code: %d, message: %s", e.Code, e.Message)
}
