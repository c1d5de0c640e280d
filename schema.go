package mcpbridge

import (
	"encoding/json"
	"fmt"
)

// MustString is a type that enforces string representation for fields that can
// be either string or integer on the wire, such as request IDs. It handles
// automatic conversion during JSON marshaling/unmarshaling.
type MustString string

// JSONRPCMessage represents a JSON-RPC 2.0 message exchanged with an MCP server.
// It can represent either a request, response, or notification depending on which
// fields are populated:
//   - Request: JSONRPC, ID, Method, and Params are set
//   - Response: JSONRPC, ID, and either Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
//
// Callers of Transport.Send may leave JSONRPC empty and pass only Method and
// Params; the wire codec fills in the envelope before the message is sent.
type JSONRPCMessage struct {
	// JSONRPC must be "2.0" per the JSON-RPC specification once encoded
	JSONRPC string `json:"jsonrpc"`
	// ID uniquely identifies request-response pairs and must be a string or number
	ID MustString `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON message
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed
	Error *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
// It follows the standard error object format defined in the JSON-RPC 2.0
// specification.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	Code int `json:"code"`

	// Message provides a short description of the error.
	Message string `json:"message"`

	// Data contains additional information about the error.
	// The value is unstructured and may be omitted.
	Data map[string]any `json:"data,omitempty"`
}

// Message is the decoded, caller-facing form of one server payload, produced
// by Codec.Decode and delivered through Transport.Receive. Exactly one of the
// following holds:
//   - Tools is non-nil: the payload carried a tools listing
//   - ID is set: the payload was a conformant response envelope, passed
//     through unchanged in JSONRPC/ID/Result
//   - otherwise: a bare or unanticipated payload, passed through as-is
type Message struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      MustString      `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`

	// Tools is set when the payload carried a tools listing.
	Tools []Tool `json:"tools,omitempty"`
}

// Tool describes one callable capability exposed by an MCP server.
// InputSchema defines the expected format of arguments for tool calls.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// CallToolParams contains parameters for executing a specific tool. This is
// the internal shape; the wire codec renames Arguments to "parameters" when
// encoding for the server.
type CallToolParams struct {
	// Name is the unique identifier of the tool to execute
	Name string `json:"name"`

	// Arguments is a JSON object of argument name-value pairs.
	// Must satisfy the tool's InputSchema.
	Arguments json.RawMessage `json:"arguments"`
}

// Info contains metadata about a client or server instance including its name
// and version.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
	ClientInfo      Info   `json:"clientInfo"`
	Capabilities    struct {
		Tools struct{} `json:"tools"`
	} `json:"capabilities"`
}

type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      Info   `json:"serverInfo"`
	Instructions    string `json:"instructions,omitempty"`
}

const (
	// Version is the release version of this module, sent as part of the
	// User-Agent and clientInfo.
	Version = "0.1.0"

	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// MethodInitialize is the internal method name for the bootstrap handshake.
	MethodInitialize = "initialize"
	// MethodToolsList is the internal method name for retrieving the tool catalog.
	MethodToolsList = "tools/list"
	// MethodToolsCall is the internal method name for invoking a specific tool.
	MethodToolsCall = "tools/call"

	protocolVersion = "2024-11-05"

	// SessionIDHeader is the HTTP header carrying the server-assigned session
	// identifier, matched case-insensitively on responses.
	SessionIDHeader = "Mcp-Session-Id"
)

// wireMethods maps internal method names to the dialect understood by MCP
// tool servers. Methods absent from the table pass through unchanged.
var wireMethods = map[string]string{
	MethodToolsList:  "list_tools",
	MethodToolsCall:  "call_tool",
	MethodInitialize: "initialize",
}

// UnmarshalJSON implements json.Unmarshaler to convert JSON data into MustString,
// handling both string and numeric input formats.
func (m *MustString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case string:
		*m = MustString(v)
	case float64:
		*m = MustString(fmt.Sprintf("%d", int(v)))
	case int:
		*m = MustString(fmt.Sprintf("%d", v))
	default:
		return fmt.Errorf("invalid type: %T", v)
	}

	return nil
}

// MarshalJSON implements json.Marshaler to convert MustString into its JSON
// representation, always encoding as a string value.
func (m MustString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}

func (j JSONRPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s, data %v", j.Code, j.Message, j.Data)
}
