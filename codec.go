package mcpbridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Codec performs the lossless, bidirectional mapping between the internal
// call shape used by callers and the JSON-RPC 2.0 dialect spoken by MCP tool
// servers. Each Codec owns a monotonic request id counter, so ids are unique
// within one transport ("req-1", "req-2", ...).
//
// Instances should be created using NewCodec. A zero Codec is usable but
// logs through slog.Default.
type Codec struct {
	logger *slog.Logger
	nextID atomic.Int64
}

// NewCodec creates a codec that logs decode warnings through the given
// logger. A nil logger falls back to slog.Default().
func NewCodec(logger *slog.Logger) *Codec {
	if logger == nil {
		logger = slog.Default()
	}
	return &Codec{logger: logger}
}

// wireCallToolParams is the on-wire shape of a tool invocation. The internal
// shape carries "arguments"; the server expects "parameters".
type wireCallToolParams struct {
	Name       string          `json:"name"`
	Parameters json.RawMessage `json:"parameters"`
}

// Encode turns an internal message into a JSON-RPC 2.0 request. Messages that
// already carry jsonrpc "2.0" are returned unchanged, so Encode is idempotent.
// Otherwise a fresh "req-N" id is allocated, the method name is mapped through
// the wire table (unknown methods pass through unchanged), and tools/call
// params are re-shaped from {name, arguments} to {name, parameters}.
func (c *Codec) Encode(msg JSONRPCMessage) (JSONRPCMessage, error) {
	if msg.JSONRPC == JSONRPCVersion {
		return msg, nil
	}

	enc := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      MustString(fmt.Sprintf("req-%d", c.nextID.Add(1))),
		Method:  msg.Method,
		Params:  msg.Params,
	}

	if wire, ok := wireMethods[msg.Method]; ok {
		enc.Method = wire
	}

	if msg.Method == MethodToolsCall && len(msg.Params) > 0 {
		var params CallToolParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return JSONRPCMessage{}, fmt.Errorf("failed to parse tool call params: %w", err)
		}
		wireParams, err := json.Marshal(wireCallToolParams{
			Name:       params.Name,
			Parameters: params.Arguments,
		})
		if err != nil {
			return JSONRPCMessage{}, fmt.Errorf("failed to marshal tool call params: %w", err)
		}
		enc.Params = wireParams
	}

	return enc, nil
}

// Decode translates a raw HTTP response body into internal messages. A JSON
// array is treated as a batch: each element is decoded independently and
// emission order equals array order. A JSON-RPC error envelope fails the
// decode with a ProtocolError carrying the server's code and message.
func (c *Codec) Decode(body []byte) ([]Message, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] != '[' {
		msg, err := c.decodeOne(trimmed)
		if err != nil {
			return nil, err
		}
		return []Message{msg}, nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(trimmed, &elems); err != nil {
		return nil, fmt.Errorf("failed to parse batched response: %w", err)
	}

	msgs := make([]Message, 0, len(elems))
	for _, elem := range elems {
		msg, err := c.decodeOne(elem)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (c *Codec) decodeOne(raw json.RawMessage) (Message, error) {
	var env JSONRPCMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("failed to parse response: %w", err)
	}

	if env.Error != nil {
		return Message{}, &ProtocolError{
			Code:    env.Error.Code,
			Message: env.Error.Message,
			Data:    env.Error.Data,
		}
	}

	// Any result carrying a "tools" array is taken to be a tools listing.
	// The heuristic is centralized here so callers never shape-sniff.
	if tools, ok := toolsResult(env.Result); ok {
		return Message{Tools: tools}, nil
	}

	if env.ID != "" && env.Result != nil {
		return Message{
			JSONRPC: env.JSONRPC,
			ID:      env.ID,
			Result:  env.Result,
		}, nil
	}

	if env.Result != nil {
		// Tolerated non-conformance: a result with no id.
		c.logger.Warn("received result without request id", slog.String("result", string(env.Result)))
		return Message{Result: env.Result}, nil
	}

	// Forward-compatible with unanticipated shapes.
	c.logger.Warn("received message of unanticipated shape", slog.String("body", string(raw)))
	return Message{
		JSONRPC: env.JSONRPC,
		ID:      env.ID,
		Method:  env.Method,
		Params:  env.Params,
	}, nil
}

func toolsResult(result json.RawMessage) ([]Tool, bool) {
	if result == nil {
		return nil, false
	}
	var peek struct {
		Tools json.RawMessage `json:"tools"`
	}
	if err := json.Unmarshal(result, &peek); err != nil {
		return nil, false
	}
	trimmed := bytes.TrimSpace(peek.Tools)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, false
	}
	var tools []Tool
	if err := json.Unmarshal(trimmed, &tools); err != nil {
		return nil, false
	}
	return tools, true
}
