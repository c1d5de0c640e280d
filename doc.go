// Package mcpbridge implements the client side of tool-providing Model Context
// Protocol (MCP) integrations: a JSON-RPC 2.0 over HTTP transport, the wire
// codec that translates between the internal call shape and the dialect spoken
// by MCP tool servers, and a session manager that creates, persists, reuses,
// and tears down long-lived server connections.
//
// Session state lives in a shared TTL-backed store (Redis), so session
// existence survives process restarts while the HTTP connections themselves
// remain local to one process. Sessions use sliding expiry: every read resets
// the TTL, so an actively-used session never expires.
package mcpbridge
