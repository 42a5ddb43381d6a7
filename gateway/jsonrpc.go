// Copyright 2025 John Wang. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package gateway exposes knowledge-source adapters over the MCP
// tool-calling protocol. A session manager keeps per-session protocol
// state across physical requests, and two thin transports (discrete JSON
// and server-sent events) feed one transport-agnostic dispatch core.
package gateway

import (
	"encoding/json"
	"fmt"
)

// jsonrpcVersion is the only protocol version accepted on the wire.
const jsonrpcVersion = "2.0"

// JSON-RPC error codes. The reserved range follows the JSON-RPC 2.0
// specification; codes below -32000 are protocol-specific.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodeSessionNotFound tells the client its session id is stale or
	// unknown and it must run the initialize handshake again.
	CodeSessionNotFound = -32001

	// CodeResourceNotFound reports an unknown resource URI.
	CodeResourceNotFound = -32002
)

// Request is one JSON-RPC 2.0 message. A message without an id is a
// notification and receives no response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the message carries no id.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Validate checks the framing fields of a decoded message.
func (r *Request) Validate() error {
	if r.JSONRPC != jsonrpcVersion {
		return fmt.Errorf("unsupported jsonrpc version %q", r.JSONRPC)
	}
	if r.Method == "" {
		return fmt.Errorf("method is required")
	}
	return nil
}

// Response is one JSON-RPC 2.0 reply, correlated by the request id.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error member of a JSON-RPC response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewResponse builds a success reply for the given request id.
func NewResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: jsonrpcVersion, ID: id, Result: result}
}

// NewErrorResponse builds an error reply for the given request id.
func NewErrorResponse(id json.RawMessage, code int, message string) *Response {
	return &Response{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
	}
}
