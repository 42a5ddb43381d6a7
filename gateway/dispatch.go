// Copyright 2025 John Wang. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/agentplexus/sourcekit/adapter"
)

// protocolVersion is the MCP revision this gateway speaks.
const protocolVersion = "2025-06-18"

// serverName identifies this gateway in the initialize result.
const serverName = "sourcekit"

// Dispatcher is the transport-agnostic method-dispatch core. Both
// transports feed decoded messages into it; it has no knowledge of how
// the reply is framed on the wire.
type Dispatcher struct {
	manager *Manager
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher over a session manager.
func NewDispatcher(manager *Manager, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{manager: manager, logger: logger.With("component", "gateway")}
}

// initializeParams is the subset of the MCP initialize request the
// gateway inspects.
type initializeParams struct {
	ProtocolVersion string              `json:"protocolVersion"`
	ClientInfo      *mcp.Implementation `json:"clientInfo,omitempty"`
}

// initializeResult is the MCP initialize response body.
type initializeResult struct {
	ProtocolVersion string              `json:"protocolVersion"`
	Capabilities    serverCapabilities  `json:"capabilities"`
	ServerInfo      *mcp.Implementation `json:"serverInfo"`
}

type serverCapabilities struct {
	Tools     *struct{} `json:"tools,omitempty"`
	Resources *struct{} `json:"resources,omitempty"`
	Prompts   *struct{} `json:"prompts,omitempty"`
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type readResourceParams struct {
	URI string `json:"uri"`
}

type getPromptParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// Initialize runs the handshake for a resolved identity: the identity is
// bound to its shared adapter, a session is allocated and its capability
// lists are cached. The returned session is Active once the reply has
// been produced.
func (d *Dispatcher) Initialize(ctx context.Context, ident *Identity, req *Request) (*Response, *Session) {
	var params initializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return NewErrorResponse(req.ID, CodeInvalidParams, "malformed initialize params"), nil
		}
	}

	sess, err := d.manager.CreateSession(ctx, ident)
	if err != nil {
		d.logger.Warn("session creation failed", "identity", ident.Slug, "error", err)
		return NewErrorResponse(req.ID, CodeInternalError,
			fmt.Sprintf("cannot resolve source %q: %v", ident.Slug, err)), nil
	}

	if params.ClientInfo != nil {
		d.logger.Debug("client connected",
			"session_id", sess.ID, "client", params.ClientInfo.Name)
	}

	result := initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities: serverCapabilities{
			Tools:     &struct{}{},
			Resources: &struct{}{},
			Prompts:   &struct{}{},
		},
		ServerInfo: &mcp.Implementation{Name: serverName, Version: "1.0.0"},
	}

	sess.activate()
	return NewResponse(req.ID, result), sess
}

// Handle dispatches one message against an established session. A
// malformed or unknown message is local to that call and never
// terminates the session. Notifications yield a nil response.
func (d *Dispatcher) Handle(ctx context.Context, sess *Session, req *Request) *Response {
	if !sess.touch() {
		return NewErrorResponse(req.ID, CodeSessionNotFound,
			"session is terminated; reinitialize")
	}

	switch req.Method {
	case "notifications/initialized":
		if req.IsNotification() {
			return nil
		}
		return NewResponse(req.ID, struct{}{})
	case "ping":
		if req.IsNotification() {
			return nil
		}
		return NewResponse(req.ID, struct{}{})
	case "tools/list":
		return NewResponse(req.ID, map[string]any{"tools": toolList(sess.tools)})
	case "tools/call":
		return d.callTool(ctx, sess, req)
	case "resources/list":
		return NewResponse(req.ID, map[string]any{"resources": resourceList(sess.resources)})
	case "resources/read":
		return d.readResource(ctx, sess, req)
	case "prompts/list":
		return NewResponse(req.ID, map[string]any{"prompts": promptList(sess.prompts)})
	case "prompts/get":
		return d.getPrompt(ctx, sess, req)
	default:
		if req.IsNotification() {
			// Unknown notifications are dropped silently.
			return nil
		}
		return NewErrorResponse(req.ID, CodeMethodNotFound,
			fmt.Sprintf("method %q not found", req.Method))
	}
}

func (d *Dispatcher) callTool(ctx context.Context, sess *Session, req *Request) *Response {
	var params callToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return NewErrorResponse(req.ID, CodeInvalidParams, "tools/call requires a tool name")
	}

	result, err := sess.adapter.ExecuteTool(ctx, params.Name, params.Arguments)
	if err != nil {
		// Adapter contract violations are internal; tool failures come
		// back as IsError results and leave the session Active.
		d.logger.Error("tool execution fault",
			"session_id", sess.ID, "tool", params.Name, "error", err)
		return NewErrorResponse(req.ID, CodeInternalError, "tool execution failed")
	}
	return NewResponse(req.ID, result)
}

func (d *Dispatcher) readResource(ctx context.Context, sess *Session, req *Request) *Response {
	var params readResourceParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return NewErrorResponse(req.ID, CodeInvalidParams, "resources/read requires a uri")
	}

	result, err := sess.adapter.ReadResource(ctx, params.URI)
	if err != nil {
		if errors.Is(err, adapter.ErrResourceNotFound) {
			return NewErrorResponse(req.ID, CodeResourceNotFound,
				fmt.Sprintf("resource %q not found", params.URI))
		}
		d.logger.Error("resource read fault",
			"session_id", sess.ID, "uri", params.URI, "error", err)
		return NewErrorResponse(req.ID, CodeInternalError, "resource read failed")
	}
	return NewResponse(req.ID, result)
}

func (d *Dispatcher) getPrompt(ctx context.Context, sess *Session, req *Request) *Response {
	var params getPromptParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return NewErrorResponse(req.ID, CodeInvalidParams, "prompts/get requires a prompt name")
	}

	result, err := sess.adapter.GetPrompt(ctx, params.Name, params.Arguments)
	if err != nil {
		return NewErrorResponse(req.ID, CodeInvalidParams,
			fmt.Sprintf("prompt %q not found", params.Name))
	}
	return NewResponse(req.ID, result)
}

// The list helpers normalize nil slices to empty arrays on the wire.

func toolList(tools []*mcp.Tool) []*mcp.Tool {
	if tools == nil {
		return []*mcp.Tool{}
	}
	return tools
}

func resourceList(resources []*mcp.Resource) []*mcp.Resource {
	if resources == nil {
		return []*mcp.Resource{}
	}
	return resources
}

func promptList(prompts []*mcp.Prompt) []*mcp.Prompt {
	if prompts == nil {
		return []*mcp.Prompt{}
	}
	return prompts
}
