package mcp

import (
	"context"
	"encoding/json"
)

// ProtocolVersion is the MCP revision this server speaks.
const ProtocolVersion = "2025-03-26"

// Handler executes one tool call. Arguments arrive as the decoded JSON
// object from tools/call; the return value is serialized into the result
// content block.
type Handler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// ToolDefinition is a self-describing tool registration. Schemas ride on
// tools/list so callers (and the classifier CLI) can introspect the
// surface; Sensitivities name the argument keys that trip the approvals
// gate when present in a call.
type ToolDefinition struct {
	Name          string                 `json:"name"`
	Description   string                 `json:"description"`
	InputSchema   map[string]interface{} `json:"inputSchema,omitempty"`
	OutputSchema  map[string]interface{} `json:"outputSchema,omitempty"`
	Sensitivities []string               `json:"sensitivities,omitempty"`
	Handler       Handler                `json:"-"`
}

// Gate authorizes calls to tools that declared sensitivities. The
// approvals component implements it; butlers without a gate run open.
type Gate interface {
	Check(ctx context.Context, butler, tool string, args map[string]interface{}, sensitivities []string) error
}

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object. The fault taxonomy code rides
// in Data so callers can branch without parsing messages.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    *ErrorData  `json:"data,omitempty"`
}

// ErrorData carries the structured fault across the wire.
type ErrorData struct {
	Code      string                 `json:"code"`
	Retryable bool                   `json:"retryable"`
	Handle    string                 `json:"handle,omitempty"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
}

// JSON-RPC error codes. Application faults use the implementation-defined
// server error range with the taxonomy code in data.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
)

// CallParams is the params shape of tools/call.
type CallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	Meta      map[string]interface{} `json:"_meta,omitempty"`
}

// ToolResult is the MCP content wrapper every tool result is framed in.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock is one piece of tool output. The substrate only emits
// text blocks carrying JSON.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextResult wraps a value as the standard single-text-block result.
func TextResult(v interface{}) (*ToolResult, error) {
	text, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &ToolResult{Content: []ContentBlock{{Type: "text", Text: string(text)}}}, nil
}

// InitializeResult is the response to the initialize handshake.
type InitializeResult struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	ServerInfo      ServerInfo             `json:"serverInfo"`
	Capabilities    map[string]interface{} `json:"capabilities"`
}

type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ListToolsResult is the response to tools/list.
type ListToolsResult struct {
	Tools []ToolDefinition `json:"tools"`
}
