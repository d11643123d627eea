package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/manorhq/manor/internal/fault"
	"github.com/manorhq/manor/internal/metrics"
)

// Server is a butler's JSON-RPC 2.0 tool server, mounted at /mcp. One
// HTTP POST per request; batch arrays are accepted. Tool handlers run
// under the request context, so a caller-side deadline cancels the
// handler too.
type Server struct {
	butler  string
	version string
	gate    Gate
	metrics *metrics.Metrics
	logger  *log.Logger

	mu    sync.RWMutex
	tools map[string]ToolDefinition
}

// NewServer creates a tool server for one butler. gate may be nil when
// no tool declares sensitivities.
func NewServer(butler, version string, gate Gate, m *metrics.Metrics) *Server {
	return &Server{
		butler:  butler,
		version: version,
		gate:    gate,
		metrics: m,
		logger:  log.New(log.Writer(), fmt.Sprintf("[MCP:%s] ", butler), log.LstdFlags),
		tools:   make(map[string]ToolDefinition),
	}
}

// Register adds a tool. Re-registering a name replaces the prior
// definition, which lets a daemon override a core tool.
func (s *Server) Register(def ToolDefinition) {
	if def.Name == "" || def.Handler == nil {
		panic("mcp: tool registration needs a name and a handler")
	}
	s.mu.Lock()
	s.tools[def.Name] = def
	s.mu.Unlock()
}

// Tools returns the registered definitions sorted by name.
func (s *Server) Tools() []ToolDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ToolDefinition, 0, len(s.tools))
	for _, def := range s.tools {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ServeHTTP handles /mcp. Single requests and JSON-RPC batches both work.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeResponse(w, errorResponse(nil, codeParseError, "parse error", nil))
		return
	}

	if len(raw) > 0 && raw[0] == '[' {
		var batch []Request
		if err := json.Unmarshal(raw, &batch); err != nil || len(batch) == 0 {
			writeResponse(w, errorResponse(nil, codeInvalidRequest, "invalid batch", nil))
			return
		}
		responses := make([]*Response, 0, len(batch))
		for i := range batch {
			responses = append(responses, s.dispatch(r.Context(), &batch[i]))
		}
		writeResponse(w, responses)
		return
	}

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		writeResponse(w, errorResponse(nil, codeInvalidRequest, "invalid request", nil))
		return
	}
	writeResponse(w, s.dispatch(r.Context(), &req))
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	if req.JSONRPC != "2.0" {
		return errorResponse(req.ID, codeInvalidRequest, "jsonrpc must be 2.0", nil)
	}

	switch req.Method {
	case "initialize":
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: InitializeResult{
			ProtocolVersion: ProtocolVersion,
			ServerInfo:      ServerInfo{Name: s.butler, Version: s.version},
			Capabilities:    map[string]interface{}{"tools": map[string]interface{}{}},
		}}
	case "notifications/initialized", "ping":
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: map[string]interface{}{}}
	case "tools/list":
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: ListToolsResult{Tools: s.Tools()}}
	case "tools/call":
		return s.callTool(ctx, req)
	default:
		return errorResponse(req.ID, codeMethodNotFound, fmt.Sprintf("method %q not found", req.Method), nil)
	}
}

func (s *Server) callTool(ctx context.Context, req *Request) *Response {
	var params CallParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return errorResponse(req.ID, codeInvalidParams, "tools/call needs a tool name", nil)
	}

	s.mu.RLock()
	def, ok := s.tools[params.Name]
	s.mu.RUnlock()
	if !ok {
		ferr := fault.Newf(fault.CodeNotFound, "tool %q not registered on %s", params.Name, s.butler)
		return faultResponse(req.ID, ferr)
	}

	args := params.Arguments
	if args == nil {
		args = map[string]interface{}{}
	}

	if len(def.Sensitivities) > 0 && s.gate != nil {
		if err := s.gate.Check(ctx, s.butler, def.Name, args, def.Sensitivities); err != nil {
			s.metrics.RecordToolCall(s.butler, def.Name, "approval_required", 0)
			return faultResponse(req.ID, err)
		}
	}

	start := time.Now()
	result, err := def.Handler(ctx, args)
	elapsed := time.Since(start)

	traceID, _ := args["_trace_context"].(map[string]interface{})
	if err != nil {
		code := fault.CodeOf(err)
		s.metrics.RecordToolCall(s.butler, def.Name, string(code), elapsed.Seconds())
		if code == fault.CodeInternal {
			s.logger.Printf("❌ tool %s failed (trace=%v): %v", def.Name, traceID, err)
		}
		return faultResponse(req.ID, err)
	}

	s.metrics.RecordToolCall(s.butler, def.Name, "ok", elapsed.Seconds())

	wrapped, werr := TextResult(result)
	if werr != nil {
		return faultResponse(req.ID, fault.Wrap(fault.CodeInternal, "encode tool result", werr))
	}
	return &Response{JSONRPC: "2.0", ID: req.ID, Result: wrapped}
}

// faultResponse maps a taxonomy error onto the wire. Internal detail is
// sanitized; the code and retryability survive.
func faultResponse(id json.RawMessage, err error) *Response {
	fe, ok := fault.As(err)
	if !ok {
		fe = fault.New(fault.CodeInternal, "internal error")
	}

	message := fe.Message
	if fe.Code == fault.CodeInternal {
		message = "internal error"
	}

	data := &ErrorData{Code: string(fe.Code), Retryable: fe.Retryable, Handle: fe.Handle, Detail: fe.Data}
	return errorResponse(id, codeServerError, message, data)
}

func errorResponse(id json.RawMessage, code int, message string, data *ErrorData) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message, Data: data}}
}

func writeResponse(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
