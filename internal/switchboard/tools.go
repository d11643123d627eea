package switchboard

import (
	"context"
	"encoding/json"

	"github.com/manorhq/manor/internal/fault"
	"github.com/manorhq/manor/internal/mcp"
)

// RegisterTools overrides and extends the core surface with the
// switchboard-only tools: the real route, reclassify, and discover.
func (s *Service) RegisterTools(srv *mcp.Server, discovery *Discovery) {
	srv.Register(mcp.ToolDefinition{
		Name: "route",
		Description: "Dispatch a tool call to a registered butler. During a classification " +
			"session, each call routes one share of the message.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"butler": map[string]interface{}{"type": "string"},
				"tool":   map[string]interface{}{"type": "string"},
				"args":   map[string]interface{}{"type": "object"},
				"prompt": map[string]interface{}{"type": "string"},
			},
			"required": []string{"butler"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			butler, _ := args["butler"].(string)
			if butler == "" {
				return nil, fault.New(fault.CodeToolError, "butler is required")
			}
			tool, _ := args["tool"].(string)
			if tool == "" {
				tool = "trigger"
			}

			callArgs, _ := args["args"].(map[string]interface{})
			if callArgs == nil {
				callArgs = map[string]interface{}{}
			}
			// Shorthand: a bare prompt becomes a trigger call.
			if p, ok := args["prompt"].(string); ok && p != "" {
				if _, exists := callArgs["prompt"]; !exists {
					callArgs["prompt"] = p
				}
			}

			result, err := s.RouteForClassification(ctx, butler, tool, callArgs)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"butler": butler, "tool": tool, "result": json.RawMessage(result)}, nil
		},
	})

	srv.Register(mcp.ToolDefinition{
		Name:        "reclassify",
		Description: "Re-run classification for an accepted request. Operator tool; the inbox row is untouched.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"request_id": map[string]interface{}{"type": "string"},
			},
			"required": []string{"request_id"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			requestID, _ := args["request_id"].(string)
			if requestID == "" {
				return nil, fault.New(fault.CodeToolError, "request_id is required")
			}
			if err := s.Reclassify(ctx, requestID); err != nil {
				return nil, err
			}
			return map[string]interface{}{"request_id": requestID, "queued": true}, nil
		},
	})

	srv.Register(mcp.ToolDefinition{
		Name:        "discover",
		Description: "Rescan the butler config directory and refresh the registry.",
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			if err := discovery.Run(ctx); err != nil {
				return nil, err
			}
			butlers, err := s.butlers.List(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"butlers": butlers}, nil
		},
	})
}
