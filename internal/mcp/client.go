package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/manorhq/manor/internal/fault"
)

// Client talks to one butler's /mcp endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
	nextID     atomic.Int64
}

// NewClient creates a client for an MCP endpoint (the butler's base URL;
// /mcp is appended).
func NewClient(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// CallTool invokes tools/call and unwraps the single text content block
// back into raw JSON. Transport failures come back as unreachable;
// RPC-level errors are rehydrated into their original fault codes.
func (c *Client) CallTool(ctx context.Context, tool string, args map[string]interface{}) (json.RawMessage, error) {
	params, _ := json.Marshal(CallParams{Name: tool, Arguments: args})
	resp, err := c.roundTrip(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}

	var result ToolResult
	if err := remarshal(resp, &result); err != nil {
		return nil, fault.Wrap(fault.CodeToolError, "malformed tool result", err)
	}
	for _, block := range result.Content {
		if block.Type == "text" {
			return json.RawMessage(block.Text), nil
		}
	}
	return nil, fault.Newf(fault.CodeToolError, "tool %q returned no text content", tool)
}

// ListTools invokes tools/list.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	resp, err := c.roundTrip(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var result ListToolsResult
	if err := remarshal(resp, &result); err != nil {
		return nil, fault.Wrap(fault.CodeToolError, "malformed tools/list result", err)
	}
	return result.Tools, nil
}

// Initialize performs the MCP handshake.
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	params, _ := json.Marshal(map[string]interface{}{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo":      map[string]interface{}{"name": "manor", "version": "1"},
	})
	resp, err := c.roundTrip(ctx, "initialize", params)
	if err != nil {
		return nil, err
	}
	var result InitializeResult
	if err := remarshal(resp, &result); err != nil {
		return nil, fault.Wrap(fault.CodeToolError, "malformed initialize result", err)
	}
	return &result, nil
}

func (c *Client) roundTrip(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	id, _ := json.Marshal(c.nextID.Add(1))
	body, _ := json.Marshal(Request{JSONRPC: "2.0", ID: id, Method: method, Params: params})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/mcp", bytes.NewReader(body))
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "build mcp request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fault.Wrap(fault.CodeDeadlineExceeded, fmt.Sprintf("mcp %s to %s", method, c.endpoint), err)
		}
		return nil, fault.Wrap(fault.CodeUnreachable, fmt.Sprintf("mcp %s to %s", method, c.endpoint), err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 500 {
		return nil, fault.Newf(fault.CodeUnreachable, "mcp endpoint %s returned %d", c.endpoint, httpResp.StatusCode)
	}

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fault.Wrap(fault.CodeUnreachable, "decode mcp response", err)
	}

	if resp.Error != nil {
		return nil, rehydrate(resp.Error)
	}
	return resp.Result, nil
}

// rehydrate rebuilds the taxonomy error a remote tool server emitted.
func rehydrate(rpcErr *RPCError) error {
	if rpcErr.Data == nil || rpcErr.Data.Code == "" {
		return fault.Newf(fault.CodeToolError, "rpc error %d: %s", rpcErr.Code, rpcErr.Message)
	}
	fe := &fault.Error{
		Code:      fault.Code(rpcErr.Data.Code),
		Message:   rpcErr.Message,
		Retryable: rpcErr.Data.Retryable,
		Handle:    rpcErr.Data.Handle,
		Data:      rpcErr.Data.Detail,
	}
	return fe
}

// remarshal converts the generically-decoded result into a typed struct.
func remarshal(from interface{}, to interface{}) error {
	raw, err := json.Marshal(from)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, to)
}

// ClientPool caches one Client per butler endpoint so repeated route()
// calls reuse connections. Entries expire on a TTL and are dropped
// eagerly when discovery changes an endpoint.
type ClientPool struct {
	cache   *gocache.Cache
	timeout time.Duration
}

// NewClientPool creates a pool. ttl bounds how long a stale endpoint can
// be reused after a butler moves.
func NewClientPool(ttl, callTimeout time.Duration) *ClientPool {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ClientPool{
		cache:   gocache.New(ttl, 10*time.Minute),
		timeout: callTimeout,
	}
}

// Get returns the cached client for an endpoint, creating one if needed.
func (p *ClientPool) Get(endpoint string) *Client {
	if v, ok := p.cache.Get(endpoint); ok {
		return v.(*Client)
	}
	c := NewClient(endpoint, p.timeout)
	p.cache.SetDefault(endpoint, c)
	return c
}

// Invalidate drops a cached client, forcing a rebuild on next use.
func (p *ClientPool) Invalidate(endpoint string) {
	p.cache.Delete(endpoint)
}
