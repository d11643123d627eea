package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manorhq/manor/internal/fault"
	"github.com/manorhq/manor/internal/metrics"
)

type denyAllGate struct{ calls int }

func (g *denyAllGate) Check(ctx context.Context, butler, tool string, args map[string]interface{}, sensitivities []string) error {
	g.calls++
	return fault.ApprovalRequired("handle-1", "tool requires operator approval")
}

func newTestServer(t *testing.T, gate Gate) *Server {
	t.Helper()
	srv := NewServer("valet", "test", gate, metrics.NewMetrics(prometheus.NewRegistry()))
	srv.Register(ToolDefinition{
		Name:        "echo",
		Description: "Echo the message back.",
		InputSchema: map[string]interface{}{"type": "object"},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"echo": args["message"]}, nil
		},
	})
	srv.Register(ToolDefinition{
		Name: "broken",
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return nil, fault.Wrap(fault.CodeInternal, "db password is hunter2", nil)
		},
	})
	srv.Register(ToolDefinition{
		Name:          "send_money",
		Sensitivities: []string{"financial"},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"sent": true}, nil
		},
	})
	return srv
}

func postRPC(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func rpcBody(method string, params interface{}) map[string]interface{} {
	body := map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		body["params"] = params
	}
	return body
}

func decodeResponse(t *testing.T, resp *http.Response) Response {
	t.Helper()
	defer resp.Body.Close()
	var out Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestInitializeHandshake(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t, nil))
	defer ts.Close()

	client := NewClient(ts.URL, 5*time.Second)
	result, err := client.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ProtocolVersion, result.ProtocolVersion)
	assert.Equal(t, "valet", result.ServerInfo.Name)
}

func TestToolsListSorted(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t, nil))
	defer ts.Close()

	tools, err := NewClient(ts.URL, 5*time.Second).ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 3)
	assert.Equal(t, "broken", tools[0].Name)
	assert.Equal(t, "echo", tools[1].Name)
	assert.Equal(t, "send_money", tools[2].Name)
}

func TestCallToolRoundTrip(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t, nil))
	defer ts.Close()

	raw, err := NewClient(ts.URL, 5*time.Second).CallTool(context.Background(), "echo",
		map[string]interface{}{"message": "hello"})
	require.NoError(t, err)

	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, "hello", result["echo"])
}

func TestCallUnknownToolIsNotFound(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t, nil))
	defer ts.Close()

	_, err := NewClient(ts.URL, 5*time.Second).CallTool(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeNotFound))
}

func TestInternalFaultIsSanitizedOnTheWire(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t, nil))
	defer ts.Close()

	resp := postRPC(t, ts.URL, rpcBody("tools/call", CallParams{Name: "broken"}))
	out := decodeResponse(t, resp)
	require.NotNil(t, out.Error)
	assert.Equal(t, "internal error", out.Error.Message)
	assert.NotContains(t, out.Error.Message, "hunter2")
	require.NotNil(t, out.Error.Data)
	assert.Equal(t, string(fault.CodeInternal), out.Error.Data.Code)
	assert.True(t, out.Error.Data.Retryable)
}

func TestSensitiveToolHitsTheGate(t *testing.T) {
	gate := &denyAllGate{}
	ts := httptest.NewServer(newTestServer(t, gate))
	defer ts.Close()

	_, err := NewClient(ts.URL, 5*time.Second).CallTool(context.Background(), "send_money",
		map[string]interface{}{"amount": 100})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeApprovalRequired))
	fe, ok := fault.As(err)
	require.True(t, ok)
	assert.Equal(t, "handle-1", fe.Handle)
	assert.Equal(t, 1, gate.calls)
}

func TestBatchRequests(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t, nil))
	defer ts.Close()

	batch := []interface{}{
		rpcBody("ping", nil),
		rpcBody("tools/call", CallParams{Name: "echo", Arguments: map[string]interface{}{"message": "b"}}),
	}
	resp := postRPC(t, ts.URL, batch)
	defer resp.Body.Close()

	var out []Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out, 2)
	assert.Nil(t, out[0].Error)
	assert.Nil(t, out[1].Error)
}

func TestRejectsWrongJSONRPCVersion(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t, nil))
	defer ts.Close()

	resp := postRPC(t, ts.URL, map[string]interface{}{"jsonrpc": "1.0", "id": 1, "method": "ping"})
	out := decodeResponse(t, resp)
	require.NotNil(t, out.Error)
	assert.Equal(t, codeInvalidRequest, out.Error.Code)
}

func TestRegisterReplacesTool(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.Register(ToolDefinition{
		Name: "echo",
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"echo": "replaced"}, nil
		},
	})

	ts := httptest.NewServer(srv)
	defer ts.Close()

	raw, err := NewClient(ts.URL, 5*time.Second).CallTool(context.Background(), "echo", nil)
	require.NoError(t, err)
	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, "replaced", result["echo"])
}
