package sdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manorhq/manor/internal/envelope"
	"github.com/manorhq/manor/internal/fault"
)

func sampleEnvelope() *envelope.Envelope {
	return &envelope.Envelope{
		SchemaVersion: envelope.SchemaVersion,
		Source: envelope.Source{
			Channel:          envelope.ChannelTelegram,
			Provider:         envelope.ProviderTelegram,
			EndpointIdentity: "bot:test",
		},
		Event:   envelope.Event{ExternalEventID: "evt-1", ObservedAt: time.Now()},
		Sender:  envelope.Sender{Identity: "tg:1"},
		Payload: envelope.Payload{Raw: map[string]interface{}{"text": "hi"}},
	}
}

func rpcServer(t *testing.T, handler func(req rpcRequest) rpcResponse) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rpc", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := handler(req)
		resp.JSONRPC = "2.0"
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestIngestRoundTrip(t *testing.T) {
	ts := rpcServer(t, func(req rpcRequest) rpcResponse {
		assert.Equal(t, "2.0", req.JSONRPC)
		assert.Equal(t, "ingestion.ingest", req.Method)

		var env envelope.Envelope
		require.NoError(t, json.Unmarshal(req.Params, &env))
		assert.Equal(t, "evt-1", env.Event.ExternalEventID)

		result, _ := json.Marshal(envelope.AcceptResult{RequestID: "req-abc", Duplicate: true})
		return rpcResponse{Result: result}
	})
	defer ts.Close()

	client := NewClient(Config{BaseURL: ts.URL})
	result, err := client.Ingest(context.Background(), sampleEnvelope())
	require.NoError(t, err)
	assert.Equal(t, "req-abc", result.RequestID)
	assert.True(t, result.Duplicate)
}

func TestServerFaultIsRehydrated(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"queue is full","data":{"code":"queue_full","retryable":true}}}`))
	}))
	defer ts.Close()

	client := NewClient(Config{BaseURL: ts.URL})
	_, err := client.Ingest(context.Background(), sampleEnvelope())
	require.Error(t, err)
	assert.Equal(t, fault.CodeQueueFull, fault.CodeOf(err))
	assert.True(t, fault.Retryable(err))
}

func TestFaultWithoutTaxonomyDataFallsBack(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`))
	}))
	defer ts.Close()

	client := NewClient(Config{BaseURL: ts.URL})
	_, err := client.Ingest(context.Background(), sampleEnvelope())
	assert.Equal(t, fault.CodeToolError, fault.CodeOf(err))
}

func TestTransportErrorsAreRetried(t *testing.T) {
	var mu sync.Mutex
	var calls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"ok":true,"retry_after_s":5}}`))
	}))
	defer ts.Close()

	client := NewClient(Config{BaseURL: ts.URL, Retries: 3})
	hb := &envelope.Heartbeat{}
	result, err := client.Heartbeat(context.Background(), hb)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, 5, result.RetryAfterS)
	mu.Lock()
	assert.Equal(t, 3, calls)
	mu.Unlock()
}

func TestExhaustedRetriesBecomeUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer ts.Close()

	client := NewClient(Config{BaseURL: ts.URL, Retries: 2})
	_, err := client.Ingest(context.Background(), sampleEnvelope())
	require.Error(t, err)
	assert.Equal(t, fault.CodeUnreachable, fault.CodeOf(err))
	assert.True(t, fault.Retryable(err))
}

func TestContextDeadlineBecomesDeadlineExceeded(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer ts.Close()

	client := NewClient(Config{BaseURL: ts.URL, Retries: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.Ingest(ctx, sampleEnvelope())
	require.Error(t, err)
	assert.Equal(t, fault.CodeDeadlineExceeded, fault.CodeOf(err))
}

func TestBackfillPollDecodesNilWhenIdle(t *testing.T) {
	ts := rpcServer(t, func(req rpcRequest) rpcResponse {
		assert.Equal(t, "backfill.poll", req.Method)
		var params map[string]string
		require.NoError(t, json.Unmarshal(req.Params, &params))
		assert.Equal(t, "telegram", params["connector_type"])
		return rpcResponse{Result: json.RawMessage("null")}
	})
	defer ts.Close()

	client := NewClient(Config{BaseURL: ts.URL})
	job, err := client.BackfillPoll(context.Background(), "telegram", "bot:test")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestBackfillProgressSendsCursor(t *testing.T) {
	ts := rpcServer(t, func(req rpcRequest) rpcResponse {
		assert.Equal(t, "backfill.progress", req.Method)
		var params map[string]interface{}
		require.NoError(t, json.Unmarshal(req.Params, &params))
		assert.Equal(t, float64(11), params["job_id"])
		assert.Equal(t, "evt-50", params["cursor"])
		assert.Equal(t, true, params["done"])
		return rpcResponse{Result: json.RawMessage(`{"ok":true}`)}
	})
	defer ts.Close()

	client := NewClient(Config{BaseURL: ts.URL})
	assert.NoError(t, client.BackfillProgress(context.Background(), 11, "evt-50", true, false))
}
