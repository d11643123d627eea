// Package sdk is the Go client for the switchboard ingress RPC surface.
// Connectors embed it to submit envelopes, heartbeats, and backfill
// progress over JSON-RPC 2.0.
//
// Quick start:
//
//	client := sdk.NewClient(sdk.Config{BaseURL: "http://localhost:8700"})
//	result, err := client.Ingest(ctx, env)
//	if err == nil && result.Duplicate {
//	    // already accepted earlier; advance the cursor anyway
//	}
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go"

	"github.com/manorhq/manor/internal/envelope"
	"github.com/manorhq/manor/internal/fault"
)

// Config holds the client configuration.
type Config struct {
	// BaseURL is the switchboard endpoint, e.g. "http://localhost:8700".
	BaseURL string

	// Timeout per RPC attempt (default 30s).
	Timeout time.Duration

	// Retries for transport-level failures (default 3). Application
	// faults are never retried here; retryability is the caller's call.
	Retries uint
}

// Client talks JSON-RPC 2.0 to the switchboard's /rpc endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
	nextID     atomic.Int64
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retries == 0 {
		cfg.Retries = 3
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Ingest submits one envelope. A duplicate acceptance is a success.
func (c *Client) Ingest(ctx context.Context, env *envelope.Envelope) (*envelope.AcceptResult, error) {
	var result envelope.AcceptResult
	if err := c.call(ctx, "ingestion.ingest", env, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Heartbeat pushes one liveness record.
func (c *Client) Heartbeat(ctx context.Context, hb *envelope.Heartbeat) (*HeartbeatResult, error) {
	var result HeartbeatResult
	if err := c.call(ctx, "connector.heartbeat", hb, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// BackfillPoll claims the next backfill job for this connector, nil when
// none is waiting.
func (c *Client) BackfillPoll(ctx context.Context, connectorType, endpointIdentity string) (*BackfillJob, error) {
	params := map[string]string{
		"connector_type":    connectorType,
		"endpoint_identity": endpointIdentity,
	}
	var job *BackfillJob
	if err := c.call(ctx, "backfill.poll", params, &job); err != nil {
		return nil, err
	}
	return job, nil
}

// BackfillProgress reports cursor advancement on a claimed job.
func (c *Client) BackfillProgress(ctx context.Context, jobID int64, cursor string, done, failed bool) error {
	params := map[string]interface{}{
		"job_id": jobID,
		"cursor": cursor,
		"done":   done,
		"failed": failed,
	}
	return c.call(ctx, "backfill.progress", params, nil)
}

// call performs one JSON-RPC exchange with transport-level retries.
func (c *Client) call(ctx context.Context, method string, params, result interface{}) error {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return fault.Wrap(fault.CodeInternal, "encode rpc params", err)
	}
	body, _ := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  rawParams,
	})

	var resp rpcResponse
	err = retry.Do(
		func() error {
			httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/rpc", bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(err)
			}
			httpReq.Header.Set("Content-Type", "application/json")

			httpResp, err := c.httpClient.Do(httpReq)
			if err != nil {
				return err
			}
			defer httpResp.Body.Close()
			if httpResp.StatusCode >= 500 {
				return fmt.Errorf("switchboard returned %d", httpResp.StatusCode)
			}

			resp = rpcResponse{}
			if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
				return err
			}
			return nil
		},
		retry.Attempts(c.cfg.Retries),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fault.Wrap(fault.CodeDeadlineExceeded, method, err)
		}
		return fault.Wrap(fault.CodeUnreachable, method, err)
	}

	if resp.Error != nil {
		return resp.Error.toFault()
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fault.Wrap(fault.CodeUnreachable, "decode rpc result", err)
		}
	}
	return nil
}
