package sdk

import (
	"encoding/json"
	"time"

	"github.com/manorhq/manor/internal/fault"
)

// HeartbeatResult is the switchboard's answer to connector.heartbeat.
// RetryAfterS, when set, asks the connector to slow down.
type HeartbeatResult struct {
	OK          bool `json:"ok"`
	RetryAfterS int  `json:"retry_after_s,omitempty"`
}

// BackfillJob is one claimed backfill assignment.
type BackfillJob struct {
	ID               int64     `json:"id"`
	ConnectorType    string    `json:"connector_type"`
	EndpointIdentity string    `json:"endpoint_identity"`
	FromCursor       string    `json:"from_cursor"`
	UntilCursor      string    `json:"until_cursor"`
	Cursor           string    `json:"cursor"`
	State            string    `json:"state"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    *struct {
		Code      string `json:"code"`
		Retryable bool   `json:"retryable"`
		Handle    string `json:"handle,omitempty"`
	} `json:"data,omitempty"`
}

// toFault rebuilds the taxonomy error the server emitted.
func (e *rpcError) toFault() error {
	if e.Data == nil || e.Data.Code == "" {
		return fault.Newf(fault.CodeToolError, "rpc error %d: %s", e.Code, e.Message)
	}
	return &fault.Error{
		Code:      fault.Code(e.Data.Code),
		Message:   e.Message,
		Retryable: e.Data.Retryable,
		Handle:    e.Data.Handle,
	}
}
