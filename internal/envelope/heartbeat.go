package envelope

import (
	"time"

	"github.com/manorhq/manor/internal/fault"
)

// HeartbeatSchemaVersion is the connector liveness contract.
const HeartbeatSchemaVersion = "connector.heartbeat.v1"

// Connector-reported health states. Liveness (online/stale/offline) is
// derived server-side from heartbeat age, never sent by the connector.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusError    = "error"
)

// Heartbeat interval bounds in seconds. The connector clamps silently;
// the server accepts whatever cadence actually arrives.
const (
	HeartbeatIntervalDefault = 120 * time.Second
	HeartbeatIntervalMin     = 30 * time.Second
	HeartbeatIntervalMax     = 300 * time.Second
)

// Heartbeat is the periodic liveness and counters record a connector
// pushes to the switchboard.
type Heartbeat struct {
	SchemaVersion string               `json:"schema_version"`
	Connector     HeartbeatConnector   `json:"connector"`
	Status        HeartbeatStatus      `json:"status"`
	Counters      map[string]int64     `json:"counters,omitempty"`
	Checkpoint    *HeartbeatCheckpoint `json:"checkpoint,omitempty"`
	Capabilities  map[string]bool      `json:"capabilities,omitempty"`
	SentAt        time.Time            `json:"sent_at"`
}

type HeartbeatConnector struct {
	ConnectorType    string `json:"connector_type"`
	EndpointIdentity string `json:"endpoint_identity"`
	InstanceID       string `json:"instance_id"`
	Version          string `json:"version,omitempty"`
}

type HeartbeatStatus struct {
	State        string `json:"state"`
	ErrorMessage string `json:"error_message,omitempty"`
	UptimeS      int64  `json:"uptime_s"`
}

type HeartbeatCheckpoint struct {
	Cursor    string    `json:"cursor"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the heartbeat contract. Counters are optional; an
// empty map means the connector tracks nothing yet.
func (h *Heartbeat) Validate() error {
	if h.SchemaVersion != "" && h.SchemaVersion != HeartbeatSchemaVersion {
		return fault.Newf(fault.CodeInvalidEnvelope, "unsupported heartbeat schema_version %q", h.SchemaVersion)
	}
	if h.Connector.ConnectorType == "" || h.Connector.EndpointIdentity == "" {
		return fault.New(fault.CodeInvalidEnvelope, "heartbeat connector_type and endpoint_identity are required")
	}
	if h.Connector.InstanceID == "" {
		return fault.New(fault.CodeInvalidEnvelope, "heartbeat instance_id is required")
	}
	switch h.Status.State {
	case StatusHealthy, StatusDegraded, StatusError:
	default:
		return fault.Newf(fault.CodeInvalidEnvelope, "unknown heartbeat state %q", h.Status.State)
	}
	return nil
}

// ClampHeartbeatInterval bounds a configured interval to [30s, 300s].
// Zero or negative picks the default.
func ClampHeartbeatInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return HeartbeatIntervalDefault
	}
	if d < HeartbeatIntervalMin {
		return HeartbeatIntervalMin
	}
	if d > HeartbeatIntervalMax {
		return HeartbeatIntervalMax
	}
	return d
}
