package switchboard

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/manorhq/manor/internal/bus"
	"github.com/manorhq/manor/internal/envelope"
	"github.com/manorhq/manor/internal/fault"
	"github.com/manorhq/manor/internal/mcp"
	"github.com/manorhq/manor/internal/registry"
	"github.com/manorhq/manor/internal/store"
)

// JSON-RPC error codes for the ingress surface. Application faults use
// the server error code with the taxonomy in error.data.
const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcServerError    = -32000
)

// HTTPServer is the switchboard's full HTTP surface: ingress RPC, MCP,
// event streams, metrics, and the admin endpoints.
type HTTPServer struct {
	svc       *Service
	registry  *registry.Service
	approvals *store.ApprovalStore
	backfill  *store.BackfillStore
	routing   *store.RoutingStore
	mcpServer *mcp.Server
	events    *bus.Bus
	discovery *Discovery
	logger    *log.Logger
}

func NewHTTPServer(svc *Service, reg *registry.Service, approvals *store.ApprovalStore, backfill *store.BackfillStore, routing *store.RoutingStore, mcpServer *mcp.Server, events *bus.Bus, discovery *Discovery) *HTTPServer {
	return &HTTPServer{
		svc:       svc,
		registry:  reg,
		approvals: approvals,
		backfill:  backfill,
		routing:   routing,
		mcpServer: mcpServer,
		events:    events,
		discovery: discovery,
		logger:    log.New(log.Writer(), "[HTTP] ", log.LstdFlags),
	}
}

// Router builds the full route table.
func (h *HTTPServer) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/rpc", h.handleRPC).Methods(http.MethodPost)
	r.Handle("/mcp", h.mcpServer).Methods(http.MethodPost)
	r.HandleFunc("/healthz", h.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/events", bus.SSEHandler(h.events)).Methods(http.MethodGet)
	r.HandleFunc("/ws/events", bus.WebsocketHandler(h.events)).Methods(http.MethodGet)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/discover", h.handleDiscover).Methods(http.MethodPost)
	admin.HandleFunc("/connectors", h.handleListConnectors).Methods(http.MethodGet)
	admin.HandleFunc("/connectors/{type}/{identity}/quarantine", h.handleQuarantine).Methods(http.MethodPost)
	admin.HandleFunc("/connectors/{type}/{identity}/activate", h.handleActivate).Methods(http.MethodPost)
	admin.HandleFunc("/approvals/{handle}/approve", h.handleApproval(true)).Methods(http.MethodPost)
	admin.HandleFunc("/approvals/{handle}/deny", h.handleApproval(false)).Methods(http.MethodPost)
	admin.HandleFunc("/butlers", h.handleListButlers).Methods(http.MethodGet)
	admin.HandleFunc("/routing", h.handleRecentRouting).Methods(http.MethodGet)
	admin.HandleFunc("/requests/{id}/reclassify", h.handleReclassify).Methods(http.MethodPost)
	admin.HandleFunc("/backfill", h.handleEnqueueBackfill).Methods(http.MethodPost)

	return r
}

// handleRPC serves the connector-facing JSON-RPC surface; batches are
// accepted.
func (h *HTTPServer) handleRPC(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSON(w, rpcError(nil, rpcParseError, "parse error", nil))
		return
	}

	if len(raw) > 0 && raw[0] == '[' {
		var batch []mcp.Request
		if err := json.Unmarshal(raw, &batch); err != nil || len(batch) == 0 {
			writeJSON(w, rpcError(nil, rpcInvalidRequest, "invalid batch", nil))
			return
		}
		responses := make([]*mcp.Response, 0, len(batch))
		for i := range batch {
			responses = append(responses, h.dispatchRPC(r, &batch[i]))
		}
		writeJSON(w, responses)
		return
	}

	var req mcp.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		writeJSON(w, rpcError(nil, rpcInvalidRequest, "invalid request", nil))
		return
	}
	writeJSON(w, h.dispatchRPC(r, &req))
}

func (h *HTTPServer) dispatchRPC(r *http.Request, req *mcp.Request) *mcp.Response {
	if req.JSONRPC != "2.0" {
		return rpcError(req.ID, rpcInvalidRequest, "jsonrpc must be 2.0", nil)
	}

	ctx := r.Context()
	switch req.Method {
	case "ingestion.ingest":
		var env envelope.Envelope
		if err := json.Unmarshal(req.Params, &env); err != nil {
			return rpcError(req.ID, rpcInvalidRequest, "params must be an envelope", nil)
		}
		result, err := h.svc.Ingest(ctx, &env)
		if err != nil {
			return rpcFault(req.ID, err)
		}
		return &mcp.Response{JSONRPC: "2.0", ID: req.ID, Result: result}

	case "connector.heartbeat":
		var hb envelope.Heartbeat
		if err := json.Unmarshal(req.Params, &hb); err != nil {
			return rpcError(req.ID, rpcInvalidRequest, "params must be a heartbeat", nil)
		}
		if err := h.registry.HandleHeartbeat(ctx, &hb); err != nil {
			return rpcFault(req.ID, err)
		}
		return &mcp.Response{JSONRPC: "2.0", ID: req.ID, Result: map[string]interface{}{"ok": true}}

	case "backfill.poll":
		var params struct {
			ConnectorType    string `json:"connector_type"`
			EndpointIdentity string `json:"endpoint_identity"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || params.ConnectorType == "" || params.EndpointIdentity == "" {
			return rpcError(req.ID, rpcInvalidRequest, "connector_type and endpoint_identity are required", nil)
		}
		job, err := h.backfill.Poll(ctx, params.ConnectorType, params.EndpointIdentity)
		if err != nil {
			return rpcFault(req.ID, err)
		}
		return &mcp.Response{JSONRPC: "2.0", ID: req.ID, Result: job}

	case "backfill.progress":
		var params struct {
			JobID  int64  `json:"job_id"`
			Cursor string `json:"cursor"`
			Done   bool   `json:"done"`
			Failed bool   `json:"failed"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || params.JobID == 0 {
			return rpcError(req.ID, rpcInvalidRequest, "job_id is required", nil)
		}
		if err := h.backfill.Progress(ctx, params.JobID, params.Cursor, params.Done, params.Failed); err != nil {
			return rpcFault(req.ID, err)
		}
		return &mcp.Response{JSONRPC: "2.0", ID: req.ID, Result: map[string]interface{}{"ok": true}}

	default:
		return rpcError(req.ID, rpcMethodNotFound, "method "+req.Method+" not found", nil)
	}
}

func (h *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *HTTPServer) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if err := h.discovery.Run(r.Context()); err != nil {
		writeFault(w, err)
		return
	}
	butlers, err := h.svc.butlers.List(r.Context())
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"butlers": butlers})
}

func (h *HTTPServer) handleListConnectors(w http.ResponseWriter, r *http.Request) {
	rows, err := h.registry.Connectors(r.Context())
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"connectors": rows})
}

func (h *HTTPServer) handleQuarantine(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "operator request"
	}
	if err := h.registry.Quarantine(r.Context(), vars["type"], vars["identity"], body.Reason); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"ok": true})
}

func (h *HTTPServer) handleActivate(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var body struct {
		Operator string `json:"operator"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Operator == "" {
		body.Operator = "unknown"
	}
	if err := h.registry.Activate(r.Context(), vars["type"], vars["identity"], body.Operator); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"ok": true})
}

func (h *HTTPServer) handleApproval(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		handle := mux.Vars(r)["handle"]
		var body struct {
			DecidedBy string `json:"decided_by"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.DecidedBy == "" {
			body.DecidedBy = "operator"
		}
		if err := h.approvals.Decide(r.Context(), handle, approve, body.DecidedBy); err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, map[string]interface{}{"handle": handle, "approved": approve})
	}
}

func (h *HTTPServer) handleListButlers(w http.ResponseWriter, r *http.Request) {
	butlers, err := h.svc.butlers.List(r.Context())
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"butlers": butlers})
}

func (h *HTTPServer) handleRecentRouting(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.routing.Recent(r.Context(), limit)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"routing": entries})
}

func (h *HTTPServer) handleReclassify(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["id"]
	if err := h.svc.Reclassify(r.Context(), requestID); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"request_id": requestID, "queued": true})
}

func (h *HTTPServer) handleEnqueueBackfill(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ConnectorType    string `json:"connector_type"`
		EndpointIdentity string `json:"endpoint_identity"`
		FromCursor       string `json:"from_cursor"`
		UntilCursor      string `json:"until_cursor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ConnectorType == "" || body.EndpointIdentity == "" {
		http.Error(w, "connector_type and endpoint_identity are required", http.StatusBadRequest)
		return
	}
	id, err := h.backfill.Enqueue(r.Context(), body.ConnectorType, body.EndpointIdentity, body.FromCursor, body.UntilCursor)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"job_id": id})
}

func rpcError(id json.RawMessage, code int, message string, data *mcp.ErrorData) *mcp.Response {
	return &mcp.Response{JSONRPC: "2.0", ID: id, Error: &mcp.RPCError{Code: code, Message: message, Data: data}}
}

// rpcFault maps a taxonomy error to the wire, sanitizing internal
// detail.
func rpcFault(id json.RawMessage, err error) *mcp.Response {
	fe, ok := fault.As(err)
	if !ok {
		fe = fault.New(fault.CodeInternal, "internal error")
	}
	message := fe.Message
	if fe.Code == fault.CodeInternal {
		message = "internal error"
	}
	return rpcError(id, rpcServerError, message, &mcp.ErrorData{
		Code:      string(fe.Code),
		Retryable: fe.Retryable,
		Handle:    fe.Handle,
		Detail:    fe.Data,
	})
}

// writeFault renders a taxonomy error on a plain HTTP endpoint.
func writeFault(w http.ResponseWriter, err error) {
	fe, ok := fault.As(err)
	if !ok {
		fe = fault.New(fault.CodeInternal, "internal error")
	}
	status := http.StatusInternalServerError
	switch fe.Code {
	case fault.CodeNotFound:
		status = http.StatusNotFound
	case fault.CodeNotPermitted:
		status = http.StatusForbidden
	case fault.CodeInvalidEnvelope, fault.CodeToolError:
		status = http.StatusBadRequest
	case fault.CodeQueueFull:
		status = http.StatusTooManyRequests
	}
	message := fe.Message
	if fe.Code == fault.CodeInternal {
		message = "internal error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{"code": fe.Code, "message": message, "retryable": fe.Retryable},
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
