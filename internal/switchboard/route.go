package switchboard

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/manorhq/manor/internal/bus"
	"github.com/manorhq/manor/internal/fault"
	"github.com/manorhq/manor/internal/store"
)

// RouteContext carries the audit facts one route writes. GroupID is
// empty outside multi-route classifications.
type RouteContext struct {
	RequestID     string
	SourceChannel string
	SourceSender  string
	TraceContext  map[string]string
	GroupID       string
	PromptSummary string
}

// Route dispatches one tool call to a registered butler. Every attempt,
// successful or not, lands in the routing log; only success bumps the
// butler's last_seen_at.
func (s *Service) Route(ctx context.Context, rc RouteContext, butler, tool string, args map[string]interface{}) (json.RawMessage, error) {
	start := s.now()
	routeTrace := uuid.New().String()

	entry := store.RouteEntry{
		RequestID:     rc.RequestID,
		SourceChannel: rc.SourceChannel,
		SourceSender:  rc.SourceSender,
		RoutedTo:      butler,
		PromptSummary: rc.PromptSummary,
		TraceID:       routeTrace,
		GroupID:       rc.GroupID,
	}

	if butler == SelfName {
		err := fault.New(fault.CodeNotPermitted, "the switchboard cannot route to itself")
		entry.Error = err.Error()
		s.appendAudit(ctx, entry)
		s.metrics.RecordRoute(butler, string(fault.CodeNotPermitted), time.Since(start).Seconds())
		return nil, err
	}

	row, err := s.butlers.Get(ctx, butler)
	if err != nil {
		// Unknown butler: no connection attempt, audited with the error.
		entry.Error = err.Error()
		s.appendAudit(ctx, entry)
		s.metrics.RecordRoute(butler, string(fault.CodeOf(err)), time.Since(start).Seconds())
		return nil, err
	}

	if args == nil {
		args = map[string]interface{}{}
	}
	args["_trace_context"] = traceContext(rc.TraceContext, routeTrace)

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.RouteDeadline())
	defer cancel()

	result, err := s.clients.Get(row.EndpointURL).CallTool(callCtx, tool, args)
	elapsed := time.Since(start)

	if err != nil {
		entry.Error = err.Error()
		s.appendAudit(ctx, entry)
		s.metrics.RecordRoute(butler, string(fault.CodeOf(err)), elapsed.Seconds())
		s.bus.Emit(bus.TypeRouteFailed, "switchboard", rc.RequestID, map[string]interface{}{
			"butler": butler,
			"tool":   tool,
			"error":  string(fault.CodeOf(err)),
		})
		s.logger.Printf("❌ route %s → %s.%s failed: %v", rc.RequestID, butler, tool, err)
		return nil, err
	}

	s.appendAudit(ctx, entry)
	if err := s.butlers.Touch(ctx, butler); err != nil {
		s.logger.Printf("⚠️ touch %s after route: %v", butler, err)
	}
	s.metrics.RecordRoute(butler, "ok", elapsed.Seconds())
	s.bus.Emit(bus.TypeRouteDispatched, "switchboard", rc.RequestID, map[string]interface{}{
		"butler":   butler,
		"tool":     tool,
		"group_id": rc.GroupID,
	})
	s.logger.Printf("✅ routed %s → %s.%s (%s)", rc.RequestID, butler, tool, elapsed.Round(time.Millisecond))
	return result, nil
}

// traceContext derives the sub-route trace: the route gets its own
// trace id and keeps the inbound one as parent.
func traceContext(parent map[string]string, routeTrace string) map[string]string {
	tc := make(map[string]string, len(parent)+2)
	for k, v := range parent {
		tc[k] = v
	}
	if inbound, ok := parent["trace_id"]; ok && inbound != "" {
		tc["parent_trace_id"] = inbound
	}
	tc["trace_id"] = routeTrace
	return tc
}
