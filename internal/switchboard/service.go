package switchboard

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/manorhq/manor/internal/bus"
	"github.com/manorhq/manor/internal/config"
	"github.com/manorhq/manor/internal/envelope"
	"github.com/manorhq/manor/internal/fault"
	"github.com/manorhq/manor/internal/mcp"
	"github.com/manorhq/manor/internal/metrics"
	"github.com/manorhq/manor/internal/notify"
	"github.com/manorhq/manor/internal/registry"
	"github.com/manorhq/manor/internal/session"
	"github.com/manorhq/manor/internal/store"
	"github.com/manorhq/manor/internal/triage"
)

// SelfName is the reserved butler name of the ingress itself. route()
// refuses it as a target.
const SelfName = "switchboard"

// Service is the ingress pipeline: accept, triage, classify, route.
type Service struct {
	cfg      *config.Config
	inbox    *store.InboxStore
	routing  *store.RoutingStore
	butlers  *store.ButlerRegistryStore
	registry *registry.Service
	triage   *triage.Engine
	clients  *mcp.ClientPool
	notify   *notify.Service
	metrics  *metrics.Metrics
	bus      bus.Emitter
	logger   *log.Logger

	// classifier is a single-worker spawner; each queued request carries
	// its classification record via the session start/done hooks.
	classifier *session.Spawner

	mu      sync.Mutex
	current *classification

	now func() time.Time
}

// Deps bundles what the service needs; the classifier spawner is wired
// afterwards via AttachClassifier because the runner wraps the service.
type Deps struct {
	Config   *config.Config
	Inbox    *store.InboxStore
	Routing  *store.RoutingStore
	Butlers  *store.ButlerRegistryStore
	Registry *registry.Service
	Triage   *triage.Engine
	Clients  *mcp.ClientPool
	Notify   *notify.Service
	Metrics  *metrics.Metrics
	Bus      bus.Emitter
}

func NewService(d Deps) *Service {
	return &Service{
		cfg:      d.Config,
		inbox:    d.Inbox,
		routing:  d.Routing,
		butlers:  d.Butlers,
		registry: d.Registry,
		triage:   d.Triage,
		clients:  d.Clients,
		notify:   d.Notify,
		metrics:  d.Metrics,
		bus:      d.Bus,
		logger:   log.New(log.Writer(), "[SWITCHBOARD] ", log.LstdFlags),
		now:      time.Now,
	}
}

// AttachClassifier hands the service its single-worker classification
// spawner. Must be called before Ingest sees traffic.
func (s *Service) AttachClassifier(sp *session.Spawner) {
	s.classifier = sp
}

// Ingest is the ingestion.ingest pipeline. Acceptance is idempotent: a
// duplicate returns the original request id with the stored triage and
// triggers nothing downstream.
func (s *Service) Ingest(ctx context.Context, env *envelope.Envelope) (*envelope.AcceptResult, error) {
	start := s.now()

	if err := env.Validate(); err != nil {
		s.metrics.RecordIngest(env.Source.Channel, "invalid", time.Since(start).Seconds())
		return nil, err
	}
	if skew := env.FutureSkew(start); skew > s.cfg.ClockSkew() {
		s.logger.Printf("⚠️ envelope from %s/%s observed_at is %s in the future",
			env.Source.Channel, env.Source.EndpointIdentity, skew.Round(time.Second))
	}

	decision := s.triage.Evaluate(ctx, env)

	result, err := s.inbox.Accept(ctx, env, store.Triage{
		Decision: decision.Action,
		Target:   decision.Target,
		RuleID:   decision.RuleID,
	})
	if err != nil {
		s.metrics.RecordIngest(env.Source.Channel, "error", time.Since(start).Seconds())
		return nil, err
	}

	if result.Duplicate {
		s.metrics.RecordIngest(env.Source.Channel, "duplicate", time.Since(start).Seconds())
		s.bus.Emit(bus.TypeIngestDuplicate, "switchboard", result.RequestID, map[string]interface{}{
			"channel": env.Source.Channel,
			"sender":  env.Sender.Identity,
		})
		return result, nil
	}

	s.metrics.RecordIngest(env.Source.Channel, "accepted", time.Since(start).Seconds())
	s.bus.Emit(bus.TypeIngestAccepted, "switchboard", result.RequestID, map[string]interface{}{
		"channel": env.Source.Channel,
		"sender":  env.Sender.Identity,
		"triage":  decision.Action,
	})

	s.dispatch(ctx, result.RequestID, env, decision)
	return result, nil
}

// dispatch acts on the triage decision for a freshly accepted envelope.
func (s *Service) dispatch(ctx context.Context, requestID string, env *envelope.Envelope, decision triage.Decision) {
	if !decision.Dispatchable() {
		// Accepted but never dispatched; the routing row keeps the audit
		// trail complete.
		s.appendAudit(ctx, store.RouteEntry{
			RequestID:     requestID,
			SourceChannel: env.Source.Channel,
			SourceSender:  env.Sender.Identity,
			PromptSummary: "skipped by rule " + decision.RuleID,
			TraceID:       traceIDOf(env.Control.TraceContext),
		})
		s.logger.Printf("⏭️ %s skipped by rule %s", requestID, decision.RuleID)
		return
	}

	rc := RouteContext{
		RequestID:     requestID,
		SourceChannel: env.Source.Channel,
		SourceSender:  env.Sender.Identity,
		TraceContext:  env.Control.TraceContext,
		PromptSummary: env.Payload.NormalizedText,
	}

	if decision.Target != "" {
		args := map[string]interface{}{
			"prompt":          env.Payload.NormalizedText,
			"trigger_source":  session.TriggerIngress,
			"request_context": s.requestContext(requestID, env),
		}
		if decision.Action == triage.ActionLowPriorityQueue {
			args["policy_tier"] = envelope.PolicyDefault
		}
		if _, err := s.Route(ctx, rc, decision.Target, "trigger", args); err != nil {
			s.logger.Printf("❌ direct route %s → %s failed: %v", requestID, decision.Target, err)
			s.notifyFailure(ctx, requestID, env, err)
		}
		return
	}

	s.classify(ctx, requestID, env)
}

func (s *Service) requestContext(requestID string, env *envelope.Envelope) map[string]interface{} {
	rc := envelope.RequestContext{
		RequestID:            requestID,
		SourceChannel:        env.Source.Channel,
		SourceSenderIdentity: env.Sender.Identity,
		TraceContext:         env.Control.TraceContext,
	}
	return map[string]interface{}{
		"request_id":             rc.RequestID,
		"source_channel":         rc.SourceChannel,
		"source_sender_identity": rc.SourceSenderIdentity,
		"trace_context":          rc.TraceContext,
	}
}

// notifyFailure surfaces an ingest-path failure back on the originating
// channel. Silent drops are bugs.
func (s *Service) notifyFailure(ctx context.Context, requestID string, env *envelope.Envelope, cause error) {
	reqCtx := &envelope.RequestContext{
		RequestID:            requestID,
		SourceChannel:        env.Source.Channel,
		SourceSenderIdentity: env.Sender.Identity,
		TraceContext:         env.Control.TraceContext,
	}
	msg := "I couldn't hand your message to a butler (" + string(fault.CodeOf(cause)) + "). It is saved and an operator can retry it."
	if _, err := s.notify.Send(ctx, SelfName, notify.IntentReply, msg, reqCtx); err != nil {
		s.logger.Printf("⚠️ failure notification for %s also failed: %v", requestID, err)
	}
}

// appendAudit writes one routing row. Rows written for the running
// classification are remembered by id so a later decomposition can
// backfill their group.
func (s *Service) appendAudit(ctx context.Context, e store.RouteEntry) int64 {
	id, err := s.routing.Append(ctx, e)
	if err != nil {
		s.logger.Printf("⚠️ routing audit append failed: %v", err)
		return 0
	}
	s.mu.Lock()
	if s.current != nil && e.RequestID == s.current.requestID && e.RoutedTo != "" {
		s.current.auditIDs = append(s.current.auditIDs, id)
	}
	s.mu.Unlock()
	return id
}

func traceIDOf(tc map[string]string) string {
	if tc == nil {
		return ""
	}
	return tc["trace_id"]
}
