package switchboard

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/manorhq/manor/internal/envelope"
	"github.com/manorhq/manor/internal/fault"
	"github.com/manorhq/manor/internal/session"
	"github.com/manorhq/manor/internal/store"
)

// classification tracks one classifier session's routing activity. The
// route tool attributes its calls to the currently running record; a
// second route mints the decomposition group id and backfills it onto
// the rows already written for this record.
type classification struct {
	requestID     string
	sourceChannel string
	sourceSender  string
	traceContext  map[string]string
	prompt        string

	groupID   string
	routes    int
	auditIDs  []int64
	succeeded []string
	failed    []string
}

func (c *classification) noteSuccess(butler string) { c.succeeded = append(c.succeeded, butler) }
func (c *classification) noteFailure(butler string, err error) {
	c.failed = append(c.failed, fmt.Sprintf("%s (%s)", butler, fault.CodeOf(err)))
}

// classify queues a classification session for a freshly accepted
// envelope. The session pool has one worker, so classifications are
// strictly serial.
func (s *Service) classify(ctx context.Context, requestID string, env *envelope.Envelope) {
	c := &classification{
		requestID:     requestID,
		sourceChannel: env.Source.Channel,
		sourceSender:  env.Sender.Identity,
		traceContext:  env.Control.TraceContext,
		prompt:        env.Payload.NormalizedText,
	}
	s.enqueueClassification(ctx, c)
}

// Reclassify re-runs classification for an already accepted request, on
// operator demand. The inbox row is untouched; the new routes get a
// fresh trace.
func (s *Service) Reclassify(ctx context.Context, requestID string) error {
	row, err := s.inbox.Get(ctx, requestID)
	if err != nil {
		return err
	}
	c := &classification{
		requestID:     row.RequestID,
		sourceChannel: row.Channel,
		sourceSender:  row.SenderIdentity,
		traceContext:  map[string]string{"trace_id": uuid.New().String(), "reclassify": "true"},
		prompt:        row.NormalizedText,
	}
	s.enqueueClassification(ctx, c)
	s.logger.Printf("🔁 reclassification queued for %s", requestID)
	return nil
}

// enqueueClassification hands the record to the single-worker classifier
// spawner. The record rides on the request itself: OnStart marks it
// current just before the session runs, OnDone clears it, so routes are
// always attributed to the session that made them no matter how the
// queue interleaves.
func (s *Service) enqueueClassification(ctx context.Context, c *classification) {
	prompt, err := s.classifierPrompt(ctx, c)
	if err != nil {
		s.logger.Printf("❌ build classifier prompt for %s: %v", c.requestID, err)
		return
	}

	err = s.classifier.TryEnqueue(session.Request{
		TriggerSource: session.TriggerIngress,
		Prompt:        prompt,
		RequestID:     c.requestID,
		OnStart:       func() { s.setCurrent(c) },
		OnDone: func(result *session.RunResult, err error) {
			s.setCurrent(nil)
			s.finishClassification(c, result, err)
		},
	})
	if err != nil {
		s.logger.Printf("❌ classifier enqueue for %s: %v", c.requestID, err)
		s.notifyFailureByContext(ctx, c, err)
	}
}

// classifierPrompt renders the registry snapshot and the message into
// the single-turn classification instruction.
func (s *Service) classifierPrompt(ctx context.Context, c *classification) (string, error) {
	butlers, err := s.registry.EligibleButlers(ctx, SelfName)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("You are the switchboard of a household of specialist butlers. ")
	b.WriteString("Decide which butler(s) should handle the incoming message. ")
	b.WriteString("For each butler you choose, call the route tool once with the butler name ")
	b.WriteString("and a prompt containing that butler's share of the work, in order. ")
	fmt.Fprintf(&b, "Route to at most %d butlers. ", s.cfg.Switchboard.MaxFanout)
	b.WriteString("If no butler fits, route nothing. ")
	b.WriteString("End with one short summary of what you did for the sender.\n\n")

	b.WriteString("Available butlers:\n")
	for _, butler := range butlers {
		fmt.Fprintf(&b, "- %s: %s", butler.Name, butler.Description)
		if len(butler.Modules) > 0 {
			fmt.Fprintf(&b, " (modules: %s)", strings.Join(butler.Modules, ", "))
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "\nMessage from %s via %s:\n%s\n", c.sourceSender, c.sourceChannel, c.prompt)
	return b.String(), nil
}

// RouteForClassification is the route tool's entry point. Calls during
// an active classification are attributed to it: the fan-out cap
// applies, the second route mints the group id, and outcomes feed the
// aggregated reply.
func (s *Service) RouteForClassification(ctx context.Context, butler, tool string, args map[string]interface{}) (json.RawMessage, error) {
	s.mu.Lock()
	c := s.current
	var rc RouteContext
	var overCap bool
	var backfillIDs []int64
	if c != nil {
		c.routes++
		if c.routes == 2 {
			// Second route: this is a decomposition. Mint the shared
			// group and backfill it onto the first route's row(s).
			c.groupID = uuid.New().String()
			backfillIDs = append([]int64(nil), c.auditIDs...)
		}
		overCap = c.routes > s.cfg.Switchboard.MaxFanout
		rc = RouteContext{
			RequestID:     c.requestID,
			SourceChannel: c.sourceChannel,
			SourceSender:  c.sourceSender,
			TraceContext:  c.traceContext,
			GroupID:       c.groupID,
			PromptSummary: promptSummaryOf(args, c.prompt),
		}
	}
	s.mu.Unlock()

	if len(backfillIDs) > 0 {
		if err := s.routing.SetGroup(ctx, backfillIDs, rc.GroupID); err != nil {
			s.logger.Printf("⚠️ group backfill for %s: %v", rc.RequestID, err)
		}
	}

	if overCap {
		err := fault.Newf(fault.CodeNotPermitted, "fan-out cap %d exceeded", s.cfg.Switchboard.MaxFanout)
		s.appendAudit(ctx, store.RouteEntry{
			RequestID:     rc.RequestID,
			SourceChannel: rc.SourceChannel,
			SourceSender:  rc.SourceSender,
			RoutedTo:      butler,
			PromptSummary: rc.PromptSummary,
			TraceID:       uuid.New().String(),
			GroupID:       rc.GroupID,
			Error:         err.Error(),
		})
		s.noteOutcome(c, butler, err)
		return nil, err
	}

	if c == nil {
		// Operator-driven route outside a classification: audit with a
		// fresh trace and no request linkage.
		rc = RouteContext{
			SourceChannel: envelope.ChannelMCP,
			SourceSender:  "operator",
			PromptSummary: promptSummaryOf(args, ""),
		}
	}

	result, err := s.Route(ctx, rc, butler, tool, args)
	if c != nil {
		s.noteOutcome(c, butler, err)
	}
	return result, err
}

func (s *Service) noteOutcome(c *classification, butler string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		c.noteFailure(butler, err)
	} else {
		c.noteSuccess(butler)
	}
}

// finishClassification runs after the classifier session ends: fall
// back to the default butler when nothing routed, then deliver the
// aggregated reply exactly once.
func (s *Service) finishClassification(c *classification, result *session.RunResult, sessionErr error) {
	ctx := context.Background()

	s.mu.Lock()
	succeeded := append([]string(nil), c.succeeded...)
	failed := append([]string(nil), c.failed...)
	s.mu.Unlock()

	if len(succeeded) == 0 {
		fallback := s.cfg.Switchboard.DefaultButler
		s.logger.Printf("↪️ %s produced no route, falling back to %s", c.requestID, fallback)
		rc := RouteContext{
			RequestID:     c.requestID,
			SourceChannel: c.sourceChannel,
			SourceSender:  c.sourceSender,
			TraceContext:  c.traceContext,
			PromptSummary: c.prompt,
		}
		args := map[string]interface{}{
			"prompt":         c.prompt,
			"trigger_source": session.TriggerIngress,
			"request_context": map[string]interface{}{
				"request_id":             c.requestID,
				"source_channel":         c.sourceChannel,
				"source_sender_identity": c.sourceSender,
				"trace_context":          c.traceContext,
			},
		}
		if _, err := s.Route(ctx, rc, fallback, "trigger", args); err != nil {
			failed = append(failed, fmt.Sprintf("%s (%s)", fallback, fault.CodeOf(err)))
		} else {
			succeeded = append(succeeded, fallback)
		}
	}

	reply := aggregateReply(result, sessionErr, succeeded, failed)
	reqCtx := &envelope.RequestContext{
		RequestID:            c.requestID,
		SourceChannel:        c.sourceChannel,
		SourceSenderIdentity: c.sourceSender,
		TraceContext:         c.traceContext,
	}
	if _, err := s.notify.Send(ctx, SelfName, "reply", reply, reqCtx); err != nil {
		s.logger.Printf("⚠️ aggregated reply for %s failed: %v", c.requestID, err)
	}
}

// aggregateReply builds the single reply the sender sees. Partial
// failures are itemized; a fully failed fan-out still reports.
func aggregateReply(result *session.RunResult, sessionErr error, succeeded, failed []string) string {
	var b strings.Builder
	switch {
	case sessionErr != nil:
		b.WriteString("I could not finish sorting your message (")
		b.WriteString(string(fault.CodeOf(sessionErr)))
		b.WriteString(").")
	case result != nil && strings.TrimSpace(result.Output) != "":
		b.WriteString(strings.TrimSpace(result.Output))
	default:
		b.WriteString("Your message has been passed along.")
	}

	if len(succeeded) > 0 {
		fmt.Fprintf(&b, "\nHandled by: %s.", strings.Join(succeeded, ", "))
	}
	if len(failed) > 0 {
		fmt.Fprintf(&b, "\nCould not reach: %s.", strings.Join(failed, ", "))
	}
	return b.String()
}

func (s *Service) notifyFailureByContext(ctx context.Context, c *classification, cause error) {
	reqCtx := &envelope.RequestContext{
		RequestID:            c.requestID,
		SourceChannel:        c.sourceChannel,
		SourceSenderIdentity: c.sourceSender,
		TraceContext:         c.traceContext,
	}
	msg := "I couldn't sort your message right now (" + string(fault.CodeOf(cause)) + "). It is saved and will be retried."
	if _, err := s.notify.Send(ctx, SelfName, "reply", msg, reqCtx); err != nil {
		s.logger.Printf("⚠️ failure notification for %s also failed: %v", c.requestID, err)
	}
}

func promptSummaryOf(args map[string]interface{}, fallback string) string {
	if p, ok := args["prompt"].(string); ok && p != "" {
		return p
	}
	return fallback
}

// setCurrent marks the classification whose session is running.
func (s *Service) setCurrent(c *classification) {
	s.mu.Lock()
	s.current = c
	s.mu.Unlock()
}
