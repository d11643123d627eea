package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/manorhq/manor/internal/envelope"
	"github.com/manorhq/manor/internal/fault"
)

// InboxStore owns switchboard.message_inbox. Accept is the only write
// path; rows are never mutated afterward.
type InboxStore struct {
	db        *sql.DB
	clockSkew time.Duration
	logger    *log.Logger
	now       func() time.Time
}

func NewInboxStore(s *Store, clockSkew time.Duration) *InboxStore {
	return &InboxStore{
		db:        s.DB,
		clockSkew: clockSkew,
		logger:    log.New(log.Writer(), "[INBOX] ", log.LstdFlags),
		now:       time.Now,
	}
}

// InboxRow is the persisted form of an accepted envelope.
type InboxRow struct {
	RequestID        string
	ReceivedAt       time.Time
	Channel          string
	Provider         string
	EndpointIdentity string
	ExternalEventID  string
	ExternalThreadID string
	ObservedAt       time.Time
	SenderIdentity   string
	NormalizedText   string
	PolicyTier       string
	IngestionTier    string
	DedupeKey        string
	DedupeStrategy   string
	TraceContext     map[string]string
	TriageDecision   string
	TriageTarget     string
	TriageRuleID     string
}

// Triage carries the decision recorded with a fresh row. Zero value
// means "no triage yet" and stores NULLs.
type Triage struct {
	Decision string
	Target   string
	RuleID   string
}

// Accept validates env, derives the dedupe key, and inserts the inbox
// row at most once per key. Concurrent submitters of the same key
// serialize on a transaction-scoped advisory lock; unrelated keys never
// contend. The returned result is identical for the winner and every
// duplicate, except for the Duplicate flag.
func (s *InboxStore) Accept(ctx context.Context, env *envelope.Envelope, triage Triage) (*envelope.AcceptResult, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if skew := env.FutureSkew(s.now()); skew > s.clockSkew {
		s.logger.Printf("⚠️ envelope from %s observed %s in the future (event %s)",
			env.Source.EndpointIdentity, skew, env.Event.ExternalEventID)
	}

	dedupeKey, strategy := env.DedupeKey()
	lockKey := envelope.AdvisoryLockKey(dedupeKey)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "begin accept", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, lockKey); err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "advisory lock", err)
	}

	var existing envelope.AcceptResult
	var decision, target sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT request_id, COALESCE(triage_decision, ''), COALESCE(triage_target, '')
		   FROM switchboard.message_inbox WHERE dedupe_key = $1`,
		dedupeKey,
	).Scan(&existing.RequestID, &decision, &target)
	switch {
	case err == nil:
		existing.Duplicate = true
		existing.TriageDecision = decision.String
		existing.TriageTarget = target.String
		if err := tx.Commit(); err != nil {
			return nil, fault.Wrap(fault.CodeInternal, "commit duplicate accept", err)
		}
		return &existing, nil
	case err != sql.ErrNoRows:
		return nil, fault.Wrap(fault.CodeInternal, "lookup dedupe key", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "mint request id", err)
	}

	rawJSON, _ := json.Marshal(env.Payload.Raw)
	if env.Payload.Raw == nil {
		rawJSON = nil
	}
	attachJSON, _ := json.Marshal(env.Payload.Attachments)
	if env.Payload.Attachments == nil {
		attachJSON = nil
	}
	traceJSON, _ := json.Marshal(env.Control.TraceContext)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO switchboard.message_inbox (
			request_id, channel, provider, endpoint_identity,
			external_event_id, external_thread_id, observed_at,
			sender_identity, normalized_text, raw, attachments,
			policy_tier, ingestion_tier, dedupe_key, dedupe_strategy,
			trace_context, triage_decision, triage_target, triage_rule_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		id.String(), env.Source.Channel, env.Source.Provider, env.Source.EndpointIdentity,
		env.Event.ExternalEventID, nullable(env.Event.ExternalThreadID), env.Event.ObservedAt,
		env.Sender.Identity, env.Payload.NormalizedText, rawJSON, attachJSON,
		env.Control.PolicyTier, env.Control.IngestionTier, dedupeKey, strategy,
		traceJSON, nullable(triage.Decision), nullable(triage.Target), nullable(triage.RuleID),
	)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "insert inbox row", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "commit accept", err)
	}

	return &envelope.AcceptResult{
		RequestID:      id.String(),
		Duplicate:      false,
		TriageDecision: triage.Decision,
		TriageTarget:   triage.Target,
	}, nil
}

// UpdateTriage records the triage columns decided after acceptance.
// Only ever called once, by the ingest pipeline, on a fresh row.
func (s *InboxStore) UpdateTriage(ctx context.Context, requestID string, triage Triage) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE switchboard.message_inbox
		   SET triage_decision = $2, triage_target = $3, triage_rule_id = $4
		 WHERE request_id = $1`,
		requestID, nullable(triage.Decision), nullable(triage.Target), nullable(triage.RuleID))
	if err != nil {
		return fault.Wrap(fault.CodeInternal, "update triage", err)
	}
	return nil
}

// Get loads one inbox row by request id.
func (s *InboxStore) Get(ctx context.Context, requestID string) (*InboxRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT request_id, received_at, channel, provider, endpoint_identity,
		       external_event_id, COALESCE(external_thread_id, ''), observed_at,
		       sender_identity, normalized_text, policy_tier, ingestion_tier,
		       dedupe_key, dedupe_strategy, COALESCE(trace_context, '{}'),
		       COALESCE(triage_decision, ''), COALESCE(triage_target, ''), COALESCE(triage_rule_id, '')
		  FROM switchboard.message_inbox WHERE request_id = $1`, requestID)

	var r InboxRow
	var traceJSON []byte
	err := row.Scan(&r.RequestID, &r.ReceivedAt, &r.Channel, &r.Provider, &r.EndpointIdentity,
		&r.ExternalEventID, &r.ExternalThreadID, &r.ObservedAt,
		&r.SenderIdentity, &r.NormalizedText, &r.PolicyTier, &r.IngestionTier,
		&r.DedupeKey, &r.DedupeStrategy, &traceJSON,
		&r.TriageDecision, &r.TriageTarget, &r.TriageRuleID)
	if err == sql.ErrNoRows {
		return nil, fault.Newf(fault.CodeNotFound, "request %s not in inbox", requestID)
	}
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "load inbox row", err)
	}
	if len(traceJSON) > 0 {
		_ = json.Unmarshal(traceJSON, &r.TraceContext)
	}
	return &r, nil
}

// RequestContext assembles the block threaded into session prompts and
// reply-intent notifications.
func (r *InboxRow) RequestContext() envelope.RequestContext {
	return envelope.RequestContext{
		RequestID:            r.RequestID,
		SourceChannel:        r.Channel,
		SourceSenderIdentity: r.SenderIdentity,
		TraceContext:         r.TraceContext,
	}
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
