package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"regexp"
	"time"

	_ "github.com/lib/pq"
)

// Store wraps the one shared Postgres database. Butler daemons and the
// switchboard each open their own Store but talk to the same server;
// schema ownership keeps their writes apart.
type Store struct {
	DB     *sql.DB
	logger *log.Logger
}

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// Open connects and verifies the database is reachable.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{
		DB:     db,
		logger: log.New(log.Writer(), "[STORE] ", log.LstdFlags),
	}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// safeIdent guards schema names that get interpolated into DDL and
// schema-qualified statements. Placeholders cannot carry identifiers.
func safeIdent(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("unsafe identifier %q", name)
	}
	return nil
}

const switchboardDDL = `
CREATE SCHEMA IF NOT EXISTS switchboard;

CREATE TABLE IF NOT EXISTS switchboard.message_inbox (
    request_id        UUID PRIMARY KEY,
    received_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    channel           TEXT NOT NULL,
    provider          TEXT NOT NULL,
    endpoint_identity TEXT NOT NULL,
    external_event_id TEXT NOT NULL,
    external_thread_id TEXT,
    observed_at       TIMESTAMPTZ NOT NULL,
    sender_identity   TEXT NOT NULL DEFAULT '',
    normalized_text   TEXT NOT NULL,
    raw               JSONB,
    attachments       JSONB,
    policy_tier       TEXT NOT NULL DEFAULT 'default',
    ingestion_tier    TEXT NOT NULL DEFAULT 'full',
    dedupe_key        TEXT NOT NULL,
    dedupe_strategy   TEXT NOT NULL,
    trace_context     JSONB,
    triage_decision   TEXT,
    triage_target     TEXT,
    triage_rule_id    TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS message_inbox_dedupe_key ON switchboard.message_inbox (dedupe_key);
CREATE INDEX IF NOT EXISTS message_inbox_thread ON switchboard.message_inbox (endpoint_identity, external_thread_id) WHERE external_thread_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS switchboard.routing_log (
    id             BIGSERIAL PRIMARY KEY,
    request_id     UUID,
    source_channel TEXT NOT NULL,
    source_sender  TEXT NOT NULL DEFAULT '',
    routed_to      TEXT,
    prompt_summary TEXT NOT NULL DEFAULT '',
    trace_id       TEXT NOT NULL DEFAULT '',
    group_id       UUID,
    error          TEXT,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS routing_log_group ON switchboard.routing_log (group_id);
CREATE INDEX IF NOT EXISTS routing_log_created ON switchboard.routing_log (created_at DESC);
CREATE INDEX IF NOT EXISTS routing_log_request ON switchboard.routing_log (request_id);

CREATE TABLE IF NOT EXISTS switchboard.butler_registry (
    name          TEXT PRIMARY KEY,
    endpoint_url  TEXT NOT NULL,
    description   TEXT NOT NULL DEFAULT '',
    modules       JSONB NOT NULL DEFAULT '[]',
    last_seen_at  TIMESTAMPTZ,
    registered_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS switchboard.connector_registry (
    id                BIGSERIAL PRIMARY KEY,
    connector_type    TEXT NOT NULL,
    endpoint_identity TEXT NOT NULL,
    instance_id       TEXT NOT NULL DEFAULT '',
    version           TEXT NOT NULL DEFAULT '',
    liveness          TEXT NOT NULL DEFAULT 'offline',
    eligibility       TEXT NOT NULL DEFAULT 'active',
    last_heartbeat_at TIMESTAMPTZ,
    first_seen_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    cursor            TEXT,
    counters          JSONB NOT NULL DEFAULT '{}',
    last_counters     JSONB NOT NULL DEFAULT '{}',
    last_status       TEXT NOT NULL DEFAULT '',
    last_error        TEXT,
    UNIQUE (connector_type, endpoint_identity)
);

CREATE TABLE IF NOT EXISTS switchboard.connector_eligibility_audit (
    id                BIGSERIAL PRIMARY KEY,
    connector_type    TEXT NOT NULL,
    endpoint_identity TEXT NOT NULL,
    prev_state        TEXT NOT NULL,
    new_state         TEXT NOT NULL,
    reason            TEXT NOT NULL DEFAULT '',
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS switchboard.notifications (
    id            BIGSERIAL PRIMARY KEY,
    channel       TEXT NOT NULL,
    recipient     TEXT NOT NULL DEFAULT '',
    message       TEXT NOT NULL,
    intent        TEXT NOT NULL CHECK (intent IN ('send','reply','react','proactive')),
    source_butler TEXT NOT NULL,
    request_id    UUID,
    status        TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','sent','failed')),
    error         TEXT,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    delivered_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS notifications_status ON switchboard.notifications (status) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS switchboard.backfill_jobs (
    id                BIGSERIAL PRIMARY KEY,
    connector_type    TEXT NOT NULL,
    endpoint_identity TEXT NOT NULL,
    from_cursor       TEXT NOT NULL DEFAULT '',
    until_cursor      TEXT NOT NULL DEFAULT '',
    cursor            TEXT NOT NULL DEFAULT '',
    state             TEXT NOT NULL DEFAULT 'pending' CHECK (state IN ('pending','running','done','failed')),
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS switchboard.approvals (
    handle         UUID PRIMARY KEY,
    butler         TEXT NOT NULL,
    tool_name      TEXT NOT NULL,
    args_summary   TEXT NOT NULL DEFAULT '',
    sensitive_args JSONB NOT NULL DEFAULT '[]',
    state          TEXT NOT NULL DEFAULT 'pending' CHECK (state IN ('pending','approved','denied','consumed')),
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    decided_at     TIMESTAMPTZ,
    decided_by     TEXT
);

CREATE TABLE IF NOT EXISTS switchboard.approval_rules (
    id          BIGSERIAL PRIMARY KEY,
    tool_name   TEXT NOT NULL,
    arg_pattern TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS switchboard.connector_stats_hourly (
    bucket            TIMESTAMPTZ NOT NULL,
    connector_type    TEXT NOT NULL,
    endpoint_identity TEXT NOT NULL,
    counters          JSONB NOT NULL DEFAULT '{}',
    PRIMARY KEY (bucket, connector_type, endpoint_identity)
);

CREATE TABLE IF NOT EXISTS switchboard.connector_stats_daily (
    bucket            TIMESTAMPTZ NOT NULL,
    connector_type    TEXT NOT NULL,
    endpoint_identity TEXT NOT NULL,
    counters          JSONB NOT NULL DEFAULT '{}',
    PRIMARY KEY (bucket, connector_type, endpoint_identity)
);

CREATE TABLE IF NOT EXISTS switchboard.fanout_stats (
    bucket            TIMESTAMPTZ NOT NULL,
    connector_type    TEXT NOT NULL,
    endpoint_identity TEXT NOT NULL,
    target_butler     TEXT NOT NULL,
    routed_count      BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (bucket, connector_type, endpoint_identity, target_butler)
);
`

const sharedDDL = `
CREATE SCHEMA IF NOT EXISTS shared;

CREATE TABLE IF NOT EXISTS shared.contacts (
    id           BIGSERIAL PRIMARY KEY,
    display_name TEXT NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS shared.contact_info (
    id         BIGSERIAL PRIMARY KEY,
    contact_id BIGINT NOT NULL REFERENCES shared.contacts(id),
    kind       TEXT NOT NULL,
    value      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS contact_info_contact ON shared.contact_info (contact_id);
`

// butlerDDL is instantiated per butler schema. %[1]s is the validated
// schema name.
const butlerDDL = `
CREATE SCHEMA IF NOT EXISTS %[1]s;

CREATE TABLE IF NOT EXISTS %[1]s.state (
    key        TEXT PRIMARY KEY,
    value      JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %[1]s.scheduled_tasks (
    id            BIGSERIAL PRIMARY KEY,
    name          TEXT NOT NULL UNIQUE,
    spec          TEXT NOT NULL,
    dispatch_mode TEXT NOT NULL CHECK (dispatch_mode IN ('prompt','job')),
    prompt        TEXT,
    job_name      TEXT,
    job_args      JSONB,
    enabled       BOOL NOT NULL DEFAULT true,
    next_run_at   TIMESTAMPTZ,
    last_run_at   TIMESTAMPTZ,
    last_result   TEXT,
    until_at      TIMESTAMPTZ,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    CHECK ((prompt IS NULL) != (job_name IS NULL)),
    CHECK ((next_run_at IS NULL) = (enabled = false))
);

CREATE TABLE IF NOT EXISTS %[1]s.sessions (
    id             UUID PRIMARY KEY,
    butler         TEXT NOT NULL,
    trigger_source TEXT NOT NULL CHECK (trigger_source IN ('ingress','schedule','tick','mcp','manual')),
    prompt         TEXT NOT NULL,
    started_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    completed_at   TIMESTAMPTZ,
    success        BOOL,
    duration_ms    BIGINT,
    error          TEXT,
    model          TEXT,
    request_id     UUID
);
CREATE INDEX IF NOT EXISTS %[1]s_sessions_started ON %[1]s.sessions (started_at DESC);
`

// EnsureSwitchboardSchema bootstraps the ingress-owned tables plus the
// shared schema. Safe to run on every start.
func (s *Store) EnsureSwitchboardSchema(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, switchboardDDL); err != nil {
		return fmt.Errorf("ensure switchboard schema: %w", err)
	}
	if _, err := s.DB.ExecContext(ctx, sharedDDL); err != nil {
		return fmt.Errorf("ensure shared schema: %w", err)
	}
	s.logger.Printf("✅ switchboard + shared schemas ready")
	return nil
}

// EnsureButlerSchema bootstraps one butler's schema.
func (s *Store) EnsureButlerSchema(ctx context.Context, schema string) error {
	if err := safeIdent(schema); err != nil {
		return err
	}
	if _, err := s.DB.ExecContext(ctx, fmt.Sprintf(butlerDDL, schema)); err != nil {
		return fmt.Errorf("ensure schema %s: %w", schema, err)
	}
	s.logger.Printf("✅ butler schema %q ready", schema)
	return nil
}
