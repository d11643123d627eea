package envelope

import (
	"strings"
	"time"

	"github.com/manorhq/manor/internal/fault"
)

// SchemaVersion is the stable ingest contract. Connectors written against
// ingest.v1 keep working as fields are added; unknown fields are ignored.
const SchemaVersion = "ingest.v1"

// Channels a connector may claim.
const (
	ChannelTelegram = "telegram"
	ChannelEmail    = "email"
	ChannelAPI      = "api"
	ChannelMCP      = "mcp"
)

// Providers behind the channels.
const (
	ProviderTelegram = "telegram"
	ProviderGmail    = "gmail"
	ProviderIMAP     = "imap"
	ProviderInternal = "internal"
)

// Policy tiers order queue hints; they never change dispatch semantics.
const (
	PolicyDefault      = "default"
	PolicyInteractive  = "interactive"
	PolicyHighPriority = "high_priority"
)

// Ingestion tiers.
const (
	TierFull     = "full"
	TierMetadata = "metadata"
)

// validPairs is the closed set of channel/provider combinations.
var validPairs = map[[2]string]bool{
	{ChannelTelegram, ProviderTelegram}: true,
	{ChannelEmail, ProviderGmail}:       true,
	{ChannelEmail, ProviderIMAP}:        true,
	{ChannelAPI, ProviderInternal}:      true,
	{ChannelMCP, ProviderInternal}:      true,
}

// Envelope is the canonical inbound message record, immutable once the
// ingress accepts it.
type Envelope struct {
	SchemaVersion string  `json:"schema_version"`
	Source        Source  `json:"source"`
	Event         Event   `json:"event"`
	Sender        Sender  `json:"sender"`
	Payload       Payload `json:"payload"`
	Control       Control `json:"control"`
}

type Source struct {
	Channel          string `json:"channel"`
	Provider         string `json:"provider"`
	EndpointIdentity string `json:"endpoint_identity"`
}

type Event struct {
	ExternalEventID  string    `json:"external_event_id"`
	ExternalThreadID string    `json:"external_thread_id,omitempty"`
	ObservedAt       time.Time `json:"observed_at"`
}

type Sender struct {
	Identity string `json:"identity"`
}

type Payload struct {
	Raw            map[string]interface{} `json:"raw,omitempty"`
	NormalizedText string                 `json:"normalized_text"`
	Attachments    []Attachment           `json:"attachments,omitempty"`
}

type Attachment struct {
	MediaType  string `json:"media_type"`
	StorageRef string `json:"storage_ref"`
	SizeBytes  int64  `json:"size_bytes"`
	Filename   string `json:"filename,omitempty"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
}

type Control struct {
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	TraceContext   map[string]string `json:"trace_context,omitempty"`
	PolicyTier     string            `json:"policy_tier,omitempty"`
	IngestionTier  string            `json:"ingestion_tier,omitempty"`
}

// AcceptResult is the wire response of ingestion.ingest. Duplicates carry
// the original request id and whatever triage the first acceptance stored.
type AcceptResult struct {
	RequestID      string `json:"request_id"`
	Duplicate      bool   `json:"duplicate"`
	TriageDecision string `json:"triage_decision,omitempty"`
	TriageTarget   string `json:"triage_target,omitempty"`
	RetryAfterS    int    `json:"retry_after_s,omitempty"`
}

// RequestContext is the block threaded from the inbox row into session
// prompts and reply-intent notifications.
type RequestContext struct {
	RequestID            string            `json:"request_id"`
	SourceChannel        string            `json:"source_channel"`
	SourceSenderIdentity string            `json:"source_sender_identity"`
	TraceContext         map[string]string `json:"trace_context,omitempty"`
}

// Validate checks the envelope against the ingest.v1 contract and
// canonicalizes defaultable control fields in place (empty policy tier
// becomes default, empty ingestion tier becomes full). All violations
// come back as invalid_envelope faults.
func (e *Envelope) Validate() error {
	if e.SchemaVersion != SchemaVersion {
		return fault.Newf(fault.CodeInvalidEnvelope, "unsupported schema_version %q", e.SchemaVersion)
	}
	if e.Source.EndpointIdentity == "" {
		return fault.New(fault.CodeInvalidEnvelope, "source.endpoint_identity is required")
	}
	if !validPairs[[2]string{e.Source.Channel, e.Source.Provider}] {
		return fault.Newf(fault.CodeInvalidEnvelope, "invalid channel/provider pair %q/%q", e.Source.Channel, e.Source.Provider)
	}
	if strings.TrimSpace(e.Event.ExternalEventID) == "" {
		return fault.New(fault.CodeInvalidEnvelope, "event.external_event_id is required")
	}
	if e.Event.ObservedAt.IsZero() {
		return fault.New(fault.CodeInvalidEnvelope, "event.observed_at is required")
	}
	if strings.TrimSpace(e.Payload.NormalizedText) == "" {
		return fault.New(fault.CodeInvalidEnvelope, "payload.normalized_text is required")
	}
	for i, a := range e.Payload.Attachments {
		if a.MediaType == "" || a.StorageRef == "" {
			return fault.Newf(fault.CodeInvalidEnvelope, "attachment %d missing media_type or storage_ref", i)
		}
		if a.SizeBytes < 0 {
			return fault.Newf(fault.CodeInvalidEnvelope, "attachment %d has negative size_bytes", i)
		}
	}

	switch e.Control.PolicyTier {
	case "":
		e.Control.PolicyTier = PolicyDefault
	case PolicyDefault, PolicyInteractive, PolicyHighPriority:
	default:
		return fault.Newf(fault.CodeInvalidEnvelope, "unknown policy_tier %q", e.Control.PolicyTier)
	}

	switch e.Control.IngestionTier {
	case "":
		e.Control.IngestionTier = TierFull
	case TierFull, TierMetadata:
	default:
		return fault.Newf(fault.CodeInvalidEnvelope, "unknown ingestion_tier %q", e.Control.IngestionTier)
	}

	if e.Control.IngestionTier == TierFull && len(e.Payload.Raw) == 0 {
		return fault.New(fault.CodeInvalidEnvelope, "ingestion_tier=full requires a non-empty payload.raw")
	}
	if e.Control.IngestionTier == TierMetadata && e.Payload.Raw != nil {
		return fault.New(fault.CodeInvalidEnvelope, "ingestion_tier=metadata forbids payload.raw")
	}
	return nil
}

// FutureSkew reports how far observed_at sits ahead of now. The ingress
// accepts skewed envelopes but logs beyond a configured tolerance.
func (e *Envelope) FutureSkew(now time.Time) time.Duration {
	if e.Event.ObservedAt.After(now) {
		return e.Event.ObservedAt.Sub(now)
	}
	return 0
}
