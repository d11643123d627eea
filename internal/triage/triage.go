package triage

import (
	"context"
	"log"
	"strings"

	"github.com/manorhq/manor/internal/config"
	"github.com/manorhq/manor/internal/envelope"
)

// Triage actions a rule may emit.
const (
	ActionRouteTo          = "route_to"
	ActionLowPriorityQueue = "low_priority_queue"
	ActionPassThrough      = "pass_through"
	ActionMetadataOnly     = "metadata_only"
	ActionSkip             = "skip"
)

// Rule id recorded when thread affinity decided instead of a configured rule.
const RuleThreadAffinity = "thread-affinity"

// Decision is the triage outcome for one envelope.
type Decision struct {
	Action string
	Target string // butler name for route_to / low_priority_queue / thread affinity
	RuleID string // configured rule id, RuleThreadAffinity, or "" for the default
}

// Dispatchable reports whether the envelope should be dispatched at all.
func (d Decision) Dispatchable() bool { return d.Action != ActionSkip }

// EffectiveTier maps the action onto the ingestion tier used downstream.
// skip returns "" — nothing is dispatched.
func (d Decision) EffectiveTier() string {
	switch d.Action {
	case ActionMetadataOnly:
		return envelope.TierMetadata
	case ActionSkip:
		return ""
	default:
		return envelope.TierFull
	}
}

// ThreadRouter answers "which butler handled this thread last". The
// routing store implements it.
type ThreadRouter interface {
	LatestThreadRoute(ctx context.Context, endpointIdentity, threadID string) (string, error)
}

// Engine evaluates thread affinity and the configured deterministic
// rules, in that order, first match wins. The default is pass_through:
// triage never silently drops a message.
type Engine struct {
	rules   []config.TriageRule
	threads ThreadRouter
	logger  *log.Logger
}

func NewEngine(rules []config.TriageRule, threads ThreadRouter) *Engine {
	return &Engine{
		rules:   rules,
		threads: threads,
		logger:  log.New(log.Writer(), "[TRIAGE] ", log.LstdFlags),
	}
}

// Evaluate triages one envelope.
func (e *Engine) Evaluate(ctx context.Context, env *envelope.Envelope) Decision {
	// Thread affinity applies to email only: replies in a thread stay
	// with the butler that handled the thread before.
	if env.Source.Channel == envelope.ChannelEmail && env.Event.ExternalThreadID != "" && e.threads != nil {
		butler, err := e.threads.LatestThreadRoute(ctx, env.Source.EndpointIdentity, env.Event.ExternalThreadID)
		if err != nil {
			e.logger.Printf("⚠️ thread affinity lookup failed: %v", err)
		} else if butler != "" {
			return Decision{Action: ActionRouteTo, Target: butler, RuleID: RuleThreadAffinity}
		}
	}

	for _, rule := range e.rules {
		if MatchRule(rule, env) {
			return Decision{Action: rule.Action, Target: rule.Target, RuleID: rule.ID}
		}
	}

	return Decision{Action: ActionPassThrough}
}

// MatchRule evaluates one configured rule against an envelope.
func MatchRule(rule config.TriageRule, env *envelope.Envelope) bool {
	switch rule.Type {
	case "sender_domain":
		return matchSenderDomain(rule, env.Sender.Identity)
	case "sender_address":
		return strings.EqualFold(rule.Pattern, env.Sender.Identity)
	case "header_condition":
		return matchHeader(rule, env)
	case "label_match":
		return matchLabels(rule, env)
	default:
		return false
	}
}

func matchSenderDomain(rule config.TriageRule, sender string) bool {
	at := strings.LastIndex(sender, "@")
	if at < 0 {
		return false
	}
	domain := strings.ToLower(sender[at+1:])
	pattern := strings.ToLower(rule.Pattern)
	if rule.Match == "suffix" {
		return domain == pattern || strings.HasSuffix(domain, "."+pattern)
	}
	return domain == pattern
}

// matchHeader inspects payload.raw.headers, a string-keyed map of header
// values. Header names compare case-insensitively, as mail headers do.
func matchHeader(rule config.TriageRule, env *envelope.Envelope) bool {
	headers, ok := rawSection(env, "headers")
	if !ok {
		return false
	}

	var value string
	var present bool
	for name, v := range headers {
		if strings.EqualFold(name, rule.Header) {
			value, _ = v.(string)
			present = true
			break
		}
	}
	if !present {
		return false
	}

	switch rule.Condition {
	case "present":
		return true
	case "equals":
		return value == rule.Pattern
	case "contains":
		return strings.Contains(value, rule.Pattern)
	default:
		return false
	}
}

// matchLabels tests payload.raw.labels (a JSON array) for membership of
// any configured label. Comparison is uppercase-normalized the way
// provider label sets are.
func matchLabels(rule config.TriageRule, env *envelope.Envelope) bool {
	if env.Payload.Raw == nil {
		return false
	}
	rawLabels, ok := env.Payload.Raw["labels"].([]interface{})
	if !ok {
		return false
	}

	have := make(map[string]bool, len(rawLabels))
	for _, l := range rawLabels {
		if s, ok := l.(string); ok {
			have[strings.ToUpper(s)] = true
		}
	}
	for _, want := range rule.Labels {
		if have[strings.ToUpper(want)] {
			return true
		}
	}
	return false
}

func rawSection(env *envelope.Envelope, key string) (map[string]interface{}, bool) {
	if env.Payload.Raw == nil {
		return nil, false
	}
	section, ok := env.Payload.Raw[key].(map[string]interface{})
	return section, ok
}
