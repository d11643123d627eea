package triage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manorhq/manor/internal/config"
	"github.com/manorhq/manor/internal/envelope"
)

type fakeThreads struct {
	butler string
	err    error
	calls  int
}

func (f *fakeThreads) LatestThreadRoute(ctx context.Context, endpointIdentity, threadID string) (string, error) {
	f.calls++
	return f.butler, f.err
}

func emailEnvelope(sender string) *envelope.Envelope {
	return &envelope.Envelope{
		SchemaVersion: envelope.SchemaVersion,
		Source: envelope.Source{
			Channel:          envelope.ChannelEmail,
			Provider:         envelope.ProviderGmail,
			EndpointIdentity: "gmail:me@example.com",
		},
		Event: envelope.Event{
			ExternalEventID: "msg-1",
			ObservedAt:      time.Now(),
		},
		Sender: envelope.Sender{Identity: sender},
		Payload: envelope.Payload{
			Raw:            map[string]interface{}{"text": "hi"},
			NormalizedText: "hi",
		},
	}
}

func TestEvaluateDefaultIsPassThrough(t *testing.T) {
	engine := NewEngine(nil, nil)
	d := engine.Evaluate(context.Background(), emailEnvelope("someone@example.com"))
	assert.Equal(t, ActionPassThrough, d.Action)
	assert.Empty(t, d.RuleID)
	assert.True(t, d.Dispatchable())
}

func TestEvaluateFirstMatchWins(t *testing.T) {
	rules := []config.TriageRule{
		{ID: "bank", Type: "sender_domain", Pattern: "bank.example", Action: "route_to", Target: "finance"},
		{ID: "bank-again", Type: "sender_domain", Pattern: "bank.example", Action: "skip"},
	}
	engine := NewEngine(rules, nil)

	d := engine.Evaluate(context.Background(), emailEnvelope("alerts@bank.example"))
	assert.Equal(t, ActionRouteTo, d.Action)
	assert.Equal(t, "finance", d.Target)
	assert.Equal(t, "bank", d.RuleID)
}

func TestEvaluateThreadAffinityBeatsRules(t *testing.T) {
	rules := []config.TriageRule{
		{ID: "bank", Type: "sender_domain", Pattern: "bank.example", Action: "route_to", Target: "finance"},
	}
	threads := &fakeThreads{butler: "travel"}
	engine := NewEngine(rules, threads)

	env := emailEnvelope("alerts@bank.example")
	env.Event.ExternalThreadID = "thread-9"
	d := engine.Evaluate(context.Background(), env)

	assert.Equal(t, ActionRouteTo, d.Action)
	assert.Equal(t, "travel", d.Target)
	assert.Equal(t, RuleThreadAffinity, d.RuleID)
	assert.Equal(t, 1, threads.calls)
}

func TestEvaluateThreadAffinitySkippedOffEmail(t *testing.T) {
	threads := &fakeThreads{butler: "travel"}
	engine := NewEngine(nil, threads)

	env := emailEnvelope("x@example.com")
	env.Source.Channel = envelope.ChannelTelegram
	env.Source.Provider = envelope.ProviderTelegram
	env.Event.ExternalThreadID = "thread-9"

	d := engine.Evaluate(context.Background(), env)
	assert.Equal(t, ActionPassThrough, d.Action)
	assert.Zero(t, threads.calls)
}

func TestEvaluateThreadLookupErrorFallsThrough(t *testing.T) {
	threads := &fakeThreads{err: errors.New("db down")}
	engine := NewEngine(nil, threads)

	env := emailEnvelope("x@example.com")
	env.Event.ExternalThreadID = "thread-9"
	d := engine.Evaluate(context.Background(), env)
	assert.Equal(t, ActionPassThrough, d.Action)
}

func TestMatchSenderDomain(t *testing.T) {
	exact := config.TriageRule{Type: "sender_domain", Pattern: "Bank.Example"}
	suffix := config.TriageRule{Type: "sender_domain", Pattern: "bank.example", Match: "suffix"}

	assert.True(t, MatchRule(exact, emailEnvelope("a@bank.example")))
	assert.False(t, MatchRule(exact, emailEnvelope("a@mail.bank.example")))
	assert.True(t, MatchRule(suffix, emailEnvelope("a@mail.bank.example")))
	assert.False(t, MatchRule(suffix, emailEnvelope("a@notbank.example")))
	assert.False(t, MatchRule(exact, emailEnvelope("no-at-sign")))
}

func TestMatchSenderAddress(t *testing.T) {
	rule := config.TriageRule{Type: "sender_address", Pattern: "Boss@Example.com"}
	assert.True(t, MatchRule(rule, emailEnvelope("boss@example.com")))
	assert.False(t, MatchRule(rule, emailEnvelope("intern@example.com")))
}

func TestMatchHeaderCondition(t *testing.T) {
	env := emailEnvelope("a@example.com")
	env.Payload.Raw["headers"] = map[string]interface{}{
		"List-Id":  "deals.example.com",
		"X-Flag":   "urgent-review",
		"X-Empty":  "",
	}

	present := config.TriageRule{Type: "header_condition", Header: "list-id", Condition: "present"}
	equals := config.TriageRule{Type: "header_condition", Header: "X-Flag", Condition: "equals", Pattern: "urgent-review"}
	contains := config.TriageRule{Type: "header_condition", Header: "X-Flag", Condition: "contains", Pattern: "urgent"}
	missing := config.TriageRule{Type: "header_condition", Header: "X-Gone", Condition: "present"}

	assert.True(t, MatchRule(present, env), "header names match case-insensitively")
	assert.True(t, MatchRule(equals, env))
	assert.True(t, MatchRule(contains, env))
	assert.False(t, MatchRule(missing, env))
}

func TestMatchLabels(t *testing.T) {
	env := emailEnvelope("a@example.com")
	env.Payload.Raw["labels"] = []interface{}{"Promotions", "INBOX"}

	rule := config.TriageRule{Type: "label_match", Labels: []string{"promotions"}}
	assert.True(t, MatchRule(rule, env), "label comparison is case-insensitive")

	rule.Labels = []string{"SPAM"}
	assert.False(t, MatchRule(rule, env))

	env.Payload.Raw["labels"] = "not-an-array"
	rule.Labels = []string{"INBOX"}
	assert.False(t, MatchRule(rule, env))
}

func TestEffectiveTier(t *testing.T) {
	require.Equal(t, envelope.TierMetadata, Decision{Action: ActionMetadataOnly}.EffectiveTier())
	require.Equal(t, envelope.TierFull, Decision{Action: ActionPassThrough}.EffectiveTier())
	require.Empty(t, Decision{Action: ActionSkip}.EffectiveTier())
	require.False(t, Decision{Action: ActionSkip}.Dispatchable())
}
