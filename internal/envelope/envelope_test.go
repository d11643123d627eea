package envelope

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manorhq/manor/internal/fault"
)

func validEnvelope() Envelope {
	return Envelope{
		SchemaVersion: SchemaVersion,
		Source: Source{
			Channel:          ChannelTelegram,
			Provider:         ProviderTelegram,
			EndpointIdentity: "telegram:bot:b1",
		},
		Event: Event{
			ExternalEventID: "42",
			ObservedAt:      time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC),
		},
		Sender:  Sender{Identity: "user:alice"},
		Payload: Payload{Raw: map[string]interface{}{"text": "hi"}, NormalizedText: "Log my weight 75 kg"},
		Control: Control{IngestionTier: TierFull},
	}
}

func TestValidateAcceptsWellFormedEnvelope(t *testing.T) {
	env := validEnvelope()
	require.NoError(t, env.Validate())
	assert.Equal(t, PolicyDefault, env.Control.PolicyTier, "empty policy tier defaults")
}

func TestValidateTierRawCoupling(t *testing.T) {
	t.Run("full without raw", func(t *testing.T) {
		env := validEnvelope()
		env.Payload.Raw = nil
		err := env.Validate()
		require.Error(t, err)
		assert.True(t, fault.Is(err, fault.CodeInvalidEnvelope))
	})

	t.Run("metadata with raw", func(t *testing.T) {
		env := validEnvelope()
		env.Control.IngestionTier = TierMetadata
		err := env.Validate()
		require.Error(t, err)
		assert.True(t, fault.Is(err, fault.CodeInvalidEnvelope))
	})

	t.Run("metadata without raw", func(t *testing.T) {
		env := validEnvelope()
		env.Control.IngestionTier = TierMetadata
		env.Payload.Raw = nil
		assert.NoError(t, env.Validate())
	})
}

func TestValidateRejectsBadChannelProviderPair(t *testing.T) {
	env := validEnvelope()
	env.Source.Provider = ProviderGmail
	err := env.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel/provider")
}

func TestValidateRejectsEmptyRequiredFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Envelope)
	}{
		{"schema version", func(e *Envelope) { e.SchemaVersion = "ingest.v2" }},
		{"endpoint identity", func(e *Envelope) { e.Source.EndpointIdentity = "" }},
		{"event id", func(e *Envelope) { e.Event.ExternalEventID = "  " }},
		{"observed at", func(e *Envelope) { e.Event.ObservedAt = time.Time{} }},
		{"normalized text", func(e *Envelope) { e.Payload.NormalizedText = "" }},
		{"policy tier", func(e *Envelope) { e.Control.PolicyTier = "urgent" }},
		{"ingestion tier", func(e *Envelope) { e.Control.IngestionTier = "partial" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := validEnvelope()
			tc.mutate(&env)
			err := env.Validate()
			require.Error(t, err)
			assert.True(t, fault.Is(err, fault.CodeInvalidEnvelope))
		})
	}
}

func TestValidateRejectsNaiveTimestampOnDecode(t *testing.T) {
	raw := `{"schema_version":"ingest.v1","event":{"external_event_id":"1","observed_at":"2026-03-01T10:30:00"}}`
	var env Envelope
	err := json.Unmarshal([]byte(raw), &env)
	assert.Error(t, err, "timestamps without offset must not decode")
}

func TestDedupeKeyLadder(t *testing.T) {
	t.Run("idempotency key wins over event id", func(t *testing.T) {
		env := validEnvelope()
		env.Control.IdempotencyKey = "k-123"
		key, strategy := env.DedupeKey()
		assert.Equal(t, "idem:telegram:telegram:bot:b1:k-123", key)
		assert.Equal(t, StrategyIdempotencyKey, strategy)
	})

	t.Run("event tier", func(t *testing.T) {
		env := validEnvelope()
		key, strategy := env.DedupeKey()
		assert.Equal(t, "event:telegram:telegram:telegram:bot:b1:42", key)
		assert.Equal(t, StrategyEventID, strategy)
	})

	t.Run("placeholder event id falls to hash tier", func(t *testing.T) {
		for _, id := range []string{"unknown", "NONE", "placeholder", " "} {
			env := validEnvelope()
			env.Event.ExternalEventID = id
			key, strategy := env.DedupeKey()
			assert.Equal(t, StrategyContentHash, strategy, "id=%q", id)
			assert.True(t, strings.HasPrefix(key, "hash:telegram:telegram:bot:b1:user:alice:2026030110:"), "id=%q key=%s", id, key)
		}
	})

	t.Run("empty sender falls to hash tier despite event id", func(t *testing.T) {
		env := validEnvelope()
		env.Sender.Identity = ""
		_, strategy := env.DedupeKey()
		assert.Equal(t, StrategyContentHash, strategy)
	})

	t.Run("hash tier is stable and hour bucketed", func(t *testing.T) {
		env := validEnvelope()
		env.Event.ExternalEventID = "unknown"
		k1, _ := env.DedupeKey()
		k2, _ := env.DedupeKey()
		assert.Equal(t, k1, k2)

		later := env
		later.Event.ObservedAt = env.Event.ObservedAt.Add(time.Hour)
		k3, _ := later.DedupeKey()
		assert.NotEqual(t, k1, k3, "different hour bucket must change the key")
	})
}

func TestAdvisoryLockKeyStable(t *testing.T) {
	k1 := AdvisoryLockKey("event:telegram:telegram:telegram:bot:b1:42")
	k2 := AdvisoryLockKey("event:telegram:telegram:telegram:bot:b1:42")
	k3 := AdvisoryLockKey("event:telegram:telegram:telegram:bot:b1:43")
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}

func TestFutureSkew(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	env := validEnvelope()
	env.Event.ObservedAt = now.Add(10 * time.Minute)
	assert.Equal(t, 10*time.Minute, env.FutureSkew(now))
	env.Event.ObservedAt = now.Add(-10 * time.Minute)
	assert.Equal(t, time.Duration(0), env.FutureSkew(now))
}

func TestHeartbeatValidate(t *testing.T) {
	hb := Heartbeat{
		SchemaVersion: HeartbeatSchemaVersion,
		Connector: HeartbeatConnector{
			ConnectorType:    "telegram",
			EndpointIdentity: "telegram:bot:b1",
			InstanceID:       "inst-1",
		},
		Status: HeartbeatStatus{State: StatusHealthy, UptimeS: 60},
		SentAt: time.Now(),
	}
	require.NoError(t, hb.Validate())

	hb.Status.State = "flaky"
	assert.Error(t, hb.Validate())

	hb.Status.State = StatusDegraded
	hb.Connector.InstanceID = ""
	assert.Error(t, hb.Validate())
}

func TestClampHeartbeatInterval(t *testing.T) {
	assert.Equal(t, HeartbeatIntervalDefault, ClampHeartbeatInterval(0))
	assert.Equal(t, HeartbeatIntervalMin, ClampHeartbeatInterval(5*time.Second))
	assert.Equal(t, HeartbeatIntervalMax, ClampHeartbeatInterval(20*time.Minute))
	assert.Equal(t, 2*time.Minute, ClampHeartbeatInterval(2*time.Minute))
}
