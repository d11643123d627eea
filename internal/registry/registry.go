package registry

import (
	"context"
	"log"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/manorhq/manor/internal/bus"
	"github.com/manorhq/manor/internal/envelope"
	"github.com/manorhq/manor/internal/fault"
	"github.com/manorhq/manor/internal/metrics"
	"github.com/manorhq/manor/internal/store"
)

// Liveness states, derived server-side from heartbeat age.
const (
	LivenessOnline  = "online"
	LivenessStale   = "stale"
	LivenessOffline = "offline"
)

// Eligibility states. Quarantine always wins over heartbeat recency.
const (
	EligibilityActive      = "active"
	EligibilityStale       = "stale"
	EligibilityQuarantined = "quarantined"
)

// Config bounds the liveness and eligibility derivations.
type Config struct {
	OnlineWithin   time.Duration // default 5m
	StaleWithin    time.Duration // default 15m
	EligibilityTTL time.Duration // default 15m
	SnapshotCache  time.Duration // butler snapshot TTL, default 15s
}

func (c *Config) applyDefaults() {
	if c.OnlineWithin <= 0 {
		c.OnlineWithin = 5 * time.Minute
	}
	if c.StaleWithin <= 0 {
		c.StaleWithin = 15 * time.Minute
	}
	if c.EligibilityTTL <= 0 {
		c.EligibilityTTL = 15 * time.Minute
	}
	if c.SnapshotCache <= 0 {
		c.SnapshotCache = 15 * time.Second
	}
}

// Service owns connector self-registration, heartbeat intake, and the
// butler registry snapshot the classifier sees.
type Service struct {
	cfg        Config
	connectors *store.ConnectorRegistryStore
	butlers    *store.ButlerRegistryStore
	stats      *store.StatsStore
	bus        bus.Emitter
	metrics    *metrics.Metrics
	logger     *log.Logger
	snapshot   *gocache.Cache
	now        func() time.Time
}

func NewService(cfg Config, connectors *store.ConnectorRegistryStore, butlers *store.ButlerRegistryStore, stats *store.StatsStore, emitter bus.Emitter, m *metrics.Metrics) *Service {
	cfg.applyDefaults()
	return &Service{
		cfg:        cfg,
		connectors: connectors,
		butlers:    butlers,
		stats:      stats,
		bus:        emitter,
		metrics:    m,
		logger:     log.New(log.Writer(), "[REGISTRY] ", log.LstdFlags),
		snapshot:   gocache.New(cfg.SnapshotCache, time.Minute),
		now:        time.Now,
	}
}

// DeriveLiveness classifies a heartbeat age. A zero lastHeartbeat means
// no heartbeat has ever arrived.
func DeriveLiveness(lastHeartbeat, now time.Time, onlineWithin, staleWithin time.Duration) string {
	if lastHeartbeat.IsZero() || lastHeartbeat.Unix() <= 0 {
		return LivenessOffline
	}
	age := now.Sub(lastHeartbeat)
	switch {
	case age < onlineWithin:
		return LivenessOnline
	case age < staleWithin:
		return LivenessStale
	default:
		return LivenessOffline
	}
}

// CounterDeltas computes what this heartbeat adds to the lifetime
// counters. Counters are monotone since process start, so a matching
// instance id diffs against the last snapshot; a changed instance id
// means restart and the whole value counts.
func CounterDeltas(lastInstanceID string, lastCounters map[string]int64, hb *envelope.Heartbeat) map[string]int64 {
	deltas := make(map[string]int64, len(hb.Counters))
	restarted := lastInstanceID != hb.Connector.InstanceID
	for k, v := range hb.Counters {
		if restarted {
			deltas[k] = v
			continue
		}
		d := v - lastCounters[k]
		if d < 0 {
			// counter went backwards without an instance change; treat
			// as restart for this counter
			d = v
		}
		deltas[k] = d
	}
	return deltas
}

// HandleHeartbeat ingests one heartbeat: self-registers unknown
// connectors, folds counter deltas into the lifetime totals and the
// stats rollups, and auto-recovers stale eligibility.
func (s *Service) HandleHeartbeat(ctx context.Context, hb *envelope.Heartbeat) error {
	if err := hb.Validate(); err != nil {
		return err
	}
	now := s.now()

	row, err := s.connectors.Get(ctx, hb.Connector.ConnectorType, hb.Connector.EndpointIdentity)
	if err != nil {
		return err
	}

	var deltas map[string]int64
	if row == nil {
		deltas = CounterDeltas("", nil, hb)
		row = &store.ConnectorRow{
			ConnectorType:    hb.Connector.ConnectorType,
			EndpointIdentity: hb.Connector.EndpointIdentity,
			InstanceID:       hb.Connector.InstanceID,
			Version:          hb.Connector.Version,
			Liveness:         LivenessOnline,
			Eligibility:      EligibilityActive,
			LastHeartbeatAt:  now,
			Counters:         copyCounters(hb.Counters),
			LastCounters:     copyCounters(hb.Counters),
			LastStatus:       hb.Status.State,
			LastError:        hb.Status.ErrorMessage,
		}
		if hb.Checkpoint != nil {
			row.Cursor = hb.Checkpoint.Cursor
		}
		if err := s.connectors.Insert(ctx, row); err != nil {
			return err
		}
		s.logger.Printf("🆕 connector %s/%s self-registered (instance %s)",
			row.ConnectorType, row.EndpointIdentity, row.InstanceID)
	} else {
		if row.InstanceID != "" && row.InstanceID != hb.Connector.InstanceID {
			s.logger.Printf("🔄 connector %s/%s restarted (instance %s → %s)",
				row.ConnectorType, row.EndpointIdentity, row.InstanceID, hb.Connector.InstanceID)
		}
		deltas = CounterDeltas(row.InstanceID, row.LastCounters, hb)
		if row.Counters == nil {
			row.Counters = map[string]int64{}
		}
		for k, d := range deltas {
			row.Counters[k] += d
		}
		row.InstanceID = hb.Connector.InstanceID
		row.Version = hb.Connector.Version
		row.Liveness = LivenessOnline
		row.LastHeartbeatAt = now
		row.LastCounters = copyCounters(hb.Counters)
		row.LastStatus = hb.Status.State
		row.LastError = hb.Status.ErrorMessage
		if hb.Checkpoint != nil {
			row.Cursor = hb.Checkpoint.Cursor
		}
		if err := s.connectors.UpdateHeartbeat(ctx, row); err != nil {
			return err
		}

		// Heartbeat recency recovers stale eligibility automatically.
		// Quarantine never auto-recovers.
		if row.Eligibility == EligibilityStale {
			if err := s.transition(ctx, row.ConnectorType, row.EndpointIdentity,
				EligibilityStale, EligibilityActive, "heartbeat resumed"); err != nil {
				return err
			}
		}
	}

	if err := s.stats.AddCounterDeltas(ctx, row.ConnectorType, row.EndpointIdentity, now, deltas); err != nil {
		s.logger.Printf("⚠️ stats merge failed for %s/%s: %v", row.ConnectorType, row.EndpointIdentity, err)
	}

	s.metrics.HeartbeatsTotal.WithLabelValues(row.ConnectorType, hb.Status.State).Inc()
	s.bus.Emit(bus.TypeHeartbeatReceived, "registry", row.ConnectorType+"/"+row.EndpointIdentity,
		map[string]interface{}{
			"state":       hb.Status.State,
			"instance_id": hb.Connector.InstanceID,
			"uptime_s":    hb.Status.UptimeS,
		})
	return nil
}

// SweepEligibility expires active connectors whose heartbeat aged past
// the TTL and refreshes the liveness gauge. Run from the scheduler tick.
func (s *Service) SweepEligibility(ctx context.Context) error {
	rows, err := s.connectors.List(ctx)
	if err != nil {
		return err
	}

	now := s.now()
	byLiveness := map[string]float64{LivenessOnline: 0, LivenessStale: 0, LivenessOffline: 0}
	for _, row := range rows {
		liveness := DeriveLiveness(row.LastHeartbeatAt, now, s.cfg.OnlineWithin, s.cfg.StaleWithin)
		byLiveness[liveness]++

		if row.Eligibility == EligibilityActive && now.Sub(row.LastHeartbeatAt) > s.cfg.EligibilityTTL {
			if err := s.transition(ctx, row.ConnectorType, row.EndpointIdentity,
				EligibilityActive, EligibilityStale, "heartbeat ttl expired"); err != nil {
				return err
			}
		}
	}
	for liveness, n := range byLiveness {
		s.metrics.ConnectorsByState.WithLabelValues(liveness).Set(n)
	}
	return nil
}

// Quarantine is the operator action that parks a connector regardless of
// heartbeat recency.
func (s *Service) Quarantine(ctx context.Context, connectorType, endpointIdentity, reason string) error {
	row, err := s.connectors.Get(ctx, connectorType, endpointIdentity)
	if err != nil {
		return err
	}
	if row == nil {
		return fault.Newf(fault.CodeNotFound, "connector %s/%s", connectorType, endpointIdentity)
	}
	if row.Eligibility == EligibilityQuarantined {
		return nil
	}
	return s.transition(ctx, connectorType, endpointIdentity, row.Eligibility, EligibilityQuarantined, reason)
}

// Activate lifts a quarantine. Only quarantined connectors transition;
// recovery from stale happens automatically on heartbeat.
func (s *Service) Activate(ctx context.Context, connectorType, endpointIdentity, operator string) error {
	row, err := s.connectors.Get(ctx, connectorType, endpointIdentity)
	if err != nil {
		return err
	}
	if row == nil {
		return fault.Newf(fault.CodeNotFound, "connector %s/%s", connectorType, endpointIdentity)
	}
	if row.Eligibility != EligibilityQuarantined {
		return fault.Newf(fault.CodeNotPermitted, "connector %s/%s is %s, not quarantined",
			connectorType, endpointIdentity, row.Eligibility)
	}
	return s.transition(ctx, connectorType, endpointIdentity, EligibilityQuarantined, EligibilityActive, "operator: "+operator)
}

func (s *Service) transition(ctx context.Context, connectorType, endpointIdentity, prev, next, reason string) error {
	if err := s.connectors.SetEligibility(ctx, connectorType, endpointIdentity, prev, next, reason); err != nil {
		return err
	}
	s.logger.Printf("🔀 %s/%s eligibility %s → %s (%s)", connectorType, endpointIdentity, prev, next, reason)
	s.metrics.RecordEligibilityChange(prev, next)
	s.bus.Emit(bus.TypeEligibilityChanged, "registry", connectorType+"/"+endpointIdentity,
		map[string]interface{}{"prev": prev, "next": next, "reason": reason})
	return nil
}

// Connectors lists the fleet with liveness derived at read time.
func (s *Service) Connectors(ctx context.Context) ([]store.ConnectorRow, error) {
	rows, err := s.connectors.List(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for i := range rows {
		rows[i].Liveness = DeriveLiveness(rows[i].LastHeartbeatAt, now, s.cfg.OnlineWithin, s.cfg.StaleWithin)
	}
	return rows, nil
}

const snapshotKey = "eligible-butlers"

// EligibleButlers is the registry snapshot handed to the classifier:
// every registered butler except the switchboard itself. Butlers carry
// no eligibility state; active/stale/quarantined applies to connectors
// only. A butler's last_seen_at moves only on successful routes, so
// filtering on it would hide freshly registered butlers that simply
// have not been routed to yet — reachability is settled per route, and
// an unreachable butler surfaces as an unreachable fault on that route.
// Cached briefly because classification bursts re-read it.
func (s *Service) EligibleButlers(ctx context.Context, exclude string) ([]store.ButlerRow, error) {
	if v, ok := s.snapshot.Get(snapshotKey); ok {
		return filterButlers(v.([]store.ButlerRow), exclude), nil
	}
	rows, err := s.butlers.List(ctx)
	if err != nil {
		return nil, err
	}
	s.snapshot.SetDefault(snapshotKey, rows)
	return filterButlers(rows, exclude), nil
}

// InvalidateSnapshot drops the cached butler list; called after
// discovery runs.
func (s *Service) InvalidateSnapshot() {
	s.snapshot.Delete(snapshotKey)
}

func filterButlers(rows []store.ButlerRow, exclude string) []store.ButlerRow {
	out := make([]store.ButlerRow, 0, len(rows))
	for _, r := range rows {
		if r.Name == exclude {
			continue
		}
		out = append(out, r)
	}
	return out
}

func copyCounters(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
