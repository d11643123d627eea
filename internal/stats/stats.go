package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/manorhq/manor/internal/config"
	"github.com/manorhq/manor/internal/store"
	"github.com/manorhq/manor/pkg/jobs"
)

// Rollups wraps the stats store in named jobs the switchboard's
// scheduler fires. Rollup windows overlap one hour so a fire delayed
// past a bucket boundary still folds the stragglers in; the upsert
// keeps re-covered buckets idempotent.
type Rollups struct {
	stats  *store.StatsStore
	reg    config.RegistryConfig
	logger *log.Logger
}

func NewRollups(stats *store.StatsStore, reg config.RegistryConfig) *Rollups {
	return &Rollups{
		stats:  stats,
		reg:    reg,
		logger: log.New(log.Writer(), "[STATS] ", log.LstdFlags),
	}
}

// RegisterJobs installs the rollup and retention jobs.
func (r *Rollups) RegisterJobs(registry *jobs.Registry) error {
	if err := registry.Register("stats.rollup_fanout",
		"Fold routing_log rows into hourly fanout_stats buckets", r.rollupFanout); err != nil {
		return err
	}
	if err := registry.Register("stats.prune",
		"Drop routing and audit rows past their retention windows", r.prune); err != nil {
		return err
	}
	return nil
}

func (r *Rollups) rollupFanout(ctx context.Context, args json.RawMessage) (string, error) {
	window := 2 * time.Hour
	if len(args) > 0 {
		var opts struct {
			WindowHours int `json:"window_hours"`
		}
		if err := json.Unmarshal(args, &opts); err != nil {
			return "", fmt.Errorf("bad job args: %w", err)
		}
		if opts.WindowHours > 0 {
			window = time.Duration(opts.WindowHours) * time.Hour
		}
	}

	until := time.Now().UTC().Truncate(time.Hour)
	from := until.Add(-window)
	n, err := r.stats.RollupFanout(ctx, from, until)
	if err != nil {
		return "", err
	}
	r.logger.Printf("📊 fanout rollup covered %s..%s (%d buckets)", from.Format(time.RFC3339), until.Format(time.RFC3339), n)
	return fmt.Sprintf("rolled up %d buckets", n), nil
}

func (r *Rollups) prune(ctx context.Context, _ json.RawMessage) (string, error) {
	routing := time.Duration(r.reg.RetainRoutingDays) * 24 * time.Hour
	audit := time.Duration(r.reg.RetainAuditDays) * 24 * time.Hour
	if err := r.stats.Prune(ctx, routing, audit); err != nil {
		return "", err
	}
	r.logger.Printf("🧹 pruned routing >%s and audit >%s", routing, audit)
	return fmt.Sprintf("pruned routing >%dd, audit >%dd", r.reg.RetainRoutingDays, r.reg.RetainAuditDays), nil
}
