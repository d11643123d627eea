package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/manorhq/manor/internal/fault"
)

// StatsStore persists rollups derived from heartbeat counters and the
// routing log. Heartbeat intake feeds AddCounterDeltas on every accepted
// heartbeat; the hourly rollup job folds routing rows into fanout_stats
// and prunes expired history.
type StatsStore struct {
	db     *sql.DB
	logger *log.Logger
}

func NewStatsStore(s *Store) *StatsStore {
	return &StatsStore{
		db:     s.DB,
		logger: log.New(log.Writer(), "[STATS] ", log.LstdFlags),
	}
}

// AddCounterDeltas merges per-counter deltas into the hourly and daily
// buckets for one connector endpoint. Keys absent from a bucket start at
// zero; existing keys accumulate.
func (s *StatsStore) AddCounterDeltas(ctx context.Context, connectorType, endpointIdentity string, at time.Time, deltas map[string]int64) error {
	if len(deltas) == 0 {
		return nil
	}
	payload, err := json.Marshal(deltas)
	if err != nil {
		return fault.Wrap(fault.CodeInternal, "encode counter deltas", err)
	}

	hourly := at.UTC().Truncate(time.Hour)
	daily := hourly.Truncate(24 * time.Hour)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.Wrap(fault.CodeInternal, "begin stats txn", err)
	}
	defer tx.Rollback()

	for _, b := range []struct {
		table  string
		bucket time.Time
	}{
		{"connector_stats_hourly", hourly},
		{"connector_stats_daily", daily},
	} {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO switchboard.%s AS cs (bucket, connector_type, endpoint_identity, counters)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (bucket, connector_type, endpoint_identity) DO UPDATE
			   SET counters = (
			       SELECT COALESCE(jsonb_object_agg(key, total), '{}'::jsonb)
			         FROM (
			              SELECT key, SUM(value::bigint) AS total
			                FROM (
			                     SELECT key, value FROM jsonb_each_text(cs.counters)
			                     UNION ALL
			                     SELECT key, value FROM jsonb_each_text(EXCLUDED.counters)
			                ) pairs
			               GROUP BY key
			         ) merged
			   )`, b.table),
			b.bucket, connectorType, endpointIdentity, payload)
		if err != nil {
			return fault.Wrap(fault.CodeInternal, fmt.Sprintf("merge %s", b.table), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fault.Wrap(fault.CodeInternal, "commit stats txn", err)
	}
	return nil
}

// RollupFanout recomputes per-butler routed counts for every hour bucket
// touched by the window. Reruns over the same window are idempotent: the
// count is recomputed from the log, not incremented.
func (s *StatsStore) RollupFanout(ctx context.Context, from, until time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO switchboard.fanout_stats (bucket, connector_type, endpoint_identity, target_butler, routed_count)
		SELECT date_trunc('hour', r.created_at),
		       m.provider,
		       m.endpoint_identity,
		       r.routed_to,
		       COUNT(*)
		  FROM switchboard.routing_log r
		  JOIN switchboard.message_inbox m ON m.request_id = r.request_id
		 WHERE r.created_at >= $1 AND r.created_at < $2
		   AND r.routed_to IS NOT NULL AND r.error IS NULL
		 GROUP BY 1, 2, 3, 4
		ON CONFLICT (bucket, connector_type, endpoint_identity, target_butler)
		DO UPDATE SET routed_count = EXCLUDED.routed_count`,
		from.UTC(), until.UTC())
	if err != nil {
		return 0, fault.Wrap(fault.CodeInternal, "rollup fanout", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Prune deletes routing and audit history past its retention window.
// Inbox rows stay: they back dedupe and thread affinity.
func (s *StatsStore) Prune(ctx context.Context, routingRetain, auditRetain time.Duration) error {
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM switchboard.routing_log WHERE created_at < $1`,
		now.Add(-routingRetain))
	if err != nil {
		return fault.Wrap(fault.CodeInternal, "prune routing_log", err)
	}
	routed, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM switchboard.connector_eligibility_audit WHERE created_at < $1`,
		now.Add(-auditRetain))
	if err != nil {
		return fault.Wrap(fault.CodeInternal, "prune eligibility audit", err)
	}
	audited, _ := res.RowsAffected()

	if routed > 0 || audited > 0 {
		s.logger.Printf("🧹 pruned %d routing rows, %d audit rows", routed, audited)
	}
	return nil
}

// HourlyCounters reads back the counter buckets for one endpoint, newest
// first, for the admin surface.
func (s *StatsStore) HourlyCounters(ctx context.Context, connectorType, endpointIdentity string, limit int) ([]CounterBucket, error) {
	if limit <= 0 {
		limit = 24
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT bucket, counters
		  FROM switchboard.connector_stats_hourly
		 WHERE connector_type = $1 AND endpoint_identity = $2
		 ORDER BY bucket DESC
		 LIMIT $3`,
		connectorType, endpointIdentity, limit)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "load hourly counters", err)
	}
	defer rows.Close()

	var out []CounterBucket
	for rows.Next() {
		var b CounterBucket
		var raw []byte
		if err := rows.Scan(&b.Bucket, &raw); err != nil {
			return nil, fault.Wrap(fault.CodeInternal, "scan counter bucket", err)
		}
		if err := json.Unmarshal(raw, &b.Counters); err != nil {
			return nil, fault.Wrap(fault.CodeInternal, "decode counter bucket", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// CounterBucket is one hour (or day) of accumulated connector counters.
type CounterBucket struct {
	Bucket   time.Time        `json:"bucket"`
	Counters map[string]int64 `json:"counters"`
}

// FanoutRows reads the rollup for the admin surface, newest buckets first.
func (s *StatsStore) FanoutRows(ctx context.Context, limit int) ([]FanoutRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT bucket, connector_type, endpoint_identity, target_butler, routed_count
		  FROM switchboard.fanout_stats
		 ORDER BY bucket DESC, routed_count DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "load fanout stats", err)
	}
	defer rows.Close()

	var out []FanoutRow
	for rows.Next() {
		var r FanoutRow
		if err := rows.Scan(&r.Bucket, &r.ConnectorType, &r.EndpointIdentity, &r.TargetButler, &r.RoutedCount); err != nil {
			return nil, fault.Wrap(fault.CodeInternal, "scan fanout row", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FanoutRow is one (hour, connector, butler) cell of the routing rollup.
type FanoutRow struct {
	Bucket           time.Time `json:"bucket"`
	ConnectorType    string    `json:"connector_type"`
	EndpointIdentity string    `json:"endpoint_identity"`
	TargetButler     string    `json:"target_butler"`
	RoutedCount      int64     `json:"routed_count"`
}
