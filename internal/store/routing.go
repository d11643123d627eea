package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/manorhq/manor/internal/fault"
)

// RoutingStore owns switchboard.routing_log. Append-only; the switchboard
// writes, everyone reads.
type RoutingStore struct {
	db *sql.DB
}

func NewRoutingStore(s *Store) *RoutingStore { return &RoutingStore{db: s.DB} }

// RouteEntry is one routing decision. RoutedTo empty means no route was
// made (skip, or classification produced nothing); Error non-empty means
// the dispatch to RoutedTo failed.
type RouteEntry struct {
	ID            int64
	RequestID     string
	SourceChannel string
	SourceSender  string
	RoutedTo      string
	PromptSummary string
	TraceID       string
	GroupID       string
	Error         string
	CreatedAt     time.Time
}

const promptSummaryMax = 200

// Append writes one routing decision and returns its row id so a later
// decomposition can backfill the group.
func (s *RoutingStore) Append(ctx context.Context, e RouteEntry) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO switchboard.routing_log
			(request_id, source_channel, source_sender, routed_to, prompt_summary, trace_id, group_id, error)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
		nullable(e.RequestID), e.SourceChannel, e.SourceSender,
		nullable(e.RoutedTo), truncate(e.PromptSummary, promptSummaryMax),
		e.TraceID, nullable(e.GroupID), nullable(e.Error)).Scan(&id)
	if err != nil {
		return 0, fault.Wrap(fault.CodeInternal, "append routing log", err)
	}
	return id, nil
}

// SetGroup stamps group_id on rows written before the fan-out was known.
// A decomposition is only recognized on its second route; the first
// route's row has already been appended by then and is backfilled here.
func (s *RoutingStore) SetGroup(ctx context.Context, ids []int64, groupID string) error {
	if len(ids) == 0 || groupID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE switchboard.routing_log SET group_id = $2 WHERE id = ANY($1)`,
		pq.Array(ids), groupID)
	if err != nil {
		return fault.Wrap(fault.CodeInternal, "backfill routing group", err)
	}
	return nil
}

// LatestThreadRoute finds the butler that most recently handled the
// given thread successfully. Powers email thread affinity.
func (s *RoutingStore) LatestThreadRoute(ctx context.Context, endpointIdentity, threadID string) (string, error) {
	var butler string
	err := s.db.QueryRowContext(ctx, `
		SELECT rl.routed_to
		  FROM switchboard.routing_log rl
		  JOIN switchboard.message_inbox mi ON mi.request_id = rl.request_id
		 WHERE mi.endpoint_identity = $1
		   AND mi.external_thread_id = $2
		   AND rl.routed_to IS NOT NULL
		   AND rl.error IS NULL
		 ORDER BY rl.created_at DESC, rl.id DESC
		 LIMIT 1`,
		endpointIdentity, threadID,
	).Scan(&butler)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fault.Wrap(fault.CodeInternal, "thread affinity lookup", err)
	}
	return butler, nil
}

// ByGroup returns every entry of one decomposition group in emission order.
func (s *RoutingStore) ByGroup(ctx context.Context, groupID string) ([]RouteEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(request_id::text, ''), source_channel, source_sender,
		       COALESCE(routed_to, ''), prompt_summary, trace_id,
		       COALESCE(group_id::text, ''), COALESCE(error, ''), created_at
		  FROM switchboard.routing_log
		 WHERE group_id = $1
		 ORDER BY created_at ASC, id ASC`, groupID)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "load routing group", err)
	}
	defer rows.Close()
	return scanRouteEntries(rows)
}

// Recent returns the latest entries, newest first.
func (s *RoutingStore) Recent(ctx context.Context, limit int) ([]RouteEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(request_id::text, ''), source_channel, source_sender,
		       COALESCE(routed_to, ''), prompt_summary, trace_id,
		       COALESCE(group_id::text, ''), COALESCE(error, ''), created_at
		  FROM switchboard.routing_log
		 ORDER BY created_at DESC, id DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "load recent routing", err)
	}
	defer rows.Close()
	return scanRouteEntries(rows)
}

// CountByRequest reports how many routing rows a request already has.
// Used to guarantee duplicates never route twice.
func (s *RoutingStore) CountByRequest(ctx context.Context, requestID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM switchboard.routing_log WHERE request_id = $1`, requestID).Scan(&n)
	if err != nil {
		return 0, fault.Wrap(fault.CodeInternal, "count routing rows", err)
	}
	return n, nil
}

func scanRouteEntries(rows *sql.Rows) ([]RouteEntry, error) {
	var out []RouteEntry
	for rows.Next() {
		var e RouteEntry
		if err := rows.Scan(&e.ID, &e.RequestID, &e.SourceChannel, &e.SourceSender,
			&e.RoutedTo, &e.PromptSummary, &e.TraceID, &e.GroupID, &e.Error, &e.CreatedAt); err != nil {
			return nil, fault.Wrap(fault.CodeInternal, "scan routing row", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
