package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/manorhq/manor/internal/fault"
)

// BackfillStore owns switchboard.backfill_jobs. Operators enqueue jobs;
// connectors poll for them and report progress.
type BackfillStore struct {
	db *sql.DB
}

func NewBackfillStore(s *Store) *BackfillStore { return &BackfillStore{db: s.DB} }

type BackfillJob struct {
	ID               int64     `json:"id"`
	ConnectorType    string    `json:"connector_type"`
	EndpointIdentity string    `json:"endpoint_identity"`
	FromCursor       string    `json:"from_cursor"`
	UntilCursor      string    `json:"until_cursor"`
	Cursor           string    `json:"cursor"`
	State            string    `json:"state"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Enqueue creates a pending job.
func (s *BackfillStore) Enqueue(ctx context.Context, connectorType, endpointIdentity, fromCursor, untilCursor string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO switchboard.backfill_jobs (connector_type, endpoint_identity, from_cursor, until_cursor, cursor)
		VALUES ($1,$2,$3,$4,$3) RETURNING id`,
		connectorType, endpointIdentity, fromCursor, untilCursor,
	).Scan(&id)
	if err != nil {
		return 0, fault.Wrap(fault.CodeInternal, "enqueue backfill", err)
	}
	return id, nil
}

// Poll claims the oldest pending job for this connector, flipping it to
// running. Returns nil when none is waiting.
func (s *BackfillStore) Poll(ctx context.Context, connectorType, endpointIdentity string) (*BackfillJob, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE switchboard.backfill_jobs
		   SET state = 'running', updated_at = now()
		 WHERE id = (
			SELECT id FROM switchboard.backfill_jobs
			 WHERE connector_type = $1 AND endpoint_identity = $2
			   AND state IN ('pending', 'running')
			 ORDER BY created_at ASC
			 FOR UPDATE SKIP LOCKED
			 LIMIT 1)
		 RETURNING id, connector_type, endpoint_identity, from_cursor, until_cursor, cursor, state, created_at, updated_at`,
		connectorType, endpointIdentity)

	var j BackfillJob
	err := row.Scan(&j.ID, &j.ConnectorType, &j.EndpointIdentity, &j.FromCursor,
		&j.UntilCursor, &j.Cursor, &j.State, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "poll backfill", err)
	}
	return &j, nil
}

// Progress advances a running job's cursor, optionally finishing it.
func (s *BackfillStore) Progress(ctx context.Context, id int64, cursor string, done, failed bool) error {
	state := "running"
	if failed {
		state = "failed"
	} else if done {
		state = "done"
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE switchboard.backfill_jobs
		   SET cursor = $2, state = $3, updated_at = now()
		 WHERE id = $1`, id, cursor, state)
	if err != nil {
		return fault.Wrap(fault.CodeInternal, "progress backfill", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.Newf(fault.CodeNotFound, "backfill job %d", id)
	}
	return nil
}
