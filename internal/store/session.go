package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/manorhq/manor/internal/fault"
)

// SessionStore owns one butler's sessions table. The INSERT and the
// completion UPDATE are separate transactions bracketing the external
// spawn, so a crashed CLI leaves a visible half-open row.
type SessionStore struct {
	db     *sql.DB
	schema string
}

func NewSessionStore(s *Store, schema string) (*SessionStore, error) {
	if err := safeIdent(schema); err != nil {
		return nil, err
	}
	return &SessionStore{db: s.DB, schema: schema}, nil
}

type SessionRow struct {
	ID            string     `json:"id"`
	Butler        string     `json:"butler"`
	TriggerSource string     `json:"trigger_source"`
	Prompt        string     `json:"prompt"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Success       *bool      `json:"success,omitempty"`
	DurationMs    int64      `json:"duration_ms,omitempty"`
	Error         string     `json:"error,omitempty"`
	Model         string     `json:"model,omitempty"`
	RequestID     string     `json:"request_id,omitempty"`
}

// Start inserts the open session row and returns its id.
func (s *SessionStore) Start(ctx context.Context, butler, triggerSource, prompt, requestID string) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fault.Wrap(fault.CodeInternal, "mint session id", err)
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s.sessions (id, butler, trigger_source, prompt, request_id)
		VALUES ($1,$2,$3,$4,$5)`, s.schema),
		id.String(), butler, triggerSource, prompt, nullable(requestID))
	if err != nil {
		return "", fault.Wrap(fault.CodeInternal, "insert session", err)
	}
	return id.String(), nil
}

// Finish closes the row. Rows already completed are left alone; session
// records are immutable once completed_at is set.
func (s *SessionStore) Finish(ctx context.Context, id string, success bool, duration time.Duration, errMsg, model string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s.sessions
		   SET completed_at = now(), success = $2, duration_ms = $3, error = $4, model = $5
		 WHERE id = $1 AND completed_at IS NULL`, s.schema),
		id, success, duration.Milliseconds(), nullable(errMsg), nullable(model))
	if err != nil {
		return fault.Wrap(fault.CodeInternal, "finish session", err)
	}
	return nil
}

// Recent lists sessions newest first.
func (s *SessionStore) Recent(ctx context.Context, limit int) ([]SessionRow, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, butler, trigger_source, prompt, started_at, completed_at,
		       success, COALESCE(duration_ms, 0), COALESCE(error, ''),
		       COALESCE(model, ''), COALESCE(request_id::text, '')
		  FROM %s.sessions ORDER BY started_at DESC LIMIT $1`, s.schema), limit)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "list sessions", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		var completed sql.NullTime
		var success sql.NullBool
		if err := rows.Scan(&r.ID, &r.Butler, &r.TriggerSource, &r.Prompt, &r.StartedAt,
			&completed, &success, &r.DurationMs, &r.Error, &r.Model, &r.RequestID); err != nil {
			return nil, fault.Wrap(fault.CodeInternal, "scan session", err)
		}
		if completed.Valid {
			v := completed.Time
			r.CompletedAt = &v
		}
		if success.Valid {
			v := success.Bool
			r.Success = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
