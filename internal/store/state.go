package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/manorhq/manor/internal/fault"
)

// StateStore is the JSON-valued KV behind a butler's state.* tools.
// Each butler gets one, scoped to its own schema.
type StateStore struct {
	db     *sql.DB
	schema string
}

func NewStateStore(s *Store, schema string) (*StateStore, error) {
	if err := safeIdent(schema); err != nil {
		return nil, err
	}
	return &StateStore{db: s.DB, schema: schema}, nil
}

type StateEntry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Get returns the stored value or not_found.
func (s *StateStore) Get(ctx context.Context, key string) (json.RawMessage, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT value FROM %s.state WHERE key = $1`, s.schema), key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, fault.Newf(fault.CodeNotFound, "state key %q", key)
	}
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "state get", err)
	}
	return value, nil
}

// Set is a write-through UPSERT.
func (s *StateStore) Set(ctx context.Context, key string, value json.RawMessage) error {
	if !json.Valid(value) {
		return fault.Newf(fault.CodeToolError, "state value for %q is not valid JSON", key)
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s.state (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`, s.schema),
		key, []byte(value))
	if err != nil {
		return fault.Wrap(fault.CodeInternal, "state set", err)
	}
	return nil
}

// Delete is idempotent; deleting a missing key succeeds.
func (s *StateStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s.state WHERE key = $1`, s.schema), key)
	if err != nil {
		return fault.Wrap(fault.CodeInternal, "state delete", err)
	}
	return nil
}

// Vacuum drops keys whose value is JSON null. Sessions use null as a
// soft delete; a scheduled job sweeps them out.
func (s *StateStore) Vacuum(ctx context.Context) (string, error) {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s.state WHERE value = 'null'::jsonb`, s.schema))
	if err != nil {
		return "", fault.Wrap(fault.CodeInternal, "state vacuum", err)
	}
	n, _ := res.RowsAffected()
	return fmt.Sprintf("removed %d null keys", n), nil
}

// List returns entries under a prefix, all of them when prefix is empty.
func (s *StateStore) List(ctx context.Context, prefix string) ([]StateEntry, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT key, value, updated_at FROM %s.state
		 WHERE key LIKE $1 || '%%' ORDER BY key`, s.schema), prefix)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "state list", err)
	}
	defer rows.Close()

	var out []StateEntry
	for rows.Next() {
		var e StateEntry
		var value []byte
		if err := rows.Scan(&e.Key, &value, &e.UpdatedAt); err != nil {
			return nil, fault.Wrap(fault.CodeInternal, "scan state row", err)
		}
		e.Value = value
		out = append(out, e)
	}
	return out, rows.Err()
}
