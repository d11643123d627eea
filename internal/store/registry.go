package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/manorhq/manor/internal/fault"
)

// ButlerRegistryStore owns switchboard.butler_registry.
type ButlerRegistryStore struct {
	db *sql.DB
}

func NewButlerRegistryStore(s *Store) *ButlerRegistryStore { return &ButlerRegistryStore{db: s.DB} }

type ButlerRow struct {
	Name         string    `json:"name"`
	EndpointURL  string    `json:"endpoint_url"`
	Description  string    `json:"description"`
	Modules      []string  `json:"modules"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Upsert registers or refreshes a butler's static facts. last_seen_at is
// deliberately untouched; only successful traffic bumps it.
func (s *ButlerRegistryStore) Upsert(ctx context.Context, name, endpointURL, description string, modules []string) error {
	modJSON, _ := json.Marshal(modules)
	if modules == nil {
		modJSON = []byte("[]")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO switchboard.butler_registry (name, endpoint_url, description, modules)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE
		   SET endpoint_url = EXCLUDED.endpoint_url,
		       description  = EXCLUDED.description,
		       modules      = EXCLUDED.modules`,
		name, endpointURL, description, modJSON)
	if err != nil {
		return fault.Wrap(fault.CodeInternal, "upsert butler", err)
	}
	return nil
}

// Touch bumps last_seen_at after a successful route.
func (s *ButlerRegistryStore) Touch(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE switchboard.butler_registry SET last_seen_at = now() WHERE name = $1`, name)
	if err != nil {
		return fault.Wrap(fault.CodeInternal, "touch butler", err)
	}
	return nil
}

// Get loads one butler.
func (s *ButlerRegistryStore) Get(ctx context.Context, name string) (*ButlerRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, endpoint_url, description, modules,
		       COALESCE(last_seen_at, 'epoch'::timestamptz), registered_at
		  FROM switchboard.butler_registry WHERE name = $1`, name)
	b, err := scanButler(row)
	if err == sql.ErrNoRows {
		return nil, fault.Newf(fault.CodeNotFound, "butler %q not registered", name)
	}
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "load butler", err)
	}
	return b, nil
}

// List returns all registered butlers, vanished ones included.
func (s *ButlerRegistryStore) List(ctx context.Context) ([]ButlerRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, endpoint_url, description, modules,
		       COALESCE(last_seen_at, 'epoch'::timestamptz), registered_at
		  FROM switchboard.butler_registry ORDER BY name`)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "list butlers", err)
	}
	defer rows.Close()

	var out []ButlerRow
	for rows.Next() {
		b, err := scanButler(rows)
		if err != nil {
			return nil, fault.Wrap(fault.CodeInternal, "scan butler", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

type rowScanner interface{ Scan(dest ...interface{}) error }

func scanButler(r rowScanner) (*ButlerRow, error) {
	var b ButlerRow
	var modJSON []byte
	if err := r.Scan(&b.Name, &b.EndpointURL, &b.Description, &modJSON, &b.LastSeenAt, &b.RegisteredAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal(modJSON, &b.Modules)
	return &b, nil
}

// ConnectorRegistryStore owns switchboard.connector_registry and its
// eligibility audit trail.
type ConnectorRegistryStore struct {
	db *sql.DB
}

func NewConnectorRegistryStore(s *Store) *ConnectorRegistryStore {
	return &ConnectorRegistryStore{db: s.DB}
}

type ConnectorRow struct {
	ID               int64            `json:"id"`
	ConnectorType    string           `json:"connector_type"`
	EndpointIdentity string           `json:"endpoint_identity"`
	InstanceID       string           `json:"instance_id"`
	Version          string           `json:"version"`
	Liveness         string           `json:"liveness"`
	Eligibility      string           `json:"eligibility"`
	LastHeartbeatAt  time.Time        `json:"last_heartbeat_at"`
	FirstSeenAt      time.Time        `json:"first_seen_at"`
	Cursor           string           `json:"cursor"`
	Counters         map[string]int64 `json:"counters"`
	LastCounters     map[string]int64 `json:"last_counters"`
	LastStatus       string           `json:"last_status"`
	LastError        string           `json:"last_error"`
}

type EligibilityAudit struct {
	ConnectorType    string    `json:"connector_type"`
	EndpointIdentity string    `json:"endpoint_identity"`
	PrevState        string    `json:"prev_state"`
	NewState         string    `json:"new_state"`
	Reason           string    `json:"reason"`
	CreatedAt        time.Time `json:"created_at"`
}

// Get returns the row or nil when the connector has never been seen.
func (s *ConnectorRegistryStore) Get(ctx context.Context, connectorType, endpointIdentity string) (*ConnectorRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, connector_type, endpoint_identity, instance_id, version,
		       liveness, eligibility, COALESCE(last_heartbeat_at, 'epoch'::timestamptz),
		       first_seen_at, COALESCE(cursor, ''), counters, last_counters,
		       last_status, COALESCE(last_error, '')
		  FROM switchboard.connector_registry
		 WHERE connector_type = $1 AND endpoint_identity = $2`,
		connectorType, endpointIdentity)
	c, err := scanConnector(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "load connector", err)
	}
	return c, nil
}

// Insert self-registers a connector on its first heartbeat.
func (s *ConnectorRegistryStore) Insert(ctx context.Context, c *ConnectorRow) error {
	countersJSON, _ := json.Marshal(orEmpty(c.Counters))
	lastJSON, _ := json.Marshal(orEmpty(c.LastCounters))
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO switchboard.connector_registry
			(connector_type, endpoint_identity, instance_id, version, liveness,
			 eligibility, last_heartbeat_at, cursor, counters, last_counters,
			 last_status, last_error)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		c.ConnectorType, c.EndpointIdentity, c.InstanceID, c.Version, c.Liveness,
		c.Eligibility, c.LastHeartbeatAt, nullable(c.Cursor), countersJSON, lastJSON,
		c.LastStatus, nullable(c.LastError))
	if err != nil {
		return fault.Wrap(fault.CodeInternal, "insert connector", err)
	}
	return nil
}

// UpdateHeartbeat persists the state a fresh heartbeat produced.
func (s *ConnectorRegistryStore) UpdateHeartbeat(ctx context.Context, c *ConnectorRow) error {
	countersJSON, _ := json.Marshal(orEmpty(c.Counters))
	lastJSON, _ := json.Marshal(orEmpty(c.LastCounters))
	_, err := s.db.ExecContext(ctx, `
		UPDATE switchboard.connector_registry
		   SET instance_id = $3, version = $4, liveness = $5,
		       last_heartbeat_at = $6, cursor = $7, counters = $8,
		       last_counters = $9, last_status = $10, last_error = $11
		 WHERE connector_type = $1 AND endpoint_identity = $2`,
		c.ConnectorType, c.EndpointIdentity, c.InstanceID, c.Version, c.Liveness,
		c.LastHeartbeatAt, nullable(c.Cursor), countersJSON, lastJSON,
		c.LastStatus, nullable(c.LastError))
	if err != nil {
		return fault.Wrap(fault.CodeInternal, "update connector heartbeat", err)
	}
	return nil
}

// SetEligibility flips the eligibility state and appends the audit row in
// one transaction; an unaudited transition must be impossible.
func (s *ConnectorRegistryStore) SetEligibility(ctx context.Context, connectorType, endpointIdentity, prev, next, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.Wrap(fault.CodeInternal, "begin eligibility", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE switchboard.connector_registry
		   SET eligibility = $3
		 WHERE connector_type = $1 AND endpoint_identity = $2 AND eligibility = $4`,
		connectorType, endpointIdentity, next, prev)
	if err != nil {
		return fault.Wrap(fault.CodeInternal, "set eligibility", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.Newf(fault.CodeNotFound, "connector %s/%s not in state %s", connectorType, endpointIdentity, prev)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO switchboard.connector_eligibility_audit
			(connector_type, endpoint_identity, prev_state, new_state, reason)
		VALUES ($1,$2,$3,$4,$5)`,
		connectorType, endpointIdentity, prev, next, reason); err != nil {
		return fault.Wrap(fault.CodeInternal, "append eligibility audit", err)
	}

	if err := tx.Commit(); err != nil {
		return fault.Wrap(fault.CodeInternal, "commit eligibility", err)
	}
	return nil
}

// List returns every registered connector.
func (s *ConnectorRegistryStore) List(ctx context.Context) ([]ConnectorRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, connector_type, endpoint_identity, instance_id, version,
		       liveness, eligibility, COALESCE(last_heartbeat_at, 'epoch'::timestamptz),
		       first_seen_at, COALESCE(cursor, ''), counters, last_counters,
		       last_status, COALESCE(last_error, '')
		  FROM switchboard.connector_registry
		 ORDER BY connector_type, endpoint_identity`)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "list connectors", err)
	}
	defer rows.Close()

	var out []ConnectorRow
	for rows.Next() {
		c, err := scanConnector(rows)
		if err != nil {
			return nil, fault.Wrap(fault.CodeInternal, "scan connector", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// RecentAudit returns the latest eligibility transitions.
func (s *ConnectorRegistryStore) RecentAudit(ctx context.Context, limit int) ([]EligibilityAudit, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT connector_type, endpoint_identity, prev_state, new_state, reason, created_at
		  FROM switchboard.connector_eligibility_audit
		 ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "list eligibility audit", err)
	}
	defer rows.Close()

	var out []EligibilityAudit
	for rows.Next() {
		var a EligibilityAudit
		if err := rows.Scan(&a.ConnectorType, &a.EndpointIdentity, &a.PrevState, &a.NewState, &a.Reason, &a.CreatedAt); err != nil {
			return nil, fault.Wrap(fault.CodeInternal, "scan audit row", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanConnector(r rowScanner) (*ConnectorRow, error) {
	var c ConnectorRow
	var countersJSON, lastJSON []byte
	if err := r.Scan(&c.ID, &c.ConnectorType, &c.EndpointIdentity, &c.InstanceID, &c.Version,
		&c.Liveness, &c.Eligibility, &c.LastHeartbeatAt, &c.FirstSeenAt, &c.Cursor,
		&countersJSON, &lastJSON, &c.LastStatus, &c.LastError); err != nil {
		return nil, err
	}
	_ = json.Unmarshal(countersJSON, &c.Counters)
	_ = json.Unmarshal(lastJSON, &c.LastCounters)
	return &c, nil
}

func orEmpty(m map[string]int64) map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return m
}
