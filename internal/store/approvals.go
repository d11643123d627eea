package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/manorhq/manor/internal/fault"
)

// ApprovalStore owns switchboard.approvals and the standing rules that
// grant automatic approvals.
type ApprovalStore struct {
	db *sql.DB
}

func NewApprovalStore(s *Store) *ApprovalStore { return &ApprovalStore{db: s.DB} }

type Approval struct {
	Handle        string     `json:"handle"`
	Butler        string     `json:"butler"`
	ToolName      string     `json:"tool_name"`
	ArgsSummary   string     `json:"args_summary"`
	SensitiveArgs []string   `json:"sensitive_args"`
	State         string     `json:"state"`
	CreatedAt     time.Time  `json:"created_at"`
	DecidedAt     *time.Time `json:"decided_at,omitempty"`
	DecidedBy     string     `json:"decided_by,omitempty"`
}

type ApprovalRule struct {
	ID         int64     `json:"id"`
	ToolName   string    `json:"tool_name"`
	ArgPattern string    `json:"arg_pattern"`
	CreatedAt  time.Time `json:"created_at"`
}

// CreatePending mints a handle for a gated call.
func (s *ApprovalStore) CreatePending(ctx context.Context, butler, toolName, argsSummary string, sensitiveArgs []string) (string, error) {
	handle, err := uuid.NewV7()
	if err != nil {
		return "", fault.Wrap(fault.CodeInternal, "mint approval handle", err)
	}
	argsJSON, _ := json.Marshal(sensitiveArgs)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO switchboard.approvals (handle, butler, tool_name, args_summary, sensitive_args)
		VALUES ($1,$2,$3,$4,$5)`,
		handle.String(), butler, toolName, truncate(argsSummary, promptSummaryMax), argsJSON)
	if err != nil {
		return "", fault.Wrap(fault.CodeInternal, "insert approval", err)
	}
	return handle.String(), nil
}

// Get loads an approval by handle.
func (s *ApprovalStore) Get(ctx context.Context, handle string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT handle, butler, tool_name, args_summary, sensitive_args, state,
		       created_at, decided_at, COALESCE(decided_by, '')
		  FROM switchboard.approvals WHERE handle = $1`, handle)

	var a Approval
	var argsJSON []byte
	var decided sql.NullTime
	err := row.Scan(&a.Handle, &a.Butler, &a.ToolName, &a.ArgsSummary, &argsJSON,
		&a.State, &a.CreatedAt, &decided, &a.DecidedBy)
	if err == sql.ErrNoRows {
		return nil, fault.Newf(fault.CodeNotFound, "approval %s", handle)
	}
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "load approval", err)
	}
	_ = json.Unmarshal(argsJSON, &a.SensitiveArgs)
	if decided.Valid {
		v := decided.Time
		a.DecidedAt = &v
	}
	return &a, nil
}

// Decide resolves a pending approval. Only pending handles transition.
func (s *ApprovalStore) Decide(ctx context.Context, handle string, approved bool, decidedBy string) error {
	state := "denied"
	if approved {
		state = "approved"
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE switchboard.approvals
		   SET state = $2, decided_at = now(), decided_by = $3
		 WHERE handle = $1 AND state = 'pending'`,
		handle, state, decidedBy)
	if err != nil {
		return fault.Wrap(fault.CodeInternal, "decide approval", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.Newf(fault.CodeNotFound, "pending approval %s", handle)
	}
	return nil
}

// Consume spends an approved handle. A token authorizes exactly one call,
// so the row moves to 'consumed' and later attempts see a stale handle.
func (s *ApprovalStore) Consume(ctx context.Context, handle, butler, toolName string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE switchboard.approvals
		   SET state = 'consumed'
		 WHERE handle = $1 AND butler = $2 AND tool_name = $3 AND state = 'approved'`,
		handle, butler, toolName)
	if err != nil {
		return false, fault.Wrap(fault.CodeInternal, "consume approval", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Rules returns the standing auto-approval rules for a tool.
func (s *ApprovalStore) Rules(ctx context.Context, toolName string) ([]ApprovalRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tool_name, arg_pattern, created_at
		  FROM switchboard.approval_rules WHERE tool_name = $1`, toolName)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "list approval rules", err)
	}
	defer rows.Close()

	var out []ApprovalRule
	for rows.Next() {
		var r ApprovalRule
		if err := rows.Scan(&r.ID, &r.ToolName, &r.ArgPattern, &r.CreatedAt); err != nil {
			return nil, fault.Wrap(fault.CodeInternal, "scan approval rule", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AddRule creates a standing rule.
func (s *ApprovalStore) AddRule(ctx context.Context, toolName, argPattern string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO switchboard.approval_rules (tool_name, arg_pattern)
		VALUES ($1,$2) RETURNING id`, toolName, argPattern).Scan(&id)
	if err != nil {
		return 0, fault.Wrap(fault.CodeInternal, "add approval rule", err)
	}
	return id, nil
}
