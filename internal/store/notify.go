package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/manorhq/manor/internal/fault"
)

// NotificationStore owns switchboard.notifications.
type NotificationStore struct {
	db *sql.DB
}

func NewNotificationStore(s *Store) *NotificationStore { return &NotificationStore{db: s.DB} }

type Notification struct {
	ID           int64      `json:"id"`
	Channel      string     `json:"channel"`
	Recipient    string     `json:"recipient"`
	Message      string     `json:"message"`
	Intent       string     `json:"intent"`
	SourceButler string     `json:"source_butler"`
	RequestID    string     `json:"request_id,omitempty"`
	Status       string     `json:"status"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
}

// Insert appends a pending notification and returns its id.
func (s *NotificationStore) Insert(ctx context.Context, n *Notification) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO switchboard.notifications (channel, recipient, message, intent, source_butler, request_id)
		VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		n.Channel, n.Recipient, n.Message, n.Intent, n.SourceButler, nullable(n.RequestID),
	).Scan(&id)
	if err != nil {
		return 0, fault.Wrap(fault.CodeInternal, "insert notification", err)
	}
	return id, nil
}

// MarkSent records successful delivery.
func (s *NotificationStore) MarkSent(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE switchboard.notifications
		   SET status = 'sent', delivered_at = now(), error = NULL
		 WHERE id = $1`, id)
	if err != nil {
		return fault.Wrap(fault.CodeInternal, "mark notification sent", err)
	}
	return nil
}

// MarkFailed records terminal delivery failure.
func (s *NotificationStore) MarkFailed(ctx context.Context, id int64, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE switchboard.notifications
		   SET status = 'failed', error = $2
		 WHERE id = $1`, id, reason)
	if err != nil {
		return fault.Wrap(fault.CodeInternal, "mark notification failed", err)
	}
	return nil
}

// Recent lists notifications newest first.
func (s *NotificationStore) Recent(ctx context.Context, limit int) ([]Notification, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel, recipient, message, intent, source_butler,
		       COALESCE(request_id::text, ''), status, COALESCE(error, ''),
		       created_at, delivered_at
		  FROM switchboard.notifications ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "list notifications", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		var delivered sql.NullTime
		if err := rows.Scan(&n.ID, &n.Channel, &n.Recipient, &n.Message, &n.Intent,
			&n.SourceButler, &n.RequestID, &n.Status, &n.Error, &n.CreatedAt, &delivered); err != nil {
			return nil, fault.Wrap(fault.CodeInternal, "scan notification", err)
		}
		if delivered.Valid {
			v := delivered.Time
			n.DeliveredAt = &v
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
