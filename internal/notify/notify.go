// Package notify fans out role-targeted notifications. Delivery belongs to
// an external service that drains the outbox.
package notify

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"changegate/internal/domain"
)

// Message is one notification addressed to every role in Roles.
type Message struct {
	Roles      []string
	EventType  string
	EntityKind string
	EntityID   string
	Title      string
	Body       string
}

// Notifier records notifications as part of the caller's transaction.
type Notifier interface {
	Notify(ctx context.Context, tx *sql.Tx, msg Message) error
}

// Outbox stores one notifications row per role.
type Outbox struct {
	DB     *sql.DB
	Now    func() time.Time
	Logger *slog.Logger
}

func (o Outbox) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o Outbox) Notify(ctx context.Context, tx *sql.Tx, msg Message) error {
	ts := o.now().UTC().Format(time.RFC3339)
	seen := map[string]bool{}
	for _, role := range msg.Roles {
		if role == "" || seen[role] {
			continue
		}
		seen[role] = true
		if _, err := tx.ExecContext(ctx, `INSERT INTO notifications(created_at,role,event_type,entity_kind,entity_id,title,body) VALUES (?,?,?,?,?,?,?)`,
			ts, role, msg.EventType, msg.EntityKind, msg.EntityID, msg.Title, nullable(msg.Body)); err != nil {
			return fmt.Errorf("insert notification: %w", err)
		}
	}
	if o.Logger != nil {
		o.Logger.Debug("notification queued", "event_type", msg.EventType, "entity_id", msg.EntityID, "roles", msg.Roles)
	}
	return nil
}

// Pending returns undelivered notifications for role, oldest first.
func (o Outbox) Pending(ctx context.Context, role string, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := o.DB.QueryContext(ctx, `SELECT id,created_at,role,event_type,entity_kind,entity_id,title,COALESCE(body,'') FROM notifications WHERE role=? AND delivered_at IS NULL ORDER BY id ASC LIMIT ?`, role, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Notification{}
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.ID, &n.CreatedAt, &n.Role, &n.EventType, &n.EntityKind, &n.EntityID, &n.Title, &n.Body); err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

// MarkDelivered stamps the given notifications as delivered.
func (o Outbox) MarkDelivered(ctx context.Context, ids ...int64) error {
	ts := o.now().UTC().Format(time.RFC3339)
	for _, id := range ids {
		if _, err := o.DB.ExecContext(ctx, `UPDATE notifications SET delivered_at=? WHERE id=? AND delivered_at IS NULL`, ts, id); err != nil {
			return err
		}
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
