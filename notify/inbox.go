package notify

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/cadence/db"
	"github.com/teranos/cadence/errors"
)

// Notification is the persisted inbox copy of an event
type Notification struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	JobID     string    `json:"jobId,omitempty"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Type      Level     `json:"type"`
	IsRead    bool      `json:"isRead"`
	CreatedAt time.Time `json:"createdAt"`
}

// InboxFilter selects which notifications List returns
type InboxFilter string

const (
	FilterAll    InboxFilter = "all"
	FilterUnread InboxFilter = "unread"
)

// InboxPage is one page of notifications
type InboxPage struct {
	Items      []*Notification `json:"items"`
	Total      int             `json:"total"`
	Unread     int             `json:"unread"`
	Page       int             `json:"page"`
	Limit      int             `json:"limit"`
	TotalPages int             `json:"totalPages"`
}

// Inbox persists notifications per owner
type Inbox struct {
	db  *sql.DB
	now func() time.Time
}

// NewInbox creates an inbox over a migrated database
func NewInbox(db *sql.DB) *Inbox {
	return &Inbox{db: db, now: time.Now}
}

// Add stores the notification form of ev
func (in *Inbox) Add(ctx context.Context, ev Event) (*Notification, error) {
	n := &Notification{
		ID:        uuid.NewString(),
		OwnerID:   ev.OwnerID,
		JobID:     ev.JobID,
		Title:     ev.Title,
		Message:   ev.Message,
		Type:      ev.Level,
		CreatedAt: in.now().UTC(),
	}
	if n.Type == "" {
		n.Type = LevelInfo
	}

	_, err := in.db.ExecContext(ctx,
		`INSERT INTO notifications (id, owner_id, job_id, title, message, type, is_read, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		n.ID, n.OwnerID, n.JobID, n.Title, n.Message, n.Type, db.FormatTime(n.CreatedAt))
	if err != nil {
		err = errors.Wrap(err, "failed to store notification")
		return nil, errors.WithDetailf(err, "Job ID: %s", ev.JobID)
	}
	return n, nil
}

// List returns one page of the owner's notifications, newest first
func (in *Inbox) List(ctx context.Context, ownerID string, filter InboxFilter, page, limit int) (*InboxPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}

	where := `owner_id = ?`
	if filter == FilterUnread {
		where += ` AND is_read = 0`
	}

	out := &InboxPage{Page: page, Limit: limit, Items: []*Notification{}}
	if err := in.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN is_read = 0 THEN 1 ELSE 0 END), 0)
		 FROM notifications WHERE `+where, ownerID).Scan(&out.Total, &out.Unread); err != nil {
		return nil, errors.Wrap(err, "failed to count notifications")
	}
	out.TotalPages = (out.Total + limit - 1) / limit

	rows, err := in.db.QueryContext(ctx,
		`SELECT id, owner_id, job_id, title, message, type, is_read, created_at
		 FROM notifications WHERE `+where+` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		ownerID, limit, (page-1)*limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list notifications")
	}
	defer rows.Close()

	for rows.Next() {
		var n Notification
		var createdAt string
		if err := rows.Scan(&n.ID, &n.OwnerID, &n.JobID, &n.Title, &n.Message, &n.Type, &n.IsRead, &createdAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan notification")
		}
		if n.CreatedAt, err = db.ParseTime(createdAt); err != nil {
			return nil, err
		}
		out.Items = append(out.Items, &n)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate notifications")
}

// MarkRead flags one notification as read
func (in *Inbox) MarkRead(ctx context.Context, ownerID, id string) error {
	result, err := in.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1 WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return errors.Wrap(err, "failed to mark notification read")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("notification %s not found", id)
	}
	return nil
}

// MarkAllRead flags every unread notification of the owner and returns how many changed
func (in *Inbox) MarkAllRead(ctx context.Context, ownerID string) (int64, error) {
	result, err := in.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1 WHERE owner_id = ? AND is_read = 0`, ownerID)
	if err != nil {
		return 0, errors.Wrap(err, "failed to mark notifications read")
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// Delete removes one notification
func (in *Inbox) Delete(ctx context.Context, ownerID, id string) error {
	result, err := in.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return errors.Wrap(err, "failed to delete notification")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("notification %s not found", id)
	}
	return nil
}

// Clear removes every notification of the owner
func (in *Inbox) Clear(ctx context.Context, ownerID string) (int64, error) {
	result, err := in.db.ExecContext(ctx, `DELETE FROM notifications WHERE owner_id = ?`, ownerID)
	if err != nil {
		return 0, errors.Wrap(err, "failed to clear notifications")
	}
	n, _ := result.RowsAffected()
	return n, nil
}
