package repository

import (
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/tenantshift/tenantshift-api/internal/models"
)

// ErrNotificationNotFound is returned when a notification id does not exist.
var ErrNotificationNotFound = errors.New("notification not found")

type NotificationRepository interface {
	Create(n *models.Notification) error
	List(limit, offset int, unreadOnly bool) ([]models.Notification, error)
	MarkRead(id string) error
	MarkAllRead() (int64, error)
}

type notificationRepository struct {
	db *sql.DB
}

func NewNotificationRepository(db *sql.DB) NotificationRepository {
	return &notificationRepository{db: db}
}

func (r *notificationRepository) Create(n *models.Notification) error {
	meta := []byte("{}")
	if len(n.Metadata) > 0 {
		meta = n.Metadata
	}

	const query = `
		INSERT INTO tenant.notifications (job_id, event_type, severity, title, message, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`
	err := r.db.QueryRow(query, n.JobID, n.EventType, n.Severity, n.Title, n.Message, meta).
		Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "failed to create notification")
	}
	return nil
}

func (r *notificationRepository) List(limit, offset int, unreadOnly bool) ([]models.Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `
		SELECT id, job_id, event_type, severity, title, message, metadata, created_at, read_at
		FROM tenant.notifications`
	if unreadOnly {
		query += `
		WHERE read_at IS NULL`
	}
	query += `
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := r.db.Query(query, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list notifications")
	}
	defer rows.Close()

	var notifications []models.Notification
	for rows.Next() {
		var (
			n    models.Notification
			meta []byte
		)
		if err := rows.Scan(&n.ID, &n.JobID, &n.EventType, &n.Severity, &n.Title, &n.Message, &meta, &n.CreatedAt, &n.ReadAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan notification")
		}
		n.Metadata = json.RawMessage(meta)
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

func (r *notificationRepository) MarkRead(id string) error {
	const query = `
		UPDATE tenant.notifications
		SET read_at = now()
		WHERE id = $1 AND read_at IS NULL`
	result, err := r.db.Exec(query, id)
	if err != nil {
		return errors.Wrap(err, "failed to mark notification read")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

func (r *notificationRepository) MarkAllRead() (int64, error) {
	result, err := r.db.Exec(`UPDATE tenant.notifications SET read_at = now() WHERE read_at IS NULL`)
	if err != nil {
		return 0, errors.Wrap(err, "failed to mark notifications read")
	}
	return result.RowsAffected()
}
