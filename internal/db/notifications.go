package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// NotificationRepository handles database operations for notifications.
type NotificationRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewNotificationRepository creates a new notification repository
func NewNotificationRepository(db *DB, logger *zap.Logger) *NotificationRepository {
	return &NotificationRepository{db: db, logger: logger}
}

const notificationColumns = `
	id, user_id, alert_id, listing_id, type, status, title, message,
	content, listing_price, created_at, sent_at, delivered_at, read_at
`

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	err := row.Scan(
		&n.ID, &n.UserID, &n.AlertID, &n.ListingID, &n.Type, &n.Status,
		&n.Title, &n.Message, &n.Content, &n.ListingPrice,
		&n.CreatedAt, &n.SentAt, &n.DeliveredAt, &n.ReadAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// Create inserts a new notification
func (r *NotificationRepository) Create(ctx context.Context, n *Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	err := r.db.Pool().QueryRow(ctx, `
		INSERT INTO notifications (
			id, user_id, alert_id, listing_id, type, status,
			title, message, content, listing_price
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at`,
		n.ID, n.UserID, n.AlertID, n.ListingID, n.Type, n.Status,
		n.Title, n.Message, n.Content, n.ListingPrice,
	).Scan(&n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}

	r.logger.Info("notification created",
		zap.String("notification_id", n.ID.String()),
		zap.String("user_id", n.UserID.String()),
		zap.String("type", n.Type),
	)
	return nil
}

// Get retrieves a notification by ID
func (r *NotificationRepository) Get(ctx context.Context, id uuid.UUID) (*Notification, error) {
	row := r.db.Pool().QueryRow(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id)
	n, err := scanNotification(row)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}
	return n, nil
}

// MarkSent transitions a notification to sent and stamps sent_at.
func (r *NotificationRepository) MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.setStatus(ctx, id,
		`UPDATE notifications SET status = $2, sent_at = $3 WHERE id = $1`,
		NotificationSent, at)
}

// MarkFailed transitions a notification to its terminal failed state.
func (r *NotificationRepository) MarkFailed(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE notifications SET status = $2 WHERE id = $1`, id, NotificationFailed)
	if err != nil {
		return fmt.Errorf("update notification status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkRead stamps read_at; driven by the client acking a view.
func (r *NotificationRepository) MarkRead(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.setStatus(ctx, id,
		`UPDATE notifications SET status = $2, read_at = $3, delivered_at = COALESCE(delivered_at, $3) WHERE id = $1`,
		NotificationDelivered, at)
}

func (r *NotificationRepository) setStatus(ctx context.Context, id uuid.UUID, query, status string, at time.Time) error {
	result, err := r.db.Pool().Exec(ctx, query, id, status, at)
	if err != nil {
		return fmt.Errorf("update notification status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return nil
}

// Delete removes a notification. User-initiated only; the pipeline never
// hard-deletes.
func (r *NotificationRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM notifications WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListByUser returns a user's notifications with pagination, newest first.
// Failed rows are excluded; a failed delivery is invisible to the user.
func (r *NotificationRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Notification, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE user_id = $1 AND status != $2
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`,
		userID, NotificationFailed, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return notifications, nil
}

// LatestForPair returns the most recent non-failed notification for an
// (alert, listing) pair, or ErrNotFound if the pair was never notified.
// The dedup step uses the stored listing_price to detect price drops.
func (r *NotificationRepository) LatestForPair(ctx context.Context, alertID, listingID uuid.UUID) (*Notification, error) {
	row := r.db.Pool().QueryRow(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE alert_id = $1 AND listing_id = $2 AND status != $3
		ORDER BY created_at DESC
		LIMIT 1`,
		alertID, listingID, NotificationFailed,
	)
	n, err := scanNotification(row)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query pair notification: %w", err)
	}
	return n, nil
}

// CountSince counts non-failed notifications created for a user since the
// cutoff. Fallback cap check when the limiter is unavailable.
func (r *NotificationRepository) CountSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	var count int
	err := r.db.Pool().QueryRow(ctx, `
		SELECT COUNT(*) FROM notifications
		WHERE user_id = $1 AND status != $2 AND created_at >= $3`,
		userID, NotificationFailed, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count notifications: %w", err)
	}
	return count, nil
}
