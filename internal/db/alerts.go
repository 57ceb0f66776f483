package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// AlertRepository handles database operations for user alerts. Criteria are
// stored as a jsonb column so new filter fields do not need migrations.
type AlertRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAlertRepository creates a new alert repository
func NewAlertRepository(db *DB, logger *zap.Logger) *AlertRepository {
	return &AlertRepository{db: db, logger: logger}
}

// Create inserts a new alert
func (r *AlertRepository) Create(ctx context.Context, a *Alert) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	criteria, err := json.Marshal(a.Criteria)
	if err != nil {
		return fmt.Errorf("marshal criteria: %w", err)
	}

	err = r.db.Pool().QueryRow(ctx, `
		INSERT INTO alerts (id, user_id, name, criteria, is_active, max_notifications_per_day)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		a.ID, a.UserID, a.Name, criteria, a.IsActive, a.MaxNotificationsPerDay,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}

	r.logger.Info("alert created",
		zap.String("alert_id", a.ID.String()),
		zap.String("user_id", a.UserID.String()),
	)
	return nil
}

// Get retrieves an alert by ID
func (r *AlertRepository) Get(ctx context.Context, id uuid.UUID) (*Alert, error) {
	row := r.db.Pool().QueryRow(ctx, `
		SELECT id, user_id, name, criteria, is_active, max_notifications_per_day, created_at, updated_at
		FROM alerts WHERE id = $1`, id)

	a, err := scanAlert(row)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query alert: %w", err)
	}
	return a, nil
}

// Update replaces an alert's mutable fields
func (r *AlertRepository) Update(ctx context.Context, a *Alert) error {
	criteria, err := json.Marshal(a.Criteria)
	if err != nil {
		return fmt.Errorf("marshal criteria: %w", err)
	}

	result, err := r.db.Pool().Exec(ctx, `
		UPDATE alerts
		SET name = $2, criteria = $3, is_active = $4,
		    max_notifications_per_day = $5, updated_at = NOW()
		WHERE id = $1`,
		a.ID, a.Name, criteria, a.IsActive, a.MaxNotificationsPerDay,
	)
	if err != nil {
		return fmt.Errorf("update alert: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("alert %s: %w", a.ID, ErrNotFound)
	}
	return nil
}

// Delete removes an alert. Existing notifications keep their alert_id via
// ON DELETE SET NULL so delivery history survives.
func (r *AlertRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM alerts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete alert: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListActive returns all active alerts across users, read once per
// matching run.
func (r *AlertRepository) ListActive(ctx context.Context) ([]*Alert, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, user_id, name, criteria, is_active, max_notifications_per_day, created_at, updated_at
		FROM alerts
		WHERE is_active = TRUE
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query active alerts: %w", err)
	}
	defer rows.Close()

	return collectAlerts(rows)
}

// ListByUser returns a user's alerts, newest first.
func (r *AlertRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*Alert, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, user_id, name, criteria, is_active, max_notifications_per_day, created_at, updated_at
		FROM alerts
		WHERE user_id = $1
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query user alerts: %w", err)
	}
	defer rows.Close()

	return collectAlerts(rows)
}

func scanAlert(row pgx.Row) (*Alert, error) {
	var a Alert
	var criteria []byte
	err := row.Scan(&a.ID, &a.UserID, &a.Name, &criteria, &a.IsActive,
		&a.MaxNotificationsPerDay, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(criteria, &a.Criteria); err != nil {
		return nil, fmt.Errorf("unmarshal criteria for alert %s: %w", a.ID, err)
	}
	return &a, nil
}

func collectAlerts(rows pgx.Rows) ([]*Alert, error) {
	var alerts []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return alerts, nil
}
