package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// PreferencesRepository handles per-user notification preferences.
type PreferencesRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewPreferencesRepository creates a new preferences repository
func NewPreferencesRepository(db *DB, logger *zap.Logger) *PreferencesRepository {
	return &PreferencesRepository{db: db, logger: logger}
}

// Get returns the user's stored preferences, or the defaults when the user
// has never saved any.
func (r *PreferencesRepository) Get(ctx context.Context, userID uuid.UUID) (*Preferences, error) {
	var p Preferences
	err := r.db.Pool().QueryRow(ctx, `
		SELECT user_id, enabled, email_enabled, email_address, push_enabled,
		       push_target, max_per_day, max_per_alert_per_day,
		       quiet_hours_start, quiet_hours_end, timezone, updated_at
		FROM notification_preferences
		WHERE user_id = $1`, userID,
	).Scan(
		&p.UserID, &p.Enabled, &p.EmailEnabled, &p.EmailAddress,
		&p.PushEnabled, &p.PushTarget, &p.MaxPerDay, &p.MaxPerAlertPerDay,
		&p.QuietHoursStart, &p.QuietHoursEnd, &p.Timezone, &p.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return DefaultPreferences(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("query preferences: %w", err)
	}
	return &p, nil
}

// Upsert saves the user's preferences, creating the row on first save.
func (r *PreferencesRepository) Upsert(ctx context.Context, p *Preferences) error {
	err := r.db.Pool().QueryRow(ctx, `
		INSERT INTO notification_preferences (
			user_id, enabled, email_enabled, email_address, push_enabled,
			push_target, max_per_day, max_per_alert_per_day,
			quiet_hours_start, quiet_hours_end, timezone
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			email_enabled = EXCLUDED.email_enabled,
			email_address = EXCLUDED.email_address,
			push_enabled = EXCLUDED.push_enabled,
			push_target = EXCLUDED.push_target,
			max_per_day = EXCLUDED.max_per_day,
			max_per_alert_per_day = EXCLUDED.max_per_alert_per_day,
			quiet_hours_start = EXCLUDED.quiet_hours_start,
			quiet_hours_end = EXCLUDED.quiet_hours_end,
			timezone = EXCLUDED.timezone,
			updated_at = NOW()
		RETURNING updated_at`,
		p.UserID, p.Enabled, p.EmailEnabled, p.EmailAddress, p.PushEnabled,
		p.PushTarget, p.MaxPerDay, p.MaxPerAlertPerDay,
		p.QuietHoursStart, p.QuietHoursEnd, p.Timezone,
	).Scan(&p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert preferences: %w", err)
	}

	r.logger.Info("preferences updated", zap.String("user_id", p.UserID.String()))
	return nil
}
