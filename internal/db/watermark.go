package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// The watermark marks the last successfully processed point in the listing
// stream. It advances only after a matching run completes without fatal
// error, which keeps failed windows replayable.
const watermarkKey = "match_watermark"

// GetWatermark returns the current watermark, or the zero time when no run
// has ever completed.
func (db *DB) GetWatermark(ctx context.Context) (time.Time, error) {
	var t time.Time
	err := db.pool.QueryRow(ctx,
		`SELECT value FROM pipeline_state WHERE name = $1`, watermarkKey,
	).Scan(&t)
	if err == pgx.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("query watermark: %w", err)
	}
	return t, nil
}

// SetWatermark persists a new watermark.
func (db *DB) SetWatermark(ctx context.Context, t time.Time) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO pipeline_state (name, value) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value`,
		watermarkKey, t,
	)
	if err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}
	return nil
}
