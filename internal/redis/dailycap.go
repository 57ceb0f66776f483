package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DailyCap enforces notifications-per-day limits using per-day Redis
// counters. One counter per (scope, id, local day); counters expire on
// their own once the day has rolled over.
type DailyCap struct {
	client *Client
	logger *zap.Logger
}

// NewDailyCap creates a new daily cap service.
func NewDailyCap(client *Client, logger *zap.Logger) *DailyCap {
	return &DailyCap{client: client, logger: logger}
}

// Reserve consumes one slot under the key's limit. Returns false without
// consuming when the counter is already at the limit. INCR-then-check keeps
// the reservation atomic under concurrent callers; an over-increment is
// rolled back with DECR.
func (d *DailyCap) Reserve(ctx context.Context, key string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}

	count, err := d.client.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis incr failed: %w", err)
	}

	if count == 1 {
		// Counter outlives its day by a few hours, then expires on its
		// own.
		if err := d.client.rdb.Expire(ctx, key, 30*time.Hour).Err(); err != nil {
			return false, fmt.Errorf("redis expire failed: %w", err)
		}
	}

	if int(count) > limit {
		if err := d.client.rdb.Decr(ctx, key).Err(); err != nil {
			d.logger.Warn("daily cap rollback failed", zap.String("key", key), zap.Error(err))
		}
		d.logger.Info("daily cap reached",
			zap.String("key", key),
			zap.Int("limit", limit),
		)
		return false, nil
	}

	return true, nil
}

// Release returns a previously reserved slot, used when a reservation was
// made but the notification was not created after all.
func (d *DailyCap) Release(ctx context.Context, key string) error {
	if err := d.client.rdb.Decr(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis decr failed: %w", err)
	}
	return nil
}
