package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// QueueRepository handles the durable delivery queue. Ordering is strictly
// priority-descending with FIFO inside a priority tier; entries become
// visible when scheduled_for has passed.
type QueueRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewQueueRepository creates a new queue repository
func NewQueueRepository(db *DB, logger *zap.Logger) *QueueRepository {
	return &QueueRepository{db: db, logger: logger}
}

const entryColumns = `
	id, notification_id, priority, status, retry_count, last_error,
	scheduled_for, claimed_at, created_at
`

func scanEntry(row pgx.Row) (*QueueEntry, error) {
	var e QueueEntry
	err := row.Scan(
		&e.ID, &e.NotificationID, &e.Priority, &e.Status, &e.RetryCount,
		&e.LastError, &e.ScheduledFor, &e.ClaimedAt, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Enqueue adds a notification to the delivery queue.
func (r *QueueRepository) Enqueue(ctx context.Context, notificationID uuid.UUID, priority int, scheduledFor time.Time) (*QueueEntry, error) {
	row := r.db.Pool().QueryRow(ctx, `
		INSERT INTO notification_queue (notification_id, priority, status, scheduled_for)
		VALUES ($1, $2, $3, $4)
		RETURNING `+entryColumns,
		notificationID, priority, EntryQueued, scheduledFor,
	)
	e, err := scanEntry(row)
	if err != nil {
		return nil, fmt.Errorf("enqueue notification: %w", err)
	}

	r.logger.Debug("notification enqueued",
		zap.String("notification_id", notificationID.String()),
		zap.Int("priority", priority),
	)
	return e, nil
}

// ClaimBatch atomically claims up to limit ready entries for one worker.
// FOR UPDATE SKIP LOCKED makes the queued->processing transition safe under
// concurrent delivery workers: an entry is claimed by at most one of them.
func (r *QueueRepository) ClaimBatch(ctx context.Context, limit int) ([]*QueueEntry, error) {
	rows, err := r.db.Pool().Query(ctx, `
		UPDATE notification_queue
		SET status = $1, claimed_at = NOW()
		WHERE id IN (
			SELECT id FROM notification_queue
			WHERE status = $2 AND scheduled_for <= NOW()
			ORDER BY priority DESC, created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+entryColumns,
		EntryProcessing, EntryQueued, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim queue batch: %w", err)
	}
	defer rows.Close()

	var entries []*QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return entries, nil
}

// MarkSent finishes an entry successfully.
func (r *QueueRepository) MarkSent(ctx context.Context, id int64) error {
	return r.setStatus(ctx, id, EntrySent)
}

// MarkFailed moves an entry to its terminal failed state, recording the
// last error and the total attempts made. The entry is never dequeued
// again.
func (r *QueueRepository) MarkFailed(ctx context.Context, id int64, retryCount int, lastError string) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE notification_queue
		SET status = $2, retry_count = $3, last_error = $4, claimed_at = NULL
		WHERE id = $1`,
		id, EntryFailed, retryCount, lastError,
	)
	if err != nil {
		return fmt.Errorf("update queue entry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("queue entry %d: %w", id, ErrNotFound)
	}
	return nil
}

func (r *QueueRepository) setStatus(ctx context.Context, id int64, status string) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE notification_queue
		SET status = $2, claimed_at = NULL
		WHERE id = $1`,
		id, status,
	)
	if err != nil {
		return fmt.Errorf("update queue entry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("queue entry %d: %w", id, ErrNotFound)
	}
	return nil
}

// Requeue puts a claimed entry back in the queue for a later attempt,
// bumping retry_count and recording the failure.
func (r *QueueRepository) Requeue(ctx context.Context, id int64, retryCount int, lastError string, scheduledFor time.Time) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE notification_queue
		SET status = $2, retry_count = $3, last_error = $4,
		    scheduled_for = $5, claimed_at = NULL
		WHERE id = $1`,
		id, EntryQueued, retryCount, lastError, scheduledFor,
	)
	if err != nil {
		return fmt.Errorf("requeue entry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("queue entry %d: %w", id, ErrNotFound)
	}
	return nil
}

// Defer reschedules a claimed entry without counting a retry (quiet hours,
// daily cap reached at send time).
func (r *QueueRepository) Defer(ctx context.Context, id int64, until time.Time) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE notification_queue
		SET status = $2, scheduled_for = $3, claimed_at = NULL
		WHERE id = $1`,
		id, EntryQueued, until,
	)
	if err != nil {
		return fmt.Errorf("defer entry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("queue entry %d: %w", id, ErrNotFound)
	}
	return nil
}

// ReclaimStale releases entries stuck in processing longer than the
// threshold back to queued, so a crashed worker's claims are not lost.
func (r *QueueRepository) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE notification_queue
		SET status = $1, claimed_at = NULL
		WHERE status = $2 AND claimed_at < NOW() - $3::interval`,
		EntryQueued, EntryProcessing, fmt.Sprintf("%d seconds", int(olderThan.Seconds())),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale entries: %w", err)
	}

	n := int(result.RowsAffected())
	if n > 0 {
		r.logger.Warn("reclaimed stale queue entries", zap.Int("count", n))
	}
	return n, nil
}

// Depth returns the number of entries waiting in the queue by status.
func (r *QueueRepository) Depth(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT status, COUNT(*) FROM notification_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query queue depth: %w", err)
	}
	defer rows.Close()

	depth := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan depth row: %w", err)
		}
		depth[status] = count
	}
	return depth, rows.Err()
}
