package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/autoscouter/autoscouter/internal/db"
	"github.com/autoscouter/autoscouter/internal/metrics"
)

// Queue is the slice of the queue store the worker drains.
type Queue interface {
	ClaimBatch(ctx context.Context, limit int) ([]*db.QueueEntry, error)
	MarkSent(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, retryCount int, lastError string) error
	Requeue(ctx context.Context, id int64, retryCount int, lastError string, scheduledFor time.Time) error
	Defer(ctx context.Context, id int64, until time.Time) error
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error)
	Depth(ctx context.Context) (map[string]int, error)
}

// NotificationStore loads notifications and records delivery outcomes.
type NotificationStore interface {
	Get(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID) error
	CountSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error)
}

// PreferencesStore loads the recipient's delivery settings.
type PreferencesStore interface {
	Get(ctx context.Context, userID uuid.UUID) (*db.Preferences, error)
}

// Publisher pushes a delivered notification to connected websocket
// clients. May be nil when the realtime hub is not running.
type Publisher interface {
	Publish(userID uuid.UUID, n *db.Notification)
}

type Config struct {
	DrainInterval time.Duration
	BatchSize     int
	Workers       int
	MaxRetries    int
	StaleAfter    time.Duration
}

// Worker drains the notification queue and fans entries out to the
// channel senders.
type Worker struct {
	queue     Queue
	notifs    NotificationStore
	prefs     PreferencesStore
	sender    Sender
	publisher Publisher
	config    Config
	logger    *zap.Logger
}

func New(queue Queue, notifs NotificationStore, prefs PreferencesStore,
	sender Sender, publisher Publisher, cfg Config, logger *zap.Logger) *Worker {

	if cfg.DrainInterval == 0 {
		cfg.DrainInterval = 2 * time.Minute
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = 10 * time.Minute
	}

	return &Worker{
		queue:     queue,
		notifs:    notifs,
		prefs:     prefs,
		sender:    sender,
		publisher: publisher,
		config:    cfg,
		logger:    logger,
	}
}

// Start drains the queue on a fixed interval until the context is
// canceled.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("delivery worker stopping")
			return
		case <-ticker.C:
			w.Drain(ctx)
		}
	}
}

// Drain reclaims stale claims, then claims and processes one batch.
func (w *Worker) Drain(ctx context.Context) {
	if reclaimed, err := w.queue.ReclaimStale(ctx, w.config.StaleAfter); err != nil {
		w.logger.Error("failed to reclaim stale entries", zap.Error(err))
	} else if reclaimed > 0 {
		w.logger.Warn("reclaimed stale queue entries", zap.Int("count", reclaimed))
	}

	entries, err := w.queue.ClaimBatch(ctx, w.config.BatchSize)
	if err != nil {
		w.logger.Error("failed to claim queue batch", zap.Error(err))
		return
	}
	if len(entries) == 0 {
		w.reportDepth(ctx)
		return
	}

	jobs := make(chan *db.QueueEntry)
	var wg sync.WaitGroup
	for i := 0; i < w.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for entry := range jobs {
				w.processEntry(ctx, entry)
			}
		}()
	}
	for _, entry := range entries {
		jobs <- entry
	}
	close(jobs)
	wg.Wait()

	w.reportDepth(ctx)
}

func (w *Worker) reportDepth(ctx context.Context) {
	depth, err := w.queue.Depth(ctx)
	if err != nil {
		return
	}
	for status, count := range depth {
		metrics.SetQueueDepth(status, count)
	}
}

func (w *Worker) processEntry(ctx context.Context, entry *db.QueueEntry) {
	logger := w.logger.With(
		zap.Int64("entry_id", entry.ID),
		zap.String("notification_id", entry.NotificationID.String()),
	)

	notif, err := w.notifs.Get(ctx, entry.NotificationID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			logger.Warn("queue entry references missing notification")
			w.fail(ctx, entry, nil, "notification not found", entry.RetryCount)
			return
		}
		logger.Error("failed to load notification", zap.Error(err))
		w.retry(ctx, entry, notif, err)
		return
	}

	prefs, err := w.prefs.Get(ctx, notif.UserID)
	if err != nil {
		logger.Error("failed to load preferences", zap.Error(err))
		w.retry(ctx, entry, notif, err)
		return
	}

	now := time.Now()

	// Non-urgent notifications wait out the recipient's quiet hours.
	if entry.Priority != db.PriorityHigh {
		quiet, until, qerr := quietWindow(prefs, now)
		if qerr != nil {
			logger.Warn("unusable quiet hours, delivering anyway", zap.Error(qerr))
		} else if quiet {
			if err := w.queue.Defer(ctx, entry.ID, until); err != nil {
				logger.Error("failed to defer entry", zap.Error(err))
				return
			}
			metrics.RecordDelivery("deferred")
			logger.Info("delivery deferred to end of quiet hours",
				zap.Time("until", until))
			return
		}
	}

	// The cap was reserved at enqueue time, but an entry can sit queued
	// long enough for the user to hit their limit in the meantime.
	if prefs.MaxPerDay > 0 {
		sentToday, cerr := w.notifs.CountSince(ctx, notif.UserID, localMidnight(prefs, now))
		if cerr != nil {
			logger.Warn("daily count unavailable, delivering anyway", zap.Error(cerr))
		} else if sentToday >= prefs.MaxPerDay {
			until := nextLocalMidnight(prefs, now)
			if err := w.queue.Defer(ctx, entry.ID, until); err != nil {
				logger.Error("failed to defer entry", zap.Error(err))
				return
			}
			metrics.RecordDelivery("deferred")
			logger.Info("daily limit reached, deferred to next day",
				zap.Time("until", until))
			return
		}
	}

	if err := w.dispatch(ctx, notif, prefs); err != nil {
		if errors.Is(err, ErrPermanent) {
			logger.Error("permanent delivery failure", zap.Error(err))
			w.fail(ctx, entry, notif, err.Error(), entry.RetryCount+1)
			return
		}
		logger.Error("delivery failed", zap.Error(err),
			zap.Int("retry_count", entry.RetryCount))
		w.retry(ctx, entry, notif, err)
		return
	}

	sentAt := time.Now()
	if err := w.queue.MarkSent(ctx, entry.ID); err != nil {
		logger.Error("failed to mark entry sent", zap.Error(err))
	}
	if err := w.notifs.MarkSent(ctx, notif.ID, sentAt); err != nil {
		logger.Error("failed to mark notification sent", zap.Error(err))
	}

	if w.publisher != nil {
		notif.Status = db.NotificationSent
		notif.SentAt = &sentAt
		w.publisher.Publish(notif.UserID, notif)
	}

	metrics.RecordDelivery("sent")
	metrics.RecordDeliveryLatency(sentAt.Sub(entry.CreatedAt))
	logger.Info("notification delivered",
		zap.Duration("queue_latency", sentAt.Sub(entry.CreatedAt)))
}

// dispatch sends the notification over every channel the recipient has
// enabled. A user with all channels off still gets the in-app record.
func (w *Worker) dispatch(ctx context.Context, notif *db.Notification, prefs *db.Preferences) error {
	if !prefs.Enabled {
		w.logger.Debug("notifications disabled for user, keeping in-app only",
			zap.String("user_id", notif.UserID.String()))
		return nil
	}

	if prefs.EmailEnabled && prefs.EmailAddress != "" {
		out := &Outbound{Channel: ChannelEmail, Notification: notif, Prefs: prefs}
		if err := w.sender.Send(ctx, out); err != nil {
			return err
		}
	}

	if prefs.PushEnabled && prefs.PushTarget != "" {
		out := &Outbound{Channel: ChannelPush, Notification: notif, Prefs: prefs}
		if err := w.sender.Send(ctx, out); err != nil {
			return err
		}
	}

	return nil
}

func (w *Worker) retry(ctx context.Context, entry *db.QueueEntry, notif *db.Notification, cause error) {
	newCount := entry.RetryCount + 1
	if newCount >= w.config.MaxRetries {
		w.fail(ctx, entry, notif, cause.Error(), newCount)
		return
	}

	delay := backoffFor(newCount)
	if err := w.queue.Requeue(ctx, entry.ID, newCount, cause.Error(), time.Now().Add(delay)); err != nil {
		w.logger.Error("failed to requeue entry",
			zap.Int64("entry_id", entry.ID), zap.Error(err))
		return
	}
	metrics.RecordDelivery("retried")
	w.logger.Info("delivery scheduled for retry",
		zap.Int64("entry_id", entry.ID),
		zap.Int("retry_count", newCount),
		zap.Duration("delay", delay))
}

// fail retires an entry for good. retryCount is the total attempts made,
// including the one that just failed.
func (w *Worker) fail(ctx context.Context, entry *db.QueueEntry, notif *db.Notification, lastError string, retryCount int) {
	if err := w.queue.MarkFailed(ctx, entry.ID, retryCount, lastError); err != nil {
		w.logger.Error("failed to mark entry failed",
			zap.Int64("entry_id", entry.ID), zap.Error(err))
	}
	if notif != nil {
		if err := w.notifs.MarkFailed(ctx, notif.ID); err != nil {
			w.logger.Error("failed to mark notification failed",
				zap.String("notification_id", notif.ID.String()), zap.Error(err))
		}
	}
	metrics.RecordDelivery("failed")
	w.logger.Warn("delivery abandoned",
		zap.Int64("entry_id", entry.ID),
		zap.Int("retry_count", retryCount),
		zap.String("last_error", lastError))
}
