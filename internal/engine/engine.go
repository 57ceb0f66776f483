// Package engine implements the alert matching engine: it walks listings
// changed since the last successful run, scores them against every active
// alert, and enqueues notifications for the matches that survive
// deduplication and the daily caps.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/autoscouter/autoscouter/internal/db"
	"github.com/autoscouter/autoscouter/internal/match"
	"github.com/autoscouter/autoscouter/internal/metrics"
)

// ListingStore is the engine's read view of the listing inventory.
type ListingStore interface {
	ChangedSince(ctx context.Context, since time.Time, limit int) ([]*db.Listing, error)
	ListActive(ctx context.Context, limit int) ([]*db.Listing, error)
}

// AlertStore is the engine's read view of user alerts.
type AlertStore interface {
	ListActive(ctx context.Context) ([]*db.Alert, error)
}

// NotificationStore covers the notification operations the engine performs.
type NotificationStore interface {
	Create(ctx context.Context, n *db.Notification) error
	LatestForPair(ctx context.Context, alertID, listingID uuid.UUID) (*db.Notification, error)
}

// Queue is the enqueue side of the delivery queue.
type Queue interface {
	Enqueue(ctx context.Context, notificationID uuid.UUID, priority int, scheduledFor time.Time) (*db.QueueEntry, error)
}

// PreferencesStore provides the per-user daily cap settings.
type PreferencesStore interface {
	Get(ctx context.Context, userID uuid.UUID) (*db.Preferences, error)
}

// WatermarkStore persists the engine's last-successful-run cutoff.
type WatermarkStore interface {
	GetWatermark(ctx context.Context) (time.Time, error)
	SetWatermark(ctx context.Context, t time.Time) error
}

// Capper reserves daily notification slots. Nil-able collaborator: without
// it the engine falls back to enqueueing uncapped.
type Capper interface {
	Reserve(ctx context.Context, key string, limit int) (bool, error)
	Release(ctx context.Context, key string) error
}

// Locker guards against overlapping runs across instances.
type Locker interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}

const lockName = "matching-run"

// ErrRunInProgress is returned when a run is requested while another run
// holds the guard. The caller skips; it does not queue behind the holder.
var ErrRunInProgress = fmt.Errorf("matching run already in progress")

// Config holds engine tuning knobs.
type Config struct {
	Interval   time.Duration // periodic tick, default 20m
	BatchLimit int           // max listings per run window
	LockTTL    time.Duration // distributed guard TTL
}

// Stats summarizes one matching run.
type Stats struct {
	RunID            uuid.UUID `json:"run_id"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
	ListingsScanned  int       `json:"listings_scanned"`
	AlertsChecked    int       `json:"alerts_checked"`
	Matched          int       `json:"matched"`
	Enqueued         int       `json:"enqueued"`
	SkippedDuplicate int       `json:"skipped_duplicate"`
	SkippedRateLimit int       `json:"skipped_rate_limit"`
	PairErrors       int       `json:"pair_errors"`
}

// Engine runs the matching pipeline.
type Engine struct {
	listings  ListingStore
	alerts    AlertStore
	notifs    NotificationStore
	queue     Queue
	prefs     PreferencesStore
	watermark WatermarkStore
	capper    Capper
	locker    Locker
	scorer    *match.Scorer
	config    Config
	logger    *zap.Logger

	running atomic.Bool
	mu      sync.Mutex
	lastRun *Stats
	lastErr error
}

// New creates a matching engine. capper and locker may be nil when Redis
// is unavailable; the engine then runs with only the local guard and no
// daily caps.
func New(listings ListingStore, alerts AlertStore, notifs NotificationStore,
	queue Queue, prefs PreferencesStore, watermark WatermarkStore,
	capper Capper, locker Locker, scorer *match.Scorer,
	cfg Config, logger *zap.Logger) *Engine {

	if cfg.Interval == 0 {
		cfg.Interval = 20 * time.Minute
	}
	if cfg.BatchLimit == 0 {
		cfg.BatchLimit = 1000
	}
	if cfg.LockTTL == 0 {
		cfg.LockTTL = 15 * time.Minute
	}

	return &Engine{
		listings:  listings,
		alerts:    alerts,
		notifs:    notifs,
		queue:     queue,
		prefs:     prefs,
		watermark: watermark,
		capper:    capper,
		locker:    locker,
		scorer:    scorer,
		config:    cfg,
		logger:    logger,
	}
}

// Start runs the periodic matching loop until the context is canceled.
func (e *Engine) Start(ctx context.Context) {
	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("matching engine stopping")
			return
		case <-ticker.C:
			if _, err := e.Run(ctx); err != nil && err != ErrRunInProgress {
				e.logger.Error("matching run failed", zap.Error(err))
			}
		}
	}
}

// Run performs one incremental matching pass over listings changed since
// the watermark. The watermark advances only when the pass completes
// without fatal error, so a failed window is reprocessed next tick; the
// dedup step makes that reprocessing idempotent.
func (e *Engine) Run(ctx context.Context) (*Stats, error) {
	releaseGuard, err := e.acquireGuard(ctx)
	if err != nil {
		return nil, err
	}
	defer releaseGuard()

	stats, err := e.run(ctx)

	e.mu.Lock()
	e.lastRun = stats
	e.lastErr = err
	e.mu.Unlock()

	if err != nil {
		metrics.RecordMatchRun("failed")
		return stats, err
	}
	metrics.RecordMatchRun("completed")
	return stats, nil
}

// acquireGuard takes the local flag and, when configured, the distributed
// run lock. Both runs and per-alert backfills go through it: the dedup
// lookup is check-then-insert, so two concurrent passes over the same pair
// could otherwise both notify.
func (e *Engine) acquireGuard(ctx context.Context) (func(), error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	localRelease := func() { e.running.Store(false) }

	if e.locker == nil {
		return localRelease, nil
	}

	ok, err := e.locker.TryAcquire(ctx, lockName, e.config.LockTTL)
	if err != nil {
		e.logger.Warn("run lock unavailable, proceeding with local guard only", zap.Error(err))
		return localRelease, nil
	}
	if !ok {
		localRelease()
		return nil, ErrRunInProgress
	}
	return func() {
		if err := e.locker.Release(context.WithoutCancel(ctx), lockName); err != nil {
			e.logger.Warn("run lock release failed", zap.Error(err))
		}
		localRelease()
	}, nil
}

func (e *Engine) run(ctx context.Context) (*Stats, error) {
	stats := &Stats{RunID: uuid.New(), StartedAt: time.Now()}

	since, err := e.watermark.GetWatermark(ctx)
	if err != nil {
		return stats, fmt.Errorf("load watermark: %w", err)
	}

	// Captured before the listing query so changes racing with the query
	// land in the next window instead of being lost.
	cutoff := time.Now()

	listings, err := e.listings.ChangedSince(ctx, since, e.config.BatchLimit)
	if err != nil {
		return stats, fmt.Errorf("load changed listings: %w", err)
	}

	alerts, err := e.alerts.ListActive(ctx)
	if err != nil {
		return stats, fmt.Errorf("load active alerts: %w", err)
	}

	stats.ListingsScanned = len(listings)
	stats.AlertsChecked = len(alerts)

	for _, listing := range listings {
		for _, alert := range alerts {
			e.processPair(ctx, listing, alert, stats)
		}
	}

	if err := e.watermark.SetWatermark(ctx, cutoff); err != nil {
		return stats, fmt.Errorf("advance watermark: %w", err)
	}

	stats.FinishedAt = time.Now()
	e.logger.Info("matching run completed",
		zap.String("run_id", stats.RunID.String()),
		zap.Int("listings", stats.ListingsScanned),
		zap.Int("alerts", stats.AlertsChecked),
		zap.Int("matched", stats.Matched),
		zap.Int("enqueued", stats.Enqueued),
		zap.Int("skipped_duplicate", stats.SkippedDuplicate),
		zap.Int("skipped_rate_limit", stats.SkippedRateLimit),
		zap.Int("pair_errors", stats.PairErrors),
		zap.Duration("took", stats.FinishedAt.Sub(stats.StartedAt)),
	)
	return stats, nil
}

// RunForAlert checks one alert against the whole active inventory. Called
// when an alert is created so the user gets immediate results. It takes
// the same guard as Run and returns ErrRunInProgress while one is active;
// callers retry rather than queue.
func (e *Engine) RunForAlert(ctx context.Context, alert *db.Alert) (*Stats, error) {
	releaseGuard, err := e.acquireGuard(ctx)
	if err != nil {
		return nil, err
	}
	defer releaseGuard()

	stats := &Stats{RunID: uuid.New(), StartedAt: time.Now(), AlertsChecked: 1}

	listings, err := e.listings.ListActive(ctx, e.config.BatchLimit)
	if err != nil {
		return stats, fmt.Errorf("load active listings: %w", err)
	}
	stats.ListingsScanned = len(listings)

	for _, listing := range listings {
		e.processPair(ctx, listing, alert, stats)
	}

	stats.FinishedAt = time.Now()
	e.logger.Info("alert backfill run completed",
		zap.String("alert_id", alert.ID.String()),
		zap.Int("listings", stats.ListingsScanned),
		zap.Int("enqueued", stats.Enqueued),
	)
	return stats, nil
}

// LastRun returns the stats and error of the most recent run.
func (e *Engine) LastRun() (*Stats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastRun, e.lastErr
}

// processPair scores one listing against one alert and enqueues a
// notification when it is a deduplicated, under-cap match. Errors are
// isolated: a bad pair never aborts the batch.
func (e *Engine) processPair(ctx context.Context, listing *db.Listing, alert *db.Alert, stats *Stats) {
	result := e.scorer.Score(listing, alert.Criteria)
	if !result.IsMatch {
		return
	}
	stats.Matched++
	metrics.RecordMatchFound()

	notifType, ok, err := e.dedup(ctx, listing, alert)
	if err != nil {
		stats.PairErrors++
		metrics.RecordMatchSkipped("score_error")
		e.logger.Warn("pair dedup check failed",
			zap.String("alert_id", alert.ID.String()),
			zap.String("listing_id", listing.ID.String()),
			zap.Error(err),
		)
		return
	}
	if !ok {
		stats.SkippedDuplicate++
		metrics.RecordMatchSkipped("duplicate")
		return
	}

	releaseCaps, ok := e.reserveCaps(ctx, alert)
	if !ok {
		stats.SkippedRateLimit++
		metrics.RecordMatchSkipped("rate_limited")
		// Discarded silently by design, but the event is visible in logs
		// and counters.
		e.logger.Info("match discarded by daily cap",
			zap.String("alert_id", alert.ID.String()),
			zap.String("listing_id", listing.ID.String()),
			zap.String("user_id", alert.UserID.String()),
		)
		return
	}

	if err := e.enqueue(ctx, listing, alert, notifType, result); err != nil {
		releaseCaps()
		stats.PairErrors++
		e.logger.Error("enqueue failed",
			zap.String("alert_id", alert.ID.String()),
			zap.String("listing_id", listing.ID.String()),
			zap.Error(err),
		)
		return
	}
	stats.Enqueued++
}

// dedup decides whether this pair may notify again. A pair notifies at
// most once, unless the price dropped since the previous notification;
// that re-triggers as a price_drop.
func (e *Engine) dedup(ctx context.Context, listing *db.Listing, alert *db.Alert) (string, bool, error) {
	prev, err := e.notifs.LatestForPair(ctx, alert.ID, listing.ID)
	if err == db.ErrNotFound {
		return db.TypeNewMatch, true, nil
	}
	if err != nil {
		return "", false, err
	}

	if listing.Price != nil && prev.ListingPrice != nil && *listing.Price < *prev.ListingPrice {
		return db.TypePriceDrop, true, nil
	}
	return "", false, nil
}

// reserveCaps takes one slot under the alert's and the user's daily caps.
// The returned func hands the reserved slots back when the match is
// rejected or the notification cannot be created after all.
func (e *Engine) reserveCaps(ctx context.Context, alert *db.Alert) (func(), bool) {
	noop := func() {}
	if e.capper == nil {
		return noop, true
	}
	day := time.Now().UTC()

	var prefs *db.Preferences
	if p, err := e.prefs.Get(ctx, alert.UserID); err == nil {
		prefs = p
	} else {
		e.logger.Warn("preferences lookup failed, user cap skipped", zap.Error(err))
	}

	// An alert without its own cap inherits the user's per-alert default.
	alertLimit := alert.MaxNotificationsPerDay
	if alertLimit == 0 && prefs != nil {
		alertLimit = prefs.MaxPerAlertPerDay
	}

	var reserved []string
	release := func() {
		for _, key := range reserved {
			if err := e.capper.Release(ctx, key); err != nil {
				e.logger.Warn("cap release failed", zap.String("key", key), zap.Error(err))
			}
		}
	}

	alertKey := alertCapKey(alert.ID, day)
	ok, err := e.capper.Reserve(ctx, alertKey, alertLimit)
	if err != nil {
		e.logger.Warn("alert cap check failed, allowing", zap.Error(err))
		return release, true
	}
	if !ok {
		return noop, false
	}
	if alertLimit > 0 {
		reserved = append(reserved, alertKey)
	}

	userLimit := 0
	if prefs != nil {
		userLimit = prefs.MaxPerDay
	}
	ok, err = e.capper.Reserve(ctx, userCapKey(alert.UserID, day), userLimit)
	if err != nil {
		e.logger.Warn("user cap check failed, allowing", zap.Error(err))
		return release, true
	}
	if !ok {
		// Give the alert slot back; this match never happened.
		release()
		return noop, false
	}
	if userLimit > 0 {
		reserved = append(reserved, userCapKey(alert.UserID, day))
	}
	return release, true
}

func (e *Engine) enqueue(ctx context.Context, listing *db.Listing, alert *db.Alert, notifType string, result match.Result) error {
	content, err := json.Marshal(notificationContent{
		Listing:         snapshotListing(listing),
		MatchPercentage: result.Percentage,
		Fields:          result.Fields,
	})
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}

	alertID := alert.ID
	listingID := listing.ID
	n := &db.Notification{
		ID:           uuid.New(),
		UserID:       alert.UserID,
		AlertID:      &alertID,
		ListingID:    &listingID,
		Type:         notifType,
		Status:       db.NotificationQueued,
		Title:        notificationTitle(notifType, listing),
		Message:      notificationMessage(notifType, listing, result.Percentage),
		Content:      content,
		ListingPrice: listing.Price,
	}
	if err := e.notifs.Create(ctx, n); err != nil {
		return fmt.Errorf("create notification: %w", err)
	}

	priority := priorityFor(result.Percentage)
	if _, err := e.queue.Enqueue(ctx, n.ID, priority, time.Now()); err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}

	metrics.RecordNotificationEnqueued(notifType, priority)
	return nil
}

// priorityFor maps a match percentage to a queue priority tier.
func priorityFor(percentage int) int {
	switch {
	case percentage >= 90:
		return db.PriorityHigh
	case percentage >= 80:
		return db.PriorityMedium
	default:
		return db.PriorityLow
	}
}

func alertCapKey(alertID uuid.UUID, day time.Time) string {
	return fmt.Sprintf("dailycap:alert:%s:%s", alertID, day.Format("2006-01-02"))
}

func userCapKey(userID uuid.UUID, day time.Time) string {
	return fmt.Sprintf("dailycap:user:%s:%s", userID, day.Format("2006-01-02"))
}
