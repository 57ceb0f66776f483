package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/autoscouter/autoscouter/internal/db"
	"github.com/autoscouter/autoscouter/internal/engine"
	"github.com/autoscouter/autoscouter/internal/realtime"
)

// ListingRepository defines the listing store operations the API uses.
type ListingRepository interface {
	Upsert(ctx context.Context, l *db.Listing) error
	Get(ctx context.Context, id uuid.UUID) (*db.Listing, error)
	Search(ctx context.Context, make, model string, priceMax *int, limit, offset int) ([]*db.Listing, error)
	PriceHistory(ctx context.Context, listingID uuid.UUID) ([]*db.PricePoint, error)
}

// AlertRepository defines the alert store operations the API uses.
type AlertRepository interface {
	Create(ctx context.Context, a *db.Alert) error
	Get(ctx context.Context, id uuid.UUID) (*db.Alert, error)
	Update(ctx context.Context, a *db.Alert) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*db.Alert, error)
}

// NotificationRepository defines the notification store operations the API uses.
type NotificationRepository interface {
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*db.Notification, error)
	MarkRead(ctx context.Context, id uuid.UUID, at time.Time) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// PreferencesRepository defines the preferences store operations the API uses.
type PreferencesRepository interface {
	Get(ctx context.Context, userID uuid.UUID) (*db.Preferences, error)
	Upsert(ctx context.Context, p *db.Preferences) error
}

// QueueStats exposes queue depth for the status endpoint.
type QueueStats interface {
	Depth(ctx context.Context) (map[string]int, error)
}

// Matcher is the slice of the matching engine the API drives.
type Matcher interface {
	Run(ctx context.Context) (*engine.Stats, error)
	RunForAlert(ctx context.Context, alert *db.Alert) (*engine.Stats, error)
	LastRun() (*engine.Stats, error)
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger   *zap.Logger
	listings ListingRepository
	alerts   AlertRepository
	notifs   NotificationRepository
	prefs    PreferencesRepository
	queue    QueueStats
	matcher  Matcher
	hub      *realtime.Hub // nil disables the websocket endpoint

	upgrader websocket.Upgrader
}

// NewHandler creates a new API handler. matcher and hub may be nil; the
// corresponding endpoints then return 503.
func NewHandler(logger *zap.Logger, listings ListingRepository, alerts AlertRepository,
	notifs NotificationRepository, prefs PreferencesRepository,
	queue QueueStats, matcher Matcher, hub *realtime.Hub) *Handler {

	return &Handler{
		logger:   logger,
		listings: listings,
		alerts:   alerts,
		notifs:   notifs,
		prefs:    prefs,
		queue:    queue,
		matcher:  matcher,
		hub:      hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Routes returns the /v1 route tree. Middleware (rate limiting, metrics,
// request logging) is applied by the caller.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/listings/batch", h.IngestListings)
	r.Get("/listings", h.SearchListings)
	r.Get("/listings/{id}", h.GetListing)
	r.Get("/listings/{id}/price-history", h.GetPriceHistory)

	r.Post("/alerts", h.CreateAlert)
	r.Get("/alerts", h.ListAlerts)
	r.Get("/alerts/{id}", h.GetAlert)
	r.Put("/alerts/{id}", h.UpdateAlert)
	r.Delete("/alerts/{id}", h.DeleteAlert)

	r.Get("/notifications", h.ListNotifications)
	r.Post("/notifications/{id}/read", h.MarkNotificationRead)
	r.Delete("/notifications/{id}", h.DeleteNotification)

	r.Get("/users/{id}/preferences", h.GetPreferences)
	r.Put("/users/{id}/preferences", h.UpdatePreferences)

	r.Post("/matching/run", h.TriggerMatchingRun)
	r.Get("/status", h.GetStatus)

	r.Get("/ws", h.ServeWS)

	return r
}

// listingRequest is one listing in a batch ingest request.
type listingRequest struct {
	ExternalID   string     `json:"external_id"`
	Make         string     `json:"make"`
	Model        string     `json:"model"`
	Variant      string     `json:"variant,omitempty"`
	Year         *int       `json:"year,omitempty"`
	Price        *int       `json:"price,omitempty"`
	Currency     string     `json:"currency,omitempty"`
	Mileage      *int       `json:"mileage,omitempty"`
	FuelType     string     `json:"fuel_type,omitempty"`
	Transmission string     `json:"transmission,omitempty"`
	BodyType     string     `json:"body_type,omitempty"`
	City         string     `json:"city,omitempty"`
	Region       string     `json:"region,omitempty"`
	Latitude     *float64   `json:"latitude,omitempty"`
	Longitude    *float64   `json:"longitude,omitempty"`
	DealerName   string     `json:"dealer_name,omitempty"`
	ImageURLs    []string   `json:"image_urls,omitempty"`
	URL          string     `json:"url,omitempty"`
	ScrapedAt    *time.Time `json:"scraped_at,omitempty"`
}

// IngestListings handles POST /v1/listings/batch. The scraper posts
// every page of results here; existing listings are updated in place and
// price changes land in the price history.
func (h *Handler) IngestListings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		Listings []listingRequest `json:"listings"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if len(req.Listings) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Empty batch", "listings must contain at least one entry")
		return
	}

	now := time.Now().UTC()
	accepted := 0
	rejected := 0
	for _, lr := range req.Listings {
		if lr.ExternalID == "" || lr.Make == "" || lr.Model == "" {
			rejected++
			continue
		}
		// The scraper may carry its own scrape time; the watermark scan
		// keys off last_updated, which is always stamped at ingest.
		scrapedAt := now
		if lr.ScrapedAt != nil {
			scrapedAt = lr.ScrapedAt.UTC()
		}
		listing := &db.Listing{
			ExternalID:   lr.ExternalID,
			Make:         lr.Make,
			Model:        lr.Model,
			Variant:      lr.Variant,
			Year:         lr.Year,
			Price:        lr.Price,
			Currency:     lr.Currency,
			Mileage:      lr.Mileage,
			FuelType:     lr.FuelType,
			Transmission: lr.Transmission,
			BodyType:     lr.BodyType,
			City:         lr.City,
			Region:       lr.Region,
			Latitude:     lr.Latitude,
			Longitude:    lr.Longitude,
			DealerName:   lr.DealerName,
			ImageURLs:    lr.ImageURLs,
			URL:          lr.URL,
			IsActive:     true,
			ScrapedAt:    scrapedAt,
			LastUpdated:  now,
		}
		if err := h.listings.Upsert(ctx, listing); err != nil {
			h.logger.Error("failed to upsert listing",
				zap.Error(err),
				zap.String("external_id", lr.ExternalID),
			)
			rejected++
			continue
		}
		accepted++
	}

	h.logger.Info("listing batch ingested",
		zap.Int("accepted", accepted),
		zap.Int("rejected", rejected),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]int{
		"accepted": accepted,
		"rejected": rejected,
	})
}

// SearchListings handles GET /v1/listings?make=xx&model=yy&price_max=nn
func (h *Handler) SearchListings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	var priceMax *int
	if s := q.Get("price_max"); s != "" {
		p, err := strconv.Atoi(s)
		if err != nil || p < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid price_max", "price_max must be a non-negative integer")
			return
		}
		priceMax = &p
	}

	limit, offset := parsePagination(q.Get("limit"), q.Get("offset"))

	listings, err := h.listings.Search(ctx, q.Get("make"), q.Get("model"), priceMax, limit, offset)
	if err != nil {
		h.logger.Error("failed to search listings", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to search listings", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   listings,
		"limit":  limit,
		"offset": offset,
		"count":  len(listings),
	})
}

// GetListing handles GET /v1/listings/{id}
func (h *Handler) GetListing(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "listing")
	if !ok {
		return
	}

	listing, err := h.listings.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Listing not found", "")
			return
		}
		h.logger.Error("failed to get listing", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get listing", "")
		return
	}

	writeJSON(w, http.StatusOK, listing)
}

// GetPriceHistory handles GET /v1/listings/{id}/price-history
func (h *Handler) GetPriceHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "listing")
	if !ok {
		return
	}

	history, err := h.listings.PriceHistory(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get price history", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get price history", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  history,
		"count": len(history),
	})
}

// alertRequest is the body for alert create/update.
type alertRequest struct {
	UserID                 string      `json:"user_id"`
	Name                   string      `json:"name,omitempty"`
	Criteria               db.Criteria `json:"criteria"`
	IsActive               *bool       `json:"is_active,omitempty"`
	MaxNotificationsPerDay *int        `json:"max_notifications_per_day,omitempty"`
}

// CreateAlert handles POST /v1/alerts. The new alert is immediately
// checked against the current inventory so the user sees matches without
// waiting for the next scheduled run.
func (h *Handler) CreateAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req alertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user_id", "user_id must be a valid UUID")
		return
	}

	alert := &db.Alert{
		ID:       uuid.New(),
		UserID:   userID,
		Name:     req.Name,
		Criteria: req.Criteria,
		IsActive: true,
	}
	if req.IsActive != nil {
		alert.IsActive = *req.IsActive
	}
	if req.MaxNotificationsPerDay != nil {
		if *req.MaxNotificationsPerDay < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid max_notifications_per_day", "must be >= 0")
			return
		}
		alert.MaxNotificationsPerDay = *req.MaxNotificationsPerDay
	}

	if err := h.alerts.Create(ctx, alert); err != nil {
		h.logger.Error("failed to create alert", zap.Error(err), zap.String("user_id", req.UserID))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create alert", "")
		return
	}

	h.logger.Info("alert created",
		zap.String("id", alert.ID.String()),
		zap.String("user_id", req.UserID),
	)

	// Kick an inventory scan for the new alert in the background. A
	// periodic run may hold the guard; wait it out instead of giving up.
	if h.matcher != nil && alert.IsActive {
		go func(a db.Alert) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			for {
				_, err := h.matcher.RunForAlert(ctx, &a)
				if err == nil {
					return
				}
				if !errors.Is(err, engine.ErrRunInProgress) {
					h.logger.Warn("initial alert scan failed",
						zap.Error(err),
						zap.String("alert_id", a.ID.String()),
					)
					return
				}
				select {
				case <-ctx.Done():
					h.logger.Warn("initial alert scan timed out waiting for the run guard",
						zap.String("alert_id", a.ID.String()))
					return
				case <-time.After(5 * time.Second):
				}
			}
		}(*alert)
	}

	writeJSON(w, http.StatusCreated, alert)
}

// ListAlerts handles GET /v1/alerts?user_id=xxx
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	userIDStr := r.URL.Query().Get("user_id")
	if userIDStr == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing user_id", "user_id query parameter is required")
		return
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user_id", "user_id must be a valid UUID")
		return
	}

	alerts, err := h.alerts.ListByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list alerts", zap.Error(err), zap.String("user_id", userIDStr))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list alerts", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  alerts,
		"count": len(alerts),
	})
}

// GetAlert handles GET /v1/alerts/{id}
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "alert")
	if !ok {
		return
	}

	alert, err := h.alerts.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Alert not found", "")
			return
		}
		h.logger.Error("failed to get alert", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get alert", "")
		return
	}

	writeJSON(w, http.StatusOK, alert)
}

// UpdateAlert handles PUT /v1/alerts/{id}
func (h *Handler) UpdateAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.parseID(w, r, "alert")
	if !ok {
		return
	}

	alert, err := h.alerts.Get(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Alert not found", "")
			return
		}
		h.logger.Error("failed to get alert", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get alert", "")
		return
	}

	var req alertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	alert.Name = req.Name
	alert.Criteria = req.Criteria
	if req.IsActive != nil {
		alert.IsActive = *req.IsActive
	}
	if req.MaxNotificationsPerDay != nil {
		if *req.MaxNotificationsPerDay < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid max_notifications_per_day", "must be >= 0")
			return
		}
		alert.MaxNotificationsPerDay = *req.MaxNotificationsPerDay
	}

	if err := h.alerts.Update(ctx, alert); err != nil {
		h.logger.Error("failed to update alert", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update alert", "")
		return
	}

	h.logger.Info("alert updated", zap.String("id", id.String()))
	writeJSON(w, http.StatusOK, alert)
}

// DeleteAlert handles DELETE /v1/alerts/{id}
func (h *Handler) DeleteAlert(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "alert")
	if !ok {
		return
	}

	if err := h.alerts.Delete(r.Context(), id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Alert not found", "")
			return
		}
		h.logger.Error("failed to delete alert", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to delete alert", "")
		return
	}

	h.logger.Info("alert deleted", zap.String("id", id.String()))
	w.WriteHeader(http.StatusNoContent)
}

// ListNotifications handles GET /v1/notifications?user_id=xxx&limit=20&offset=0
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userIDStr := r.URL.Query().Get("user_id")
	if userIDStr == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing user_id", "user_id query parameter is required")
		return
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user_id", "user_id must be a valid UUID")
		return
	}

	limit, offset := parsePagination(r.URL.Query().Get("limit"), r.URL.Query().Get("offset"))

	notifications, err := h.notifs.ListByUser(r.Context(), userID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.Error(err), zap.String("user_id", userIDStr))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   notifications,
		"limit":  limit,
		"offset": offset,
		"count":  len(notifications),
	})
}

// MarkNotificationRead handles POST /v1/notifications/{id}/read
func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "notification")
	if !ok {
		return
	}

	if err := h.notifs.MarkRead(r.Context(), id, time.Now()); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
			return
		}
		h.logger.Error("failed to mark notification read", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to mark notification read", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"id":     id.String(),
		"status": "read",
	})
}

// DeleteNotification handles DELETE /v1/notifications/{id}
func (h *Handler) DeleteNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "notification")
	if !ok {
		return
	}

	if err := h.notifs.Delete(r.Context(), id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
			return
		}
		h.logger.Error("failed to delete notification", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to delete notification", "")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetPreferences handles GET /v1/users/{id}/preferences
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "user")
	if !ok {
		return
	}

	prefs, err := h.prefs.Get(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get preferences", zap.Error(err), zap.String("user_id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get preferences", "")
		return
	}

	writeJSON(w, http.StatusOK, prefs)
}

// UpdatePreferences handles PUT /v1/users/{id}/preferences
func (h *Handler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r, "user")
	if !ok {
		return
	}

	var prefs db.Preferences
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	prefs.UserID = id

	if prefs.QuietHoursStart != nil || prefs.QuietHoursEnd != nil {
		if prefs.QuietHoursStart == nil || prefs.QuietHoursEnd == nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Incomplete quiet hours", "quiet_hours_start and quiet_hours_end must be set together")
			return
		}
		for _, v := range []string{*prefs.QuietHoursStart, *prefs.QuietHoursEnd} {
			if _, err := time.Parse("15:04", v); err != nil {
				h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid quiet hours", "times must be in HH:MM format")
				return
			}
		}
	}
	if prefs.Timezone != "" {
		if _, err := time.LoadLocation(prefs.Timezone); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid timezone", "timezone must be a valid IANA name")
			return
		}
	}

	if err := h.prefs.Upsert(r.Context(), &prefs); err != nil {
		h.logger.Error("failed to update preferences", zap.Error(err), zap.String("user_id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update preferences", "")
		return
	}

	h.logger.Info("preferences updated", zap.String("user_id", id.String()))
	writeJSON(w, http.StatusOK, &prefs)
}

// TriggerMatchingRun handles POST /v1/matching/run
func (h *Handler) TriggerMatchingRun(w http.ResponseWriter, r *http.Request) {
	if h.matcher == nil {
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", "Matching engine not running", "")
		return
	}

	stats, err := h.matcher.Run(r.Context())
	if err != nil {
		if errors.Is(err, engine.ErrRunInProgress) {
			h.writeError(w, http.StatusConflict, "run_in_progress", "A matching run is already in progress", "")
			return
		}
		h.logger.Error("manual matching run failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "run_failed", "Matching run failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// GetStatus handles GET /v1/status
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"time": time.Now().UTC(),
	}

	if h.queue != nil {
		depth, err := h.queue.Depth(r.Context())
		if err != nil {
			h.logger.Error("failed to read queue depth", zap.Error(err))
		} else {
			status["queue"] = depth
		}
	}

	if h.matcher != nil {
		lastRun, lastErr := h.matcher.LastRun()
		if lastRun != nil {
			status["last_run"] = lastRun
		}
		if lastErr != nil {
			status["last_run_error"] = lastErr.Error()
		}
	}

	writeJSON(w, http.StatusOK, status)
}

// ServeWS handles GET /v1/ws?user_id=xxx, upgrading the connection and
// attaching it to the realtime hub.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", "Realtime updates not available", "")
		return
	}

	userIDStr := r.URL.Query().Get("user_id")
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user_id", "user_id must be a valid UUID")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := realtime.NewClient(h.hub, userID, conn, h.logger)
	client.Start()

	// Send the latest notifications so a reconnecting client catches up.
	if recent, err := h.notifs.ListByUser(r.Context(), userID, 20, 0); err == nil && len(recent) > 0 {
		client.Queue(realtime.Message{
			Type: realtime.MessageTypeRecent,
			Data: recent,
		})
	}
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request, what string) (uuid.UUID, bool) {
	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid "+what+" ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func parsePagination(limitStr, offsetStr string) (limit, offset int) {
	limit = 20
	offset = 0
	if limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
