package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Listing is a scraped vehicle-for-sale record. The scraper is the only
// writer; the matching pipeline reads listings via ChangedSince.
type Listing struct {
	ID           uuid.UUID `json:"id"`
	ExternalID   string    `json:"external_id"`
	Make         string    `json:"make"`
	Model        string    `json:"model"`
	Variant      string    `json:"variant,omitempty"`
	Year         *int      `json:"year,omitempty"`
	Price        *int      `json:"price,omitempty"`
	Currency     string    `json:"currency"`
	Mileage      *int      `json:"mileage,omitempty"`
	FuelType     string    `json:"fuel_type,omitempty"`
	Transmission string    `json:"transmission,omitempty"`
	BodyType     string    `json:"body_type,omitempty"`
	City         string    `json:"city,omitempty"`
	Region       string    `json:"region,omitempty"`
	Latitude     *float64  `json:"latitude,omitempty"`
	Longitude    *float64  `json:"longitude,omitempty"`
	DealerName   string    `json:"dealer_name,omitempty"`
	ImageURLs    []string  `json:"image_urls,omitempty"`
	URL          string    `json:"url,omitempty"`
	IsActive     bool      `json:"is_active"`
	ScrapedAt    time.Time `json:"scraped_at"`
	LastUpdated  time.Time `json:"last_updated"`
	CreatedAt    time.Time `json:"created_at"`
}

// PricePoint is one append-only price history entry for a listing.
type PricePoint struct {
	ID         int64     `json:"id"`
	ListingID  uuid.UUID `json:"listing_id"`
	Price      int       `json:"price"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Criteria holds an alert's match filters. Every field is optional; an
// unset field means "no constraint", never "must be absent".
type Criteria struct {
	Make         *string  `json:"make,omitempty"`
	Model        *string  `json:"model,omitempty"`
	YearMin      *int     `json:"year_min,omitempty"`
	YearMax      *int     `json:"year_max,omitempty"`
	PriceMin     *int     `json:"price_min,omitempty"`
	PriceMax     *int     `json:"price_max,omitempty"`
	MaxMileage   *int     `json:"max_mileage,omitempty"`
	Location     *string  `json:"location,omitempty"`
	RadiusKM     *float64 `json:"radius_km,omitempty"`
	FuelType     *string  `json:"fuel_type,omitempty"`
	Transmission *string  `json:"transmission,omitempty"`
	BodyType     *string  `json:"body_type,omitempty"`
}

// Alert is a user-defined set of criteria that listings are matched against.
type Alert struct {
	ID                     uuid.UUID `json:"id"`
	UserID                 uuid.UUID `json:"user_id"`
	Name                   string    `json:"name,omitempty"`
	Criteria               Criteria  `json:"criteria"`
	IsActive               bool      `json:"is_active"`
	MaxNotificationsPerDay int       `json:"max_notifications_per_day"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// Notification statuses.
const (
	NotificationQueued    = "queued"
	NotificationSent      = "sent"
	NotificationDelivered = "delivered"
	NotificationFailed    = "failed"
)

// Notification types.
const (
	TypeNewMatch  = "new_match"
	TypePriceDrop = "price_drop"
	TypeSystem    = "system"
)

// Notification is the in-app representation of an alert match. The row is
// the durable source of truth; queue entries and live pushes reference it.
// The pipeline only updates status and timestamps, never deletes.
type Notification struct {
	ID           uuid.UUID       `json:"id"`
	UserID       uuid.UUID       `json:"user_id"`
	AlertID      *uuid.UUID      `json:"alert_id,omitempty"`
	ListingID    *uuid.UUID      `json:"listing_id,omitempty"`
	Type         string          `json:"type"`
	Status       string          `json:"status"`
	Title        string          `json:"title"`
	Message      string          `json:"message"`
	Content      json.RawMessage `json:"content,omitempty"`
	ListingPrice *int            `json:"listing_price,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	SentAt       *time.Time      `json:"sent_at,omitempty"`
	DeliveredAt  *time.Time      `json:"delivered_at,omitempty"`
	ReadAt       *time.Time      `json:"read_at,omitempty"`
}

// Queue entry statuses.
const (
	EntryQueued     = "queued"
	EntryProcessing = "processing"
	EntrySent       = "sent"
	EntryFailed     = "failed"
)

// Queue priorities. Higher dequeues first; PriorityHigh entries are exempt
// from quiet-hours deferral.
const (
	PriorityLow    = 1
	PriorityMedium = 2
	PriorityHigh   = 3
)

// QueueEntry tracks a notification through the delivery pipeline.
type QueueEntry struct {
	ID             int64      `json:"id"`
	NotificationID uuid.UUID  `json:"notification_id"`
	Priority       int        `json:"priority"`
	Status         string     `json:"status"`
	RetryCount     int        `json:"retry_count"`
	LastError      *string    `json:"last_error,omitempty"`
	ScheduledFor   time.Time  `json:"scheduled_for"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Preferences holds a user's delivery settings. Read by the delivery
// service before every send.
type Preferences struct {
	UserID            uuid.UUID `json:"user_id"`
	Enabled           bool      `json:"enabled"`
	EmailEnabled      bool      `json:"email_enabled"`
	EmailAddress      string    `json:"email_address,omitempty"`
	PushEnabled       bool      `json:"push_enabled"`
	PushTarget        string    `json:"push_target,omitempty"`
	MaxPerDay         int       `json:"max_notifications_per_day"`
	MaxPerAlertPerDay int       `json:"max_notifications_per_alert_per_day"`
	QuietHoursStart   *string   `json:"quiet_hours_start,omitempty"` // "22:00"
	QuietHoursEnd     *string   `json:"quiet_hours_end,omitempty"`   // "07:30"
	Timezone          string    `json:"timezone"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// DefaultPreferences returns the settings a user gets before they have
// saved any of their own.
func DefaultPreferences(userID uuid.UUID) *Preferences {
	return &Preferences{
		UserID:            userID,
		Enabled:           true,
		EmailEnabled:      true,
		PushEnabled:       false,
		MaxPerDay:         20,
		MaxPerAlertPerDay: 5,
		Timezone:          "Europe/Rome",
	}
}
