package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ListingRepository handles database operations for vehicle listings and
// their price history.
type ListingRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewListingRepository creates a new listing repository
func NewListingRepository(db *DB, logger *zap.Logger) *ListingRepository {
	return &ListingRepository{db: db, logger: logger}
}

const listingColumns = `
	id, external_id, make, model, variant, year, price, currency,
	mileage, fuel_type, transmission, body_type, city, region,
	latitude, longitude, dealer_name, image_urls, url, is_active,
	scraped_at, last_updated, created_at
`

func scanListing(row pgx.Row) (*Listing, error) {
	var l Listing
	err := row.Scan(
		&l.ID, &l.ExternalID, &l.Make, &l.Model, &l.Variant, &l.Year,
		&l.Price, &l.Currency, &l.Mileage, &l.FuelType, &l.Transmission,
		&l.BodyType, &l.City, &l.Region, &l.Latitude, &l.Longitude,
		&l.DealerName, &l.ImageURLs, &l.URL, &l.IsActive,
		&l.ScrapedAt, &l.LastUpdated, &l.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// Upsert inserts a listing or updates it in place, keyed by external_id.
// A price change appends a row to the price history inside the same
// transaction; the history is append-only and never rewritten.
func (r *ListingRepository) Upsert(ctx context.Context, l *Listing) error {
	// A zero timestamp would park the listing behind every watermark and
	// hide it from incremental matching forever.
	now := time.Now().UTC()
	if l.ScrapedAt.IsZero() {
		l.ScrapedAt = now
	}
	if l.LastUpdated.IsZero() {
		l.LastUpdated = now
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var prevPrice *int
	err = tx.QueryRow(ctx,
		`SELECT id, price FROM listings WHERE external_id = $1`,
		l.ExternalID,
	).Scan(&l.ID, &prevPrice)

	switch {
	case err == pgx.ErrNoRows:
		if l.ID == uuid.Nil {
			l.ID = uuid.New()
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO listings (
				id, external_id, make, model, variant, year, price, currency,
				mileage, fuel_type, transmission, body_type, city, region,
				latitude, longitude, dealer_name, image_urls, url, is_active,
				scraped_at, last_updated
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
				$15, $16, $17, $18, $19, $20, $21, $22
			)`,
			l.ID, l.ExternalID, l.Make, l.Model, l.Variant, l.Year, l.Price,
			l.Currency, l.Mileage, l.FuelType, l.Transmission, l.BodyType,
			l.City, l.Region, l.Latitude, l.Longitude, l.DealerName,
			l.ImageURLs, l.URL, l.IsActive, l.ScrapedAt, l.LastUpdated,
		)
		if err != nil {
			return fmt.Errorf("insert listing: %w", err)
		}
	case err != nil:
		return fmt.Errorf("lookup listing: %w", err)
	default:
		_, err = tx.Exec(ctx, `
			UPDATE listings SET
				make = $2, model = $3, variant = $4, year = $5, price = $6,
				currency = $7, mileage = $8, fuel_type = $9, transmission = $10,
				body_type = $11, city = $12, region = $13, latitude = $14,
				longitude = $15, dealer_name = $16, image_urls = $17, url = $18,
				is_active = $19, scraped_at = $20, last_updated = $21
			WHERE id = $1`,
			l.ID, l.Make, l.Model, l.Variant, l.Year, l.Price, l.Currency,
			l.Mileage, l.FuelType, l.Transmission, l.BodyType, l.City,
			l.Region, l.Latitude, l.Longitude, l.DealerName, l.ImageURLs,
			l.URL, l.IsActive, l.ScrapedAt, l.LastUpdated,
		)
		if err != nil {
			return fmt.Errorf("update listing: %w", err)
		}
	}

	priceChanged := l.Price != nil &&
		(prevPrice == nil || *prevPrice != *l.Price)
	if priceChanged {
		_, err = tx.Exec(ctx,
			`INSERT INTO price_history (listing_id, price) VALUES ($1, $2)`,
			l.ID, *l.Price,
		)
		if err != nil {
			return fmt.Errorf("append price history: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	if priceChanged && prevPrice != nil {
		r.logger.Info("listing price changed",
			zap.String("listing_id", l.ID.String()),
			zap.Int("old_price", *prevPrice),
			zap.Int("new_price", *l.Price),
		)
	}

	return nil
}

// Get retrieves a listing by ID
func (r *ListingRepository) Get(ctx context.Context, id uuid.UUID) (*Listing, error) {
	row := r.db.Pool().QueryRow(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	l, err := scanListing(row)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("listing %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query listing: %w", err)
	}
	return l, nil
}

// ChangedSince returns active listings scraped or updated at or after the
// watermark, oldest first. This is the matching engine's incremental feed.
func (r *ListingRepository) ChangedSince(ctx context.Context, since time.Time, limit int) ([]*Listing, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+listingColumns+`
		FROM listings
		WHERE is_active = TRUE
		  AND (scraped_at >= $1 OR last_updated >= $1)
		ORDER BY last_updated ASC
		LIMIT $2`,
		since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query changed listings: %w", err)
	}
	defer rows.Close()

	return collectListings(rows)
}

// ListActive returns all currently active listings, used when a freshly
// created alert is checked against the whole inventory.
func (r *ListingRepository) ListActive(ctx context.Context, limit int) ([]*Listing, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+listingColumns+`
		FROM listings
		WHERE is_active = TRUE
		ORDER BY last_updated DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query active listings: %w", err)
	}
	defer rows.Close()

	return collectListings(rows)
}

// Search returns active listings matching simple equality/range filters.
// Thin read path for the frontend; the matching engine does not use it.
func (r *ListingRepository) Search(ctx context.Context, make, model string, priceMax *int, limit, offset int) ([]*Listing, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+listingColumns+`
		FROM listings
		WHERE is_active = TRUE
		  AND ($1 = '' OR lower(make) = lower($1))
		  AND ($2 = '' OR lower(model) = lower($2))
		  AND ($3::int IS NULL OR price <= $3)
		ORDER BY last_updated DESC
		LIMIT $4 OFFSET $5`,
		make, model, priceMax, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("search listings: %w", err)
	}
	defer rows.Close()

	return collectListings(rows)
}

// PriceHistory returns the price points for a listing, oldest first.
func (r *ListingRepository) PriceHistory(ctx context.Context, listingID uuid.UUID) ([]*PricePoint, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, listing_id, price, recorded_at
		FROM price_history
		WHERE listing_id = $1
		ORDER BY recorded_at ASC`,
		listingID,
	)
	if err != nil {
		return nil, fmt.Errorf("query price history: %w", err)
	}
	defer rows.Close()

	var points []*PricePoint
	for rows.Next() {
		var p PricePoint
		if err := rows.Scan(&p.ID, &p.ListingID, &p.Price, &p.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan price point: %w", err)
		}
		points = append(points, &p)
	}
	return points, rows.Err()
}

func collectListings(rows pgx.Rows) ([]*Listing, error) {
	var listings []*Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		listings = append(listings, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return listings, nil
}
