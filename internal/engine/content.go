package engine

import (
	"fmt"
	"strings"

	"github.com/autoscouter/autoscouter/internal/db"
	"github.com/autoscouter/autoscouter/internal/match"
)

// notificationContent is the structured payload stored on a notification:
// a listing snapshot frozen at match time plus the score breakdown, so the
// client can render the card even after the listing changes or goes away.
type notificationContent struct {
	Listing         listingSnapshot    `json:"listing"`
	MatchPercentage int                `json:"match_percentage"`
	Fields          []match.FieldScore `json:"fields,omitempty"`
}

type listingSnapshot struct {
	ID           string `json:"id"`
	Make         string `json:"make"`
	Model        string `json:"model"`
	Variant      string `json:"variant,omitempty"`
	Year         *int   `json:"year,omitempty"`
	Price        *int   `json:"price,omitempty"`
	Currency     string `json:"currency,omitempty"`
	Mileage      *int   `json:"mileage,omitempty"`
	FuelType     string `json:"fuel_type,omitempty"`
	Transmission string `json:"transmission,omitempty"`
	City         string `json:"city,omitempty"`
	DealerName   string `json:"dealer_name,omitempty"`
	ImageURL     string `json:"image_url,omitempty"`
	URL          string `json:"url,omitempty"`
}

func snapshotListing(l *db.Listing) listingSnapshot {
	s := listingSnapshot{
		ID:           l.ID.String(),
		Make:         l.Make,
		Model:        l.Model,
		Variant:      l.Variant,
		Year:         l.Year,
		Price:        l.Price,
		Currency:     l.Currency,
		Mileage:      l.Mileage,
		FuelType:     l.FuelType,
		Transmission: l.Transmission,
		City:         l.City,
		DealerName:   l.DealerName,
		URL:          l.URL,
	}
	if len(l.ImageURLs) > 0 {
		s.ImageURL = l.ImageURLs[0]
	}
	return s
}

func vehicleName(l *db.Listing) string {
	parts := []string{l.Make, l.Model}
	if l.Variant != "" {
		parts = append(parts, l.Variant)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

func notificationTitle(notifType string, l *db.Listing) string {
	switch notifType {
	case db.TypePriceDrop:
		return "Price drop: " + vehicleName(l)
	default:
		return "New match: " + vehicleName(l)
	}
}

func notificationMessage(notifType string, l *db.Listing, percentage int) string {
	name := vehicleName(l)
	price := "price on request"
	if l.Price != nil {
		currency := l.Currency
		if currency == "" {
			currency = "EUR"
		}
		price = fmt.Sprintf("%d %s", *l.Price, currency)
	}

	if notifType == db.TypePriceDrop {
		return fmt.Sprintf("%s is now %s, a price drop on a vehicle matching your alert (%d%% match)", name, price, percentage)
	}
	return fmt.Sprintf("%s for %s matches your alert (%d%% match)", name, price, percentage)
}
