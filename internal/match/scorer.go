// Package match implements the weighted scorer that decides how well a
// listing satisfies an alert's criteria. Scoring is deterministic and does
// no I/O; the only collaborator is an injected geocoder.
package match

import (
	"fmt"
	"math"
	"strings"

	"github.com/autoscouter/autoscouter/internal/db"
	"github.com/autoscouter/autoscouter/internal/geo"
)

// MatchThreshold is the minimum percentage for a listing to count as a
// match for an alert.
const MatchThreshold = 70

// Field weights. Only fields with a set criterion participate in the
// weighted average.
const (
	weightMake         = 20
	weightModel        = 15
	weightPrice        = 20
	weightYear         = 10
	weightMileage      = 10
	weightLocation     = 10
	weightFuel         = 5
	weightTransmission = 5
	weightBody         = 5
)

const defaultRadiusKM = 50.0

// FieldScore is one sub-scorer's verdict for a single criteria field.
type FieldScore struct {
	Field      string  `json:"field"`
	Score      float64 `json:"score"`
	Weight     int     `json:"weight"`
	Applicable bool    `json:"applicable"`
	Reason     string  `json:"reason"`
}

// Result is the scorer's output for one (listing, alert) pair.
type Result struct {
	Percentage int          `json:"percentage"`
	IsMatch    bool         `json:"is_match"`
	Fields     []FieldScore `json:"fields"`
}

// Scorer computes match results. Safe for concurrent use.
type Scorer struct {
	geocoder geo.Geocoder
}

// NewScorer creates a scorer with the given geocoder.
func NewScorer(geocoder geo.Geocoder) *Scorer {
	return &Scorer{geocoder: geocoder}
}

// Score computes the weighted match percentage of a listing against an
// alert's criteria. Calling it twice with identical inputs yields an
// identical result.
//
// An alert with no criteria set matches every listing at 100%. That is the
// documented open-alert behavior, not an accident: with zero applicable
// fields there is nothing to disqualify the listing on.
func (s *Scorer) Score(l *db.Listing, c db.Criteria) Result {
	fields := []FieldScore{
		scoreMake(l, c),
		scoreModel(l, c),
		scorePrice(l, c),
		scoreYear(l, c),
		scoreMileage(l, c),
		s.scoreLocation(l, c),
		scoreCategory("fuel_type", l.FuelType, c.FuelType, fuelGroups, weightFuel),
		scoreCategory("transmission", l.Transmission, c.Transmission, transmissionGroups, weightTransmission),
		scoreCategory("body_type", l.BodyType, c.BodyType, bodyGroups, weightBody),
	}

	var weighted float64
	var totalWeight int
	for _, f := range fields {
		if !f.Applicable {
			continue
		}
		weighted += f.Score * float64(f.Weight)
		totalWeight += f.Weight
	}

	percentage := 100
	if totalWeight > 0 {
		percentage = int(math.Round(100 * weighted / float64(totalWeight)))
	}

	return Result{
		Percentage: percentage,
		IsMatch:    percentage >= MatchThreshold,
		Fields:     fields,
	}
}

func norm(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func scoreMake(l *db.Listing, c db.Criteria) FieldScore {
	f := FieldScore{Field: "make", Weight: weightMake}
	if c.Make == nil || *c.Make == "" {
		f.Reason = "no make criterion"
		return f
	}
	f.Applicable = true

	want, got := norm(*c.Make), norm(l.Make)
	switch {
	case got == want:
		f.Score = 1.0
		f.Reason = "exact make match"
	case got != "" && (strings.Contains(got, want) || strings.Contains(want, got)):
		f.Score = 0.9
		f.Reason = "partial make match"
	default:
		f.Reason = fmt.Sprintf("make %q does not match %q", l.Make, *c.Make)
	}
	return f
}

func scoreModel(l *db.Listing, c db.Criteria) FieldScore {
	f := FieldScore{Field: "model", Weight: weightModel}
	if c.Model == nil || *c.Model == "" {
		f.Reason = "no model criterion"
		return f
	}
	f.Applicable = true

	want, got := norm(*c.Model), norm(l.Model)
	switch {
	case got == want:
		f.Score = 1.0
		f.Reason = "exact model match"
	case got != "" && (strings.Contains(got, want) || strings.Contains(want, got)):
		f.Score = 0.8
		f.Reason = "partial model match"
	default:
		f.Reason = fmt.Sprintf("model %q does not match %q", l.Model, *c.Model)
	}
	return f
}

func scorePrice(l *db.Listing, c db.Criteria) FieldScore {
	f := FieldScore{Field: "price", Weight: weightPrice}
	if c.PriceMin == nil && c.PriceMax == nil {
		f.Reason = "no price criterion"
		return f
	}
	f.Applicable = true

	if l.Price == nil {
		f.Score = 0.5
		f.Reason = "listing price unknown"
		return f
	}
	price := float64(*l.Price)

	lo := 0.0
	if c.PriceMin != nil {
		lo = float64(*c.PriceMin)
	}

	if c.PriceMax != nil {
		hi := float64(*c.PriceMax)
		switch {
		case price >= lo && price <= hi:
			// Cheaper within the range scores higher.
			if hi > lo {
				f.Score = 1.0 - 0.3*(price-lo)/(hi-lo)
			} else {
				f.Score = 1.0
			}
			f.Reason = "price within range"
		case price > hi && price <= hi*1.1:
			f.Score = 0.2
			f.Reason = "price slightly above range"
		case price < lo && price >= lo*0.9:
			f.Score = 0.4
			f.Reason = "price slightly below range"
		default:
			f.Reason = "price outside range"
		}
		return f
	}

	// Only a minimum is set.
	switch {
	case price >= lo:
		f.Score = 0.85
		f.Reason = "price above minimum"
	case price >= lo*0.9:
		f.Score = 0.4
		f.Reason = "price slightly below minimum"
	default:
		f.Reason = "price below minimum"
	}
	return f
}

func scoreYear(l *db.Listing, c db.Criteria) FieldScore {
	f := FieldScore{Field: "year", Weight: weightYear}
	if c.YearMin == nil && c.YearMax == nil {
		f.Reason = "no year criterion"
		return f
	}
	f.Applicable = true

	if l.Year == nil {
		f.Score = 0.5
		f.Reason = "listing year unknown"
		return f
	}
	year := *l.Year

	lo, hi := math.Inf(-1), math.Inf(1)
	if c.YearMin != nil {
		lo = float64(*c.YearMin)
	}
	if c.YearMax != nil {
		hi = float64(*c.YearMax)
	}
	y := float64(year)

	switch {
	case y >= lo && y <= hi:
		// Newer within the range scores higher.
		if !math.IsInf(lo, -1) && !math.IsInf(hi, 1) && hi > lo {
			f.Score = 0.7 + 0.3*(y-lo)/(hi-lo)
		} else {
			f.Score = 1.0
		}
		f.Reason = "year within range"
	case (y < lo && lo-y <= 2) || (y > hi && y-hi <= 2):
		f.Score = 0.3
		f.Reason = "year just outside range"
	default:
		f.Reason = "year outside range"
	}
	return f
}

func scoreMileage(l *db.Listing, c db.Criteria) FieldScore {
	f := FieldScore{Field: "mileage", Weight: weightMileage}
	if c.MaxMileage == nil {
		f.Reason = "no mileage criterion"
		return f
	}
	f.Applicable = true

	if l.Mileage == nil {
		f.Score = 0.5
		f.Reason = "listing mileage unknown"
		return f
	}
	m := float64(*l.Mileage)
	maxM := float64(*c.MaxMileage)

	switch {
	case maxM <= 0:
		f.Reason = "mileage limit not positive"
	case m <= maxM:
		// Lower mileage scores higher.
		f.Score = 0.7 + 0.3*(1-m/maxM)
		f.Reason = "mileage under limit"
	case m <= maxM*1.2:
		f.Score = 0.3
		f.Reason = "mileage slightly over limit"
	default:
		f.Reason = "mileage over limit"
	}
	return f
}

func (s *Scorer) scoreLocation(l *db.Listing, c db.Criteria) FieldScore {
	f := FieldScore{Field: "location", Weight: weightLocation}
	if c.Location == nil || *c.Location == "" {
		f.Reason = "no location criterion"
		return f
	}
	f.Applicable = true

	center, ok := s.geocoder.Geocode(*c.Location)
	if !ok {
		// Ungeocodable criterion gets the benefit of the doubt.
		f.Score = 0.8
		f.Reason = fmt.Sprintf("location %q not geocodable", *c.Location)
		return f
	}

	var pos geo.Point
	switch {
	case l.Latitude != nil && l.Longitude != nil:
		pos = geo.Point{Lat: *l.Latitude, Lon: *l.Longitude}
	case l.City != "":
		if p, ok := s.geocoder.Geocode(l.City); ok {
			pos = p
		} else {
			f.Score = 0.5
			f.Reason = "listing location unknown"
			return f
		}
	default:
		f.Score = 0.5
		f.Reason = "listing location unknown"
		return f
	}

	radius := defaultRadiusKM
	if c.RadiusKM != nil && *c.RadiusKM > 0 {
		radius = *c.RadiusKM
	}

	d := geo.DistanceKM(center, pos)
	switch {
	case d <= radius:
		// Closer scores higher.
		f.Score = 0.7 + 0.3*(1-d/radius)
		f.Reason = fmt.Sprintf("%.0f km away, within radius", d)
	case d <= radius*1.5:
		f.Score = 0.4
		f.Reason = fmt.Sprintf("%.0f km away, near radius", d)
	default:
		f.Reason = fmt.Sprintf("%.0f km away, outside radius", d)
	}
	return f
}

// Category groups treat regional spellings and gearbox flavors as
// equivalent ("benzina" is "gasoline", a DSG is an automatic).
var fuelGroups = map[string]string{
	"benzina": "gasoline", "gasoline": "gasoline", "petrol": "gasoline",
	"diesel": "diesel", "gasolio": "diesel",
	"elettrica": "electric", "electric": "electric", "ev": "electric",
	"ibrida": "hybrid", "hybrid": "hybrid", "phev": "hybrid", "mild hybrid": "hybrid",
	"gpl": "lpg", "lpg": "lpg",
	"metano": "cng", "cng": "cng",
}

var transmissionGroups = map[string]string{
	"automatico": "automatic", "automatica": "automatic", "automatic": "automatic",
	"dsg": "automatic", "cvt": "automatic", "tiptronic": "automatic", "s-tronic": "automatic",
	"manuale": "manual", "manual": "manual",
}

var bodyGroups = map[string]string{
	"suv": "suv", "crossover": "suv",
	"berlina": "sedan", "sedan": "sedan", "saloon": "sedan",
	"station wagon": "wagon", "wagon": "wagon", "sw": "wagon", "touring": "wagon",
	"hatchback": "hatchback", "utilitaria": "hatchback",
	"coupe": "coupe", "coupé": "coupe",
	"cabrio": "convertible", "convertible": "convertible", "spider": "convertible",
	"monovolume": "van", "van": "van", "minivan": "van",
}

func scoreCategory(field, listingValue string, criterion *string, groups map[string]string, weight int) FieldScore {
	f := FieldScore{Field: field, Weight: weight}
	if criterion == nil || *criterion == "" {
		f.Reason = "no " + field + " criterion"
		return f
	}
	f.Applicable = true

	if listingValue == "" {
		f.Score = 0.6
		f.Reason = "listing " + field + " unknown"
		return f
	}

	want, got := norm(*criterion), norm(listingValue)
	wantGroup, wOK := groups[want]
	gotGroup, gOK := groups[got]

	switch {
	case got == want, wOK && gOK && wantGroup == gotGroup:
		f.Score = 1.0
		f.Reason = field + " matches"
	case !gOK:
		// Value we cannot classify; treat as uncertain rather than a miss.
		f.Score = 0.6
		f.Reason = "unrecognized listing " + field
	default:
		f.Reason = field + " does not match"
	}
	return f
}
