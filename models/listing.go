package models

import (
	"time"

	"github.com/google/uuid"
)

// Listing is a business location discovered through the places directory.
type Listing struct {
	ID                  uuid.UUID         `json:"id" db:"id"`
	ExternalID          string            `json:"external_id" db:"external_id"`
	Slug                string            `json:"slug" db:"slug"`
	Name                string            `json:"name" db:"name"`
	Street              string            `json:"street" db:"street"`
	City                string            `json:"city" db:"city"`
	Lat                 *float64          `json:"lat" db:"lat"`
	Lng                 *float64          `json:"lng" db:"lng"`
	Phone               string            `json:"phone" db:"phone"`
	Website             string            `json:"website" db:"website"`
	LogoURL             string            `json:"logo_url" db:"logo_url"`
	Photos              []string          `json:"photos" db:"photos"`
	Hours               *Hours            `json:"hours" db:"hours"`
	SubRegionID         *int64            `json:"subregion_id" db:"subregion_id"`
	ExternalRating      *float64          `json:"external_rating" db:"external_rating"`
	ExternalReviewCount int               `json:"external_review_count" db:"external_review_count"`
	ExternalListings    map[string]string `json:"external_listings" db:"external_listings"`
	CompletenessScore   int               `json:"completeness_score" db:"completeness_score"`
	IsActive            bool              `json:"is_active" db:"is_active"`
	CreatedAt           time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at" db:"updated_at"`

	// Rank is the listing's position in the queried scope. Only set by scoped reads.
	Rank *int `json:"rank,omitempty" db:"-"`
}

// Hours is the weekly opening schedule as reported by the directory.
type Hours struct {
	WeekdayText []string      `json:"weekday_text,omitempty"`
	Periods     []HoursPeriod `json:"periods,omitempty"`
}

type HoursPeriod struct {
	Open  DayTime  `json:"open"`
	Close *DayTime `json:"close,omitempty"`
}

// DayTime is a day of week (0 = Sunday) and a HHMM time.
type DayTime struct {
	Day  int    `json:"day"`
	Time string `json:"time"`
}

func (h *Hours) IsEmpty() bool {
	return h == nil || (len(h.WeekdayText) == 0 && len(h.Periods) == 0)
}

// PlaceRecord is a normalized nearby-search result.
type PlaceRecord struct {
	ExternalID  string
	Name        string
	Street      string
	City        string
	Lat         *float64
	Lng         *float64
	Phone       string
	Website     string
	Photos      []string
	Hours       *Hours
	Rating      *float64
	ReviewCount int
}

// DetailRecord is the live view of a single place.
type DetailRecord struct {
	ExternalID  string
	Name        string
	Street      string
	City        string
	Phone       string
	Website     string
	Hours       *Hours
	Photos      []string
	Rating      *float64
	ReviewCount int
}

// Merge overlays the detail fields the search result lacks.
func (r *PlaceRecord) Merge(d *DetailRecord) {
	if d == nil {
		return
	}
	if r.Phone == "" {
		r.Phone = d.Phone
	}
	if r.Website == "" {
		r.Website = d.Website
	}
	if r.Hours.IsEmpty() {
		r.Hours = d.Hours
	}
	if r.Street == "" {
		r.Street = d.Street
	}
	// address components beat the city guessed from a search vicinity
	if d.City != "" {
		r.City = d.City
	}
	if len(r.Photos) == 0 {
		r.Photos = d.Photos
	}
	if d.Rating != nil {
		r.Rating = d.Rating
		r.ReviewCount = d.ReviewCount
	}
}
