package models

import (
	"strconv"
	"time"
)

type Region struct {
	ID           int64     `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	Slug         string    `json:"slug" db:"slug"`
	Abbreviation string    `json:"abbreviation" db:"abbreviation"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// SubRegion is a search area inside a region. Lat/Lng/RadiusMeters define the
// circle passed to nearby search.
type SubRegion struct {
	ID           int64     `json:"id" db:"id"`
	RegionID     int64     `json:"region_id" db:"region_id"`
	Name         string    `json:"name" db:"name"`
	Slug         string    `json:"slug" db:"slug"`
	Lat          float64   `json:"lat" db:"lat"`
	Lng          float64   `json:"lng" db:"lng"`
	RadiusMeters int       `json:"radius_meters" db:"radius_meters"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

type ScopeType string

const (
	ScopeSubRegion ScopeType = "subregion"
	ScopeRegion    ScopeType = "region"
)

func (s ScopeType) Valid() bool {
	return s == ScopeSubRegion || s == ScopeRegion
}

// ScopeLevel selects how much of the hierarchy a scrape covers.
type ScopeLevel string

const (
	LevelSubRegion ScopeLevel = "subregion"
	LevelRegion    ScopeLevel = "region"
	LevelAll       ScopeLevel = "all"
)

type ScopeParams struct {
	Level ScopeLevel `json:"level"`
	ID    int64      `json:"id,omitempty"`
}

func (p ScopeParams) String() string {
	if p.Level == LevelAll || p.ID == 0 {
		return string(p.Level)
	}
	return string(p.Level) + ":" + strconv.FormatInt(p.ID, 10)
}

type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (s *SubRegion) Center() LatLng {
	return LatLng{Lat: s.Lat, Lng: s.Lng}
}
