package models

import (
	"time"

	"github.com/google/uuid"
)

// RankingSnapshot is one listing's position within one scope.
type RankingSnapshot struct {
	ScopeType      ScopeType `json:"scope_type" db:"scope_type"`
	ScopeID        int64     `json:"scope_id" db:"scope_id"`
	ListingID      uuid.UUID `json:"listing_id" db:"listing_id"`
	CompositeScore float64   `json:"composite_score" db:"composite_score"`
	Rank           int       `json:"rank" db:"rank"`
	PreviousRank   *int      `json:"previous_rank" db:"previous_rank"`
	ComputedAt     time.Time `json:"computed_at" db:"computed_at"`
}

type RankKey struct {
	ScopeType ScopeType
	ScopeID   int64
	ListingID uuid.UUID
}

func (s *RankingSnapshot) Key() RankKey {
	return RankKey{ScopeType: s.ScopeType, ScopeID: s.ScopeID, ListingID: s.ListingID}
}

// RankingInput carries what the score needs for one active listing.
type RankingInput struct {
	ListingID    uuid.UUID
	SubRegionID  int64
	RegionID     int64
	Rating       *float64
	ReviewCount  int
	Completeness int
}

// RefreshCandidate is a ranked listing whose live rating can be re-fetched.
type RefreshCandidate struct {
	ListingID  uuid.UUID
	ExternalID string
	RegionID   int64
	Rank       int
}
