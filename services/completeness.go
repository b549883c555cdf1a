package services

import (
	"geo_ranker/models"
)

const (
	weightName        = 10
	weightStreet      = 10
	weightPhone       = 10
	weightWebsite     = 15
	weightLogo        = 10
	weightPhotos      = 15
	weightHours       = 10
	weightRating      = 10
	weightReviewCount = 10

	maxCompleteness = 100
)

// CompletenessScore is the weighted sum of the populated optional fields, capped
// at 100.
func CompletenessScore(l *models.Listing) int {
	score := 0
	if l.Name != "" {
		score += weightName
	}
	if l.Street != "" {
		score += weightStreet
	}
	if l.Phone != "" {
		score += weightPhone
	}
	if l.Website != "" {
		score += weightWebsite
	}
	if l.LogoURL != "" {
		score += weightLogo
	}
	if len(l.Photos) > 0 {
		score += weightPhotos
	}
	if !l.Hours.IsEmpty() {
		score += weightHours
	}
	if l.ExternalRating != nil {
		score += weightRating
	}
	if l.ExternalReviewCount > 0 {
		score += weightReviewCount
	}

	if score > maxCompleteness {
		return maxCompleteness
	}
	return score
}
