package scraper

import (
	"context"

	"geo_ranker/models"
)

// Directory is the external places source the orchestrator pages through.
type Directory interface {
	SearchNearby(ctx context.Context, center models.LatLng, radiusMeters int, pageToken string) ([]models.PlaceRecord, string, error)
	GetDetails(ctx context.Context, externalID string) (*models.DetailRecord, error)
}

var _ Directory = (*PlacesClient)(nil)
