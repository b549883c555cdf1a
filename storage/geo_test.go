package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"geo_ranker/config"
	"geo_ranker/models"
)

func TestHaversineKm(t *testing.T) {
	denver := models.LatLng{Lat: 39.7392, Lng: -104.9903}
	boulder := models.LatLng{Lat: 40.0150, Lng: -105.2705}

	assert.InDelta(t, 0, HaversineKm(denver, denver), 1e-9)
	assert.InDelta(t, 39.0, HaversineKm(denver, boulder), 1.5)
	assert.InDelta(t, HaversineKm(denver, boulder), HaversineKm(boulder, denver), 1e-9)
}

func TestBoundingBoxContainsRadius(t *testing.T) {
	center := models.LatLng{Lat: 45.5, Lng: -122.6}
	minLat, maxLat, minLng, maxLng := boundingBox(center, 10)

	north := models.LatLng{Lat: maxLat, Lng: center.Lng}
	east := models.LatLng{Lat: center.Lat, Lng: maxLng}
	assert.GreaterOrEqual(t, HaversineKm(center, north), 9.9)
	assert.GreaterOrEqual(t, HaversineKm(center, east), 9.9)
	assert.Less(t, minLat, center.Lat)
	assert.Less(t, minLng, center.Lng)
}

func TestFilterNearbySkipsMissingCoordinatesAndLimits(t *testing.T) {
	center := models.LatLng{Lat: 0, Lng: 0}
	lat := func(v float64) *float64 { return &v }

	candidates := []models.Listing{
		{ExternalID: "no-coords"},
		{ExternalID: "mid", Lat: lat(0.05), Lng: lat(0)},
		{ExternalID: "close", Lat: lat(0.01), Lng: lat(0)},
		{ExternalID: "outside", Lat: lat(1), Lng: lat(0)},
	}

	got := filterNearby(candidates, center, 20, 0)
	assert.Len(t, got, 2)
	assert.Equal(t, "close", got[0].ExternalID)

	got = filterNearby(candidates, center, 20, 1)
	assert.Len(t, got, 1)
}

func TestObjectURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.S3Config
		want string
	}{
		{"cdn base", config.S3Config{Bucket: "b", PublicBaseURL: "https://cdn.example.com"}, "https://cdn.example.com/logos/x.png"},
		{"spaces", config.S3Config{Bucket: "b", Endpoint: "https://nyc3.digitaloceanspaces.com"}, "https://b.nyc3.digitaloceanspaces.com/logos/x.png"},
		{"path style", config.S3Config{Bucket: "b", Endpoint: "http://localhost:9000/"}, "http://localhost:9000/b/logos/x.png"},
		{"aws", config.S3Config{Bucket: "b", Region: "us-west-2"}, "https://b.s3.us-west-2.amazonaws.com/logos/x.png"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, objectURL(tt.cfg, "logos/x.png"))
		})
	}
}
