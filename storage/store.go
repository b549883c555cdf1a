package storage

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"geo_ranker/models"
)

// ErrNotFound is returned by updates that matched no row.
var ErrNotFound = errors.New("not found")

// Store is the persistence surface shared by the Postgres and SQLite backends.
type Store interface {
	Migrate(ctx context.Context) error
	Close() error

	UpsertRegion(ctx context.Context, r *models.Region) error
	UpsertSubRegion(ctx context.Context, s *models.SubRegion) error
	ListRegions(ctx context.Context) ([]models.Region, error)
	ListSubRegions(ctx context.Context, regionID int64) ([]models.SubRegion, error)
	GetRegion(ctx context.Context, id int64) (*models.Region, error)
	GetSubRegion(ctx context.Context, id int64) (*models.SubRegion, error)
	RegionBySlug(ctx context.Context, slug string) (*models.Region, error)
	SubRegionBySlug(ctx context.Context, regionID int64, slug string) (*models.SubRegion, error)

	UpsertListing(ctx context.Context, l *models.Listing) (bool, error)
	GetListing(ctx context.Context, id uuid.UUID) (*models.Listing, error)
	GetListingByExternalID(ctx context.Context, externalID string) (*models.Listing, error)
	FindByRegion(ctx context.Context, scopeType models.ScopeType, scopeID int64, limit, offset int) ([]models.Listing, error)
	FindNearby(ctx context.Context, center models.LatLng, radiusKm float64, limit int) ([]models.Listing, error)
	Deactivate(ctx context.Context, id uuid.UUID) error
	UpdateRating(ctx context.Context, id uuid.UUID, rating *float64, reviewCount, completeness int) error
	UpdateLogo(ctx context.Context, id uuid.UUID, logoURL string, completeness int) error
	ListingsMissingLogo(ctx context.Context, limit int) ([]models.Listing, error)
	MarkLogoChecked(ctx context.Context, id uuid.UUID) error

	RankingInputs(ctx context.Context) ([]models.RankingInput, error)
	CurrentRanks(ctx context.Context) (map[models.RankKey]int, error)
	ReplaceRankings(ctx context.Context, snapshots []models.RankingSnapshot) error
	TopRankedForRefresh(ctx context.Context, perRegion int) ([]models.RefreshCandidate, error)

	RecordScrapeLog(ctx context.Context, entry *models.ScrapeLog) error
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)

// listingColumns is the select list read by scanListing, in order.
const listingColumns = `l.id, l.external_id, l.slug, l.name, l.street, l.city, l.lat, l.lng,
	l.phone, l.website, l.logo_url, l.photos, l.hours, l.subregion_id,
	l.external_rating, l.external_review_count, l.external_listings,
	l.completeness_score, l.is_active, l.created_at, l.updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanListing reads listingColumns plus any extra trailing destinations.
func scanListing(row rowScanner, extra ...interface{}) (*models.Listing, error) {
	var l models.Listing
	var photos, hours, external []byte

	dest := []interface{}{
		&l.ID, &l.ExternalID, &l.Slug, &l.Name, &l.Street, &l.City, &l.Lat, &l.Lng,
		&l.Phone, &l.Website, &l.LogoURL, &photos, &hours, &l.SubRegionID,
		&l.ExternalRating, &l.ExternalReviewCount, &external,
		&l.CompletenessScore, &l.IsActive, &l.CreatedAt, &l.UpdatedAt,
	}
	dest = append(dest, extra...)

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if err := decodeListingJSON(&l, photos, hours, external); err != nil {
		return nil, err
	}
	return &l, nil
}

func decodeListingJSON(l *models.Listing, photos, hours, external []byte) error {
	if len(photos) > 0 {
		if err := json.Unmarshal(photos, &l.Photos); err != nil {
			return err
		}
	}
	if len(hours) > 0 && string(hours) != "null" {
		var h models.Hours
		if err := json.Unmarshal(hours, &h); err != nil {
			return err
		}
		l.Hours = &h
	}
	if len(external) > 0 {
		if err := json.Unmarshal(external, &l.ExternalListings); err != nil {
			return err
		}
	}
	return nil
}

type listingJSON struct {
	photos   []byte
	hours    []byte
	external []byte
}

func encodeListingJSON(l *models.Listing) (listingJSON, error) {
	var out listingJSON
	var err error

	photos := l.Photos
	if photos == nil {
		photos = []string{}
	}
	if out.photos, err = json.Marshal(photos); err != nil {
		return out, err
	}
	if !l.Hours.IsEmpty() {
		if out.hours, err = json.Marshal(l.Hours); err != nil {
			return out, err
		}
	}
	external := l.ExternalListings
	if external == nil {
		external = map[string]string{}
	}
	if out.external, err = json.Marshal(external); err != nil {
		return out, err
	}
	return out, nil
}

func encodeErrors(errs []string) []byte {
	if errs == nil {
		errs = []string{}
	}
	data, _ := json.Marshal(errs)
	return data
}
