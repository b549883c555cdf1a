package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"geo_ranker/apperr"
	"geo_ranker/identity"
	"geo_ranker/models"
	"geo_ranker/storage"
)

// ListingStore is the slice of storage.Store the listing service writes through.
type ListingStore interface {
	UpsertListing(ctx context.Context, l *models.Listing) (bool, error)
	GetListing(ctx context.Context, id uuid.UUID) (*models.Listing, error)
	GetListingByExternalID(ctx context.Context, externalID string) (*models.Listing, error)
	FindByRegion(ctx context.Context, scopeType models.ScopeType, scopeID int64, limit, offset int) ([]models.Listing, error)
	Deactivate(ctx context.Context, id uuid.UUID) error
	UpdateRating(ctx context.Context, id uuid.UUID, rating *float64, reviewCount, completeness int) error
	UpdateLogo(ctx context.Context, id uuid.UUID, logoURL string, completeness int) error
}

// ListingService owns the listing write path: field merging, slugs and the
// completeness score.
type ListingService struct {
	store ListingStore
	log   *zap.Logger
}

func NewListingService(store ListingStore, log *zap.Logger) *ListingService {
	return &ListingService{store: store, log: log.Named("listings")}
}

// UpsertPlace writes one directory record into the given sub-region and reports
// whether a new listing was created. Calling it twice with the same record leaves
// everything but updated_at unchanged.
func (s *ListingService) UpsertPlace(ctx context.Context, rec models.PlaceRecord, subRegionID int64) (*models.Listing, bool, error) {
	if rec.ExternalID == "" {
		return nil, false, apperr.Validation("external_id", "record has no external id")
	}

	existing, err := s.store.GetListingByExternalID(ctx, rec.ExternalID)
	if err != nil {
		return nil, false, err
	}

	l := &models.Listing{
		ExternalID:          rec.ExternalID,
		Slug:                identity.ListingSlug(rec.Name, rec.City),
		Name:                rec.Name,
		Street:              rec.Street,
		City:                rec.City,
		Lat:                 rec.Lat,
		Lng:                 rec.Lng,
		Phone:               rec.Phone,
		Website:             rec.Website,
		Photos:              rec.Photos,
		Hours:               rec.Hours,
		ExternalRating:      rec.Rating,
		ExternalReviewCount: rec.ReviewCount,
	}
	if subRegionID > 0 {
		l.SubRegionID = &subRegionID
	}

	// fields the directory does not own survive a re-scrape
	if existing != nil {
		l.ID = existing.ID
		if l.LogoURL == "" {
			l.LogoURL = existing.LogoURL
		}
		if len(l.ExternalListings) == 0 {
			l.ExternalListings = existing.ExternalListings
		}
	}
	l.CompletenessScore = CompletenessScore(l)

	created, err := s.store.UpsertListing(ctx, l)
	if err != nil {
		return nil, false, err
	}

	s.log.Debug("listing upserted",
		zap.String("external_id", l.ExternalID),
		zap.String("slug", l.Slug),
		zap.Bool("created", created),
		zap.Int("completeness", l.CompletenessScore))
	return l, created, nil
}

// UpdateRating stores a refreshed rating and review count and recomputes the
// completeness score from the stored row.
func (s *ListingService) UpdateRating(ctx context.Context, id uuid.UUID, rating *float64, reviewCount int) error {
	l, err := s.mustGet(ctx, id)
	if err != nil {
		return err
	}
	l.ExternalRating = rating
	l.ExternalReviewCount = reviewCount
	return s.store.UpdateRating(ctx, id, rating, reviewCount, CompletenessScore(l))
}

// UpdateLogo sets the listing logo and recomputes completeness.
func (s *ListingService) UpdateLogo(ctx context.Context, id uuid.UUID, logoURL string) error {
	l, err := s.mustGet(ctx, id)
	if err != nil {
		return err
	}
	l.LogoURL = logoURL
	return s.store.UpdateLogo(ctx, id, logoURL, CompletenessScore(l))
}

func (s *ListingService) FindByRegion(ctx context.Context, scopeType models.ScopeType, scopeID int64, limit, offset int) ([]models.Listing, error) {
	if !scopeType.Valid() {
		return nil, apperr.Validation("scope_type", "unknown scope type %q", scopeType)
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.FindByRegion(ctx, scopeType, scopeID, limit, offset)
}

// Deactivate hides a listing from scoped reads and future rankings. The row is kept.
func (s *ListingService) Deactivate(ctx context.Context, id uuid.UUID) error {
	if err := s.store.Deactivate(ctx, id); err != nil {
		return err
	}
	s.log.Info("listing deactivated", zap.String("id", id.String()))
	return nil
}

func (s *ListingService) mustGet(ctx context.Context, id uuid.UUID) (*models.Listing, error) {
	l, err := s.store.GetListing(ctx, id)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, apperr.Store("get listing", fmt.Errorf("listing %s: %w", id, storage.ErrNotFound))
	}
	return l, nil
}
