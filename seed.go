package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"go.uber.org/zap"

	"geo_ranker/config"
	"geo_ranker/models"
)

type regionStore interface {
	ListRegions(ctx context.Context) ([]models.Region, error)
	UpsertRegion(ctx context.Context, r *models.Region) error
	UpsertSubRegion(ctx context.Context, s *models.SubRegion) error
}

// seedRegions upserts every region and sub-region in rf. Re-running it with the
// same file changes nothing.
func seedRegions(ctx context.Context, store regionStore, rf *config.RegionFile) (regions, subregions int, err error) {
	for _, rs := range rf.Regions {
		r := &models.Region{Name: rs.Name, Slug: rs.Slug, Abbreviation: rs.Abbreviation}
		if err := store.UpsertRegion(ctx, r); err != nil {
			return regions, subregions, fmt.Errorf("region %s: %w", rs.Slug, err)
		}
		regions++
		for _, ss := range rs.SubRegions {
			sr := &models.SubRegion{
				RegionID:     r.ID,
				Name:         ss.Name,
				Slug:         ss.Slug,
				Lat:          ss.Lat,
				Lng:          ss.Lng,
				RadiusMeters: ss.RadiusMeters,
			}
			if err := store.UpsertSubRegion(ctx, sr); err != nil {
				return regions, subregions, fmt.Errorf("subregion %s/%s: %w", rs.Slug, ss.Slug, err)
			}
			subregions++
		}
	}
	return regions, subregions, nil
}

// bootstrapRegions seeds an empty store from REGIONS_FILE so a fresh worker has
// something to scrape. A store that already has regions is left alone.
func bootstrapRegions(ctx context.Context, store regionStore, path string, log *zap.Logger) error {
	existing, err := store.ListRegions(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 || path == "" {
		return nil
	}

	rf, err := config.LoadRegions(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warn("no regions in store and regions file missing", zap.String("path", path))
		return nil
	}
	if err != nil {
		return err
	}

	regions, subregions, err := seedRegions(ctx, store, rf)
	if err != nil {
		return err
	}
	log.Info("seeded regions from file",
		zap.String("path", path),
		zap.Int("regions", regions),
		zap.Int("subregions", subregions))
	return nil
}
