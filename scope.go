package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"geo_ranker/apperr"
	"geo_ranker/models"
)

type slugResolver interface {
	RegionBySlug(ctx context.Context, slug string) (*models.Region, error)
	SubRegionBySlug(ctx context.Context, regionID int64, slug string) (*models.SubRegion, error)
}

// resolveScope turns a command line scope into ScopeParams. Accepted forms:
//
//	all
//	region:<id|slug>
//	subregion:<id>
//	subregion:<region-slug>/<subregion-slug>
func resolveScope(ctx context.Context, slugs slugResolver, arg string) (models.ScopeParams, error) {
	level, ref, _ := strings.Cut(strings.TrimSpace(arg), ":")
	switch models.ScopeLevel(level) {
	case models.LevelAll:
		if ref != "" {
			return models.ScopeParams{}, apperr.Validation("scope", "scope %q takes no id", level)
		}
		return models.ScopeParams{Level: models.LevelAll}, nil

	case models.LevelRegion:
		if id, ok := parseID(ref); ok {
			return models.ScopeParams{Level: models.LevelRegion, ID: id}, nil
		}
		r, err := regionBySlug(ctx, slugs, ref)
		if err != nil {
			return models.ScopeParams{}, err
		}
		return models.ScopeParams{Level: models.LevelRegion, ID: r.ID}, nil

	case models.LevelSubRegion:
		if id, ok := parseID(ref); ok {
			return models.ScopeParams{Level: models.LevelSubRegion, ID: id}, nil
		}
		regionSlug, subSlug, found := strings.Cut(ref, "/")
		if !found || subSlug == "" {
			return models.ScopeParams{}, apperr.Validation("scope", "subregion scope needs an id or <region>/<subregion>, got %q", ref)
		}
		r, err := regionBySlug(ctx, slugs, regionSlug)
		if err != nil {
			return models.ScopeParams{}, err
		}
		sr, err := slugs.SubRegionBySlug(ctx, r.ID, subSlug)
		if err != nil {
			return models.ScopeParams{}, err
		}
		if sr == nil {
			return models.ScopeParams{}, apperr.Validation("scope", "unknown subregion %q in %s", subSlug, regionSlug)
		}
		return models.ScopeParams{Level: models.LevelSubRegion, ID: sr.ID}, nil
	}
	return models.ScopeParams{}, apperr.Validation("scope", "unknown scope level %q", level)
}

func regionBySlug(ctx context.Context, slugs slugResolver, slug string) (*models.Region, error) {
	if slug == "" {
		return nil, apperr.Validation("scope", "region scope needs an id or slug")
	}
	r, err := slugs.RegionBySlug(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("look up region %q: %w", slug, err)
	}
	if r == nil {
		return nil, apperr.Validation("scope", "unknown region %q", slug)
	}
	return r, nil
}

func parseID(s string) (int64, bool) {
	id, err := strconv.ParseInt(s, 10, 64)
	return id, err == nil
}

// maskConnectionString masks the password in a connection string for logging.
func maskConnectionString(connStr string) string {
	start := strings.Index(connStr, "://")
	if start < 0 {
		return connStr
	}
	start += 3

	at := strings.LastIndex(connStr, "@")
	if at < start {
		return connStr
	}
	colon := strings.Index(connStr[start:at], ":")
	if colon < 0 {
		return connStr
	}
	return connStr[:start+colon+1] + "****" + connStr[at:]
}
