package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"geo_ranker/apperr"
	"geo_ranker/identity"
	"geo_ranker/models"
)

// pgxPool is the part of *pgxpool.Pool the store uses.
type pgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

type PostgresStore struct {
	pool pgxPool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperr.Store("ping", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresSchema)
	return apperr.Store("migrate", err)
}

// =============================================================================
// Regions
// =============================================================================

func (s *PostgresStore) UpsertRegion(ctx context.Context, r *models.Region) error {
	query := `
		INSERT INTO regions (name, slug, abbreviation)
		VALUES ($1, $2, $3)
		ON CONFLICT (slug) DO UPDATE SET
			name = EXCLUDED.name,
			abbreviation = EXCLUDED.abbreviation
		RETURNING id, created_at`

	err := s.pool.QueryRow(ctx, query, r.Name, r.Slug, r.Abbreviation).Scan(&r.ID, &r.CreatedAt)
	return apperr.Store("upsert region", err)
}

func (s *PostgresStore) UpsertSubRegion(ctx context.Context, sr *models.SubRegion) error {
	query := `
		INSERT INTO subregions (region_id, name, slug, lat, lng, radius_meters)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (region_id, slug) DO UPDATE SET
			name = EXCLUDED.name,
			lat = EXCLUDED.lat,
			lng = EXCLUDED.lng,
			radius_meters = EXCLUDED.radius_meters
		RETURNING id, created_at`

	err := s.pool.QueryRow(ctx, query, sr.RegionID, sr.Name, sr.Slug, sr.Lat, sr.Lng, sr.RadiusMeters).
		Scan(&sr.ID, &sr.CreatedAt)
	return apperr.Store("upsert subregion", err)
}

func (s *PostgresStore) ListRegions(ctx context.Context) ([]models.Region, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, slug, abbreviation, created_at FROM regions ORDER BY id`)
	if err != nil {
		return nil, apperr.Store("list regions", err)
	}
	defer rows.Close()

	var regions []models.Region
	for rows.Next() {
		var r models.Region
		if err := rows.Scan(&r.ID, &r.Name, &r.Slug, &r.Abbreviation, &r.CreatedAt); err != nil {
			return nil, apperr.Store("list regions", err)
		}
		regions = append(regions, r)
	}
	return regions, apperr.Store("list regions", rows.Err())
}

func (s *PostgresStore) ListSubRegions(ctx context.Context, regionID int64) ([]models.SubRegion, error) {
	query := `
		SELECT id, region_id, name, slug, lat, lng, radius_meters, created_at
		FROM subregions WHERE region_id = $1 ORDER BY id`

	rows, err := s.pool.Query(ctx, query, regionID)
	if err != nil {
		return nil, apperr.Store("list subregions", err)
	}
	defer rows.Close()

	var subs []models.SubRegion
	for rows.Next() {
		var sr models.SubRegion
		if err := rows.Scan(&sr.ID, &sr.RegionID, &sr.Name, &sr.Slug, &sr.Lat, &sr.Lng, &sr.RadiusMeters, &sr.CreatedAt); err != nil {
			return nil, apperr.Store("list subregions", err)
		}
		subs = append(subs, sr)
	}
	return subs, apperr.Store("list subregions", rows.Err())
}

func (s *PostgresStore) GetRegion(ctx context.Context, id int64) (*models.Region, error) {
	return s.getRegion(ctx, `SELECT id, name, slug, abbreviation, created_at FROM regions WHERE id = $1`, id)
}

func (s *PostgresStore) RegionBySlug(ctx context.Context, slug string) (*models.Region, error) {
	return s.getRegion(ctx, `SELECT id, name, slug, abbreviation, created_at FROM regions WHERE slug = $1`, slug)
}

func (s *PostgresStore) getRegion(ctx context.Context, query string, arg interface{}) (*models.Region, error) {
	var r models.Region
	err := s.pool.QueryRow(ctx, query, arg).Scan(&r.ID, &r.Name, &r.Slug, &r.Abbreviation, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Store("get region", err)
	}
	return &r, nil
}

func (s *PostgresStore) GetSubRegion(ctx context.Context, id int64) (*models.SubRegion, error) {
	query := `
		SELECT id, region_id, name, slug, lat, lng, radius_meters, created_at
		FROM subregions WHERE id = $1`
	return s.getSubRegion(ctx, query, id)
}

func (s *PostgresStore) SubRegionBySlug(ctx context.Context, regionID int64, slug string) (*models.SubRegion, error) {
	query := `
		SELECT id, region_id, name, slug, lat, lng, radius_meters, created_at
		FROM subregions WHERE region_id = $1 AND slug = $2`
	return s.getSubRegion(ctx, query, regionID, slug)
}

func (s *PostgresStore) getSubRegion(ctx context.Context, query string, args ...interface{}) (*models.SubRegion, error) {
	var sr models.SubRegion
	err := s.pool.QueryRow(ctx, query, args...).
		Scan(&sr.ID, &sr.RegionID, &sr.Name, &sr.Slug, &sr.Lat, &sr.Lng, &sr.RadiusMeters, &sr.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Store("get subregion", err)
	}
	return &sr, nil
}

// =============================================================================
// Listings
// =============================================================================

// UpsertListing inserts or updates by external id and reports whether a row was
// created. A new row gets a unique slug; an existing row keeps its slug, id and
// active flag.
func (s *PostgresStore) UpsertListing(ctx context.Context, l *models.Listing) (bool, error) {
	enc, err := encodeListingJSON(l)
	if err != nil {
		return false, apperr.Store("upsert listing", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, apperr.Store("upsert listing", err)
	}
	defer tx.Rollback(ctx)

	var existingSlug string
	err = tx.QueryRow(ctx, `SELECT slug FROM listings WHERE external_id = $1 FOR UPDATE`, l.ExternalID).Scan(&existingSlug)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		slug, err := s.uniqueSlug(ctx, tx, l.Slug)
		if err != nil {
			return false, apperr.Store("upsert listing", err)
		}
		l.Slug = slug
		if l.ID == uuid.Nil {
			l.ID = uuid.New()
		}
	case err != nil:
		return false, apperr.Store("upsert listing", err)
	default:
		l.Slug = existingSlug
	}

	query := `
		INSERT INTO listings (
			id, external_id, slug, name, street, city, lat, lng, phone, website, logo_url,
			photos, hours, subregion_id, external_rating, external_review_count,
			external_listings, completeness_score, is_active, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, TRUE, NOW(), NOW()
		)
		ON CONFLICT (external_id) DO UPDATE SET
			logo_checked_at = CASE WHEN listings.website <> EXCLUDED.website THEN NULL ELSE listings.logo_checked_at END,
			name = EXCLUDED.name,
			street = EXCLUDED.street,
			city = EXCLUDED.city,
			lat = EXCLUDED.lat,
			lng = EXCLUDED.lng,
			phone = EXCLUDED.phone,
			website = EXCLUDED.website,
			logo_url = EXCLUDED.logo_url,
			photos = EXCLUDED.photos,
			hours = EXCLUDED.hours,
			subregion_id = EXCLUDED.subregion_id,
			external_rating = EXCLUDED.external_rating,
			external_review_count = EXCLUDED.external_review_count,
			external_listings = EXCLUDED.external_listings,
			completeness_score = EXCLUDED.completeness_score,
			updated_at = NOW()
		RETURNING id, is_active, created_at, updated_at, (xmax = 0) AS inserted`

	var inserted bool
	err = tx.QueryRow(ctx, query,
		l.ID, l.ExternalID, l.Slug, l.Name, l.Street, l.City, l.Lat, l.Lng, l.Phone, l.Website, l.LogoURL,
		enc.photos, enc.hours, l.SubRegionID, l.ExternalRating, l.ExternalReviewCount,
		enc.external, l.CompletenessScore,
	).Scan(&l.ID, &l.IsActive, &l.CreatedAt, &l.UpdatedAt, &inserted)
	if err != nil {
		return false, apperr.Store("upsert listing", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, apperr.Store("upsert listing", err)
	}
	return inserted, nil
}

func (s *PostgresStore) uniqueSlug(ctx context.Context, tx pgx.Tx, base string) (string, error) {
	for attempt := 1; ; attempt++ {
		candidate := identity.Candidate(base, attempt)
		var taken bool
		err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM listings WHERE slug = $1)`, candidate).Scan(&taken)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}
}

func (s *PostgresStore) GetListing(ctx context.Context, id uuid.UUID) (*models.Listing, error) {
	return s.getListing(ctx, `SELECT `+listingColumns+` FROM listings l WHERE l.id = $1`, id)
}

func (s *PostgresStore) GetListingByExternalID(ctx context.Context, externalID string) (*models.Listing, error) {
	return s.getListing(ctx, `SELECT `+listingColumns+` FROM listings l WHERE l.external_id = $1`, externalID)
}

func (s *PostgresStore) getListing(ctx context.Context, query string, arg interface{}) (*models.Listing, error) {
	l, err := scanListing(s.pool.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Store("get listing", err)
	}
	return l, nil
}

// FindByRegion lists active listings of a scope, ranked ones first.
func (s *PostgresStore) FindByRegion(ctx context.Context, scopeType models.ScopeType, scopeID int64, limit, offset int) ([]models.Listing, error) {
	var filter string
	switch scopeType {
	case models.ScopeSubRegion:
		filter = `l.subregion_id = $2`
	case models.ScopeRegion:
		filter = `s.region_id = $2`
	default:
		return nil, apperr.Validation("scope_type", "unknown scope type %q", scopeType)
	}

	query := `
		SELECT ` + listingColumns + `, r.rank
		FROM listings l
		JOIN subregions s ON s.id = l.subregion_id
		LEFT JOIN ranking_snapshots r
			ON r.listing_id = l.id AND r.scope_type = $1 AND r.scope_id = $2
		WHERE l.is_active AND ` + filter + `
		ORDER BY r.rank ASC NULLS LAST, l.external_rating DESC NULLS LAST, l.id
		LIMIT $3 OFFSET $4`

	rows, err := s.pool.Query(ctx, query, string(scopeType), scopeID, limit, offset)
	if err != nil {
		return nil, apperr.Store("find by region", err)
	}
	defer rows.Close()

	var out []models.Listing
	for rows.Next() {
		var rank *int
		l, err := scanListing(rows, &rank)
		if err != nil {
			return nil, apperr.Store("find by region", err)
		}
		l.Rank = rank
		out = append(out, *l)
	}
	return out, apperr.Store("find by region", rows.Err())
}

func (s *PostgresStore) FindNearby(ctx context.Context, center models.LatLng, radiusKm float64, limit int) ([]models.Listing, error) {
	minLat, maxLat, minLng, maxLng := boundingBox(center, radiusKm)
	query := `
		SELECT ` + listingColumns + `
		FROM listings l
		WHERE l.is_active AND l.lat BETWEEN $1 AND $2 AND l.lng BETWEEN $3 AND $4`

	rows, err := s.pool.Query(ctx, query, minLat, maxLat, minLng, maxLng)
	if err != nil {
		return nil, apperr.Store("find nearby", err)
	}
	defer rows.Close()

	var candidates []models.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, apperr.Store("find nearby", err)
		}
		candidates = append(candidates, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store("find nearby", err)
	}
	return filterNearby(candidates, center, radiusKm, limit), nil
}

func (s *PostgresStore) Deactivate(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `UPDATE listings SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return apperr.Store("deactivate listing", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Store("deactivate listing", ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) UpdateRating(ctx context.Context, id uuid.UUID, rating *float64, reviewCount, completeness int) error {
	query := `
		UPDATE listings SET
			external_rating = $2,
			external_review_count = $3,
			completeness_score = $4,
			updated_at = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, id, rating, reviewCount, completeness)
	if err != nil {
		return apperr.Store("update rating", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Store("update rating", ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) UpdateLogo(ctx context.Context, id uuid.UUID, logoURL string, completeness int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE listings SET logo_url = $2, logo_checked_at = NOW(), completeness_score = $3, updated_at = NOW() WHERE id = $1`,
		id, logoURL, completeness)
	if err != nil {
		return apperr.Store("update logo", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Store("update logo", ErrNotFound)
	}
	return nil
}

// MarkLogoChecked stamps a listing whose website was visited without storing a
// logo, moving it behind the unchecked ones. updated_at is left alone.
func (s *PostgresStore) MarkLogoChecked(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `UPDATE listings SET logo_checked_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return apperr.Store("mark logo checked", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Store("mark logo checked", ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListingsMissingLogo(ctx context.Context, limit int) ([]models.Listing, error) {
	query := `
		SELECT ` + listingColumns + `
		FROM listings l
		WHERE l.is_active AND l.website <> '' AND l.logo_url = ''
		ORDER BY l.logo_checked_at NULLS FIRST, l.updated_at, l.id
		LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, apperr.Store("listings missing logo", err)
	}
	defer rows.Close()

	var out []models.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, apperr.Store("listings missing logo", err)
		}
		out = append(out, *l)
	}
	return out, apperr.Store("listings missing logo", rows.Err())
}

// =============================================================================
// Rankings
// =============================================================================

func (s *PostgresStore) RankingInputs(ctx context.Context) ([]models.RankingInput, error) {
	query := `
		SELECT l.id, l.subregion_id, s.region_id, l.external_rating,
			l.external_review_count, l.completeness_score
		FROM listings l
		JOIN subregions s ON s.id = l.subregion_id
		WHERE l.is_active
		ORDER BY l.id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, apperr.Store("ranking inputs", err)
	}
	defer rows.Close()

	var out []models.RankingInput
	for rows.Next() {
		var in models.RankingInput
		if err := rows.Scan(&in.ListingID, &in.SubRegionID, &in.RegionID, &in.Rating, &in.ReviewCount, &in.Completeness); err != nil {
			return nil, apperr.Store("ranking inputs", err)
		}
		out = append(out, in)
	}
	return out, apperr.Store("ranking inputs", rows.Err())
}

func (s *PostgresStore) CurrentRanks(ctx context.Context) (map[models.RankKey]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT scope_type, scope_id, listing_id, rank FROM ranking_snapshots`)
	if err != nil {
		return nil, apperr.Store("current ranks", err)
	}
	defer rows.Close()

	ranks := make(map[models.RankKey]int)
	for rows.Next() {
		var k models.RankKey
		var scopeType string
		var rank int
		if err := rows.Scan(&scopeType, &k.ScopeID, &k.ListingID, &rank); err != nil {
			return nil, apperr.Store("current ranks", err)
		}
		k.ScopeType = models.ScopeType(scopeType)
		ranks[k] = rank
	}
	return ranks, apperr.Store("current ranks", rows.Err())
}

// ReplaceRankings swaps the whole snapshot table in one transaction.
func (s *PostgresStore) ReplaceRankings(ctx context.Context, snapshots []models.RankingSnapshot) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.Store("replace rankings", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM ranking_snapshots`); err != nil {
		return apperr.Store("replace rankings", err)
	}

	columns := []string{"scope_type", "scope_id", "listing_id", "composite_score", "rank", "previous_rank", "computed_at"}
	_, err = tx.CopyFrom(ctx, pgx.Identifier{"ranking_snapshots"}, columns,
		pgx.CopyFromSlice(len(snapshots), func(i int) ([]interface{}, error) {
			snap := snapshots[i]
			return []interface{}{
				string(snap.ScopeType),
				snap.ScopeID,
				pgtype.UUID{Bytes: snap.ListingID, Valid: true},
				snap.CompositeScore,
				int32(snap.Rank),
				previousRankValue(snap.PreviousRank),
				snap.ComputedAt,
			}, nil
		}))
	if err != nil {
		return apperr.Store("replace rankings", err)
	}

	return apperr.Store("replace rankings", tx.Commit(ctx))
}

func previousRankValue(p *int) pgtype.Int4 {
	if p == nil {
		return pgtype.Int4{}
	}
	return pgtype.Int4{Int32: int32(*p), Valid: true}
}

func (s *PostgresStore) TopRankedForRefresh(ctx context.Context, perRegion int) ([]models.RefreshCandidate, error) {
	query := `
		SELECT listing_id, external_id, scope_id, rank FROM (
			SELECT r.listing_id, l.external_id, r.scope_id, r.rank,
				ROW_NUMBER() OVER (PARTITION BY r.scope_id ORDER BY r.rank) AS pos
			FROM ranking_snapshots r
			JOIN listings l ON l.id = r.listing_id
			WHERE r.scope_type = 'region' AND l.is_active AND l.external_id <> ''
		) ranked
		WHERE pos <= $1
		ORDER BY scope_id, rank`

	rows, err := s.pool.Query(ctx, query, perRegion)
	if err != nil {
		return nil, apperr.Store("top ranked", err)
	}
	defer rows.Close()

	var out []models.RefreshCandidate
	for rows.Next() {
		var c models.RefreshCandidate
		if err := rows.Scan(&c.ListingID, &c.ExternalID, &c.RegionID, &c.Rank); err != nil {
			return nil, apperr.Store("top ranked", err)
		}
		out = append(out, c)
	}
	return out, apperr.Store("top ranked", rows.Err())
}

// =============================================================================
// Scrape logs
// =============================================================================

func (s *PostgresStore) RecordScrapeLog(ctx context.Context, entry *models.ScrapeLog) error {
	query := `
		INSERT INTO scrape_logs (job_type, scope, found, added, updated, errors, status, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	err := s.pool.QueryRow(ctx, query,
		string(entry.JobType), entry.Scope, entry.Found, entry.Added, entry.Updated,
		encodeErrors(entry.Errors), string(entry.Status), entry.StartedAt, entry.CompletedAt,
	).Scan(&entry.ID)
	return apperr.Store("record scrape log", err)
}
