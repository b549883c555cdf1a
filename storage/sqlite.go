package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"geo_ranker/apperr"
	"geo_ranker/identity"
	"geo_ranker/models"
)

// SQLiteStore is the single-file backend used for local runs and tests.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, apperr.Store("ping", err)
	}
	return NewSQLiteStoreFromDB(db), nil
}

// NewSQLiteStoreFromDB wraps an already opened handle.
func NewSQLiteStoreFromDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return apperr.Store("migrate", err)
	}

	// databases created before logo_checked_at existed
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info('listings') WHERE name = 'logo_checked_at'`).Scan(&n)
	if err != nil {
		return apperr.Store("migrate", err)
	}
	if n == 0 {
		_, err = s.db.ExecContext(ctx, `ALTER TABLE listings ADD COLUMN logo_checked_at DATETIME`)
	}
	return apperr.Store("migrate", err)
}

// =============================================================================
// Regions
// =============================================================================

func (s *SQLiteStore) UpsertRegion(ctx context.Context, r *models.Region) error {
	query := `
		INSERT INTO regions (name, slug, abbreviation, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (slug) DO UPDATE SET
			name = excluded.name,
			abbreviation = excluded.abbreviation
		RETURNING id, created_at`

	err := s.db.QueryRowContext(ctx, query, r.Name, r.Slug, r.Abbreviation, s.now()).Scan(&r.ID, &r.CreatedAt)
	return apperr.Store("upsert region", err)
}

func (s *SQLiteStore) UpsertSubRegion(ctx context.Context, sr *models.SubRegion) error {
	query := `
		INSERT INTO subregions (region_id, name, slug, lat, lng, radius_meters, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (region_id, slug) DO UPDATE SET
			name = excluded.name,
			lat = excluded.lat,
			lng = excluded.lng,
			radius_meters = excluded.radius_meters
		RETURNING id, created_at`

	err := s.db.QueryRowContext(ctx, query, sr.RegionID, sr.Name, sr.Slug, sr.Lat, sr.Lng, sr.RadiusMeters, s.now()).
		Scan(&sr.ID, &sr.CreatedAt)
	return apperr.Store("upsert subregion", err)
}

func (s *SQLiteStore) ListRegions(ctx context.Context) ([]models.Region, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, slug, abbreviation, created_at FROM regions ORDER BY id`)
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

func (s *SQLiteStore) ListSubRegions(ctx context.Context, regionID int64) ([]models.SubRegion, error) {
	query := `
		SELECT id, region_id, name, slug, lat, lng, radius_meters, created_at
		FROM subregions WHERE region_id = ? ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, regionID)
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

func (s *SQLiteStore) GetRegion(ctx context.Context, id int64) (*models.Region, error) {
	return s.getRegion(ctx, `SELECT id, name, slug, abbreviation, created_at FROM regions WHERE id = ?`, id)
}

func (s *SQLiteStore) RegionBySlug(ctx context.Context, slug string) (*models.Region, error) {
	return s.getRegion(ctx, `SELECT id, name, slug, abbreviation, created_at FROM regions WHERE slug = ?`, slug)
}

func (s *SQLiteStore) getRegion(ctx context.Context, query string, arg interface{}) (*models.Region, error) {
	var r models.Region
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&r.ID, &r.Name, &r.Slug, &r.Abbreviation, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Store("get region", err)
	}
	return &r, nil
}

func (s *SQLiteStore) GetSubRegion(ctx context.Context, id int64) (*models.SubRegion, error) {
	query := `
		SELECT id, region_id, name, slug, lat, lng, radius_meters, created_at
		FROM subregions WHERE id = ?`
	return s.getSubRegion(ctx, query, id)
}

func (s *SQLiteStore) SubRegionBySlug(ctx context.Context, regionID int64, slug string) (*models.SubRegion, error) {
	query := `
		SELECT id, region_id, name, slug, lat, lng, radius_meters, created_at
		FROM subregions WHERE region_id = ? AND slug = ?`
	return s.getSubRegion(ctx, query, regionID, slug)
}

func (s *SQLiteStore) getSubRegion(ctx context.Context, query string, args ...interface{}) (*models.SubRegion, error) {
	var sr models.SubRegion
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&sr.ID, &sr.RegionID, &sr.Name, &sr.Slug, &sr.Lat, &sr.Lng, &sr.RadiusMeters, &sr.CreatedAt)
	if err == sql.ErrNoRows {
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

func (s *SQLiteStore) UpsertListing(ctx context.Context, l *models.Listing) (bool, error) {
	enc, err := encodeListingJSON(l)
	if err != nil {
		return false, apperr.Store("upsert listing", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, apperr.Store("upsert listing", err)
	}
	defer tx.Rollback()

	now := s.now()

	var existing models.Listing
	err = tx.QueryRowContext(ctx,
		`SELECT id, slug, is_active, created_at FROM listings WHERE external_id = ?`, l.ExternalID,
	).Scan(&existing.ID, &existing.Slug, &existing.IsActive, &existing.CreatedAt)

	created := false
	switch {
	case err == sql.ErrNoRows:
		created = true
		slug, err := s.uniqueSlug(ctx, tx, l.Slug)
		if err != nil {
			return false, apperr.Store("upsert listing", err)
		}
		if l.ID == uuid.Nil {
			l.ID = uuid.New()
		}
		l.Slug = slug
		l.IsActive = true
		l.CreatedAt = now

		_, err = tx.ExecContext(ctx, `
			INSERT INTO listings (
				id, external_id, slug, name, street, city, lat, lng, phone, website, logo_url,
				photos, hours, subregion_id, external_rating, external_review_count,
				external_listings, completeness_score, is_active, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			l.ID.String(), l.ExternalID, l.Slug, l.Name, l.Street, l.City, l.Lat, l.Lng, l.Phone, l.Website, l.LogoURL,
			string(enc.photos), nullableJSON(enc.hours), l.SubRegionID, l.ExternalRating, l.ExternalReviewCount,
			string(enc.external), l.CompletenessScore, true, now, now,
		)
		if err != nil {
			return false, apperr.Store("upsert listing", err)
		}
	case err != nil:
		return false, apperr.Store("upsert listing", err)
	default:
		l.ID = existing.ID
		l.Slug = existing.Slug
		l.IsActive = existing.IsActive
		l.CreatedAt = existing.CreatedAt

		_, err = tx.ExecContext(ctx, `
			UPDATE listings SET
				logo_checked_at = CASE WHEN website <> ? THEN NULL ELSE logo_checked_at END,
				name = ?, street = ?, city = ?, lat = ?, lng = ?, phone = ?, website = ?, logo_url = ?,
				photos = ?, hours = ?, subregion_id = ?, external_rating = ?, external_review_count = ?,
				external_listings = ?, completeness_score = ?, updated_at = ?
			WHERE id = ?`,
			l.Website,
			l.Name, l.Street, l.City, l.Lat, l.Lng, l.Phone, l.Website, l.LogoURL,
			string(enc.photos), nullableJSON(enc.hours), l.SubRegionID, l.ExternalRating, l.ExternalReviewCount,
			string(enc.external), l.CompletenessScore, now, l.ID.String(),
		)
		if err != nil {
			return false, apperr.Store("upsert listing", err)
		}
	}
	l.UpdatedAt = now

	if err := tx.Commit(); err != nil {
		return false, apperr.Store("upsert listing", err)
	}
	return created, nil
}

func nullableJSON(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return string(b)
}

func (s *SQLiteStore) uniqueSlug(ctx context.Context, tx *sql.Tx, base string) (string, error) {
	for attempt := 1; ; attempt++ {
		candidate := identity.Candidate(base, attempt)
		var taken bool
		err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM listings WHERE slug = ?)`, candidate).Scan(&taken)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}
}

func (s *SQLiteStore) GetListing(ctx context.Context, id uuid.UUID) (*models.Listing, error) {
	return s.getListing(ctx, `SELECT `+listingColumns+` FROM listings l WHERE l.id = ?`, id.String())
}

func (s *SQLiteStore) GetListingByExternalID(ctx context.Context, externalID string) (*models.Listing, error) {
	return s.getListing(ctx, `SELECT `+listingColumns+` FROM listings l WHERE l.external_id = ?`, externalID)
}

func (s *SQLiteStore) getListing(ctx context.Context, query string, arg interface{}) (*models.Listing, error) {
	l, err := scanListing(s.db.QueryRowContext(ctx, query, arg))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Store("get listing", err)
	}
	return l, nil
}

func (s *SQLiteStore) FindByRegion(ctx context.Context, scopeType models.ScopeType, scopeID int64, limit, offset int) ([]models.Listing, error) {
	var filter string
	switch scopeType {
	case models.ScopeSubRegion:
		filter = `l.subregion_id = ?`
	case models.ScopeRegion:
		filter = `s.region_id = ?`
	default:
		return nil, apperr.Validation("scope_type", "unknown scope type %q", scopeType)
	}

	query := `
		SELECT ` + listingColumns + `, r.rank
		FROM listings l
		JOIN subregions s ON s.id = l.subregion_id
		LEFT JOIN ranking_snapshots r
			ON r.listing_id = l.id AND r.scope_type = ? AND r.scope_id = ?
		WHERE l.is_active = 1 AND ` + filter + `
		ORDER BY r.rank ASC NULLS LAST, l.external_rating DESC NULLS LAST, l.id
		LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, string(scopeType), scopeID, scopeID, limit, offset)
	if err != nil {
		return nil, apperr.Store("find by region", err)
	}
	defer rows.Close()

	var out []models.Listing
	for rows.Next() {
		var rank sql.NullInt64
		l, err := scanListing(rows, &rank)
		if err != nil {
			return nil, apperr.Store("find by region", err)
		}
		if rank.Valid {
			r := int(rank.Int64)
			l.Rank = &r
		}
		out = append(out, *l)
	}
	return out, apperr.Store("find by region", rows.Err())
}

func (s *SQLiteStore) FindNearby(ctx context.Context, center models.LatLng, radiusKm float64, limit int) ([]models.Listing, error) {
	minLat, maxLat, minLng, maxLng := boundingBox(center, radiusKm)
	query := `
		SELECT ` + listingColumns + `
		FROM listings l
		WHERE l.is_active = 1 AND l.lat BETWEEN ? AND ? AND l.lng BETWEEN ? AND ?`

	rows, err := s.db.QueryContext(ctx, query, minLat, maxLat, minLng, maxLng)
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

func (s *SQLiteStore) Deactivate(ctx context.Context, id uuid.UUID) error {
	return s.execOne(ctx, "deactivate listing",
		`UPDATE listings SET is_active = 0, updated_at = ? WHERE id = ?`, s.now(), id.String())
}

func (s *SQLiteStore) UpdateRating(ctx context.Context, id uuid.UUID, rating *float64, reviewCount, completeness int) error {
	return s.execOne(ctx, "update rating", `
		UPDATE listings SET
			external_rating = ?,
			external_review_count = ?,
			completeness_score = ?,
			updated_at = ?
		WHERE id = ?`,
		rating, reviewCount, completeness, s.now(), id.String())
}

func (s *SQLiteStore) UpdateLogo(ctx context.Context, id uuid.UUID, logoURL string, completeness int) error {
	return s.execOne(ctx, "update logo",
		`UPDATE listings SET logo_url = ?, logo_checked_at = ?, completeness_score = ?, updated_at = ? WHERE id = ?`,
		logoURL, s.now(), completeness, s.now(), id.String())
}

// MarkLogoChecked stamps a listing whose website was visited without storing a
// logo, moving it behind the unchecked ones. updated_at is left alone.
func (s *SQLiteStore) MarkLogoChecked(ctx context.Context, id uuid.UUID) error {
	return s.execOne(ctx, "mark logo checked",
		`UPDATE listings SET logo_checked_at = ? WHERE id = ?`, s.now(), id.String())
}

// execOne runs an update that must match exactly one row.
func (s *SQLiteStore) execOne(ctx context.Context, op, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return apperr.Store(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Store(op, err)
	}
	if n == 0 {
		return apperr.Store(op, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ListingsMissingLogo(ctx context.Context, limit int) ([]models.Listing, error) {
	query := `
		SELECT ` + listingColumns + `
		FROM listings l
		WHERE l.is_active = 1 AND l.website <> '' AND l.logo_url = ''
		ORDER BY l.logo_checked_at IS NOT NULL, l.logo_checked_at, l.updated_at, l.id
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
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

func (s *SQLiteStore) RankingInputs(ctx context.Context) ([]models.RankingInput, error) {
	query := `
		SELECT l.id, l.subregion_id, s.region_id, l.external_rating,
			l.external_review_count, l.completeness_score
		FROM listings l
		JOIN subregions s ON s.id = l.subregion_id
		WHERE l.is_active = 1
		ORDER BY l.id`

	rows, err := s.db.QueryContext(ctx, query)
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

func (s *SQLiteStore) CurrentRanks(ctx context.Context) (map[models.RankKey]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT scope_type, scope_id, listing_id, rank FROM ranking_snapshots`)
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

func (s *SQLiteStore) ReplaceRankings(ctx context.Context, snapshots []models.RankingSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Store("replace rankings", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM ranking_snapshots`); err != nil {
		return apperr.Store("replace rankings", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ranking_snapshots
			(scope_type, scope_id, listing_id, composite_score, rank, previous_rank, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return apperr.Store("replace rankings", err)
	}
	defer stmt.Close()

	for _, snap := range snapshots {
		var prev interface{}
		if snap.PreviousRank != nil {
			prev = *snap.PreviousRank
		}
		_, err := stmt.ExecContext(ctx,
			string(snap.ScopeType), snap.ScopeID, snap.ListingID.String(),
			snap.CompositeScore, snap.Rank, prev, snap.ComputedAt)
		if err != nil {
			return apperr.Store("replace rankings", err)
		}
	}

	return apperr.Store("replace rankings", tx.Commit())
}

func (s *SQLiteStore) TopRankedForRefresh(ctx context.Context, perRegion int) ([]models.RefreshCandidate, error) {
	query := `
		SELECT listing_id, external_id, scope_id, rank FROM (
			SELECT r.listing_id, l.external_id, r.scope_id, r.rank,
				ROW_NUMBER() OVER (PARTITION BY r.scope_id ORDER BY r.rank) AS pos
			FROM ranking_snapshots r
			JOIN listings l ON l.id = r.listing_id
			WHERE r.scope_type = 'region' AND l.is_active = 1 AND l.external_id <> ''
		)
		WHERE pos <= ?
		ORDER BY scope_id, rank`

	rows, err := s.db.QueryContext(ctx, query, perRegion)
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

func (s *SQLiteStore) RecordScrapeLog(ctx context.Context, entry *models.ScrapeLog) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO scrape_logs (job_type, scope, found, added, updated, errors, status, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(entry.JobType), entry.Scope, entry.Found, entry.Added, entry.Updated,
		string(encodeErrors(entry.Errors)), string(entry.Status), entry.StartedAt, entry.CompletedAt,
	)
	if err != nil {
		return apperr.Store("record scrape log", err)
	}
	entry.ID, err = res.LastInsertId()
	return apperr.Store("record scrape log", err)
}
