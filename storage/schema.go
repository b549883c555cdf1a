package storage

const postgresSchema = `
CREATE TABLE IF NOT EXISTS regions (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	slug TEXT NOT NULL UNIQUE,
	abbreviation TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS subregions (
	id BIGSERIAL PRIMARY KEY,
	region_id BIGINT NOT NULL REFERENCES regions(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	slug TEXT NOT NULL,
	lat DOUBLE PRECISION NOT NULL,
	lng DOUBLE PRECISION NOT NULL,
	radius_meters INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (region_id, slug)
);

CREATE TABLE IF NOT EXISTS listings (
	id UUID PRIMARY KEY,
	external_id TEXT NOT NULL UNIQUE,
	slug TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	street TEXT NOT NULL DEFAULT '',
	city TEXT NOT NULL DEFAULT '',
	lat DOUBLE PRECISION,
	lng DOUBLE PRECISION,
	phone TEXT NOT NULL DEFAULT '',
	website TEXT NOT NULL DEFAULT '',
	logo_url TEXT NOT NULL DEFAULT '',
	logo_checked_at TIMESTAMPTZ,
	photos JSONB NOT NULL DEFAULT '[]',
	hours JSONB,
	subregion_id BIGINT REFERENCES subregions(id) ON DELETE SET NULL,
	external_rating DOUBLE PRECISION,
	external_review_count INTEGER NOT NULL DEFAULT 0,
	external_listings JSONB NOT NULL DEFAULT '{}',
	completeness_score INTEGER NOT NULL DEFAULT 0 CHECK (completeness_score BETWEEN 0 AND 100),
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS ranking_snapshots (
	scope_type TEXT NOT NULL CHECK (scope_type IN ('subregion', 'region')),
	scope_id BIGINT NOT NULL,
	listing_id UUID NOT NULL REFERENCES listings(id) ON DELETE CASCADE,
	composite_score DOUBLE PRECISION NOT NULL,
	rank INTEGER NOT NULL,
	previous_rank INTEGER,
	computed_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (scope_type, scope_id, listing_id),
	UNIQUE (scope_type, scope_id, rank)
);

CREATE TABLE IF NOT EXISTS scrape_logs (
	id BIGSERIAL PRIMARY KEY,
	job_type TEXT NOT NULL,
	scope TEXT NOT NULL,
	found INTEGER NOT NULL DEFAULT 0,
	added INTEGER NOT NULL DEFAULT 0,
	updated INTEGER NOT NULL DEFAULT 0,
	errors JSONB NOT NULL DEFAULT '[]',
	status TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);

ALTER TABLE listings ADD COLUMN IF NOT EXISTS logo_checked_at TIMESTAMPTZ;

CREATE INDEX IF NOT EXISTS idx_listings_subregion ON listings(subregion_id) WHERE is_active;
CREATE INDEX IF NOT EXISTS idx_listings_geo ON listings(lat, lng) WHERE is_active;
CREATE INDEX IF NOT EXISTS idx_rankings_listing ON ranking_snapshots(listing_id);
CREATE INDEX IF NOT EXISTS idx_scrape_logs_started ON scrape_logs(started_at);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS regions (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	slug TEXT NOT NULL UNIQUE,
	abbreviation TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS subregions (
	id INTEGER PRIMARY KEY,
	region_id INTEGER NOT NULL REFERENCES regions(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	slug TEXT NOT NULL,
	lat REAL NOT NULL,
	lng REAL NOT NULL,
	radius_meters INTEGER NOT NULL,
	created_at DATETIME NOT NULL,
	UNIQUE (region_id, slug)
);

CREATE TABLE IF NOT EXISTS listings (
	id TEXT PRIMARY KEY,
	external_id TEXT NOT NULL UNIQUE,
	slug TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	street TEXT NOT NULL DEFAULT '',
	city TEXT NOT NULL DEFAULT '',
	lat REAL,
	lng REAL,
	phone TEXT NOT NULL DEFAULT '',
	website TEXT NOT NULL DEFAULT '',
	logo_url TEXT NOT NULL DEFAULT '',
	logo_checked_at DATETIME,
	photos JSON NOT NULL DEFAULT '[]',
	hours JSON,
	subregion_id INTEGER REFERENCES subregions(id) ON DELETE SET NULL,
	external_rating REAL,
	external_review_count INTEGER NOT NULL DEFAULT 0,
	external_listings JSON NOT NULL DEFAULT '{}',
	completeness_score INTEGER NOT NULL DEFAULT 0,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS ranking_snapshots (
	scope_type TEXT NOT NULL CHECK (scope_type IN ('subregion', 'region')),
	scope_id INTEGER NOT NULL,
	listing_id TEXT NOT NULL REFERENCES listings(id) ON DELETE CASCADE,
	composite_score REAL NOT NULL,
	rank INTEGER NOT NULL,
	previous_rank INTEGER,
	computed_at DATETIME NOT NULL,
	PRIMARY KEY (scope_type, scope_id, listing_id),
	UNIQUE (scope_type, scope_id, rank)
);

CREATE TABLE IF NOT EXISTS scrape_logs (
	id INTEGER PRIMARY KEY,
	job_type TEXT NOT NULL,
	scope TEXT NOT NULL,
	found INTEGER NOT NULL DEFAULT 0,
	added INTEGER NOT NULL DEFAULT 0,
	updated INTEGER NOT NULL DEFAULT 0,
	errors JSON NOT NULL DEFAULT '[]',
	status TEXT NOT NULL,
	started_at DATETIME NOT NULL,
	completed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_listings_subregion ON listings(subregion_id) WHERE is_active;
CREATE INDEX IF NOT EXISTS idx_listings_geo ON listings(lat, lng) WHERE is_active;
CREATE INDEX IF NOT EXISTS idx_rankings_listing ON ranking_snapshots(listing_id);
CREATE INDEX IF NOT EXISTS idx_scrape_logs_started ON scrape_logs(started_at);
`
