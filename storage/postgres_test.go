package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geo_ranker/apperr"
	"geo_ranker/models"
)

var upsertReturning = []string{"id", "is_active", "created_at", "updated_at", "inserted"}

func newMockPostgres(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return &PostgresStore{pool: mock}, mock
}

func TestPostgresUpsertListing_NewRowReportsCreated(t *testing.T) {
	s, mock := newMockPostgres(t)
	now := time.Now().UTC()
	l := &models.Listing{ExternalID: "place-1", Slug: "green-leaf", Name: "Green Leaf"}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT slug FROM listings WHERE external_id").
		WithArgs("place-1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("green-leaf").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("green-leaf-2").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("INSERT INTO listings").
		WillReturnRows(pgxmock.NewRows(upsertReturning).AddRow(uuid.New(), true, now, now, true))
	mock.ExpectCommit()

	created, err := s.UpsertListing(context.Background(), l)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "green-leaf-2", l.Slug)
	assert.NotEqual(t, uuid.Nil, l.ID)
	assert.True(t, l.IsActive)
	assert.Equal(t, now, l.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertListing_ExistingRowKeepsSlug(t *testing.T) {
	s, mock := newMockPostgres(t)
	created := time.Now().UTC().Add(-24 * time.Hour)
	id := uuid.New()
	l := &models.Listing{ExternalID: "place-1", Slug: "green-leaf-renamed", Name: "Green Leaf Renamed"}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT slug FROM listings WHERE external_id").
		WithArgs("place-1").
		WillReturnRows(pgxmock.NewRows([]string{"slug"}).AddRow("green-leaf"))
	mock.ExpectQuery("INSERT INTO listings").
		WillReturnRows(pgxmock.NewRows(upsertReturning).AddRow(id, false, created, time.Now().UTC(), false))
	mock.ExpectCommit()

	wasCreated, err := s.UpsertListing(context.Background(), l)
	require.NoError(t, err)
	assert.False(t, wasCreated)
	assert.Equal(t, "green-leaf", l.Slug)
	assert.Equal(t, id, l.ID)
	assert.False(t, l.IsActive, "deactivated listings stay inactive")
	assert.Equal(t, created, l.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertListing_RollsBackOnWriteFailure(t *testing.T) {
	s, mock := newMockPostgres(t)
	boom := errors.New("deadlock detected")

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT slug FROM listings WHERE external_id").
		WillReturnRows(pgxmock.NewRows([]string{"slug"}).AddRow("green-leaf"))
	mock.ExpectQuery("INSERT INTO listings").WillReturnError(boom)
	mock.ExpectRollback()

	_, err := s.UpsertListing(context.Background(), &models.Listing{ExternalID: "place-1", Slug: "green-leaf"})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, apperr.CodeStore, apperr.CodeOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

var snapshotColumns = []string{"scope_type", "scope_id", "listing_id", "composite_score", "rank", "previous_rank", "computed_at"}

func TestPostgresReplaceRankings_CopiesSnapshots(t *testing.T) {
	s, mock := newMockPostgres(t)
	now := time.Now().UTC()
	prev := 3

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM ranking_snapshots").WillReturnResult(pgxmock.NewResult("DELETE", 7))
	mock.ExpectCopyFrom(pgx.Identifier{"ranking_snapshots"}, snapshotColumns).WillReturnResult(2)
	mock.ExpectCommit()

	err := s.ReplaceRankings(context.Background(), []models.RankingSnapshot{
		{ScopeType: models.ScopeSubRegion, ScopeID: 11, ListingID: uuid.New(), CompositeScore: 0.9, Rank: 1, PreviousRank: &prev, ComputedAt: now},
		{ScopeType: models.ScopeRegion, ScopeID: 1, ListingID: uuid.New(), CompositeScore: 0.9, Rank: 1, ComputedAt: now},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReplaceRankings_RollsBackOnCopyFailure(t *testing.T) {
	s, mock := newMockPostgres(t)
	boom := errors.New("copy aborted")

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM ranking_snapshots").WillReturnResult(pgxmock.NewResult("DELETE", 7))
	mock.ExpectCopyFrom(pgx.Identifier{"ranking_snapshots"}, snapshotColumns).WillReturnError(boom)
	mock.ExpectRollback()

	err := s.ReplaceRankings(context.Background(), []models.RankingSnapshot{
		{ScopeType: models.ScopeRegion, ScopeID: 1, ListingID: uuid.New(), Rank: 1, ComputedAt: time.Now().UTC()},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, apperr.CodeStore, apperr.CodeOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkLogoChecked_UnknownListing(t *testing.T) {
	s, mock := newMockPostgres(t)
	id := uuid.New()

	mock.ExpectExec("UPDATE listings SET logo_checked_at").
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.MarkLogoChecked(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPreviousRankValue(t *testing.T) {
	assert.False(t, previousRankValue(nil).Valid)

	p := 4
	v := previousRankValue(&p)
	assert.True(t, v.Valid)
	assert.Equal(t, int32(4), v.Int32)
}
