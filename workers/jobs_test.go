package workers

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"geo_ranker/apperr"
	"geo_ranker/models"
)

type fakeScraper struct {
	scope models.ScopeParams
	res   *models.ScrapeResult
	err   error
}

func (f *fakeScraper) Run(ctx context.Context, scope models.ScopeParams) (*models.ScrapeResult, error) {
	f.scope = scope
	return f.res, f.err
}

type fakeRanker struct {
	res *models.RankResult
	err error
}

func (f *fakeRanker) CalculateAllRankings(ctx context.Context) (*models.RankResult, error) {
	return f.res, f.err
}

type fakeRunLog struct {
	entries []*models.ScrapeLog
}

func (f *fakeRunLog) RecordScrapeLog(ctx context.Context, e *models.ScrapeLog) error {
	f.entries = append(f.entries, e)
	return nil
}

func TestScrapeProcessor(t *testing.T) {
	s := &fakeScraper{res: &models.ScrapeResult{TotalFound: 5, TotalAdded: 3, TotalUpdated: 2}}
	p := ScrapeProcessor(s)

	job := &models.Job{ID: uuid.New(), Type: models.JobScrape, Scope: &models.ScopeParams{Level: models.LevelRegion, ID: 4}}
	res, err := p(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, s.res, res)
	assert.Equal(t, "region:4", s.scope.String())

	_, err = p(context.Background(), &models.Job{ID: uuid.New(), Type: models.JobScrape})
	assert.True(t, apperr.IsValidation(err))

	// no typed nil leaks out as a result
	s.res, s.err = nil, errors.New("db down")
	res, err = p(context.Background(), job)
	assert.Error(t, err)
	assert.Nil(t, res)
}

func TestRankProcessor_RecordsRunLog(t *testing.T) {
	runs := &fakeRunLog{}
	p := RankProcessor(&fakeRanker{res: &models.RankResult{Processed: 12}}, runs, zaptest.NewLogger(t))

	res, err := p(context.Background(), &models.Job{ID: uuid.New(), Type: models.JobRank})
	require.NoError(t, err)
	assert.Equal(t, &models.RankResult{Processed: 12}, res)

	require.Len(t, runs.entries, 1)
	assert.Equal(t, models.JobRank, runs.entries[0].JobType)
	assert.Equal(t, models.RunStatusCompleted, runs.entries[0].Status)
	assert.Equal(t, 12, runs.entries[0].Found)

	p = RankProcessor(&fakeRanker{err: apperr.Store("replace rankings", errors.New("deadlock"))}, runs, zaptest.NewLogger(t))
	res, err = p(context.Background(), &models.Job{ID: uuid.New(), Type: models.JobRank})
	assert.Error(t, err)
	assert.Nil(t, res)
	require.Len(t, runs.entries, 2)
	assert.Equal(t, models.RunStatusFailed, runs.entries[1].Status)
	assert.Contains(t, runs.entries[1].Errors[0], "deadlock")
}
