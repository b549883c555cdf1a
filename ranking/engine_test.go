package ranking

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"geo_ranker/models"
)

type fakeStore struct {
	inputs     []models.RankingInput
	previous   map[models.RankKey]int
	inputsErr  error
	replaceErr error
	replaced   []models.RankingSnapshot
	calls      int
}

func (f *fakeStore) RankingInputs(ctx context.Context) ([]models.RankingInput, error) {
	return f.inputs, f.inputsErr
}

func (f *fakeStore) CurrentRanks(ctx context.Context) (map[models.RankKey]int, error) {
	if f.previous == nil {
		return map[models.RankKey]int{}, nil
	}
	return f.previous, nil
}

func (f *fakeStore) ReplaceRankings(ctx context.Context, snaps []models.RankingSnapshot) error {
	f.calls++
	if f.replaceErr != nil {
		return f.replaceErr
	}
	f.replaced = snaps
	return nil
}

func rating(v float64) *float64 { return &v }

func input(sub, region int64, r *float64, reviews, completeness int) models.RankingInput {
	return models.RankingInput{
		ListingID:    uuid.New(),
		SubRegionID:  sub,
		RegionID:     region,
		Rating:       r,
		ReviewCount:  reviews,
		Completeness: completeness,
	}
}

func byScope(snaps []models.RankingSnapshot, typ models.ScopeType, id int64) []models.RankingSnapshot {
	var out []models.RankingSnapshot
	for _, s := range snaps {
		if s.ScopeType == typ && s.ScopeID == id {
			out = append(out, s)
		}
	}
	return out
}

func TestPolicyScore(t *testing.T) {
	p := DefaultPolicy()

	perfect := p.Score(models.RankingInput{Rating: rating(5), ReviewCount: 100, Completeness: 100}, 100)
	assert.InDelta(t, 100.0, perfect, 1e-9)

	assert.Equal(t, 0.0, p.Score(models.RankingInput{}, 0))

	// rating only: 0.5 * 0.8 / 1.0
	assert.InDelta(t, 40.0, p.Score(models.RankingInput{Rating: rating(4)}, 0), 1e-9)

	better := p.Score(models.RankingInput{Rating: rating(4), ReviewCount: 50}, 100)
	worse := p.Score(models.RankingInput{Rating: rating(4), ReviewCount: 5}, 100)
	assert.Greater(t, better, worse)

	onlyCompleteness := Policy{CompletenessWeight: 1}
	assert.InDelta(t, 70.0, onlyCompleteness.Score(models.RankingInput{Rating: rating(5), Completeness: 70}, 0), 1e-9)
}

func TestCalculateAllRankings_RanksAreDenseAndUnique(t *testing.T) {
	store := &fakeStore{inputs: []models.RankingInput{
		input(10, 1, rating(4.9), 300, 90),
		input(10, 1, rating(4.1), 20, 50),
		input(10, 1, rating(3.0), 5, 40),
		input(11, 1, rating(4.5), 80, 70),
		input(20, 2, nil, 0, 20),
	}}

	e := NewEngine(store, DefaultPolicy(), zaptest.NewLogger(t))
	res, err := e.CalculateAllRankings(context.Background())
	require.NoError(t, err)

	// 5 sub-region rows + 5 region rows
	assert.Equal(t, 5, res.Processed)
	assert.Equal(t, 10, res.Snapshots)
	require.Len(t, store.replaced, 10)

	for _, sc := range []struct {
		typ  models.ScopeType
		id   int64
		size int
	}{
		{models.ScopeSubRegion, 10, 3},
		{models.ScopeSubRegion, 11, 1},
		{models.ScopeSubRegion, 20, 1},
		{models.ScopeRegion, 1, 4},
		{models.ScopeRegion, 2, 1},
	} {
		rows := byScope(store.replaced, sc.typ, sc.id)
		require.Len(t, rows, sc.size, "%s %d", sc.typ, sc.id)
		for i, r := range rows {
			assert.Equal(t, i+1, r.Rank)
			if i > 0 {
				assert.GreaterOrEqual(t, rows[i-1].CompositeScore, r.CompositeScore)
			}
		}
	}

	denver := byScope(store.replaced, models.ScopeSubRegion, 10)
	assert.Equal(t, store.inputs[0].ListingID, denver[0].ListingID)
}

func TestCalculateAllRankings_PreviousRankFromPriorSnapshot(t *testing.T) {
	a := input(10, 1, rating(5), 100, 100)
	b := input(10, 1, rating(2), 1, 10)

	store := &fakeStore{
		inputs: []models.RankingInput{a, b},
		previous: map[models.RankKey]int{
			{ScopeType: models.ScopeSubRegion, ScopeID: 10, ListingID: a.ListingID}: 5,
		},
	}

	e := NewEngine(store, DefaultPolicy(), zaptest.NewLogger(t))
	_, err := e.CalculateAllRankings(context.Background())
	require.NoError(t, err)

	rows := byScope(store.replaced, models.ScopeSubRegion, 10)
	require.Len(t, rows, 2)
	require.NotNil(t, rows[0].PreviousRank)
	assert.Equal(t, 5, *rows[0].PreviousRank)
	assert.Equal(t, 1, rows[0].Rank)
	assert.Nil(t, rows[1].PreviousRank)

	regionRows := byScope(store.replaced, models.ScopeRegion, 1)
	assert.Nil(t, regionRows[0].PreviousRank)
}

func TestCalculateAllRankings_ProcessedCountsListingsNotRows(t *testing.T) {
	store := &fakeStore{inputs: []models.RankingInput{
		input(1, 1, rating(4.8), 120, 80),
		input(1, 1, rating(4.2), 40, 60),
		input(1, 1, rating(3.9), 10, 30),
	}}

	e := NewEngine(store, DefaultPolicy(), zaptest.NewLogger(t))
	res, err := e.CalculateAllRankings(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 6, res.Snapshots)
	assert.Len(t, store.replaced, 6)
}

func TestCalculateAllRankings_EmptyProducesNoRows(t *testing.T) {
	store := &fakeStore{}
	e := NewEngine(store, DefaultPolicy(), zaptest.NewLogger(t))

	res, err := e.CalculateAllRankings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)
	assert.Equal(t, 1, store.calls)
	assert.Empty(t, store.replaced)
}

func TestCalculateAllRankings_MissingRatingScoresAsZero(t *testing.T) {
	rated := input(10, 1, rating(1), 0, 0)
	unrated := input(10, 1, nil, 0, 0)
	store := &fakeStore{inputs: []models.RankingInput{unrated, rated}}

	e := NewEngine(store, DefaultPolicy(), zaptest.NewLogger(t))
	_, err := e.CalculateAllRankings(context.Background())
	require.NoError(t, err)

	rows := byScope(store.replaced, models.ScopeSubRegion, 10)
	require.Len(t, rows, 2)
	assert.Equal(t, rated.ListingID, rows[0].ListingID)
	assert.Equal(t, 0.0, rows[1].CompositeScore)
}

func TestCalculateAllRankings_TiesBreakOnReviewsThenID(t *testing.T) {
	// rating-only policy so equal ratings score the same
	p := Policy{RatingWeight: 1}
	few := input(10, 1, rating(4), 3, 0)
	many := input(10, 1, rating(4), 30, 0)
	twinA := input(11, 1, rating(4), 3, 0)
	twinB := input(11, 1, rating(4), 3, 0)

	store := &fakeStore{inputs: []models.RankingInput{few, many, twinA, twinB}}
	e := NewEngine(store, p, zaptest.NewLogger(t))
	_, err := e.CalculateAllRankings(context.Background())
	require.NoError(t, err)

	rows := byScope(store.replaced, models.ScopeSubRegion, 10)
	assert.Equal(t, many.ListingID, rows[0].ListingID)

	twins := byScope(store.replaced, models.ScopeSubRegion, 11)
	first, second := twinA.ListingID, twinB.ListingID
	if second.String() < first.String() {
		first, second = second, first
	}
	assert.Equal(t, first, twins[0].ListingID)
	assert.Equal(t, second, twins[1].ListingID)
}

func TestCalculateAllRankings_StoreErrors(t *testing.T) {
	boom := errors.New("db down")

	store := &fakeStore{inputsErr: boom}
	e := NewEngine(store, DefaultPolicy(), zaptest.NewLogger(t))
	_, err := e.CalculateAllRankings(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, store.calls)

	store = &fakeStore{inputs: []models.RankingInput{input(10, 1, rating(4), 1, 1)}, replaceErr: boom}
	e = NewEngine(store, DefaultPolicy(), zaptest.NewLogger(t))
	res, err := e.CalculateAllRankings(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, res)
}
