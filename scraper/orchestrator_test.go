package scraper

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"geo_ranker/apperr"
	"geo_ranker/config"
	"geo_ranker/models"
)

type fakePage struct {
	records []models.PlaceRecord
	next    string
}

type fakeDirectory struct {
	mu      sync.Mutex
	pages   map[int64][]fakePage // keyed by radius, used as a sub-region marker
	fail    map[int64]error
	calls   []string
	details map[string]*models.DetailRecord
}

func (d *fakeDirectory) SearchNearby(ctx context.Context, center models.LatLng, radius int, token string) ([]models.PlaceRecord, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "search:"+token)

	key := int64(radius)
	if err := d.fail[key]; err != nil {
		return nil, "", err
	}
	pages := d.pages[key]
	idx := 0
	if token != "" {
		for i, p := range pages {
			if p.next == token {
				idx = i + 1
			}
		}
	}
	if idx >= len(pages) {
		return nil, "", nil
	}
	return pages[idx].records, pages[idx].next, nil
}

func (d *fakeDirectory) GetDetails(ctx context.Context, id string) (*models.DetailRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "details:"+id)
	if det, ok := d.details[id]; ok {
		return det, nil
	}
	return nil, apperr.External(404, "not found")
}

type fakeRegions struct {
	regions []models.Region
	subs    []models.SubRegion
}

func (f *fakeRegions) ListRegions(ctx context.Context) ([]models.Region, error) {
	return f.regions, nil
}

func (f *fakeRegions) ListSubRegions(ctx context.Context, regionID int64) ([]models.SubRegion, error) {
	var out []models.SubRegion
	for _, s := range f.subs {
		if s.RegionID == regionID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeRegions) GetRegion(ctx context.Context, id int64) (*models.Region, error) {
	for _, r := range f.regions {
		if r.ID == id {
			r := r
			return &r, nil
		}
	}
	return nil, nil
}

func (f *fakeRegions) GetSubRegion(ctx context.Context, id int64) (*models.SubRegion, error) {
	for _, s := range f.subs {
		if s.ID == id {
			s := s
			return &s, nil
		}
	}
	return nil, nil
}

type fakeWriter struct {
	seen    map[string]bool
	written []models.PlaceRecord
	failOn  map[string]error
}

func newFakeWriter(existing ...string) *fakeWriter {
	w := &fakeWriter{seen: make(map[string]bool), failOn: make(map[string]error)}
	for _, id := range existing {
		w.seen[id] = true
	}
	return w
}

func (w *fakeWriter) UpsertPlace(ctx context.Context, rec models.PlaceRecord, subRegionID int64) (*models.Listing, bool, error) {
	if err := w.failOn[rec.ExternalID]; err != nil {
		return nil, false, err
	}
	w.written = append(w.written, rec)
	created := !w.seen[rec.ExternalID]
	w.seen[rec.ExternalID] = true
	return &models.Listing{ID: uuid.New(), ExternalID: rec.ExternalID}, created, nil
}

type fakeRuns struct {
	entries []*models.ScrapeLog
	err     error
}

func (r *fakeRuns) RecordScrapeLog(ctx context.Context, e *models.ScrapeLog) error {
	r.entries = append(r.entries, e)
	return r.err
}

func places(ids ...string) []models.PlaceRecord {
	out := make([]models.PlaceRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.PlaceRecord{ExternalID: id, Name: "Place " + id})
	}
	return out
}

func testHierarchy() *fakeRegions {
	return &fakeRegions{
		regions: []models.Region{{ID: 1, Slug: "colorado"}, {ID: 2, Slug: "oregon"}},
		subs: []models.SubRegion{
			{ID: 10, RegionID: 1, Slug: "denver", RadiusMeters: 10},
			{ID: 11, RegionID: 1, Slug: "boulder", RadiusMeters: 11},
			{ID: 20, RegionID: 2, Slug: "multnomah", RadiusMeters: 20},
		},
	}
}

func newTestOrchestrator(t *testing.T, dir Directory, w ListingWriter, runs RunRecorder) *Orchestrator {
	return NewOrchestrator(dir, testHierarchy(), w, runs, Options{}, zaptest.NewLogger(t))
}

func TestRun_SubRegionAggregateCounts(t *testing.T) {
	dir := &fakeDirectory{pages: map[int64][]fakePage{
		10: {
			{records: places("a", "b", "c"), next: "p2"},
			{records: places("d", "e")},
		},
	}}
	writer := newFakeWriter("d", "e")
	runs := &fakeRuns{}

	o := newTestOrchestrator(t, dir, writer, runs)
	res, err := o.Run(context.Background(), models.ScopeParams{Level: models.LevelSubRegion, ID: 10})
	require.NoError(t, err)

	assert.Equal(t, 5, res.TotalFound)
	assert.Equal(t, 3, res.TotalAdded)
	assert.Equal(t, 2, res.TotalUpdated)
	assert.Equal(t, []string{"search:", "search:p2"}, dir.calls)

	require.Len(t, runs.entries, 1)
	assert.Equal(t, models.RunStatusCompleted, runs.entries[0].Status)
	assert.Equal(t, "subregion:10", runs.entries[0].Scope)
}

func TestRun_RegionAndAllOrder(t *testing.T) {
	dir := &fakeDirectory{pages: map[int64][]fakePage{
		10: {{records: places("a")}},
		11: {{records: places("b", "a")}},
		20: {{records: places("c")}},
	}}

	writer := newFakeWriter()
	o := newTestOrchestrator(t, dir, writer, nil)

	res, err := o.Run(context.Background(), models.ScopeParams{Level: models.LevelRegion, ID: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, res.TotalFound)
	assert.Equal(t, 2, res.TotalAdded)
	assert.Equal(t, 1, res.TotalUpdated)

	writer = newFakeWriter()
	o = newTestOrchestrator(t, dir, writer, nil)
	res, err = o.Run(context.Background(), models.ScopeParams{Level: models.LevelAll})
	require.NoError(t, err)
	assert.Equal(t, 4, res.TotalFound)

	var order []string
	for _, rec := range writer.written {
		order = append(order, rec.ExternalID)
	}
	assert.Equal(t, []string{"a", "b", "a", "c"}, order)
}

func TestRun_ExternalErrorIsolatedToSubRegion(t *testing.T) {
	dir := &fakeDirectory{
		pages: map[int64][]fakePage{
			10: {{records: places("a", "b")}},
			20: {{records: places("c")}},
		},
		fail: map[int64]error{11: apperr.External(500, "boom")},
	}
	writer := newFakeWriter()
	runs := &fakeRuns{}

	o := newTestOrchestrator(t, dir, writer, runs)
	res, err := o.Run(context.Background(), models.ScopeParams{Level: models.LevelAll})
	require.Error(t, err)
	assert.True(t, apperr.IsExternal(err))

	var srErr *SubRegionError
	require.ErrorAs(t, err, &srErr)
	assert.Equal(t, int64(11), srErr.SubRegionID)

	// work before and after the failing sub-region is kept
	assert.Equal(t, 3, res.TotalFound)
	assert.Equal(t, 3, res.TotalAdded)
	assert.Len(t, res.Errors, 1)

	require.Len(t, runs.entries, 1)
	assert.Equal(t, models.RunStatusFailed, runs.entries[0].Status)
}

func TestRun_UpsertErrorsAreCounted(t *testing.T) {
	dir := &fakeDirectory{pages: map[int64][]fakePage{10: {{records: places("a", "b", "c")}}}}
	writer := newFakeWriter()
	writer.failOn["b"] = apperr.Store("upsert listing", errors.New("constraint"))

	o := newTestOrchestrator(t, dir, writer, nil)
	res, err := o.Run(context.Background(), models.ScopeParams{Level: models.LevelSubRegion, ID: 10})
	require.NoError(t, err)
	assert.Equal(t, 3, res.TotalFound)
	assert.Equal(t, 2, res.TotalAdded)
	assert.Len(t, res.Errors, 1)
}

func TestRun_ValidationBeforeAnyCall(t *testing.T) {
	tests := []models.ScopeParams{
		{Level: models.LevelSubRegion},
		{Level: models.LevelSubRegion, ID: 999},
		{Level: models.LevelRegion, ID: 42},
		{Level: "planet", ID: 1},
	}

	for _, scope := range tests {
		t.Run(scope.String(), func(t *testing.T) {
			dir := &fakeDirectory{}
			o := newTestOrchestrator(t, dir, newFakeWriter(), nil)
			_, err := o.Run(context.Background(), scope)
			require.Error(t, err)
			assert.True(t, apperr.IsValidation(err))
			assert.Empty(t, dir.calls)
		})
	}
}

func TestRun_FetchDetailsMergesFields(t *testing.T) {
	rating := 4.9
	dir := &fakeDirectory{
		pages: map[int64][]fakePage{10: {{records: places("a", "b")}}},
		details: map[string]*models.DetailRecord{
			"a": {ExternalID: "a", City: "Aurora", Phone: "555-0100", Website: "https://a.example", Rating: &rating, ReviewCount: 7},
		},
	}
	writer := newFakeWriter()

	o := NewOrchestrator(dir, testHierarchy(), writer, nil, Options{FetchDetails: true}, zaptest.NewLogger(t))
	res, err := o.Run(context.Background(), models.ScopeParams{Level: models.LevelSubRegion, ID: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalAdded)

	require.Len(t, writer.written, 2)
	assert.Equal(t, "555-0100", writer.written[0].Phone)
	assert.Equal(t, 7, writer.written[0].ReviewCount)
	assert.Equal(t, "Aurora", writer.written[0].City)
	assert.Empty(t, writer.written[1].Phone)
}

func TestRun_RunLogFailureIsNotFatal(t *testing.T) {
	dir := &fakeDirectory{pages: map[int64][]fakePage{10: {{records: places("a")}}}}
	runs := &fakeRuns{err: errors.New("disk full")}

	o := newTestOrchestrator(t, dir, newFakeWriter(), runs)
	res, err := o.Run(context.Background(), models.ScopeParams{Level: models.LevelSubRegion, ID: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, res.TotalAdded)
}

func TestRun_MaxPages(t *testing.T) {
	dir := &fakeDirectory{pages: map[int64][]fakePage{10: {
		{records: places("a"), next: "p2"},
		{records: places("b"), next: "p3"},
		{records: places("c")},
	}}}

	o := NewOrchestrator(dir, testHierarchy(), newFakeWriter(), nil, Options{MaxPages: 2}, zaptest.NewLogger(t))
	res, err := o.Run(context.Background(), models.ScopeParams{Level: models.LevelSubRegion, ID: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalFound)
}

func TestRun_DefaultOptionsFollowEveryPageToken(t *testing.T) {
	dir := &fakeDirectory{pages: map[int64][]fakePage{10: {
		{records: places("a"), next: "p2"},
		{records: places("b"), next: "p3"},
		{records: places("c"), next: "p4"},
		{records: places("d")},
	}}}

	opts := OptionsFromConfig(config.DirectoryConfig{})
	o := NewOrchestrator(dir, testHierarchy(), newFakeWriter(), nil, opts, zaptest.NewLogger(t))
	res, err := o.Run(context.Background(), models.ScopeParams{Level: models.LevelSubRegion, ID: 10})
	require.NoError(t, err)
	assert.Equal(t, 4, res.TotalFound)
}
