package ranking

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"geo_ranker/metrics"
	"geo_ranker/models"
)

// Store is what the engine reads and replaces.
type Store interface {
	RankingInputs(ctx context.Context) ([]models.RankingInput, error)
	CurrentRanks(ctx context.Context) (map[models.RankKey]int, error)
	ReplaceRankings(ctx context.Context, snapshots []models.RankingSnapshot) error
}

type Engine struct {
	store  Store
	policy Policy
	log    *zap.Logger
	now    func() time.Time
}

func NewEngine(store Store, policy Policy, log *zap.Logger) *Engine {
	return &Engine{
		store:  store,
		policy: policy,
		log:    log.Named("ranking"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type scope struct {
	typ models.ScopeType
	id  int64
}

type scored struct {
	in    models.RankingInput
	score float64
}

// CalculateAllRankings recomputes every sub-region and region leaderboard and
// swaps them in with one write.
func (e *Engine) CalculateAllRankings(ctx context.Context) (*models.RankResult, error) {
	started := time.Now()

	inputs, err := e.store.RankingInputs(ctx)
	if err != nil {
		return nil, err
	}
	previous, err := e.store.CurrentRanks(ctx)
	if err != nil {
		return nil, err
	}

	snapshots := e.Compute(inputs, previous)

	if err := e.store.ReplaceRankings(ctx, snapshots); err != nil {
		return nil, err
	}
	metrics.RankingsWritten.Set(float64(len(snapshots)))

	ranked := make(map[uuid.UUID]struct{}, len(inputs))
	for _, s := range snapshots {
		ranked[s.ListingID] = struct{}{}
	}

	e.log.Info("rankings calculated",
		zap.Int("listings", len(ranked)),
		zap.Int("snapshots", len(snapshots)),
		zap.Duration("duration", time.Since(started)))

	return &models.RankResult{Processed: len(ranked), Snapshots: len(snapshots)}, nil
}

// Compute builds the snapshot rows for every non-empty scope. Scopes come out in
// (type, id) order and rows within a scope in rank order.
func (e *Engine) Compute(inputs []models.RankingInput, previous map[models.RankKey]int) []models.RankingSnapshot {
	groups := make(map[scope][]models.RankingInput)
	for _, in := range inputs {
		if in.SubRegionID > 0 {
			k := scope{models.ScopeSubRegion, in.SubRegionID}
			groups[k] = append(groups[k], in)
		}
		if in.RegionID > 0 {
			k := scope{models.ScopeRegion, in.RegionID}
			groups[k] = append(groups[k], in)
		}
	}

	keys := make([]scope, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].typ != keys[j].typ {
			return keys[i].typ < keys[j].typ
		}
		return keys[i].id < keys[j].id
	})

	computedAt := e.now()
	var out []models.RankingSnapshot
	for _, k := range keys {
		out = append(out, e.rankScope(k, groups[k], previous, computedAt)...)
	}
	return out
}

func (e *Engine) rankScope(k scope, members []models.RankingInput, previous map[models.RankKey]int, computedAt time.Time) []models.RankingSnapshot {
	maxReviews := 0
	for _, in := range members {
		if in.ReviewCount > maxReviews {
			maxReviews = in.ReviewCount
		}
	}

	rows := make([]scored, len(members))
	for i, in := range members {
		rows[i] = scored{in: in, score: e.policy.Score(in, maxReviews)}
	}

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.in.ReviewCount != b.in.ReviewCount {
			return a.in.ReviewCount > b.in.ReviewCount
		}
		return a.in.ListingID.String() < b.in.ListingID.String()
	})

	out := make([]models.RankingSnapshot, len(rows))
	for i, r := range rows {
		snap := models.RankingSnapshot{
			ScopeType:      k.typ,
			ScopeID:        k.id,
			ListingID:      r.in.ListingID,
			CompositeScore: r.score,
			Rank:           i + 1,
			ComputedAt:     computedAt,
		}
		if prev, ok := previous[snap.Key()]; ok {
			prev := prev
			snap.PreviousRank = &prev
		}
		out[i] = snap
	}
	return out
}
