// Package ranking turns listing quality signals into per-scope leaderboards.
package ranking

import (
	"math"

	"geo_ranker/config"
	"geo_ranker/models"
)

// Policy weighs the three score inputs. Weights are relative and must not all be
// zero.
type Policy struct {
	RatingWeight       float64
	ReviewWeight       float64
	CompletenessWeight float64
}

func DefaultPolicy() Policy {
	return Policy{RatingWeight: 0.5, ReviewWeight: 0.3, CompletenessWeight: 0.2}
}

func PolicyFromConfig(cfg config.RankingConfig) Policy {
	return Policy{
		RatingWeight:       cfg.RatingWeight,
		ReviewWeight:       cfg.ReviewWeight,
		CompletenessWeight: cfg.CompletenessWeight,
	}
}

// Score maps a listing onto 0..100. maxReviews is the largest review count in the
// listing's scope; the review term is log-dampened against it.
func (p Policy) Score(in models.RankingInput, maxReviews int) float64 {
	total := p.RatingWeight + p.ReviewWeight + p.CompletenessWeight
	if total <= 0 {
		return 0
	}

	rating := 0.0
	if in.Rating != nil {
		rating = clamp(*in.Rating/5, 0, 1)
	}

	reviews := 0.0
	if maxReviews > 0 && in.ReviewCount > 0 {
		reviews = clamp(math.Log1p(float64(in.ReviewCount))/math.Log1p(float64(maxReviews)), 0, 1)
	}

	completeness := clamp(float64(in.Completeness)/100, 0, 1)

	raw := p.RatingWeight*rating + p.ReviewWeight*reviews + p.CompletenessWeight*completeness
	return math.Round(100*raw/total*100) / 100
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
