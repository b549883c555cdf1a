package workers

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"geo_ranker/config"
	"geo_ranker/metrics"
	"geo_ranker/models"
	"geo_ranker/scraper"
)

type RefreshSource interface {
	TopRankedForRefresh(ctx context.Context, perRegion int) ([]models.RefreshCandidate, error)
}

type DetailFetcher interface {
	GetDetails(ctx context.Context, externalID string) (*models.DetailRecord, error)
}

type RatingWriter interface {
	UpdateRating(ctx context.Context, id uuid.UUID, rating *float64, reviewCount int) error
}

// RatingRefresher re-reads the live rating of each region's top listings so the
// next ranking run sees current numbers.
type RatingRefresher struct {
	source RefreshSource
	dir    DetailFetcher
	writer RatingWriter
	topN   int
	delay  time.Duration
	log    *zap.Logger
}

func NewRatingRefresher(source RefreshSource, dir DetailFetcher, writer RatingWriter, cfg config.RefreshConfig, log *zap.Logger) *RatingRefresher {
	topN := cfg.TopN
	if topN <= 0 {
		topN = 100
	}
	return &RatingRefresher{
		source: source,
		dir:    dir,
		writer: writer,
		topN:   topN,
		delay:  cfg.Delay,
		log:    log.Named("refresh"),
	}
}

// Run refreshes listings one at a time. A listing that fails is counted and the
// run moves on; only cancellation or a failed candidate query stops it.
func (r *RatingRefresher) Run(ctx context.Context) (*models.TaskReport, error) {
	candidates, err := r.source.TopRankedForRefresh(ctx, r.topN)
	if err != nil {
		return nil, err
	}

	report := &models.TaskReport{}
	pacer := scraper.NewPacer(r.delay)
	r.log.Info("rating refresh started", zap.Int("listings", len(candidates)), zap.Int("per_region", r.topN))

	for i, c := range candidates {
		if err := pacer.Wait(ctx); err != nil {
			return report, err
		}

		if err := r.refreshOne(ctx, c); err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.Failed++
			metrics.TaskResults.WithLabelValues("refresh", "failed").Inc()
			r.log.Warn("refresh failed",
				zap.String("listing_id", c.ListingID.String()),
				zap.String("external_id", c.ExternalID),
				zap.Error(err))
		} else {
			report.Updated++
			metrics.TaskResults.WithLabelValues("refresh", "updated").Inc()
		}

		if (i+1)%10 == 0 {
			r.log.Info("refresh progress", zap.Int("done", i+1), zap.Int("total", len(candidates)))
		}
	}

	r.log.Info("rating refresh finished", zap.Int("updated", report.Updated), zap.Int("failed", report.Failed))
	return report, nil
}

func (r *RatingRefresher) refreshOne(ctx context.Context, c models.RefreshCandidate) error {
	detail, err := r.dir.GetDetails(ctx, c.ExternalID)
	if err != nil {
		return err
	}
	return r.writer.UpdateRating(ctx, c.ListingID, detail.Rating, detail.ReviewCount)
}
