// Package workers holds the job processors and the sequential maintenance tasks.
package workers

import (
	"context"
	"time"

	"go.uber.org/zap"

	"geo_ranker/apperr"
	"geo_ranker/models"
	"geo_ranker/queue"
)

type Scraper interface {
	Run(ctx context.Context, scope models.ScopeParams) (*models.ScrapeResult, error)
}

type Ranker interface {
	CalculateAllRankings(ctx context.Context) (*models.RankResult, error)
}

type RunRecorder interface {
	RecordScrapeLog(ctx context.Context, entry *models.ScrapeLog) error
}

// ScrapeProcessor adapts the orchestrator to the scrape queue. The orchestrator
// writes its own run log.
func ScrapeProcessor(s Scraper) queue.Processor {
	return func(ctx context.Context, job *models.Job) (interface{}, error) {
		if job.Scope == nil {
			return nil, apperr.Validation("scopeParams", "scrape job %s has no scope", job.ID)
		}
		res, err := s.Run(ctx, *job.Scope)
		if res == nil {
			return nil, err
		}
		return res, err
	}
}

// RankProcessor adapts the ranking engine to the rank queue and records a run
// log row for every attempt.
func RankProcessor(r Ranker, runs RunRecorder, log *zap.Logger) queue.Processor {
	log = log.Named("rank_job")
	return func(ctx context.Context, job *models.Job) (interface{}, error) {
		started := time.Now().UTC()
		res, err := r.CalculateAllRankings(ctx)

		entry := &models.ScrapeLog{
			JobType:   models.JobRank,
			Scope:     string(models.LevelAll),
			Status:    models.RunStatusCompleted,
			StartedAt: started,
		}
		if res != nil {
			entry.Found = res.Processed
		}
		if err != nil {
			entry.Status = models.RunStatusFailed
			entry.Errors = []string{err.Error()}
		}
		done := time.Now().UTC()
		entry.CompletedAt = &done

		if runs != nil {
			lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if lerr := runs.RecordScrapeLog(lctx, entry); lerr != nil {
				log.Warn("could not record rank run", zap.Error(lerr))
			}
			cancel()
		}

		if res == nil {
			return nil, err
		}
		return res, err
	}
}
