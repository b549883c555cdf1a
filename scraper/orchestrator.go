package scraper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"geo_ranker/apperr"
	"geo_ranker/config"
	"geo_ranker/metrics"
	"geo_ranker/models"
)

// RegionSource enumerates the region hierarchy in id order.
type RegionSource interface {
	ListRegions(ctx context.Context) ([]models.Region, error)
	ListSubRegions(ctx context.Context, regionID int64) ([]models.SubRegion, error)
	GetRegion(ctx context.Context, id int64) (*models.Region, error)
	GetSubRegion(ctx context.Context, id int64) (*models.SubRegion, error)
}

// ListingWriter persists one directory record and reports whether it was new.
type ListingWriter interface {
	UpsertPlace(ctx context.Context, rec models.PlaceRecord, subRegionID int64) (*models.Listing, bool, error)
}

type RunRecorder interface {
	RecordScrapeLog(ctx context.Context, entry *models.ScrapeLog) error
}

type Options struct {
	Delay          time.Duration
	PageTokenDelay time.Duration
	FetchDetails   bool
	MaxPages       int
}

func OptionsFromConfig(cfg config.DirectoryConfig) Options {
	return Options{
		Delay:          cfg.Delay,
		PageTokenDelay: cfg.PageTokenDelay,
		FetchDetails:   cfg.FetchDetails,
		MaxPages:       cfg.MaxPages,
	}
}

// SubRegionError marks the sub-region pass that failed. Other passes of the same
// run keep their results.
type SubRegionError struct {
	SubRegionID int64
	Slug        string
	Err         error
}

func (e *SubRegionError) Error() string {
	return fmt.Sprintf("subregion %s (%d): %v", e.Slug, e.SubRegionID, e.Err)
}

func (e *SubRegionError) Unwrap() error {
	return e.Err
}

type Orchestrator struct {
	dir      Directory
	regions  RegionSource
	listings ListingWriter
	runs     RunRecorder
	opts     Options
	log      *zap.Logger
}

func NewOrchestrator(dir Directory, regions RegionSource, listings ListingWriter, runs RunRecorder, opts Options, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		dir:      dir,
		regions:  regions,
		listings: listings,
		runs:     runs,
		opts:     opts,
		log:      log.Named("orchestrator"),
	}
}

// Run scrapes every sub-region covered by scope, one after another in id order.
// The aggregate result is returned even when err is non-nil.
func (o *Orchestrator) Run(ctx context.Context, scope models.ScopeParams) (*models.ScrapeResult, error) {
	plan, err := o.plan(ctx, scope)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	pacer := NewPacer(o.opts.Delay)
	result := &models.ScrapeResult{}
	var failed []error

	o.log.Info("scrape started", zap.String("scope", scope.String()), zap.Int("subregions", len(plan)))

	for _, sr := range plan {
		res, err := o.scrapeSubRegion(ctx, pacer, sr)
		result.Add(res)
		if err == nil {
			continue
		}

		srErr := &SubRegionError{SubRegionID: sr.ID, Slug: sr.Slug, Err: err}
		if !apperr.IsExternal(err) {
			// only directory failures are isolated per sub-region
			failed = append(failed, srErr)
			break
		}
		o.log.Warn("subregion pass aborted", zap.Int64("subregion_id", sr.ID), zap.String("slug", sr.Slug), zap.Error(err))
		result.Errors = append(result.Errors, srErr.Error())
		failed = append(failed, srErr)
	}

	runErr := errors.Join(failed...)
	o.recordRun(scope, started, result, runErr)

	o.log.Info("scrape finished",
		zap.String("scope", scope.String()),
		zap.Int("found", result.TotalFound),
		zap.Int("added", result.TotalAdded),
		zap.Int("updated", result.TotalUpdated),
		zap.Int("errors", len(result.Errors)),
		zap.Error(runErr))

	return result, runErr
}

// plan resolves scope to the ordered sub-region list. Unknown ids are validation
// errors so nothing reaches the directory.
func (o *Orchestrator) plan(ctx context.Context, scope models.ScopeParams) ([]models.SubRegion, error) {
	switch scope.Level {
	case models.LevelSubRegion:
		if scope.ID <= 0 {
			return nil, apperr.Validation("id", "subregion scope needs a positive id")
		}
		sr, err := o.regions.GetSubRegion(ctx, scope.ID)
		if err != nil {
			return nil, err
		}
		if sr == nil {
			return nil, apperr.Validation("id", "subregion %d does not exist", scope.ID)
		}
		return []models.SubRegion{*sr}, nil

	case models.LevelRegion:
		if scope.ID <= 0 {
			return nil, apperr.Validation("id", "region scope needs a positive id")
		}
		r, err := o.regions.GetRegion(ctx, scope.ID)
		if err != nil {
			return nil, err
		}
		if r == nil {
			return nil, apperr.Validation("id", "region %d does not exist", scope.ID)
		}
		return o.regions.ListSubRegions(ctx, r.ID)

	case models.LevelAll:
		regions, err := o.regions.ListRegions(ctx)
		if err != nil {
			return nil, err
		}
		var plan []models.SubRegion
		for _, r := range regions {
			subs, err := o.regions.ListSubRegions(ctx, r.ID)
			if err != nil {
				return nil, err
			}
			plan = append(plan, subs...)
		}
		return plan, nil

	default:
		return nil, apperr.Validation("level", "unknown scope level %q", scope.Level)
	}
}

func (o *Orchestrator) scrapeSubRegion(ctx context.Context, pacer *Pacer, sr models.SubRegion) (models.ScrapeResult, error) {
	var res models.ScrapeResult
	log := o.log.With(zap.Int64("subregion_id", sr.ID), zap.String("slug", sr.Slug))
	log.Info("scraping subregion")

	token := ""
	for page := 1; ; page++ {
		if o.opts.MaxPages > 0 && page > o.opts.MaxPages {
			log.Info("page limit reached", zap.Int("max_pages", o.opts.MaxPages))
			break
		}

		if err := pacer.Wait(ctx); err != nil {
			return res, err
		}
		records, next, err := o.dir.SearchNearby(ctx, sr.Center(), sr.RadiusMeters, token)
		if err != nil {
			return res, fmt.Errorf("page %d: %w", page, err)
		}
		res.TotalFound += len(records)

		for i := range records {
			rec := records[i]
			if o.opts.FetchDetails {
				o.enrich(ctx, pacer, &rec, log)
			}

			_, created, err := o.listings.UpsertPlace(ctx, rec, sr.ID)
			if err != nil {
				if ctx.Err() != nil {
					return res, ctx.Err()
				}
				log.Error("upsert failed", zap.String("external_id", rec.ExternalID), zap.Error(err))
				metrics.ListingsUpserted.WithLabelValues("error").Inc()
				res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", rec.ExternalID, err))
				continue
			}
			if created {
				res.TotalAdded++
				metrics.ListingsUpserted.WithLabelValues("added").Inc()
			} else {
				res.TotalUpdated++
				metrics.ListingsUpserted.WithLabelValues("updated").Inc()
			}
		}

		log.Debug("page processed", zap.Int("page", page), zap.Int("results", len(records)))

		if next == "" {
			break
		}
		token = next

		if err := sleepCtx(ctx, o.opts.PageTokenDelay); err != nil {
			return res, err
		}
	}

	return res, nil
}

// enrich fills phone, website and hours from the details endpoint. A failure here
// keeps the search record as is.
func (o *Orchestrator) enrich(ctx context.Context, pacer *Pacer, rec *models.PlaceRecord, log *zap.Logger) {
	if err := pacer.Wait(ctx); err != nil {
		return
	}
	detail, err := o.dir.GetDetails(ctx, rec.ExternalID)
	if err != nil {
		log.Warn("details lookup failed", zap.String("external_id", rec.ExternalID), zap.Error(err))
		return
	}
	rec.Merge(detail)
}

func (o *Orchestrator) recordRun(scope models.ScopeParams, started time.Time, result *models.ScrapeResult, runErr error) {
	if o.runs == nil {
		return
	}

	now := time.Now()
	entry := &models.ScrapeLog{
		JobType:     models.JobScrape,
		Scope:       scope.String(),
		Found:       result.TotalFound,
		Added:       result.TotalAdded,
		Updated:     result.TotalUpdated,
		Errors:      result.Errors,
		Status:      models.RunStatusCompleted,
		StartedAt:   started,
		CompletedAt: &now,
	}
	if runErr != nil {
		entry.Status = models.RunStatusFailed
		if len(entry.Errors) == 0 {
			entry.Errors = []string{runErr.Error()}
		}
	}

	// run history must never fail the scrape itself
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.runs.RecordScrapeLog(ctx, entry); err != nil {
		o.log.Warn("failed to record scrape log", zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
