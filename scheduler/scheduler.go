package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"geo_ranker/config"
	"geo_ranker/models"
	"geo_ranker/queue"
)

// Enqueuer submits jobs to the worker queues.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*models.Job, error)
}

// Task is a sequential maintenance run such as the rating refresh.
type Task interface {
	Run(ctx context.Context) (*models.TaskReport, error)
}

type Scheduler struct {
	cfg     config.SchedulerConfig
	queue   Enqueuer
	refresh Task
	logos   Task
	cron    *cron.Cron
	log     *zap.Logger
	ctx     context.Context
}

// New builds the scheduler. refresh and logos may be nil when their
// dependencies are not configured; their cron entries are then skipped.
func New(cfg config.SchedulerConfig, q Enqueuer, refresh, logos Task, log *zap.Logger) *Scheduler {
	log = log.Named("scheduler")
	cl := cronLogger{log.Sugar()}
	return &Scheduler{
		cfg:     cfg,
		queue:   q,
		refresh: refresh,
		logos:   logos,
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		log:     log,
		ctx:     context.Background(),
	}
}

// Start registers every configured entry and starts the cron loop. An invalid
// expression fails Start before anything runs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx = ctx

	entries := []struct {
		name string
		expr string
		fn   func()
		ok   bool
	}{
		{"scrape", s.cfg.ScrapeCron, func() { s.EnqueueScrapeAll(s.ctx) }, true},
		{"rank", s.cfg.RankCron, func() { s.EnqueueRank(s.ctx) }, true},
		{"refresh", s.cfg.RefreshCron, func() { s.RunRefresh(s.ctx) }, s.refresh != nil},
		{"logos", s.cfg.LogoCron, func() { s.RunLogos(s.ctx) }, s.logos != nil},
	}

	registered := 0
	for _, e := range entries {
		if e.expr == "" {
			continue
		}
		if !e.ok {
			s.log.Warn("schedule ignored, task not configured", zap.String("entry", e.name))
			continue
		}
		if _, err := s.cron.AddFunc(e.expr, e.fn); err != nil {
			return fmt.Errorf("invalid %s cron expression %q: %w", e.name, e.expr, err)
		}
		s.log.Info("scheduled", zap.String("entry", e.name), zap.String("cron", e.expr))
		registered++
	}

	if registered == 0 {
		s.log.Info("no schedule configured, worker only serves queued jobs")
		return nil
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron loop and returns a context that is done once running
// entries have returned.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) EnqueueScrapeAll(ctx context.Context) {
	job, err := s.queue.Enqueue(ctx, queue.EnqueueRequest{
		Type:  models.JobScrape,
		Scope: &models.ScopeParams{Level: models.LevelAll},
	})
	if err != nil {
		s.log.Error("scheduled scrape not enqueued", zap.Error(err))
		return
	}
	s.log.Info("scheduled scrape enqueued", zap.String("job_id", job.ID.String()))
}

func (s *Scheduler) EnqueueRank(ctx context.Context) {
	job, err := s.queue.Enqueue(ctx, queue.EnqueueRequest{Type: models.JobRank})
	if err != nil {
		s.log.Error("scheduled rank not enqueued", zap.Error(err))
		return
	}
	s.log.Info("scheduled rank enqueued", zap.String("job_id", job.ID.String()))
}

// RunRefresh refreshes ratings and then queues a ranking run so the new numbers
// take effect.
func (s *Scheduler) RunRefresh(ctx context.Context) {
	report, err := s.refresh.Run(ctx)
	if err != nil {
		s.log.Error("scheduled refresh failed", zap.Error(err))
		return
	}
	s.log.Info("scheduled refresh done", zap.Int("updated", report.Updated), zap.Int("failed", report.Failed))
	if report.Updated > 0 {
		s.EnqueueRank(ctx)
	}
}

func (s *Scheduler) RunLogos(ctx context.Context) {
	report, err := s.logos.Run(ctx)
	if err != nil {
		s.log.Error("scheduled logo enrichment failed", zap.Error(err))
		return
	}
	s.log.Info("scheduled logo enrichment done",
		zap.Int("updated", report.Updated),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped))
}

// cronLogger routes cron's own messages through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
