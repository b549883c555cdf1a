package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"geo_ranker/apperr"
	"geo_ranker/metrics"
	"geo_ranker/models"
)

// Processor executes one job. result may be non-nil alongside err; it is kept on
// the job as the partial outcome.
type Processor func(ctx context.Context, job *models.Job) (result interface{}, err error)

// Worker runs one serial loop per registered job type. Different types run
// concurrently; jobs of the same type never overlap.
type Worker struct {
	queue    *Queue
	handlers map[models.JobType]Processor
	order    []models.JobType
	wait     time.Duration
	log      *zap.Logger
}

func NewWorker(q *Queue, claimWait time.Duration, log *zap.Logger) *Worker {
	if claimWait <= 0 {
		claimWait = 2 * time.Second
	}
	return &Worker{
		queue:    q,
		handlers: make(map[models.JobType]Processor),
		wait:     claimWait,
		log:      log.Named("worker"),
	}
}

func (w *Worker) Handle(t models.JobType, p Processor) {
	if _, ok := w.handlers[t]; !ok {
		w.order = append(w.order, t)
	}
	w.handlers[t] = p
}

// Run blocks until ctx is cancelled. On cancellation no new job is claimed and
// the in-flight job of each loop runs to completion before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	for _, t := range w.order {
		n, err := w.queue.Recover(ctx, t)
		if err != nil {
			return err
		}
		if n > 0 {
			w.log.Warn("requeued orphaned jobs", zap.String("queue", string(t)), zap.Int("count", n))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range w.order {
		t := t
		g.Go(func() error {
			return w.loop(gctx, t)
		})
	}

	w.log.Info("worker started", zap.Int("queues", len(w.order)))
	err := g.Wait()
	w.log.Info("worker stopped")
	return err
}

func (w *Worker) loop(ctx context.Context, t models.JobType) error {
	log := w.log.With(zap.String("queue", string(t)))
	for {
		if ctx.Err() != nil {
			return nil
		}

		job, err := w.queue.Claim(ctx, t, w.wait)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error("claim failed", zap.Error(err))
			if err := sleepCtx(ctx, time.Second); err != nil {
				return nil
			}
			continue
		}
		if job == nil {
			continue
		}

		// detached so shutdown lets the job drain instead of aborting it
		w.process(context.WithoutCancel(ctx), job, log)
	}
}

func (w *Worker) process(ctx context.Context, job *models.Job, log *zap.Logger) {
	queueName := string(job.Type)
	log = log.With(zap.String("job_id", job.ID.String()), zap.Int("attempt", job.Attempts))
	if job.Scope != nil {
		log = log.With(zap.String("scope", job.Scope.String()))
	}

	metrics.JobsActive.WithLabelValues(queueName).Inc()
	defer metrics.JobsActive.WithLabelValues(queueName).Dec()

	start := time.Now()
	log.Info("job started")

	result, err := w.invoke(ctx, job)
	elapsed := time.Since(start)
	metrics.JobDuration.WithLabelValues(queueName).Observe(elapsed.Seconds())

	if err != nil {
		code := apperr.CodeOf(err)
		metrics.JobsFailed.WithLabelValues(queueName, string(code)).Inc()
		log.Error("job failed", zap.String("code", string(code)), zap.Duration("duration", elapsed), zap.Error(err))
		if ferr := w.queue.Fail(ctx, job, err, result); ferr != nil {
			log.Error("could not record job failure", zap.Error(ferr))
		}
		return
	}

	metrics.JobsCompleted.WithLabelValues(queueName).Inc()
	log.Info("job completed", zap.Duration("duration", elapsed))
	if cerr := w.queue.Complete(ctx, job, result); cerr != nil {
		log.Error("could not record job completion", zap.Error(cerr))
	}
}

func (w *Worker) invoke(ctx context.Context, job *models.Job) (result interface{}, err error) {
	p, ok := w.handlers[job.Type]
	if !ok {
		return nil, fmt.Errorf("no processor for job type %q", job.Type)
	}

	defer func() {
		if r := recover(); r != nil {
			w.log.Error("processor panic", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return p(ctx, job)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
