// Package queue is a small Redis-backed job queue with one list pair per job type.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"geo_ranker/apperr"
	"geo_ranker/models"
)

var ErrJobNotFound = errors.New("job not found")

// EnqueueRequest is the submission payload, e.g.
// {"type":"scrape","scopeParams":{"level":"subregion","id":12}}.
type EnqueueRequest struct {
	Type  models.JobType      `json:"type"`
	Scope *models.ScopeParams `json:"scopeParams,omitempty"`
}

// Queue stores each job as a hash and moves its id between a waiting and an
// active list. A job stays in active until it is completed or failed, so a crash
// leaves it recoverable.
type Queue struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

func New(rdb redis.UniversalClient, prefix string) *Queue {
	if prefix == "" {
		prefix = "geo_ranker"
	}
	return &Queue{rdb: rdb, prefix: prefix, now: func() time.Time { return time.Now().UTC() }}
}

// NewClient parses a redis:// URL into a client. The caller owns Close.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

func (q *Queue) waitingKey(t models.JobType) string { return q.prefix + ":" + string(t) + ":waiting" }
func (q *Queue) activeKey(t models.JobType) string  { return q.prefix + ":" + string(t) + ":active" }
func (q *Queue) jobKey(id string) string            { return q.prefix + ":job:" + id }

// Validate checks a request before anything is written.
func Validate(req EnqueueRequest) error {
	switch req.Type {
	case models.JobRank:
		if req.Scope != nil {
			return apperr.Validation("scopeParams", "rank jobs take no scope")
		}
		return nil
	case models.JobScrape:
	default:
		return apperr.Validation("type", "unknown job type %q", req.Type)
	}

	if req.Scope == nil {
		return apperr.Validation("scopeParams", "scrape jobs need a scope")
	}
	switch req.Scope.Level {
	case models.LevelAll:
		if req.Scope.ID != 0 {
			return apperr.Validation("scopeParams.id", "level all takes no id")
		}
	case models.LevelRegion, models.LevelSubRegion:
		if req.Scope.ID <= 0 {
			return apperr.Validation("scopeParams.id", "level %s needs a positive id", req.Scope.Level)
		}
	default:
		return apperr.Validation("scopeParams.level", "unknown level %q", req.Scope.Level)
	}
	return nil
}

// Enqueue validates req and makes the job visible to workers in one transaction.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*models.Job, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}

	job := &models.Job{
		ID:        uuid.New(),
		Type:      req.Type,
		Scope:     req.Scope,
		Status:    models.JobPending,
		CreatedAt: q.now(),
	}

	fields := map[string]interface{}{
		"type":       string(job.Type),
		"status":     string(job.Status),
		"attempts":   0,
		"created_at": job.CreatedAt.Format(time.RFC3339Nano),
	}
	if job.Scope != nil {
		scope, err := json.Marshal(job.Scope)
		if err != nil {
			return nil, err
		}
		fields["scope"] = string(scope)
	}

	id := job.ID.String()
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(id), fields)
		pipe.LPush(ctx, q.waitingKey(job.Type), id)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", job.Type, err)
	}
	return job, nil
}

// Claim blocks up to wait for the next job of type t. It returns nil, nil when
// nothing arrived.
func (q *Queue) Claim(ctx context.Context, t models.JobType, wait time.Duration) (*models.Job, error) {
	id, err := q.rdb.BLMove(ctx, q.waitingKey(t), q.activeKey(t), "RIGHT", "LEFT", wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", t, err)
	}

	started := q.now()
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(id), "status", string(models.JobProcessing), "started_at", started.Format(time.RFC3339Nano))
		pipe.HIncrBy(ctx, q.jobKey(id), "attempts", 1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim %s: mark processing: %w", id, err)
	}

	return q.Status(ctx, id)
}

// Complete records a successful result and releases the job from active.
func (q *Queue) Complete(ctx context.Context, job *models.Job, result interface{}) error {
	fields := []interface{}{"status", string(models.JobCompleted), "message", ""}
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		fields = append(fields, "result", string(data))
	}
	return q.finish(ctx, job, fields)
}

// Fail records err as the job's message. The job is not requeued.
func (q *Queue) Fail(ctx context.Context, job *models.Job, jobErr error, partial interface{}) error {
	msg := "unknown error"
	if jobErr != nil {
		msg = jobErr.Error()
	}
	fields := []interface{}{"status", string(models.JobFailed), "message", msg}
	if partial != nil {
		if data, err := json.Marshal(partial); err == nil {
			fields = append(fields, "result", string(data))
		}
	}
	return q.finish(ctx, job, fields)
}

func (q *Queue) finish(ctx context.Context, job *models.Job, fields []interface{}) error {
	id := job.ID.String()
	finished := q.now()
	fields = append(fields, "finished_at", finished.Format(time.RFC3339Nano))

	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(id), fields...)
		pipe.LRem(ctx, q.activeKey(job.Type), 1, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("finish %s: %w", id, err)
	}
	return nil
}

// Status reads a job back from its hash.
func (q *Queue) Status(ctx context.Context, id string) (*models.Job, error) {
	h, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("status %s: %w", id, err)
	}
	if len(h) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return decodeJob(id, h)
}

// Recover moves jobs left in the active list by a dead worker back to waiting.
// It must run before that queue's worker starts claiming.
func (q *Queue) Recover(ctx context.Context, t models.JobType) (int, error) {
	moved := 0
	for {
		id, err := q.rdb.LMove(ctx, q.activeKey(t), q.waitingKey(t), "LEFT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("recover %s: %w", t, err)
		}
		if err := q.rdb.HSet(ctx, q.jobKey(id), "status", string(models.JobPending)).Err(); err != nil {
			return moved, fmt.Errorf("recover %s: %w", id, err)
		}
		moved++
	}
}

// Depth returns the waiting and active counts of one queue.
func (q *Queue) Depth(ctx context.Context, t models.JobType) (waiting, active int64, err error) {
	if waiting, err = q.rdb.LLen(ctx, q.waitingKey(t)).Result(); err != nil {
		return 0, 0, err
	}
	if active, err = q.rdb.LLen(ctx, q.activeKey(t)).Result(); err != nil {
		return 0, 0, err
	}
	return waiting, active, nil
}

func decodeJob(id string, h map[string]string) (*models.Job, error) {
	jobID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("job id %q: %w", id, err)
	}

	job := &models.Job{
		ID:      jobID,
		Type:    models.JobType(h["type"]),
		Status:  models.JobStatus(h["status"]),
		Message: h["message"],
	}
	if v := h["attempts"]; v != "" {
		job.Attempts, _ = strconv.Atoi(v)
	}
	if v := h["scope"]; v != "" {
		var scope models.ScopeParams
		if err := json.Unmarshal([]byte(v), &scope); err != nil {
			return nil, fmt.Errorf("job %s scope: %w", id, err)
		}
		job.Scope = &scope
	}
	if v := h["result"]; v != "" {
		job.Result = json.RawMessage(v)
	}
	job.CreatedAt = parseTime(h["created_at"])
	if t := parseTime(h["started_at"]); !t.IsZero() {
		job.StartedAt = &t
	}
	if t := parseTime(h["finished_at"]); !t.IsZero() {
		job.FinishedAt = &t
	}
	return job, nil
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
