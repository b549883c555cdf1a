package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type JobType string

const (
	JobScrape JobType = "scrape"
	JobRank   JobType = "rank"
)

func (t JobType) Valid() bool {
	return t == JobScrape || t == JobRank
}

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

type Job struct {
	ID         uuid.UUID       `json:"id"`
	Type       JobType         `json:"type"`
	Scope      *ScopeParams    `json:"scopeParams,omitempty"`
	Status     JobStatus       `json:"status"`
	Message    string          `json:"message,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Attempts   int             `json:"attempts"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// ScrapeResult aggregates counts across the pages and sub-regions of one scrape.
type ScrapeResult struct {
	TotalFound   int      `json:"totalFound"`
	TotalAdded   int      `json:"totalAdded"`
	TotalUpdated int      `json:"totalUpdated"`
	Errors       []string `json:"errors,omitempty"`
}

func (r *ScrapeResult) Add(o ScrapeResult) {
	r.TotalFound += o.TotalFound
	r.TotalAdded += o.TotalAdded
	r.TotalUpdated += o.TotalUpdated
	r.Errors = append(r.Errors, o.Errors...)
}

// RankResult counts the distinct listings ranked. Snapshots is the number of
// rows written, one per listing per scope it appears in.
type RankResult struct {
	Processed int `json:"processed"`
	Snapshots int `json:"snapshots"`
}

// TaskReport is the outcome of a sequential maintenance task.
type TaskReport struct {
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped,omitempty"`
}
