package models

import "time"

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// ScrapeLog is the run history row written after every job.
type ScrapeLog struct {
	ID          int64      `json:"id" db:"id"`
	JobType     JobType    `json:"job_type" db:"job_type"`
	Scope       string     `json:"scope" db:"scope"`
	Found       int        `json:"found" db:"found"`
	Added       int        `json:"added" db:"added"`
	Updated     int        `json:"updated" db:"updated"`
	Errors      []string   `json:"errors" db:"errors"`
	Status      RunStatus  `json:"status" db:"status"`
	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
}
