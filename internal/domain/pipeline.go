package domain

import "time"

// PipelineStatus represents the execution state of a pipeline or job.
type PipelineStatus string

const (
	StatusPending  PipelineStatus = "pending"
	StatusRunning  PipelineStatus = "running"
	StatusSuccess  PipelineStatus = "success"
	StatusFailed   PipelineStatus = "failed"
	StatusCanceled PipelineStatus = "canceled"
	StatusSkipped  PipelineStatus = "skipped"
	StatusManual   PipelineStatus = "manual"
)

// IsTerminal reports whether the status will never change again.
// Only terminal pipelines are safe to cache.
func (s PipelineStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Job represents one execution attempt of a job within a pipeline.
// Retries of the same job appear as separate Jobs sharing a Name.
type Job struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Stage    string         `json:"stage"`
	Status   PipelineStatus `json:"status"`
	Duration time.Duration  `json:"duration"`
	// Needs lists the job names this job waits on. It is only meaningful
	// when ExplicitNeeds is set; an explicit empty list means the job starts
	// as soon as the pipeline does.
	Needs         []string `json:"needs,omitempty"`
	ExplicitNeeds bool     `json:"explicit_needs,omitempty"`
	// RetryIndex is 0 for the original attempt and increases with each retry.
	RetryIndex int `json:"retry_index"`
}

// Pipeline represents a CI pipeline run.
type Pipeline struct {
	ID        string
	Ref       string
	Source    string
	Status    PipelineStatus
	CreatedAt time.Time
	Duration  time.Duration
	// Stages is the pipeline's stage order as reported by the platform.
	Stages []string
	Jobs   []Job
}

// Repository represents the git repository being observed.
type Repository struct {
	Owner     string
	Name      string
	RemoteURL string
}

// Path returns the project path used by CI platform APIs, e.g. "group/sub/project".
func (r Repository) Path() string {
	return r.Owner + "/" + r.Name
}
