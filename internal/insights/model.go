// Package insights composes classification, feedback and reliability metrics
// into the provider-agnostic result handed to the export layer.
package insights

import (
	"time"

	"github.com/waabox/cilens/internal/fetch"
)

// Insights is the complete result of one analysis run.
type Insights struct {
	Provider           string             `json:"provider"`
	Project            string             `json:"project"`
	CollectedAt        time.Time          `json:"collected_at"`
	TotalPipelines     int                `json:"total_pipelines"`
	TotalPipelineTypes int                `json:"total_pipeline_types"`
	PipelineTypes      []PipelineType     `json:"pipeline_types"`
	Completeness       Completeness       `json:"completeness"`
	Sampling           fetch.SampleReport `json:"sampling"`
}

// PipelineType is one cluster of pipelines sharing a job signature.
type PipelineType struct {
	Label       string      `json:"label"`
	Jobs        []string    `json:"jobs"`
	IDs         []string    `json:"ids"`
	Stages      []string    `json:"stages"`
	RefPatterns []string    `json:"ref_patterns"`
	Sources     []string    `json:"sources"`
	Metrics     TypeMetrics `json:"metrics"`
}

// CountWithLinks is a counter with drill-down URLs.
type CountWithLinks struct {
	Count int      `json:"count"`
	Links []string `json:"links"`
}

// TypeMetrics are the metrics of one pipeline type. Durations are seconds.
type TypeMetrics struct {
	Percentage          float64        `json:"percentage"`
	TotalPipelines      int            `json:"total_pipelines"`
	SuccessfulPipelines CountWithLinks `json:"successful_pipelines"`
	FailedPipelines     CountWithLinks `json:"failed_pipelines"`
	SuccessRate         float64        `json:"success_rate"`
	DurationP50         float64        `json:"duration_p50"`
	DurationP95         float64        `json:"duration_p95"`
	DurationP99         float64        `json:"duration_p99"`
	TimeToFeedbackP50   float64        `json:"time_to_feedback_p50"`
	TimeToFeedbackP95   float64        `json:"time_to_feedback_p95"`
	TimeToFeedbackP99   float64        `json:"time_to_feedback_p99"`
	Jobs                []JobMetrics   `json:"jobs"`
}

// Predecessor is a job another job waited on.
type Predecessor struct {
	Name        string  `json:"name"`
	DurationP50 float64 `json:"duration_p50"`
}

// JobMetrics are the metrics of one job name within a pipeline type.
type JobMetrics struct {
	Name              string         `json:"name"`
	DurationP50       float64        `json:"duration_p50"`
	DurationP95       float64        `json:"duration_p95"`
	DurationP99       float64        `json:"duration_p99"`
	TimeToFeedbackP50 float64        `json:"time_to_feedback_p50"`
	TimeToFeedbackP95 float64        `json:"time_to_feedback_p95"`
	TimeToFeedbackP99 float64        `json:"time_to_feedback_p99"`
	Predecessors      []Predecessor  `json:"predecessors"`
	FlakinessRate     float64        `json:"flakiness_rate"`
	FlakyRetries      CountWithLinks `json:"flaky_retries"`
	FailedExecutions  CountWithLinks `json:"failed_executions"`
	FailureRate       float64        `json:"failure_rate"`
	TotalExecutions   int            `json:"total_executions"`
}

// FailedPipeline is a pipeline left out because its details could not be fetched.
type FailedPipeline struct {
	PipelineID string `json:"pipeline_id"`
	Error      string `json:"error"`
}

// Completeness tells consumers how much of the requested sample made it into the result.
type Completeness struct {
	Listed    int              `json:"listed"`
	Fetched   int              `json:"fetched"`
	CacheHits int              `json:"cache_hits"`
	Failed    []FailedPipeline `json:"failed"`
	// ExcludedFromFeedback lists pipelines whose job graph had a cycle.
	ExcludedFromFeedback []string `json:"excluded_from_feedback"`
	FilteredPipelines    int      `json:"filtered_pipelines"`
	FilteredTypes        int      `json:"filtered_types"`
}

// Degraded reports whether some listed pipelines are missing from the result.
func (c Completeness) Degraded() bool {
	return len(c.Failed) > 0 || c.Fetched < c.Listed
}
