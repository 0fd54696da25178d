package domain

import (
	"context"
	"time"
)

// ListOptions narrows the pipelines returned by a provider.
// Zero values mean "no filter".
type ListOptions struct {
	Ref    string
	Since  time.Time
	Until  time.Time
	Status PipelineStatus
	Limit  int
}

// Linker builds drill-down URLs for pipelines and jobs.
type Linker interface {
	PipelineURL(project, pipelineID string) string
	JobURL(project, jobID string) string
}

// PipelineProvider is the port interface that all CI provider adapters must implement.
// The domain does not know about GitHub, GitLab, or any specific CI system.
type PipelineProvider interface {
	Linker

	// Name identifies the provider, e.g. "gitlab". It also namespaces the cache.
	Name() string

	// ListPipelines returns pipelines most-recent-first without jobs.
	ListPipelines(ctx context.Context, project string, opts ListOptions) ([]Pipeline, error)

	// PipelineJobs returns every job attempt of one pipeline.
	PipelineJobs(ctx context.Context, project string, pipelineID string) ([]Job, error)
}
