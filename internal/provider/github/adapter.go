package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"

	"github.com/waabox/cilens/internal/domain"
	"github.com/waabox/cilens/internal/httpclient"
)

const (
	defaultBaseURL = "https://api.github.com"
	perPage        = 100
)

// Adapter implements domain.PipelineProvider for GitHub Actions.
// A workflow run is a pipeline. GitHub does not expose job dependencies, so
// every job is reported with an explicit empty needs list.
type Adapter struct {
	token   string
	baseURL string
	webURL  string
	client  *retryablehttp.Client
}

var _ domain.PipelineProvider = (*Adapter)(nil)

// NewAdapter creates a GitHub Actions adapter.
// baseURL is the REST API root; pass empty string to use the real GitHub API.
// A nil client gets the default retry policy.
func NewAdapter(token string, baseURL string, client *retryablehttp.Client) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if client == nil {
		client = httpclient.New(httpclient.Options{
			MaxRetries: httpclient.DefaultMaxRetries,
			RetryDelay: httpclient.DefaultRetryDelay,
		})
	}
	return &Adapter{
		token:   token,
		baseURL: baseURL,
		webURL:  webURLFor(baseURL),
		client:  client,
	}
}

// webURLFor maps an API root to the matching web root.
func webURLFor(apiURL string) string {
	switch {
	case apiURL == defaultBaseURL:
		return "https://github.com"
	case strings.HasSuffix(apiURL, "/api/v3"):
		return strings.TrimSuffix(apiURL, "/api/v3")
	default:
		return apiURL
	}
}

func (a *Adapter) Name() string { return "github" }

// ListPipelines returns completed workflow runs for "owner/repo", newest first.
func (a *Adapter) ListPipelines(ctx context.Context, project string, opts domain.ListOptions) ([]domain.Pipeline, error) {
	q := url.Values{}
	q.Set("per_page", strconv.Itoa(perPage))
	if opts.Ref != "" {
		q.Set("branch", opts.Ref)
	}
	switch opts.Status {
	case domain.StatusSuccess:
		q.Set("status", "success")
	case domain.StatusFailed:
		q.Set("status", "failure")
	}
	if created := createdFilter(opts.Since, opts.Until); created != "" {
		q.Set("created", created)
	}

	var pipelines []domain.Pipeline
	for page := 1; opts.Limit <= 0 || len(pipelines) < opts.Limit; page++ {
		q.Set("page", strconv.Itoa(page))
		apiURL := fmt.Sprintf("%s/repos/%s/actions/runs?%s", a.baseURL, project, q.Encode())
		var result struct {
			TotalCount   int           `json:"total_count"`
			WorkflowRuns []workflowRun `json:"workflow_runs"`
		}
		if err := a.get(ctx, apiURL, &result); err != nil {
			return nil, err
		}
		for _, run := range result.WorkflowRuns {
			p, err := run.toPipeline()
			if err != nil {
				return nil, err
			}
			pipelines = append(pipelines, p)
		}
		if len(result.WorkflowRuns) < perPage || page*perPage >= result.TotalCount {
			break
		}
	}
	if opts.Limit > 0 && len(pipelines) > opts.Limit {
		pipelines = pipelines[:opts.Limit]
	}
	log.Ctx(ctx).Debug().Str("status", string(opts.Status)).Int("pipelines", len(pipelines)).Msg("github runs listed")
	return pipelines, nil
}

func createdFilter(since, until time.Time) string {
	const layout = "2006-01-02T15:04:05Z"
	switch {
	case !since.IsZero() && !until.IsZero():
		return since.UTC().Format(layout) + ".." + until.UTC().Format(layout)
	case !since.IsZero():
		return ">=" + since.UTC().Format(layout)
	case !until.IsZero():
		return "<=" + until.UTC().Format(layout)
	}
	return ""
}

// PipelineJobs returns the jobs of every attempt of a workflow run.
func (a *Adapter) PipelineJobs(ctx context.Context, project string, pipelineID string) ([]domain.Job, error) {
	var jobs []domain.Job
	for page := 1; ; page++ {
		apiURL := fmt.Sprintf("%s/repos/%s/actions/runs/%s/jobs?filter=all&per_page=%d&page=%d",
			a.baseURL, project, pipelineID, perPage, page)
		var result struct {
			TotalCount int           `json:"total_count"`
			Jobs       []workflowJob `json:"jobs"`
		}
		if err := a.get(ctx, apiURL, &result); err != nil {
			return nil, err
		}
		for _, j := range result.Jobs {
			if j.ID == 0 || j.Name == "" {
				return nil, fmt.Errorf("github job in run %s: %w", pipelineID, domain.ErrMalformedResponse)
			}
			job, err := j.toJob()
			if err != nil {
				return nil, fmt.Errorf("github job %d in run %s: %w", j.ID, pipelineID, err)
			}
			jobs = append(jobs, job)
		}
		if len(result.Jobs) < perPage || page*perPage >= result.TotalCount {
			break
		}
	}
	return jobs, nil
}

// PipelineURL returns the web URL of a workflow run.
func (a *Adapter) PipelineURL(project, pipelineID string) string {
	return fmt.Sprintf("%s/%s/actions/runs/%s", a.webURL, project, pipelineID)
}

// JobURL returns the web URL of a job.
func (a *Adapter) JobURL(project, jobID string) string {
	return fmt.Sprintf("%s/%s/runs/%s", a.webURL, project, jobID)
}

func (a *Adapter) get(ctx context.Context, apiURL string, target interface{}) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("github API request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("github API error: %s: %w", resp.Status, domain.ErrUnauthorized)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("github API error: %s: %w", resp.Status, domain.ErrNotFound)
	case resp.StatusCode >= 400:
		return fmt.Errorf("github API error: %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("github API: decoding response: %v: %w", err, domain.ErrMalformedResponse)
	}
	return nil
}

// workflowRun is the raw GitHub API response shape for a workflow run.
type workflowRun struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	HeadBranch   string `json:"head_branch"`
	Event        string `json:"event"`
	Status       string `json:"status"`
	Conclusion   string `json:"conclusion"`
	CreatedAt    string `json:"created_at"`
	RunStartedAt string `json:"run_started_at"`
	UpdatedAt    string `json:"updated_at"`
}

// parseTime parses an optional RFC 3339 timestamp. An empty value is the zero time.
func parseTime(field, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s %q: %w", field, value, domain.ErrMalformedResponse)
	}
	return t, nil
}

func (r workflowRun) toPipeline() (domain.Pipeline, error) {
	if r.CreatedAt == "" {
		return domain.Pipeline{}, fmt.Errorf("github run %d without created_at: %w", r.ID, domain.ErrMalformedResponse)
	}
	created, err := parseTime("created_at", r.CreatedAt)
	if err != nil {
		return domain.Pipeline{}, fmt.Errorf("github run %d: %w", r.ID, err)
	}
	started, err := parseTime("run_started_at", r.RunStartedAt)
	if err != nil {
		return domain.Pipeline{}, fmt.Errorf("github run %d: %w", r.ID, err)
	}
	updated, err := parseTime("updated_at", r.UpdatedAt)
	if err != nil {
		return domain.Pipeline{}, fmt.Errorf("github run %d: %w", r.ID, err)
	}
	if started.IsZero() {
		started = created
	}
	var duration time.Duration
	if !started.IsZero() && updated.After(started) {
		duration = updated.Sub(started)
	}
	return domain.Pipeline{
		ID:        strconv.FormatInt(r.ID, 10),
		Ref:       r.HeadBranch,
		Source:    r.Event,
		Status:    mapGitHubStatus(r.Status, r.Conclusion),
		CreatedAt: created,
		Duration:  duration,
	}, nil
}

// workflowJob is the raw GitHub API response shape for a job.
type workflowJob struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	RunAttempt  int    `json:"run_attempt"`
	Status      string `json:"status"`
	Conclusion  string `json:"conclusion"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at"`
}

func (j workflowJob) toJob() (domain.Job, error) {
	started, err := parseTime("started_at", j.StartedAt)
	if err != nil {
		return domain.Job{}, err
	}
	completed, err := parseTime("completed_at", j.CompletedAt)
	if err != nil {
		return domain.Job{}, err
	}
	var duration time.Duration
	if !started.IsZero() && completed.After(started) {
		duration = completed.Sub(started)
	}
	retry := j.RunAttempt - 1
	if retry < 0 {
		retry = 0
	}
	return domain.Job{
		ID:            strconv.FormatInt(j.ID, 10),
		Name:          j.Name,
		Status:        mapGitHubStatus(j.Status, j.Conclusion),
		Duration:      duration,
		ExplicitNeeds: true,
		RetryIndex:    retry,
	}, nil
}

func mapGitHubStatus(status, conclusion string) domain.PipelineStatus {
	if status == "in_progress" || status == "queued" || status == "waiting" || status == "requested" {
		return domain.StatusRunning
	}
	if status == "completed" {
		switch conclusion {
		case "success":
			return domain.StatusSuccess
		case "failure", "timed_out", "startup_failure":
			return domain.StatusFailed
		case "cancelled":
			return domain.StatusCanceled
		case "skipped", "neutral":
			return domain.StatusSkipped
		case "action_required":
			return domain.StatusManual
		}
	}
	return domain.StatusPending
}
