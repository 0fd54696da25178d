package gitlab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"

	"github.com/waabox/cilens/internal/domain"
	"github.com/waabox/cilens/internal/httpclient"
)

const (
	defaultBaseURL    = "https://gitlab.com"
	pageSize          = 50
	pipelineGIDPrefix = "gid://gitlab/Ci::Pipeline/"
)

// Adapter implements domain.PipelineProvider for GitLab CI using the GraphQL API.
type Adapter struct {
	token   string
	baseURL string
	client  *retryablehttp.Client
}

// Ensure Adapter fully implements domain.PipelineProvider.
var _ domain.PipelineProvider = (*Adapter)(nil)

// NewAdapter creates a GitLab CI adapter.
// baseURL can be a self-hosted GitLab instance URL; pass empty string for gitlab.com.
// A nil client gets the default retry policy.
func NewAdapter(token string, baseURL string, client *retryablehttp.Client) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = httpclient.New(httpclient.Options{
			MaxRetries: httpclient.DefaultMaxRetries,
			RetryDelay: httpclient.DefaultRetryDelay,
		})
	}
	return &Adapter{
		token:   token,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (a *Adapter) Name() string { return "gitlab" }

// ListPipelines pages through the project's pipelines, newest first, until
// opts.Limit pipelines with a known duration were collected.
func (a *Adapter) ListPipelines(ctx context.Context, project string, opts domain.ListOptions) ([]domain.Pipeline, error) {
	var (
		pipelines []domain.Pipeline
		cursor    string
		skipped   int
	)
	for opts.Limit <= 0 || len(pipelines) < opts.Limit {
		first := pageSize
		if opts.Limit > 0 && opts.Limit-len(pipelines) < first {
			first = opts.Limit - len(pipelines)
		}
		vars := map[string]any{
			"fullPath": project,
			"first":    first,
		}
		if cursor != "" {
			vars["after"] = cursor
		}
		if opts.Ref != "" {
			vars["ref"] = opts.Ref
		}
		if opts.Status != "" {
			vars["status"] = strings.ToUpper(string(opts.Status))
		}
		if !opts.Since.IsZero() {
			vars["updatedAfter"] = opts.Since.UTC().Format(time.RFC3339)
		}
		if !opts.Until.IsZero() {
			vars["updatedBefore"] = opts.Until.UTC().Format(time.RFC3339)
		}

		var data pipelinesData
		if err := a.query(ctx, pipelinesQuery, vars, &data); err != nil {
			return nil, err
		}
		if data.Project == nil {
			return nil, fmt.Errorf("gitlab project %q: %w", project, domain.ErrNotFound)
		}
		if data.Project.Pipelines == nil {
			return nil, fmt.Errorf("gitlab project %q: no pipeline data: %w", project, domain.ErrMalformedResponse)
		}
		page := data.Project.Pipelines
		for _, raw := range page.Nodes {
			if raw.Duration == nil {
				skipped++
				continue
			}
			p, err := raw.toPipeline()
			if err != nil {
				return nil, err
			}
			pipelines = append(pipelines, p)
		}
		if !page.PageInfo.HasNextPage || page.PageInfo.EndCursor == "" {
			break
		}
		cursor = page.PageInfo.EndCursor
	}
	if opts.Limit > 0 && len(pipelines) > opts.Limit {
		pipelines = pipelines[:opts.Limit]
	}
	log.Ctx(ctx).Debug().
		Str("status", string(opts.Status)).
		Int("pipelines", len(pipelines)).
		Int("skipped_without_duration", skipped).
		Msg("gitlab pipelines listed")
	return pipelines, nil
}

// PipelineJobs returns every job attempt of a pipeline, retries included.
func (a *Adapter) PipelineJobs(ctx context.Context, project string, pipelineID string) ([]domain.Job, error) {
	var (
		raw    []gitLabJob
		cursor string
	)
	for {
		vars := map[string]any{
			"fullPath": project,
			"id":       pipelineGIDPrefix + pipelineID,
			"first":    pageSize,
		}
		if cursor != "" {
			vars["after"] = cursor
		}
		var data jobsData
		if err := a.query(ctx, jobsQuery, vars, &data); err != nil {
			return nil, err
		}
		if data.Project == nil || data.Project.Pipeline == nil {
			return nil, fmt.Errorf("gitlab pipeline %s: %w", pipelineID, domain.ErrNotFound)
		}
		if data.Project.Pipeline.Jobs == nil {
			return nil, fmt.Errorf("gitlab pipeline %s: no job data: %w", pipelineID, domain.ErrMalformedResponse)
		}
		page := data.Project.Pipeline.Jobs
		raw = append(raw, page.Nodes...)
		if !page.PageInfo.HasNextPage || page.PageInfo.EndCursor == "" {
			break
		}
		cursor = page.PageInfo.EndCursor
	}
	return toJobs(raw)
}

// PipelineURL returns the web URL of a pipeline.
func (a *Adapter) PipelineURL(project, pipelineID string) string {
	return fmt.Sprintf("%s/%s/-/pipelines/%s", a.baseURL, project, pipelineID)
}

// JobURL returns the web URL of a job.
func (a *Adapter) JobURL(project, jobID string) string {
	return fmt.Sprintf("%s/%s/-/jobs/%s", a.baseURL, project, jobID)
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (a *Adapter) query(ctx context.Context, query string, vars map[string]any, target interface{}) error {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("encoding gitlab query: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/graphql", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("gitlab API request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("gitlab API error: %s: %w", resp.Status, domain.ErrUnauthorized)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("gitlab API error: %s: %w", resp.Status, domain.ErrNotFound)
	case resp.StatusCode >= 400:
		return fmt.Errorf("gitlab API error: %s", resp.Status)
	}

	var envelope graphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("gitlab API: decoding response: %v: %w", err, domain.ErrMalformedResponse)
	}
	if len(envelope.Errors) > 0 {
		msgs := make([]string, len(envelope.Errors))
		for i, e := range envelope.Errors {
			msgs[i] = e.Message
		}
		return fmt.Errorf("gitlab GraphQL error: %s", strings.Join(msgs, "; "))
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return fmt.Errorf("gitlab API: response without data: %w", domain.ErrMalformedResponse)
	}
	if err := json.Unmarshal(envelope.Data, target); err != nil {
		return fmt.Errorf("gitlab API: decoding data: %v: %w", err, domain.ErrMalformedResponse)
	}
	return nil
}

type gitLabPipeline struct {
	ID        string     `json:"id"`
	Ref       string     `json:"ref"`
	Source    string     `json:"source"`
	Status    string     `json:"status"`
	Duration  *int64     `json:"duration"`
	CreatedAt string     `json:"createdAt"`
	Stages    *nameNodes `json:"stages"`
}

func (r gitLabPipeline) toPipeline() (domain.Pipeline, error) {
	id := numericID(r.ID)
	if id == "" {
		return domain.Pipeline{}, fmt.Errorf("gitlab pipeline id %q: %w", r.ID, domain.ErrMalformedResponse)
	}
	created, err := time.Parse(time.RFC3339, r.CreatedAt)
	if err != nil {
		return domain.Pipeline{}, fmt.Errorf("gitlab pipeline %s createdAt %q: %w", id, r.CreatedAt, domain.ErrMalformedResponse)
	}
	var duration time.Duration
	if r.Duration != nil {
		duration = time.Duration(*r.Duration) * time.Second
	}
	return domain.Pipeline{
		ID:        id,
		Ref:       r.Ref,
		Source:    r.Source,
		Status:    mapGitLabStatus(r.Status),
		CreatedAt: created,
		Duration:  duration,
		Stages:    r.Stages.names(),
	}, nil
}

type gitLabJob struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Status         string   `json:"status"`
	Duration       *float64 `json:"duration"`
	Retried        bool     `json:"retried"`
	SchedulingType string   `json:"schedulingType"`
	Stage          *struct {
		Name string `json:"name"`
	} `json:"stage"`
	Needs *nameNodes `json:"needs"`
}

func (j gitLabJob) toJob() domain.Job {
	job := domain.Job{
		ID:     numericID(j.ID),
		Name:   j.Name,
		Status: mapGitLabStatus(j.Status),
	}
	if j.Stage != nil {
		job.Stage = j.Stage.Name
	}
	if j.Duration != nil {
		job.Duration = time.Duration(*j.Duration * float64(time.Second))
	}
	if strings.EqualFold(j.SchedulingType, "dag") {
		job.ExplicitNeeds = true
		job.Needs = j.Needs.names()
	}
	return job
}

// toJobs maps raw jobs and numbers the attempts of each job name in id order.
func toJobs(raw []gitLabJob) ([]domain.Job, error) {
	jobs := make([]domain.Job, 0, len(raw))
	for _, r := range raw {
		job := r.toJob()
		if job.ID == "" || job.Name == "" {
			return nil, fmt.Errorf("gitlab job %q: %w", r.ID, domain.ErrMalformedResponse)
		}
		jobs = append(jobs, job)
	}
	sort.SliceStable(jobs, func(i, k int) bool {
		a, _ := strconv.ParseInt(jobs[i].ID, 10, 64)
		b, _ := strconv.ParseInt(jobs[k].ID, 10, 64)
		return a < b
	})
	attempts := make(map[string]int)
	for i := range jobs {
		jobs[i].RetryIndex = attempts[jobs[i].Name]
		attempts[jobs[i].Name]++
	}
	return jobs, nil
}

// numericID returns the trailing number of a GitLab global id
// ("gid://gitlab/Ci::Build/42" -> "42").
func numericID(gid string) string {
	tail := gid[strings.LastIndex(gid, "/")+1:]
	if _, err := strconv.ParseInt(tail, 10, 64); err != nil {
		return ""
	}
	return tail
}

func mapGitLabStatus(status string) domain.PipelineStatus {
	switch strings.ToLower(status) {
	case "success":
		return domain.StatusSuccess
	case "failed":
		return domain.StatusFailed
	case "running", "canceling":
		return domain.StatusRunning
	case "canceled":
		return domain.StatusCanceled
	case "skipped":
		return domain.StatusSkipped
	case "manual":
		return domain.StatusManual
	default:
		return domain.StatusPending
	}
}
