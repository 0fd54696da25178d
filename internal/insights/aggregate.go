package insights

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/waabox/cilens/internal/domain"
	"github.com/waabox/cilens/internal/feedback"
	"github.com/waabox/cilens/internal/fetch"
	"github.com/waabox/cilens/internal/pipelinetype"
	"github.com/waabox/cilens/internal/reliability"
	"github.com/waabox/cilens/internal/stats"
)

// Options configure Build.
type Options struct {
	Provider string
	Project  string
	Linker   domain.Linker
	Classify pipelinetype.Options
	// Now defaults to time.Now.
	Now func() time.Time
}

// Build classifies the fetched pipelines and computes every metric.
func Build(ctx context.Context, res fetch.Result, opts Options) Insights {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	classes := pipelinetype.Classify(res.Pipelines, opts.Classify)

	out := Insights{
		Provider:           opts.Provider,
		Project:            opts.Project,
		CollectedAt:        now().UTC(),
		TotalPipelines:     classes.Total,
		TotalPipelineTypes: len(classes.Types),
		PipelineTypes:      make([]PipelineType, 0, len(classes.Types)),
		Sampling:           res.Sampling,
		Completeness: Completeness{
			Listed:               res.Listed,
			Fetched:              len(res.Pipelines),
			CacheHits:            res.CacheHits,
			Failed:               make([]FailedPipeline, 0, len(res.Failures)),
			ExcludedFromFeedback: []string{},
			FilteredPipelines:    classes.Filtered,
			FilteredTypes:        classes.FilteredTypes,
		},
	}
	for _, f := range res.Failures {
		out.Completeness.Failed = append(out.Completeness.Failed, FailedPipeline{PipelineID: f.PipelineID, Error: f.Err.Error()})
	}

	b := builder{ctx: ctx, project: opts.Project, linker: opts.Linker, excluded: map[string]bool{}}
	for _, t := range classes.Types {
		out.PipelineTypes = append(out.PipelineTypes, b.pipelineType(t))
	}
	for id := range b.excluded {
		out.Completeness.ExcludedFromFeedback = append(out.Completeness.ExcludedFromFeedback, id)
	}
	sort.Strings(out.Completeness.ExcludedFromFeedback)
	return out
}

type builder struct {
	ctx      context.Context
	project  string
	linker   domain.Linker
	excluded map[string]bool
}

type jobSamples struct {
	durations []float64
	feedback  []float64
	preds     map[string]bool
}

func seconds(d time.Duration) float64 { return d.Seconds() }

func (b *builder) pipelineType(t pipelinetype.Type) PipelineType {
	var successful, failed []domain.Pipeline
	for _, p := range t.Pipelines {
		switch p.Status {
		case domain.StatusSuccess:
			successful = append(successful, p)
		case domain.StatusFailed:
			failed = append(failed, p)
		}
	}

	m := TypeMetrics{
		Percentage:          t.Percentage,
		TotalPipelines:      len(t.Pipelines),
		SuccessfulPipelines: b.pipelineLinks(successful),
		FailedPipelines:     b.pipelineLinks(failed),
		SuccessRate:         stats.Rate(len(successful), len(t.Pipelines)),
	}

	var durations, firstFeedback []float64
	samples := make(map[string]*jobSamples)
	for _, p := range successful {
		durations = append(durations, seconds(p.Duration))
		jobs, err := feedback.Compute(p)
		if err != nil {
			if errors.Is(err, domain.ErrDependencyCycle) {
				log.Ctx(b.ctx).Warn().Err(err).Str("pipeline", p.ID).Msg("excluding pipeline from feedback metrics")
				b.excluded[p.ID] = true
			}
			continue
		}
		if first, ok := feedback.FirstFeedback(jobs); ok {
			firstFeedback = append(firstFeedback, seconds(first))
		}
		for _, j := range jobs {
			if j.Status != domain.StatusSuccess {
				continue
			}
			s, ok := samples[j.Name]
			if !ok {
				s = &jobSamples{preds: map[string]bool{}}
				samples[j.Name] = s
			}
			s.durations = append(s.durations, seconds(j.Duration))
			s.feedback = append(s.feedback, seconds(j.Finish))
			for _, pred := range j.Predecessors {
				s.preds[pred] = true
			}
		}
	}
	if tr, ok := stats.Summarize(durations); ok {
		m.DurationP50, m.DurationP95, m.DurationP99 = round(tr)
	}
	if tr, ok := stats.Summarize(firstFeedback); ok {
		m.TimeToFeedbackP50, m.TimeToFeedbackP95, m.TimeToFeedbackP99 = round(tr)
	}

	m.Jobs = b.jobs(samples, reliability.Analyze(t.Pipelines))

	ids := make([]string, len(t.Pipelines))
	for i, p := range t.Pipelines {
		ids[i] = p.ID
	}
	return PipelineType{
		Label:       t.Label,
		Jobs:        t.Signature,
		IDs:         ids,
		Stages:      nonNil(t.Stages),
		RefPatterns: nonNil(t.Refs),
		Sources:     nonNil(t.Sources),
		Metrics:     m,
	}
}

func (b *builder) jobs(samples map[string]*jobSamples, rel map[string]*reliability.Stats) []JobMetrics {
	names := make(map[string]bool, len(samples)+len(rel))
	for name := range samples {
		names[name] = true
	}
	for name := range rel {
		names[name] = true
	}

	medians := make(map[string]float64, len(samples))
	for name, s := range samples {
		medians[name] = stats.Round2(stats.Percentile(s.durations, 50))
	}

	out := make([]JobMetrics, 0, len(names))
	for name := range names {
		jm := JobMetrics{
			Name:             name,
			Predecessors:     []Predecessor{},
			FlakyRetries:     CountWithLinks{Links: []string{}},
			FailedExecutions: CountWithLinks{Links: []string{}},
		}
		if s, ok := samples[name]; ok {
			if tr, ok := stats.Summarize(s.durations); ok {
				jm.DurationP50, jm.DurationP95, jm.DurationP99 = round(tr)
			}
			if tr, ok := stats.Summarize(s.feedback); ok {
				jm.TimeToFeedbackP50, jm.TimeToFeedbackP95, jm.TimeToFeedbackP99 = round(tr)
			}
			for pred := range s.preds {
				jm.Predecessors = append(jm.Predecessors, Predecessor{Name: pred, DurationP50: medians[pred]})
			}
			sort.Slice(jm.Predecessors, func(i, k int) bool {
				if jm.Predecessors[i].DurationP50 != jm.Predecessors[k].DurationP50 {
					return jm.Predecessors[i].DurationP50 > jm.Predecessors[k].DurationP50
				}
				return jm.Predecessors[i].Name < jm.Predecessors[k].Name
			})
		}
		if r, ok := rel[name]; ok {
			jm.TotalExecutions = r.TotalExecutions
			jm.FlakinessRate = r.FlakinessRate
			jm.FailureRate = r.FailureRate
			jm.FlakyRetries = b.jobLinks(r.FlakyCount, r.Flaky)
			jm.FailedExecutions = b.jobLinks(r.FailedCount, r.Failed)
		}
		out = append(out, jm)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].TimeToFeedbackP95 != out[k].TimeToFeedbackP95 {
			return out[i].TimeToFeedbackP95 > out[k].TimeToFeedbackP95
		}
		return out[i].Name < out[k].Name
	})
	return out
}

func (b *builder) pipelineLinks(pipelines []domain.Pipeline) CountWithLinks {
	c := CountWithLinks{Count: len(pipelines), Links: make([]string, 0, len(pipelines))}
	if b.linker == nil {
		return c
	}
	for _, p := range pipelines {
		c.Links = append(c.Links, b.linker.PipelineURL(b.project, p.ID))
	}
	return c
}

func (b *builder) jobLinks(count int, execs []reliability.Execution) CountWithLinks {
	c := CountWithLinks{Count: count, Links: make([]string, 0, len(execs))}
	if b.linker == nil {
		return c
	}
	for _, e := range execs {
		c.Links = append(c.Links, b.linker.JobURL(b.project, e.JobID))
	}
	return c
}

func round(t stats.Triple) (float64, float64, float64) {
	return stats.Round2(t.P50), stats.Round2(t.P95), stats.Round2(t.P99)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
