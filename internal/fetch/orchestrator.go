// Package fetch acquires a sample of pipelines with their jobs from a CI
// provider, consulting and populating the cache along the way.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/waabox/cilens/internal/cache"
	"github.com/waabox/cilens/internal/domain"
)

// DefaultConcurrency caps in-flight job-detail requests.
const DefaultConcurrency = 500

// Options are the boundary parameters of one fetch.
type Options struct {
	Ref         string
	Since       time.Time
	Until       time.Time
	Limit       int
	Concurrency int
	Sampling    Sampling
}

// Source tells where a pipeline's jobs came from.
type Source int

const (
	FromAPI Source = iota
	FromCache
)

// Observer is notified of fetch progress. Calls may come from many goroutines.
type Observer interface {
	Listed(total int)
	Fetched(pipelineID string, src Source, err error)
}

type nopObserver struct{}

func (nopObserver) Listed(int)                   {}
func (nopObserver) Fetched(string, Source, error) {}

// Failure records a pipeline excluded from the result.
type Failure struct {
	PipelineID string
	Err        error
}

// Result is the outcome of a fetch.
type Result struct {
	// Pipelines holds fully populated pipelines, newest first.
	Pipelines []domain.Pipeline
	// Failures holds the pipelines whose details could not be fetched.
	Failures  []Failure
	Listed    int
	CacheHits int
	Sampling  SampleReport
}

// Orchestrator runs the list and detail phases against one provider.
type Orchestrator struct {
	provider domain.PipelineProvider
	cache    *cache.Store
	observer Observer
	opts     Options
}

// New creates an orchestrator. store may be nil to bypass caching entirely.
func New(p domain.PipelineProvider, store *cache.Store, opts Options) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Sampling == "" {
		opts.Sampling = SamplingBackfill
	}
	return &Orchestrator{
		provider: p,
		cache:    store,
		observer: nopObserver{},
		opts:     opts,
	}
}

// WithObserver registers a progress observer.
func (o *Orchestrator) WithObserver(obs Observer) *Orchestrator {
	if obs != nil {
		o.observer = obs
	}
	return o
}

type cacheWrite struct {
	id    string
	entry cache.Entry
}

// Fetch lists pipelines and fetches their jobs.
//
// Per-pipeline errors are collected in Result.Failures. An authentication
// error aborts the whole fetch. On cancellation no new requests are issued and
// the pipelines fetched so far are returned together with the context error.
func (o *Orchestrator) Fetch(ctx context.Context, project string) (Result, error) {
	logger := log.Ctx(ctx)
	if o.cache != nil {
		defer o.flush(ctx)
	}

	listed, report, err := o.list(ctx, project)
	if err != nil {
		return Result{}, err
	}
	logger.Info().
		Int("listed", len(listed)).
		Int("success", report.Success).
		Int("failed", report.Failed).
		Int("backfilled", report.Backfilled).
		Str("sampling", string(report.Strategy)).
		Msg("pipelines listed")
	if report.Strategy != SamplingRecent && (report.Success < report.SuccessTarget || report.Failed < report.FailedTarget) {
		logger.Warn().
			Int("success_target", report.SuccessTarget).
			Int("failed_target", report.FailedTarget).
			Int("success", report.Success).
			Int("failed", report.Failed).
			Msg("sample is unbalanced")
	}
	o.observer.Listed(len(listed))

	slots := make([]*domain.Pipeline, len(listed))
	errs := make([]error, len(listed))
	hits := 0

	writes := make(chan cacheWrite, o.opts.Concurrency)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		o.writeThrough(ctx, writes)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Concurrency)
	for i := range listed {
		if gctx.Err() != nil {
			break
		}
		p := listed[i]
		if jobs, ok := o.fromCache(ctx, p); ok {
			p.Jobs = jobs
			slots[i] = &p
			hits++
			o.observer.Fetched(p.ID, FromCache, nil)
			continue
		}
		i := i
		g.Go(func() error {
			jobs, err := o.provider.PipelineJobs(gctx, project, p.ID)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				if domain.IsFatal(err) {
					return fmt.Errorf("pipeline %s: %w", p.ID, err)
				}
				logger.Warn().Err(err).Str("pipeline", p.ID).Msg("excluding pipeline")
				errs[i] = err
				o.observer.Fetched(p.ID, FromAPI, err)
				return nil
			}
			p.Jobs = jobs
			slots[i] = &p
			o.observer.Fetched(p.ID, FromAPI, nil)
			if o.cache != nil && p.Status.IsTerminal() {
				writes <- cacheWrite{id: p.ID, entry: cache.Entry{Status: p.Status, Jobs: jobs}}
			}
			return nil
		})
	}
	waitErr := g.Wait()
	close(writes)
	<-writerDone

	if waitErr != nil {
		return Result{}, waitErr
	}

	res := Result{Listed: len(listed), CacheHits: hits, Sampling: report}
	for i, slot := range slots {
		switch {
		case slot != nil:
			res.Pipelines = append(res.Pipelines, *slot)
		case errs[i] != nil:
			res.Failures = append(res.Failures, Failure{PipelineID: listed[i].ID, Err: errs[i]})
		}
	}
	sortNewestFirst(res.Pipelines)

	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("fetch interrupted after %d of %d pipelines: %w", len(res.Pipelines), len(listed), err)
	}
	logger.Info().
		Int("fetched", len(res.Pipelines)).
		Int("cache_hits", hits).
		Int("failures", len(res.Failures)).
		Msg("pipelines fetched")
	return res, nil
}

func (o *Orchestrator) fromCache(ctx context.Context, p domain.Pipeline) ([]domain.Job, bool) {
	if o.cache == nil {
		return nil, false
	}
	jobs, outcome := o.cache.Lookup(p.ID, p.Status)
	if outcome == cache.Stale {
		log.Ctx(ctx).Debug().Str("pipeline", p.ID).Str("status", string(p.Status)).Msg("cache entry is stale")
	}
	return jobs, outcome == cache.Hit
}

// writeThrough is the only goroutine that mutates the cache during a fetch.
// Every received entry is stored and flushed before the next one is awaited;
// entries that queued up meanwhile share one flush.
func (o *Orchestrator) writeThrough(ctx context.Context, writes <-chan cacheWrite) {
	for w := range writes {
		o.put(ctx, w)
	drain:
		for {
			select {
			case next, ok := <-writes:
				if !ok {
					break drain
				}
				o.put(ctx, next)
			default:
				break drain
			}
		}
		o.flush(ctx)
	}
}

// flush persists pending cache changes, evictions included.
func (o *Orchestrator) flush(ctx context.Context) {
	if err := o.cache.Flush(); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("flushing cache")
	}
}

func (o *Orchestrator) put(ctx context.Context, w cacheWrite) {
	if err := o.cache.Put(w.id, w.entry); err != nil && !errors.Is(err, cache.ErrNotTerminal) {
		log.Ctx(ctx).Warn().Err(err).Str("pipeline", w.id).Msg("caching pipeline")
	}
}
