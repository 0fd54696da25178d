package fetch

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/waabox/cilens/internal/domain"
)

// Sampling selects how the list phase picks pipelines.
type Sampling string

const (
	// SamplingBackfill targets half successful and half failed pipelines and
	// fills a scarce class's shortfall from the other class.
	SamplingBackfill Sampling = "backfill"
	// SamplingStrict targets the same halves but never backfills, so the
	// sample may end up smaller than the limit.
	SamplingStrict Sampling = "strict"
	// SamplingRecent takes the most recent pipelines regardless of status.
	SamplingRecent Sampling = "recent"
)

// ParseSampling validates a sampling name. The empty string selects SamplingBackfill.
func ParseSampling(s string) (Sampling, error) {
	switch Sampling(s) {
	case "", SamplingBackfill:
		return SamplingBackfill, nil
	case SamplingStrict, SamplingRecent:
		return Sampling(s), nil
	}
	return "", &domain.ConfigError{Field: "sampling", Reason: fmt.Sprintf("unknown strategy %q", s)}
}

// SampleReport records how the list phase met its targets.
type SampleReport struct {
	Strategy      Sampling `json:"strategy"`
	SuccessTarget int      `json:"success_target"`
	FailedTarget  int      `json:"failed_target"`
	Success       int      `json:"success"`
	Failed        int      `json:"failed"`
	Other         int      `json:"other,omitempty"`
	// Backfilled counts pipelines taken beyond a class's target to cover
	// the other class's shortfall.
	Backfilled int `json:"backfilled"`
}

// Targets splits limit into the successful and failed quotas.
// The odd pipeline goes to the successful class.
func Targets(limit int) (success, failed int) {
	failed = limit / 2
	return limit - failed, failed
}

// list runs the list phase according to the sampling strategy.
func (o *Orchestrator) list(ctx context.Context, project string) ([]domain.Pipeline, SampleReport, error) {
	base := domain.ListOptions{Ref: o.opts.Ref, Since: o.opts.Since, Until: o.opts.Until}
	report := SampleReport{Strategy: o.opts.Sampling}

	if o.opts.Sampling == SamplingRecent {
		opts := base
		opts.Limit = o.opts.Limit
		pipelines, err := o.provider.ListPipelines(ctx, project, opts)
		if err != nil {
			return nil, report, fmt.Errorf("listing pipelines: %w", err)
		}
		for _, p := range pipelines {
			switch p.Status {
			case domain.StatusSuccess:
				report.Success++
			case domain.StatusFailed:
				report.Failed++
			default:
				report.Other++
			}
		}
		return pipelines, report, nil
	}

	report.SuccessTarget, report.FailedTarget = Targets(o.opts.Limit)
	successLimit, failedLimit := report.SuccessTarget, report.FailedTarget
	if o.opts.Sampling == SamplingBackfill {
		successLimit, failedLimit = o.opts.Limit, o.opts.Limit
	}

	var succeeded, failed []domain.Pipeline
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if successLimit == 0 {
			return nil
		}
		opts := base
		opts.Status, opts.Limit = domain.StatusSuccess, successLimit
		var err error
		succeeded, err = o.provider.ListPipelines(gctx, project, opts)
		if err != nil {
			return fmt.Errorf("listing successful pipelines: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if failedLimit == 0 {
			return nil
		}
		opts := base
		opts.Status, opts.Limit = domain.StatusFailed, failedLimit
		var err error
		failed, err = o.provider.ListPipelines(gctx, project, opts)
		if err != nil {
			return fmt.Errorf("listing failed pipelines: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, report, err
	}

	takeSuccess := min(len(succeeded), report.SuccessTarget)
	takeFailed := min(len(failed), report.FailedTarget)
	if o.opts.Sampling == SamplingBackfill {
		if short := report.FailedTarget - takeFailed; short > 0 {
			extra := min(short, len(succeeded)-takeSuccess)
			takeSuccess += extra
			report.Backfilled += extra
		}
		if short := report.SuccessTarget - min(len(succeeded), report.SuccessTarget); short > 0 {
			extra := min(short, len(failed)-takeFailed)
			takeFailed += extra
			report.Backfilled += extra
		}
	}
	report.Success, report.Failed = takeSuccess, takeFailed

	sample := make([]domain.Pipeline, 0, takeSuccess+takeFailed)
	sample = append(sample, succeeded[:takeSuccess]...)
	sample = append(sample, failed[:takeFailed]...)
	sortNewestFirst(sample)
	return sample, report, nil
}

func sortNewestFirst(pipelines []domain.Pipeline) {
	sort.SliceStable(pipelines, func(i, k int) bool {
		if !pipelines[i].CreatedAt.Equal(pipelines[k].CreatedAt) {
			return pipelines[i].CreatedAt.After(pipelines[k].CreatedAt)
		}
		return pipelines[i].ID > pipelines[k].ID
	})
}
