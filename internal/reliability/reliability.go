// Package reliability classifies job executions as clean, flaky or failed.
package reliability

import (
	"sort"

	"github.com/waabox/cilens/internal/domain"
	"github.com/waabox/cilens/internal/stats"
)

// Class is the outcome category of one job execution.
type Class int

const (
	Clean Class = iota
	// Flaky executions did not succeed but a later attempt of the same job
	// in the same pipeline did.
	Flaky
	// Failed executions failed and no later attempt succeeded.
	Failed
)

// Execution identifies one job attempt.
type Execution struct {
	PipelineID string
	JobID      string
}

// Stats summarizes the executions of one job name.
type Stats struct {
	TotalExecutions int
	FlakyCount      int
	FailedCount     int
	CleanCount      int
	// FlakinessRate and FailureRate are percentages rounded to two decimals.
	FlakinessRate float64
	FailureRate   float64
	Flaky         []Execution
	Failed        []Execution
}

// Classify assigns a Class to every attempt of a single job within one
// pipeline. The returned slice is parallel to attempts.
func Classify(attempts []domain.Job) []Class {
	classes := make([]Class, len(attempts))
	for i, a := range attempts {
		if a.Status == domain.StatusSuccess {
			continue
		}
		recovered := false
		for _, later := range attempts {
			if later.RetryIndex > a.RetryIndex && later.Status == domain.StatusSuccess {
				recovered = true
				break
			}
		}
		switch {
		case recovered:
			classes[i] = Flaky
		case a.Status == domain.StatusFailed:
			classes[i] = Failed
		}
	}
	return classes
}

// Analyze computes per-job-name stats over every attempt in pipelines.
func Analyze(pipelines []domain.Pipeline) map[string]*Stats {
	out := make(map[string]*Stats)
	for _, p := range pipelines {
		groups := make(map[string][]domain.Job)
		for _, j := range p.Jobs {
			groups[j.Name] = append(groups[j.Name], j)
		}
		for name, attempts := range groups {
			sort.SliceStable(attempts, func(i, k int) bool { return attempts[i].RetryIndex < attempts[k].RetryIndex })
			s, ok := out[name]
			if !ok {
				s = &Stats{}
				out[name] = s
			}
			for i, c := range Classify(attempts) {
				s.TotalExecutions++
				exec := Execution{PipelineID: p.ID, JobID: attempts[i].ID}
				switch c {
				case Flaky:
					s.FlakyCount++
					s.Flaky = append(s.Flaky, exec)
				case Failed:
					s.FailedCount++
					s.Failed = append(s.Failed, exec)
				default:
					s.CleanCount++
				}
			}
		}
	}
	for _, s := range out {
		s.FlakinessRate = stats.Rate(s.FlakyCount, s.TotalExecutions)
		s.FailureRate = stats.Rate(s.FailedCount, s.TotalExecutions)
	}
	return out
}
