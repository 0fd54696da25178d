// Package report renders insights for the terminal or for other tools.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/waabox/cilens/internal/domain"
	"github.com/waabox/cilens/internal/insights"
)

// Format selects the output rendering.
type Format string

const (
	FormatJSON    Format = "json"
	FormatSummary Format = "summary"
)

// ParseFormat validates a format name. The empty string selects FormatJSON.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatSummary:
		return FormatSummary, nil
	}
	return "", &domain.ConfigError{Field: "format", Reason: fmt.Sprintf("unknown format %q", s)}
}

// Options control rendering.
type Options struct {
	Format Format
	Pretty bool
	// TopJobs limits the jobs listed per type in the summary. 0 lists all.
	TopJobs int
}

// Write renders in to w.
func Write(w io.Writer, in insights.Insights, opts Options) error {
	switch opts.Format {
	case FormatSummary:
		return writeSummary(w, in, opts)
	default:
		return writeJSON(w, in, opts.Pretty)
	}
}

func writeJSON(w io.Writer, in insights.Insights, pretty bool) error {
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(in); err != nil {
		return fmt.Errorf("encoding insights: %w", err)
	}
	return nil
}

const (
	barWidth       = 20
	barChar        = "■"
	barPlaceholder = "·"
)

func writeSummary(w io.Writer, in insights.Insights, opts Options) error {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "Project:\t%s (%s)\n", in.Project, in.Provider)
	fmt.Fprintf(tw, "Collected:\t%s\n", in.CollectedAt.Format(time.RFC3339))
	fmt.Fprintf(tw, "Pipelines:\t%d in %d types\n", in.TotalPipelines, in.TotalPipelineTypes)
	c := in.Completeness
	fmt.Fprintf(tw, "Fetched:\t%d of %d (%d from cache)\n", c.Fetched, c.Listed, c.CacheHits)
	if len(c.Failed) > 0 {
		fmt.Fprintf(tw, "Excluded:\t%d pipelines could not be fetched\n", len(c.Failed))
	}
	if len(c.ExcludedFromFeedback) > 0 {
		fmt.Fprintf(tw, "Cycles:\t%s\n", strings.Join(c.ExcludedFromFeedback, ", "))
	}
	if c.FilteredPipelines > 0 {
		fmt.Fprintf(tw, "Filtered:\t%d pipelines in %d rare types\n", c.FilteredPipelines, c.FilteredTypes)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, t := range in.PipelineTypes {
		m := t.Metrics
		fmt.Fprintln(w)
		fmt.Fprintf(w, "%s  %s %.2f%%  (%d pipelines)\n", t.Label, bar(m.Percentage), m.Percentage, m.TotalPipelines)
		fmt.Fprintf(w, "  success %.2f%%   duration p50/p95/p99 %s/%s/%s   feedback p50/p95/p99 %s/%s/%s\n",
			m.SuccessRate,
			secs(m.DurationP50), secs(m.DurationP95), secs(m.DurationP99),
			secs(m.TimeToFeedbackP50), secs(m.TimeToFeedbackP95), secs(m.TimeToFeedbackP99))

		tw.Init(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "  JOB\tFEEDBACK P95\tDURATION P50\tFLAKY\tFAILED\tRUNS\tWAITS ON")
		jobs := m.Jobs
		if opts.TopJobs > 0 && len(jobs) > opts.TopJobs {
			jobs = jobs[:opts.TopJobs]
		}
		for i, j := range jobs {
			prefix := "├"
			if i == len(jobs)-1 {
				prefix = "└"
			}
			fmt.Fprintf(tw, "  %s %s\t%s\t%s\t%.2f%%\t%.2f%%\t%d\t%s\n",
				prefix, j.Name, secs(j.TimeToFeedbackP95), secs(j.DurationP50),
				j.FlakinessRate, j.FailureRate, j.TotalExecutions, predecessors(j.Predecessors))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func secs(v float64) string {
	return (time.Duration(v * float64(time.Second))).Round(time.Second).String()
}

func predecessors(preds []insights.Predecessor) string {
	names := make([]string, len(preds))
	for i, p := range preds {
		names[i] = p.Name
	}
	return strings.Join(names, ", ")
}

// bar draws pct (0-100) as a fixed-width bar.
func bar(pct float64) string {
	filled := int(pct * barWidth / 100)
	if filled > barWidth {
		filled = barWidth
	}
	if filled < 0 {
		filled = 0
	}
	return strings.Repeat(barChar, filled) + strings.Repeat(barPlaceholder, barWidth-filled)
}
