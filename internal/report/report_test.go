package report_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waabox/cilens/internal/insights"
	"github.com/waabox/cilens/internal/report"
)

func sample() insights.Insights {
	return insights.Insights{
		Provider:           "gitlab",
		Project:            "g/p",
		CollectedAt:        time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC),
		TotalPipelines:     8,
		TotalPipelineTypes: 1,
		PipelineTypes: []insights.PipelineType{{
			Label: "Development Pipeline",
			Jobs:  []string{"build", "test"},
			Metrics: insights.TypeMetrics{
				Percentage:        62.5,
				TotalPipelines:    5,
				SuccessRate:       40,
				DurationP50:       90,
				TimeToFeedbackP95: 125.4,
				Jobs: []insights.JobMetrics{
					{Name: "test", TimeToFeedbackP95: 125.4, DurationP50: 60, FlakinessRate: 44.44, TotalExecutions: 9,
						Predecessors: []insights.Predecessor{{Name: "build", DurationP50: 30}}},
					{Name: "build", TimeToFeedbackP95: 30, DurationP50: 30, TotalExecutions: 5},
				},
			},
		}},
		Completeness: insights.Completeness{Listed: 9, Fetched: 8, CacheHits: 3,
			Failed: []insights.FailedPipeline{{PipelineID: "42", Error: "giving up"}}},
	}
}

func TestWrite_JSONCompactAndPretty(t *testing.T) {
	var compact, pretty bytes.Buffer
	require.NoError(t, report.Write(&compact, sample(), report.Options{Format: report.FormatJSON}))
	require.NoError(t, report.Write(&pretty, sample(), report.Options{Format: report.FormatJSON, Pretty: true}))

	assert.Equal(t, 1, strings.Count(compact.String(), "\n"))
	assert.Greater(t, strings.Count(pretty.String(), "\n"), 10)

	var a, b map[string]interface{}
	require.NoError(t, json.Unmarshal(compact.Bytes(), &a))
	require.NoError(t, json.Unmarshal(pretty.Bytes(), &b))
	assert.Equal(t, a, b)
	assert.Equal(t, "g/p", a["project"])
}

func TestWrite_Summary(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, report.Write(&buf, sample(), report.Options{Format: report.FormatSummary}))
	out := buf.String()

	assert.Contains(t, out, "g/p (gitlab)")
	assert.Contains(t, out, "8 of 9 (3 from cache)")
	assert.Contains(t, out, "1 pipelines could not be fetched")
	assert.Contains(t, out, "Development Pipeline")
	assert.Contains(t, out, "■■■■■■■■■■■■")
	assert.Contains(t, out, "44.44%")
	assert.Contains(t, out, "2m5s")
	assert.Contains(t, out, "└ build")
}

func TestWrite_SummaryTopJobs(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, report.Write(&buf, sample(), report.Options{Format: report.FormatSummary, TopJobs: 1}))
	assert.Contains(t, buf.String(), "└ test")
	assert.NotContains(t, buf.String(), "├")
}

func TestParseFormat(t *testing.T) {
	f, err := report.ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, report.FormatJSON, f)
	_, err = report.ParseFormat("xml")
	assert.Error(t, err)
}
