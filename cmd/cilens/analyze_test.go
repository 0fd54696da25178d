package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeGitHub(t *testing.T, jobCalls *int32) *httptest.Server {
	t.Helper()
	runs := map[string]map[string]interface{}{
		"success": {
			"id": 11, "head_branch": "main", "event": "push", "status": "completed", "conclusion": "success",
			"created_at": "2025-05-02T10:00:00Z", "run_started_at": "2025-05-02T10:00:00Z", "updated_at": "2025-05-02T10:02:00Z",
		},
		"failure": {
			"id": 10, "head_branch": "main", "event": "push", "status": "completed", "conclusion": "failure",
			"created_at": "2025-05-01T10:00:00Z", "run_started_at": "2025-05-01T10:00:00Z", "updated_at": "2025-05-01T10:01:00Z",
		},
	}
	jobs := map[string][]map[string]interface{}{
		"11": {
			{"id": 111, "name": "build", "run_attempt": 1, "status": "completed", "conclusion": "success",
				"started_at": "2025-05-02T10:00:00Z", "completed_at": "2025-05-02T10:01:00Z"},
			{"id": 112, "name": "test", "run_attempt": 1, "status": "completed", "conclusion": "failure",
				"started_at": "2025-05-02T10:00:00Z", "completed_at": "2025-05-02T10:00:30Z"},
			{"id": 113, "name": "test", "run_attempt": 2, "status": "completed", "conclusion": "success",
				"started_at": "2025-05-02T10:01:00Z", "completed_at": "2025-05-02T10:02:00Z"},
		},
		"10": {
			{"id": 101, "name": "build", "run_attempt": 1, "status": "completed", "conclusion": "success",
				"started_at": "2025-05-01T10:00:00Z", "completed_at": "2025-05-01T10:00:40Z"},
			{"id": 102, "name": "test", "run_attempt": 1, "status": "completed", "conclusion": "failure",
				"started_at": "2025-05-01T10:00:00Z", "completed_at": "2025-05-01T10:01:00Z"},
		},
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/repos/octo/app/actions/runs":
			run := runs[r.URL.Query().Get("status")]
			json.NewEncoder(w).Encode(map[string]interface{}{
				"total_count":   1,
				"workflow_runs": []map[string]interface{}{run},
			})
		case strings.HasPrefix(r.URL.Path, "/repos/octo/app/actions/runs/") && strings.HasSuffix(r.URL.Path, "/jobs"):
			atomic.AddInt32(jobCalls, 1)
			id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/repos/octo/app/actions/runs/"), "/jobs")
			json.NewEncoder(w).Encode(map[string]interface{}{
				"total_count": len(jobs[id]),
				"jobs":        jobs[id],
			})
		default:
			http.NotFound(w, r)
		}
	}))
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	cmd.SetArgs(args)
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestGitHubCommand_AnalyzesAndCaches(t *testing.T) {
	var jobCalls int32
	srv := fakeGitHub(t, &jobCalls)
	defer srv.Close()

	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CACHE_HOME", filepath.Join(home, ".cache"))
	t.Setenv("GITHUB_TOKEN", "ghp_e2e")
	t.Setenv("GITHUB_API_URL", "")
	configPath := filepath.Join(t.TempDir(), "config.toml")
	args := []string{"github", "octo/app", "--config", configPath, "--base-url", srv.URL,
		"--limit", "2", "--no-progress", "--log-level", "error"}

	out, err := runCLI(t, args...)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&jobCalls))
	assert.NotContains(t, out, "ghp_e2e")

	var result map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, "github", result["provider"])
	assert.Equal(t, "octo/app", result["project"])
	assert.Equal(t, float64(2), result["total_pipelines"])

	types := result["pipeline_types"].([]interface{})
	require.Len(t, types, 1)
	metrics := types[0].(map[string]interface{})["metrics"].(map[string]interface{})
	assert.Equal(t, float64(50), metrics["success_rate"])

	jobs := metrics["jobs"].([]interface{})
	var test map[string]interface{}
	for _, j := range jobs {
		if j.(map[string]interface{})["name"] == "test" {
			test = j.(map[string]interface{})
		}
	}
	require.NotNil(t, test)
	assert.Equal(t, float64(3), test["total_executions"])
	assert.Equal(t, 33.33, test["flakiness_rate"])
	assert.Equal(t, 33.33, test["failure_rate"])

	out, err = runCLI(t, args...)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&jobCalls), "second run should be served from cache")
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, float64(2), result["completeness"].(map[string]interface{})["cache_hits"])

	_, err = runCLI(t, "cache", "clear", "octo/app", "--provider", "github", "--config", configPath, "--log-level", "error")
	require.NoError(t, err)
	_, err = runCLI(t, append(args, "--format", "summary")...)
	require.NoError(t, err)
	assert.Equal(t, int32(4), atomic.LoadInt32(&jobCalls))
}

func TestGitHubCommand_NoCacheAlwaysFetches(t *testing.T) {
	var jobCalls int32
	srv := fakeGitHub(t, &jobCalls)
	defer srv.Close()

	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CACHE_HOME", filepath.Join(home, ".cache"))
	t.Setenv("GITHUB_TOKEN", "ghp_e2e")
	configPath := filepath.Join(t.TempDir(), "config.toml")
	args := []string{"github", "octo/app", "--config", configPath, "--base-url", srv.URL,
		"--limit", "2", "--no-progress", "--no-cache", "--log-level", "error"}

	for i := 0; i < 2; i++ {
		_, err := runCLI(t, args...)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(4), atomic.LoadInt32(&jobCalls))
}
