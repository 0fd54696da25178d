package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waabox/cilens/internal/config"
	"github.com/waabox/cilens/internal/domain"
	"github.com/waabox/cilens/internal/httpclient"
)

func TestParseDateRange(t *testing.T) {
	since, until, err := parseDateRange("2025-01-01", "2025-01-31")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), since)
	assert.Equal(t, time.Date(2025, 1, 31, 23, 59, 59, 0, time.UTC), until)

	since, until, err = parseDateRange("", "")
	require.NoError(t, err)
	assert.True(t, since.IsZero())
	assert.True(t, until.IsZero())
}

func TestParseDateRange_SameDayIsValid(t *testing.T) {
	_, _, err := parseDateRange("2025-03-10", "2025-03-10")
	assert.NoError(t, err)
}

func TestParseDateRange_Errors(t *testing.T) {
	var cfgErr *domain.ConfigError

	_, _, err := parseDateRange("2025/01/01", "")
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "since", cfgErr.Field)

	_, _, err = parseDateRange("", "tomorrow")
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "until", cfgErr.Field)

	_, _, err = parseDateRange("2025-02-01", "2025-01-01")
	require.ErrorAs(t, err, &cfgErr)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 130, exitCode(fmt.Errorf("fetch interrupted: %w", context.Canceled)))
	assert.Equal(t, 2, exitCode(&domain.ConfigError{Field: "limit", Reason: "must be at least 1"}))
	assert.Equal(t, 2, exitCode(usageError{errors.New("no project")}))
	assert.Equal(t, 1, exitCode(fmt.Errorf("pipeline 1: %w", domain.ErrUnauthorized)))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "warn")
	require.NoError(t, err)
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"message":"shown"`)
	assert.Contains(t, buf.String(), `"run_id"`)

	_, err = newLogger(&buf, "loud")
	var cfgErr *domain.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestNewRegistry_DetectsConfiguredHosts(t *testing.T) {
	cfg := config.Config{
		GitLab: config.ProviderConfig{URL: "https://gitlab.example.com"},
		GitHub: config.ProviderConfig{URL: "https://ghe.example.com/api/v3"},
	}
	registry := newRegistry(cfg, httpclient.New(httpclient.Options{}))

	cases := map[string]string{
		"git@gitlab.com:group/project.git":           "gitlab",
		"https://gitlab.example.com/group/sub/p.git": "gitlab",
		"https://github.com/owner/repo.git":          "github",
		"git@ghe.example.com:owner/repo.git":         "github",
	}
	for remote, want := range cases {
		p, err := registry.Detect(remote)
		require.NoError(t, err, remote)
		assert.Equal(t, want, p.Name(), remote)
	}
}

func TestResolveProject_FromArgument(t *testing.T) {
	registry := newRegistry(config.Config{}, httpclient.New(httpclient.Options{}))
	project, err := resolveProject("gitlab", []string{"/group/project/"}, registry)
	require.NoError(t, err)
	assert.Equal(t, "group/project", project)

	_, err = resolveProject("gitlab", []string{"/"}, registry)
	assert.True(t, isUsage(err))
}

func TestRootCommand_RejectsMissingToken(t *testing.T) {
	t.Setenv("GITLAB_TOKEN", "")
	cmd := newRootCommand()
	cmd.SetArgs([]string{"gitlab", "group/project", "--config", t.TempDir() + "/none.toml", "--no-progress"})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)

	err := cmd.ExecuteContext(context.Background())
	var cfgErr *domain.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "gitlab.token", cfgErr.Field)
}
