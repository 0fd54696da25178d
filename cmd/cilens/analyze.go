package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/waabox/cilens/internal/cache"
	"github.com/waabox/cilens/internal/config"
	"github.com/waabox/cilens/internal/domain"
	"github.com/waabox/cilens/internal/fetch"
	"github.com/waabox/cilens/internal/git"
	"github.com/waabox/cilens/internal/httpclient"
	"github.com/waabox/cilens/internal/insights"
	"github.com/waabox/cilens/internal/pipelinetype"
	"github.com/waabox/cilens/internal/provider"
	githubprovider "github.com/waabox/cilens/internal/provider/github"
	gitlabprovider "github.com/waabox/cilens/internal/provider/gitlab"
	"github.com/waabox/cilens/internal/report"
	"github.com/waabox/cilens/internal/tui"
)

type analyzeFlags struct {
	limit               int
	ref                 string
	since               string
	until               string
	baseURL             string
	concurrency         int
	sampling            string
	minTypePercentage   float64
	clusterMode         string
	similarityThreshold float64
	noCache             bool
	clearCache          bool
	format              string
	pretty              bool
	topJobs             int
	noProgress          bool
}

func newAnalyzeCommand(name, short string, global *globalFlags) *cobra.Command {
	flags := &analyzeFlags{}
	command := &cobra.Command{
		Use:   name + " [project]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(cmd, name, args, global, flags)
		},
	}
	fs := command.Flags()
	fs.IntVar(&flags.limit, "limit", config.DefaultLimit, "number of pipelines to analyze")
	fs.StringVar(&flags.ref, "ref", "", "only pipelines for this branch or tag")
	fs.StringVar(&flags.since, "since", "", "only pipelines updated on or after this day (YYYY-MM-DD)")
	fs.StringVar(&flags.until, "until", "", "only pipelines updated on or before this day (YYYY-MM-DD)")
	fs.StringVar(&flags.baseURL, "base-url", "", "API base URL for self-hosted instances")
	fs.IntVar(&flags.concurrency, "concurrency", fetch.DefaultConcurrency, "maximum in-flight job requests")
	fs.StringVar(&flags.sampling, "sampling", string(fetch.SamplingBackfill), "sampling strategy (backfill, strict, recent)")
	fs.Float64Var(&flags.minTypePercentage, "min-type-percentage", pipelinetype.DefaultMinPercentage, "drop pipeline types below this share of pipelines")
	fs.StringVar(&flags.clusterMode, "cluster-mode", string(pipelinetype.ModeExact), "pipeline type clustering (exact, similar)")
	fs.Float64Var(&flags.similarityThreshold, "similarity-threshold", pipelinetype.DefaultSimilarityThreshold, "Jaccard threshold for --cluster-mode similar")
	fs.BoolVar(&flags.noCache, "no-cache", false, "neither read nor write the pipeline cache")
	fs.BoolVar(&flags.clearCache, "clear-cache", false, "empty the project's cache before fetching")
	fs.StringVar(&flags.format, "format", string(report.FormatJSON), "output format (json, summary)")
	fs.BoolVar(&flags.pretty, "pretty", false, "indent JSON output")
	fs.IntVar(&flags.topJobs, "top-jobs", 0, "jobs listed per type in the summary, 0 for all")
	fs.BoolVar(&flags.noProgress, "no-progress", false, "do not show fetch progress")
	return command
}

// apply overrides cfg with the flags set on the command line.
func (f *analyzeFlags) apply(cmd *cobra.Command, name string, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("limit") {
		cfg.Fetch.Limit = f.limit
	}
	if changed("concurrency") {
		cfg.Fetch.Concurrency = f.concurrency
	}
	if changed("sampling") {
		cfg.Fetch.Sampling = f.sampling
	}
	if changed("min-type-percentage") {
		cfg.Analysis.MinTypePercentage = &f.minTypePercentage
	}
	if changed("cluster-mode") {
		cfg.Analysis.ClusterMode = f.clusterMode
	}
	if changed("similarity-threshold") {
		cfg.Analysis.SimilarityThreshold = f.similarityThreshold
	}
	if changed("base-url") {
		switch name {
		case "gitlab":
			cfg.GitLab.URL = f.baseURL
		case "github":
			cfg.GitHub.URL = f.baseURL
		}
	}
}

func runAnalyze(cmd *cobra.Command, name string, args []string, global *globalFlags, flags *analyzeFlags) error {
	ctx, cfg, err := global.setup(cmd.Context(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	flags.apply(cmd, name, &cfg)
	if cmd.Flags().Changed("limit") && flags.limit < 1 {
		return &domain.ConfigError{Field: "limit", Reason: "must be at least 1"}
	}
	if err := cfg.Validate(name); err != nil {
		return err
	}
	format, err := report.ParseFormat(flags.format)
	if err != nil {
		return err
	}
	since, until, err := parseDateRange(flags.since, flags.until)
	if err != nil {
		return err
	}
	sampling, _ := fetch.ParseSampling(cfg.Fetch.Sampling)
	mode, _ := pipelinetype.ParseMode(cfg.Analysis.ClusterMode)

	registry := newRegistry(cfg, httpclient.New(cfg.HTTP()))
	ciProvider, err := registry.ByName(name)
	if err != nil {
		return err
	}
	project, err := resolveProject(name, args, registry)
	if err != nil {
		return err
	}
	logger := log.Ctx(ctx).With().Str("provider", name).Str("project", project).Logger()
	ctx = logger.WithContext(ctx)

	var store *cache.Store
	if !flags.noCache {
		store, err = openCache(ctx, name, project, flags.clearCache)
		if err != nil {
			return err
		}
	}

	orch := fetch.New(ciProvider, store, fetch.Options{
		Ref:         flags.ref,
		Since:       since,
		Until:       until,
		Limit:       cfg.LimitOrDefault(),
		Concurrency: cfg.Fetch.Concurrency,
		Sampling:    sampling,
	})
	var progress *tui.Progress
	if !flags.noProgress && isTerminal(cmd.ErrOrStderr()) {
		progress = tui.NewProgress(cmd.ErrOrStderr(), project)
		progress.Start()
		orch.WithObserver(progress)
	}

	res, fetchErr := orch.Fetch(ctx, project)
	if progress != nil {
		progress.Stop()
	}
	if fetchErr != nil && (res.Listed == 0 || !errors.Is(fetchErr, context.Canceled)) {
		return fetchErr
	}
	if fetchErr != nil {
		logger.Warn().Err(fetchErr).Msg("reporting partial results")
	}

	result := insights.Build(ctx, res, insights.Options{
		Provider: name,
		Project:  project,
		Linker:   ciProvider,
		Classify: pipelinetype.Options{
			MinPercentage:       cfg.MinTypePercentage(),
			Mode:                mode,
			SimilarityThreshold: cfg.Analysis.SimilarityThreshold,
		},
	})
	if result.Completeness.Degraded() {
		logger.Warn().
			Int("listed", result.Completeness.Listed).
			Int("fetched", result.Completeness.Fetched).
			Msg("some pipelines are missing from the analysis")
	}
	if err := report.Write(cmd.OutOrStdout(), result, report.Options{Format: format, Pretty: flags.pretty, TopJobs: flags.topJobs}); err != nil {
		return err
	}
	return fetchErr
}

// newRegistry registers both adapters under their public and configured hosts.
func newRegistry(cfg config.Config, client *retryablehttp.Client) *provider.Registry {
	registry := provider.NewRegistry()

	gl, _ := cfg.Provider("gitlab")
	gitlab := gitlabprovider.NewAdapter(gl.Token, gl.URL, client)
	registry.Register("gitlab.com", gitlab)
	if host := hostOf(gl.URL); host != "" && host != "gitlab.com" {
		registry.Register(host, gitlab)
	}

	gh, _ := cfg.Provider("github")
	github := githubprovider.NewAdapter(gh.Token, gh.URL, client)
	registry.Register("github.com", github)
	if host := hostOf(gh.URL); host != "" && host != "api.github.com" {
		registry.Register(host, github)
	}
	return registry
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// resolveProject returns the project argument, or the project of the
// working copy's origin remote when it is hosted on the named provider.
func resolveProject(name string, args []string, registry *provider.Registry) (string, error) {
	if len(args) == 1 {
		project := strings.Trim(args[0], "/")
		if project == "" {
			return "", usageError{errors.New("project must not be empty")}
		}
		return project, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting current directory: %w", err)
	}
	repo, err := git.DetectRepository(cwd)
	if err != nil {
		return "", usageError{fmt.Errorf("no project given and %w", err)}
	}
	detected, err := registry.Detect(repo.RemoteURL)
	if err != nil {
		return "", usageError{err}
	}
	if detected.Name() != name {
		return "", usageError{fmt.Errorf("origin remote %s is hosted on %s, not %s", repo.RemoteURL, detected.Name(), name)}
	}
	return repo.Path(), nil
}

func openCache(ctx context.Context, providerName, project string, clear bool) (*cache.Store, error) {
	path, err := cache.DefaultPath(providerName, project)
	if err != nil {
		return nil, err
	}
	store := cache.New(cache.FileBackend{Path: path})
	if clear {
		if err := store.Clear(); err != nil {
			return nil, fmt.Errorf("clearing cache: %w", err)
		}
		log.Ctx(ctx).Info().Str("path", path).Msg("cache cleared")
		return store, nil
	}
	if err := store.Load(ctx); err != nil {
		return nil, fmt.Errorf("loading cache: %w", err)
	}
	log.Ctx(ctx).Debug().Str("path", path).Int("entries", store.Len()).Msg("cache loaded")
	return store, nil
}

const dayLayout = "2006-01-02"

// parseDateRange parses YYYY-MM-DD bounds in UTC. until covers its whole day.
func parseDateRange(since, until string) (time.Time, time.Time, error) {
	var from, to time.Time
	var err error
	if since != "" {
		from, err = time.ParseInLocation(dayLayout, since, time.UTC)
		if err != nil {
			return from, to, &domain.ConfigError{Field: "since", Reason: fmt.Sprintf("%q is not YYYY-MM-DD", since)}
		}
	}
	if until != "" {
		to, err = time.ParseInLocation(dayLayout, until, time.UTC)
		if err != nil {
			return from, to, &domain.ConfigError{Field: "until", Reason: fmt.Sprintf("%q is not YYYY-MM-DD", until)}
		}
		to = to.Add(24*time.Hour - time.Second)
	}
	if !from.IsZero() && !to.IsZero() && from.After(to) {
		return from, to, &domain.ConfigError{Field: "since", Reason: "must not be after until"}
	}
	return from, to, nil
}
