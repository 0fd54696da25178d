package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"

	"github.com/waabox/cilens/internal/domain"
	"github.com/waabox/cilens/internal/fetch"
	"github.com/waabox/cilens/internal/httpclient"
	"github.com/waabox/cilens/internal/pipelinetype"
)

// ProviderConfig holds the credentials and endpoint of one CI provider.
type ProviderConfig struct {
	Token string `toml:"token"`
	URL   string `toml:"url"`
}

// FetchConfig tunes the acquisition phase.
type FetchConfig struct {
	Limit             int    `toml:"limit"`
	Concurrency       int    `toml:"concurrency"`
	MaxRetries        *int   `toml:"max_retries"`
	RetryDelaySeconds int    `toml:"retry_delay_seconds"`
	Sampling          string `toml:"sampling"`
}

// AnalysisConfig tunes classification.
type AnalysisConfig struct {
	MinTypePercentage   *float64 `toml:"min_type_percentage"`
	ClusterMode         string   `toml:"cluster_mode"`
	SimilarityThreshold float64  `toml:"similarity_threshold"`
}

// Config holds all cilens configuration.
type Config struct {
	LogLevel string         `toml:"log_level"`
	GitLab   ProviderConfig `toml:"gitlab"`
	GitHub   ProviderConfig `toml:"github"`
	Fetch    FetchConfig    `toml:"fetch"`
	Analysis AnalysisConfig `toml:"analysis"`
}

const (
	DefaultLimit     = 20
	DefaultGitLabURL = "https://gitlab.com"
	DefaultGitHubURL = "https://api.github.com"
)

// env lists the variables that override file values.
type env struct {
	GitLabToken string `envconfig:"GITLAB_TOKEN"`
	GitLabURL   string `envconfig:"GITLAB_URL"`
	GitHubToken string `envconfig:"GITHUB_TOKEN"`
	GitHubURL   string `envconfig:"GITHUB_API_URL"`
	LogLevel    string `envconfig:"CILENS_LOG_LEVEL"`
}

// LoadFrom reads configuration from the given TOML file path.
// If the file does not exist, it returns an empty config without error.
// Environment variables always take precedence over file values.
func LoadFrom(path string) (Config, error) {
	var cfg Config
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, &domain.ConfigError{Field: path, Reason: err.Error()}
		}
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultConfigPath returns the default path for the cilens config file.
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "cilens", "config.toml")
}

func applyEnvOverrides(cfg *Config) error {
	var e env
	if err := envconfig.Process("", &e); err != nil {
		return fmt.Errorf("reading environment: %w", err)
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.GitLab.Token, e.GitLabToken)
	set(&cfg.GitLab.URL, e.GitLabURL)
	set(&cfg.GitHub.Token, e.GitHubToken)
	set(&cfg.GitHub.URL, e.GitHubURL)
	set(&cfg.LogLevel, e.LogLevel)
	return nil
}

// Provider returns the settings of the named provider with the default URL filled in.
func (c Config) Provider(name string) (ProviderConfig, error) {
	switch name {
	case "gitlab":
		p := c.GitLab
		if p.URL == "" {
			p.URL = DefaultGitLabURL
		}
		return p, nil
	case "github":
		p := c.GitHub
		if p.URL == "" {
			p.URL = DefaultGitHubURL
		}
		return p, nil
	}
	return ProviderConfig{}, &domain.ConfigError{Field: "provider", Reason: fmt.Sprintf("unknown provider %q", name)}
}

// LimitOrDefault returns Fetch.Limit if set, otherwise DefaultLimit.
func (c Config) LimitOrDefault() int {
	if c.Fetch.Limit > 0 {
		return c.Fetch.Limit
	}
	return DefaultLimit
}

// HTTP returns the retry policy for provider calls.
func (c Config) HTTP() httpclient.Options {
	opts := httpclient.Options{
		MaxRetries: httpclient.DefaultMaxRetries,
		RetryDelay: time.Duration(c.Fetch.RetryDelaySeconds) * time.Second,
	}
	if c.Fetch.MaxRetries != nil {
		opts.MaxRetries = *c.Fetch.MaxRetries
	}
	return opts
}

// MinTypePercentage returns the configured threshold or the classifier default.
func (c Config) MinTypePercentage() float64 {
	if c.Analysis.MinTypePercentage != nil {
		return *c.Analysis.MinTypePercentage
	}
	return pipelinetype.DefaultMinPercentage
}

// Validate checks the settings needed to analyze a project on the named provider.
func (c Config) Validate(provider string) error {
	p, err := c.Provider(provider)
	if err != nil {
		return err
	}
	if p.Token == "" {
		return &domain.ConfigError{Field: provider + ".token", Reason: "no access token configured"}
	}
	if c.Fetch.Limit < 0 {
		return &domain.ConfigError{Field: "fetch.limit", Reason: "must be at least 1"}
	}
	if c.Fetch.Concurrency < 0 {
		return &domain.ConfigError{Field: "fetch.concurrency", Reason: "must not be negative"}
	}
	if c.Fetch.MaxRetries != nil && *c.Fetch.MaxRetries < 0 {
		return &domain.ConfigError{Field: "fetch.max_retries", Reason: "must not be negative"}
	}
	if pct := c.MinTypePercentage(); pct < 0 || pct > 100 {
		return &domain.ConfigError{Field: "analysis.min_type_percentage", Reason: "must be within [0, 100]"}
	}
	if t := c.Analysis.SimilarityThreshold; t < 0 || t > 1 {
		return &domain.ConfigError{Field: "analysis.similarity_threshold", Reason: "must be within [0, 1]"}
	}
	if _, err := pipelinetype.ParseMode(c.Analysis.ClusterMode); err != nil {
		return err
	}
	if _, err := fetch.ParseSampling(c.Fetch.Sampling); err != nil {
		return err
	}
	return nil
}
