package main

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/waabox/cilens/internal/config"
	"github.com/waabox/cilens/internal/domain"
)

type globalFlags struct {
	configPath string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:           "cilens",
		Short:         "cilens measures CI pipeline speed and reliability",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", config.DefaultConfigPath(), "path to the TOML config file")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(newAnalyzeCommand("gitlab", "Analyze a GitLab project (group/project)", flags))
	rootCmd.AddCommand(newAnalyzeCommand("github", "Analyze a GitHub repository (owner/repo)", flags))
	rootCmd.AddCommand(newCacheCommand(flags))
	return rootCmd
}

// setup loads the configuration and attaches a run-scoped logger to ctx.
func (f *globalFlags) setup(ctx context.Context, stderr io.Writer) (context.Context, config.Config, error) {
	cfg, err := config.LoadFrom(f.configPath)
	if err != nil {
		return ctx, cfg, err
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	logger, err := newLogger(stderr, cfg.LogLevel)
	if err != nil {
		return ctx, cfg, err
	}
	return logger.WithContext(ctx), cfg, nil
}

func newLogger(w io.Writer, level string) (zerolog.Logger, error) {
	lvl := zerolog.InfoLevel
	if level != "" {
		parsed, err := zerolog.ParseLevel(level)
		if err != nil {
			return zerolog.Nop(), &domain.ConfigError{Field: "log_level", Reason: err.Error()}
		}
		lvl = parsed
	}
	if isTerminal(w) {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}
	return zerolog.New(w).Level(lvl).With().
		Timestamp().
		Str("run_id", uuid.NewString()).
		Logger(), nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

type usageError struct{ error }

func (e usageError) Unwrap() error { return e.error }

func isUsage(err error) bool {
	var u usageError
	var cfgErr *domain.ConfigError
	return errors.As(err, &u) || errors.As(err, &cfgErr)
}
