package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/waabox/cilens/internal/cache"
	"github.com/waabox/cilens/internal/httpclient"
)

func newCacheCommand(global *globalFlags) *cobra.Command {
	command := &cobra.Command{
		Use:   "cache",
		Short: "Manage the local pipeline cache",
	}
	command.AddCommand(newCacheClearCommand(global))
	return command
}

func newCacheClearCommand(global *globalFlags) *cobra.Command {
	var providerName string
	command := &cobra.Command{
		Use:   "clear [project]",
		Short: "Remove the cached pipelines of a project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cfg, err := global.setup(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if providerName != "gitlab" && providerName != "github" {
				return usageError{fmt.Errorf("unknown provider %q", providerName)}
			}
			registry := newRegistry(cfg, httpclient.New(cfg.HTTP()))
			project, err := resolveProject(providerName, args, registry)
			if err != nil {
				return err
			}
			path, err := cache.DefaultPath(providerName, project)
			if err != nil {
				return err
			}
			if err := cache.New(cache.FileBackend{Path: path}).Clear(); err != nil {
				return fmt.Errorf("clearing cache: %w", err)
			}
			log.Ctx(ctx).Info().Str("project", project).Str("path", path).Msg("cache cleared")
			return nil
		},
	}
	command.Flags().StringVar(&providerName, "provider", "gitlab", "provider the project lives on (gitlab, github)")
	return command
}
