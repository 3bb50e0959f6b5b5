package main

import (
	"github.com/spf13/cobra"

	"github.com/FranciscoMoretti/notion-downloader-sub001/internal/objectstore"
)

func (a *app) cacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the object cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Discard every cached object",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.resolveConfig(cmd)
			if err != nil {
				return err
			}
			opts := cfg.CacheOptions()
			opts.CleanCache = true
			opts.Logger = a.logger
			store, err := objectstore.Open(cmd.Context(), opts)
			if err != nil {
				return err
			}
			a.logger.WithField("cache", cfg.Cache.Directory).Info("cache cleared")
			return store.Close()
		},
	})
	return cmd
}
