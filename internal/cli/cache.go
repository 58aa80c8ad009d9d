package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ralt/updatekit/internal/repository"
	"github.com/ralt/updatekit/internal/updater"
)

func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the package cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "dir",
		Short: "Print the cache directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := repository.NewCache(a.cfg.CacheDir)
			if err != nil {
				return err
			}
			defer cache.Close()
			fmt.Fprintln(cmd.OutOrStdout(), cache.Dir())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every cached package",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := repository.NewCache(a.cfg.CacheDir)
			if err != nil {
				return err
			}
			defer cache.Close()
			return updater.New(updater.WithCache(cache)).ClearCache(cmd.Context())
		},
	})

	return cmd
}
