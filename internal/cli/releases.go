package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ralt/updatekit/internal/models"
	"github.com/ralt/updatekit/internal/updater"
)

type listFlags struct {
	version    string
	onlyCache  bool
	onlyRemote bool
	asJSON     bool
}

func (f *listFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.version, "version", "", "Version range, e.g. \">=1.2.0 <2\"")
	cmd.Flags().BoolVar(&f.onlyCache, "only-cache", false, "Only consider cached releases")
	cmd.Flags().BoolVar(&f.onlyRemote, "only-remote", false, "Only consider remote releases")
	cmd.Flags().BoolVar(&f.asJSON, "json", false, "Print JSON")
}

// versionRange prefers the flag over a range carried by the repository.
func (f *listFlags) versionRange(fromRepo string) string {
	if f.version != "" {
		return f.version
	}
	return fromRepo
}

func newReleasesCmd(a *app) *cobra.Command {
	var (
		flags listFlags
		all   bool
	)

	cmd := &cobra.Command{
		Use:   "releases",
		Short: "List cached and remote releases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, repoRange, err := a.manager(nil)
			if err != nil {
				return err
			}
			releases, err := m.GetReleases(cmd.Context(), updater.ListOptions{
				Sort:           true,
				OnlyCache:      flags.onlyCache,
				OnlyRemote:     flags.onlyRemote,
				Version:        flags.versionRange(repoRange),
				IncludeInvalid: all,
			})
			if err != nil {
				return err
			}
			return printReleases(cmd.OutOrStdout(), releases, flags.asJSON)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&all, "all", false, "Include releases that failed to parse")
	return cmd
}

func newLatestCmd(a *app) *cobra.Command {
	var flags listFlags

	cmd := &cobra.Command{
		Use:   "latest",
		Short: "Show the newest release",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, repoRange, err := a.manager(nil)
			if err != nil {
				return err
			}
			latest, err := m.GetLatest(cmd.Context(), updater.LatestOptions{
				OnlyCache:  flags.onlyCache,
				OnlyRemote: flags.onlyRemote,
				Version:    flags.versionRange(repoRange),
			})
			if err != nil {
				return err
			}
			if latest == nil {
				return fmt.Errorf("no release found")
			}
			if flags.asJSON {
				return printJSON(cmd.OutOrStdout(), latest)
			}
			return printReleases(cmd.OutOrStdout(), []models.Release{*latest}, false)
		},
	}
	flags.register(cmd)
	return cmd
}

func newCheckCmd(a *app) *cobra.Command {
	var flags listFlags

	cmd := &cobra.Command{
		Use:   "check <current-version>",
		Short: "Check whether a newer release than the running version exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, repoRange, err := a.manager(nil)
			if err != nil {
				return err
			}
			info, err := m.CheckForUpdate(cmd.Context(), args[0], updater.LatestOptions{
				OnlyCache:  flags.onlyCache,
				OnlyRemote: flags.onlyRemote,
				Version:    flags.versionRange(repoRange),
			})
			if err != nil {
				return err
			}
			if flags.asJSON {
				return printJSON(cmd.OutOrStdout(), info)
			}

			out := cmd.OutOrStdout()
			switch {
			case info.Available:
				fmt.Fprintf(out, "Update available: %s %s from %s\n", info.Latest.Name, info.Latest.Version, info.Source)
			case info.Latest != nil:
				fmt.Fprintf(out, "Up to date (latest %s from %s)\n", info.Latest.Version, info.Source)
			default:
				fmt.Fprintln(out, "No releases found")
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
