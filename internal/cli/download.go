package cli

import (
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ralt/updatekit/internal/updater"
	"github.com/ralt/updatekit/internal/utils"
)

func newDownloadCmd(a *app) *cobra.Command {
	var (
		version string
		output  string
		noCache bool
	)

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download and verify the newest matching release",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, repoRange, err := a.manager(nil)
			if err != nil {
				return err
			}
			if version == "" {
				version = repoRange
			}

			latest, err := m.GetLatest(ctx, updater.LatestOptions{Version: version})
			if err != nil {
				return err
			}
			if latest == nil {
				return fmt.Errorf("no release found")
			}

			publicKey, err := a.publicKey()
			if err != nil {
				return err
			}

			logrus.Infof("Downloading %s %s from %s", latest.Name, latest.Version, latest.Repository)
			downloaded, err := m.Download(ctx, *latest, updater.DownloadOptions{
				WriteToCache:   !noCache,
				RequireTrusted: a.cfg.RequireTrusted,
				PublicKey:      publicKey,
				OnProgress: func(percent int) {
					if percent%25 == 0 {
						logrus.Infof("%d%%", percent)
					}
				},
			})
			if err != nil {
				return err
			}

			if output != "" {
				if utils.DirExists(output) {
					output = filepath.Join(output, downloaded.FileName)
				}
				if err := utils.WriteFile(output, downloaded.Data, 0644); err != nil {
					return err
				}
				logrus.Infof("Wrote %s", output)
			}
			printVerification(cmd.OutOrStdout(), downloaded.FileName, *downloaded.Verification)
			return nil
		},
	}

	cmd.Flags().StringVar(&version, "version", "", "Version range to download from")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Also write the package to this file or directory")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "Do not store the package in the cache")
	return cmd
}
