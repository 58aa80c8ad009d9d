package cli

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ralt/updatekit/internal/config"
	"github.com/ralt/updatekit/internal/download"
)

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "updatekit",
		Short: "Discover, download, verify and hot-load application packages",
		Long: `Updatekit finds versioned application packages in a remote repository
and a local cache, downloads and verifies them, and serves their content
from memory.

Supported repositories:
  - GitHub releases (https://github.com/owner/repo or pkg:github/owner/repo@range)
  - Azure blob containers (https://account.blob.core.windows.net/container)
  - Local directories`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Setup logging
			verbose, _ := cmd.Flags().GetBool("verbose")
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			} else {
				logrus.SetLevel(logrus.InfoLevel)
			}

			configFile, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			a.cfg = cfg
			logrus.Debugf("Configuration: repository=%s cache=%s parallel=%d", cfg.Repository, cfg.CacheDir, cfg.Parallel)
			return nil
		},
	}

	// Global flags
	pf := rootCmd.PersistentFlags()
	pf.BoolP("verbose", "v", false, "Enable verbose logging")
	pf.String("config", "", "Config file (default ./updatekit.yaml or ~/.config/updatekit/updatekit.yaml)")

	// Source flags
	pf.StringP("repository", "r", "", "Remote repository URL, pkg:github/owner/repo[@range] or local directory")
	pf.String("prefix", "", "Only consider assets and blobs starting with this prefix")
	pf.String("cache-dir", "", "Local package cache directory")
	pf.String("github-token", "", "GitHub API token")

	// Download flags
	pf.Int("parallel", 1, "Number of concurrent ranged requests per download")
	pf.Int("max-redirects", download.DefaultMaxRedirects, "Maximum redirects followed")
	pf.Int("max-retries", 3, "Maximum retries on 429 and 5xx responses")
	pf.Duration("timeout", 0, "Download timeout (0 disables it)")
	pf.Bool("circuit-breaker", false, "Fail fast on hosts that keep failing")
	pf.String("user-agent", "updatekit/1.0", "User-Agent header")

	// Verification flags
	pf.String("public-key", "", "OpenPGP public key file used to verify signatures")
	pf.Bool("require-trusted", false, "Refuse packages not signed by the public key")

	// Add subcommands
	rootCmd.AddCommand(
		newReleasesCmd(a),
		newLatestCmd(a),
		newCheckCmd(a),
		newDownloadCmd(a),
		newVerifyCmd(a),
		newSignCmd(a),
		newPackCmd(a),
		newExtractCmd(a),
		newServeCmd(a),
		newCacheCmd(a),
	)

	return rootCmd
}
