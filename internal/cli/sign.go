package cli

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ralt/updatekit/internal/utils"
)

func addSigningFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("gpg-key", "k", "", "Path to GPG private key")
	cmd.Flags().StringP("gpg-passphrase", "p", "", "GPG key passphrase")
}

func newSignCmd(a *app) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "sign <file>",
		Short: "Write a detached armored signature for a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.signer()
			if err != nil {
				return err
			}
			data, err := readFile(args[0])
			if err != nil {
				return err
			}
			sig, err := s.SignDetached(data)
			if err != nil {
				return fmt.Errorf("signing %s: %w", args[0], err)
			}

			if output == "" {
				output = args[0] + ".asc"
			}
			if err := utils.WriteFile(output, sig, 0644); err != nil {
				return err
			}
			logrus.Infof("Wrote %s", output)
			return nil
		},
	}

	addSigningFlags(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "", "Signature file (default <file>.asc)")
	return cmd
}
