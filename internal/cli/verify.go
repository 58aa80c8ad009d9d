package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ralt/updatekit/internal/archive"
	"github.com/ralt/updatekit/internal/models"
	"github.com/ralt/updatekit/internal/verify"
)

func newVerifyCmd(a *app) *cobra.Command {
	var (
		signature string
		md5       string
	)

	cmd := &cobra.Command{
		Use:   "verify <package>",
		Short: "Verify a package's checksum and signatures",
		Long: `Checks the embedded package signature against the configured public key
and, when --signature is given, a detached signature over the whole file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path := args[0]
			out := cmd.OutOrStdout()

			data, err := readFile(path)
			if err != nil {
				return err
			}
			if md5 != "" {
				if err := verify.VerifyChecksums(data, &models.Checksums{MD5: md5}); err != nil {
					return models.NewError(models.ErrVerification, path, err)
				}
				fmt.Fprintf(out, "%s: md5 ok\n", path)
			}

			if signature != "" {
				publicKey, err := a.publicKey()
				if err != nil {
					return err
				}
				if publicKey == nil {
					return models.NewError(models.ErrInvalidConfig, "public-key", fmt.Errorf("a public key is required to check detached signatures"))
				}
				sig, err := readFile(signature)
				if err != nil {
					return err
				}
				ok, err := verify.VerifyDetachedSignature(data, publicKey, sig)
				if err != nil {
					return err
				}
				if !ok {
					return models.NewError(models.ErrVerification, signature, fmt.Errorf("detached signature does not match"))
				}
				fmt.Fprintf(out, "%s: detached signature ok\n", path)
			}

			trusted, err := a.trustedKeys()
			if err != nil {
				return err
			}
			pkg, err := archive.Open(path, data)
			if err != nil {
				return err
			}
			defer pkg.Close()

			result, err := verify.Verify(ctx, pkg, trusted)
			if err != nil {
				return err
			}
			printVerification(out, path, result)
			if a.cfg.RequireTrusted && !result.IsTrusted {
				return models.NewError(models.ErrVerification, path, fmt.Errorf("package is not signed by a trusted key"))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&signature, "signature", "s", "", "Detached signature file (.asc)")
	cmd.Flags().StringVar(&md5, "md5", "", "Expected md5 checksum (hex)")
	return cmd
}
