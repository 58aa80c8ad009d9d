package cli

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ralt/updatekit/internal/archive"
	"github.com/ralt/updatekit/internal/models"
	"github.com/ralt/updatekit/internal/resolver"
	"github.com/ralt/updatekit/internal/signer"
	"github.com/ralt/updatekit/internal/utils"
	"github.com/ralt/updatekit/internal/verify"
)

type packOptions struct {
	output      string
	name        string
	version     string
	channel     string
	displayName string
	sign        bool
}

func newPackCmd(a *app) *cobra.Command {
	var opts packOptions

	cmd := &cobra.Command{
		Use:   "pack <dir>",
		Short: "Build a package from a directory",
		Long: `Packs a directory into a zip or tar package. A metadata.json is generated
from --name and --version unless the directory has one. With --sign the
package carries an embedded signature made with --gpg-key.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validatePackOptions(&opts); err != nil {
				return err
			}
			files, err := packFiles(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}

			var s *signer.GPGSigner
			if opts.sign {
				if s, err = a.signer(); err != nil {
					return err
				}
				if files, err = verify.SignFiles(files, s); err != nil {
					return fmt.Errorf("signing package: %w", err)
				}
			}

			var buf bytes.Buffer
			if err := archive.Write(&buf, archive.KindFromName(opts.output), files); err != nil {
				return err
			}
			if s != nil {
				if err := checkSigned(cmd.Context(), opts.output, buf.Bytes(), s); err != nil {
					return err
				}
			}
			if err := utils.WriteFile(opts.output, buf.Bytes(), 0644); err != nil {
				return models.NewError(models.ErrFileOp, opts.output, err)
			}
			logrus.Infof("Wrote %s (%d files, md5 %s)", opts.output, len(files), verify.MD5(buf.Bytes()))
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Package file, its extension selects the format")
	cmd.Flags().StringVar(&opts.name, "name", "", "Package name for generated metadata")
	cmd.Flags().StringVar(&opts.version, "pkg-version", "", "Package version for generated metadata")
	cmd.Flags().StringVar(&opts.channel, "channel", "", "Release channel (default derived from the version)")
	cmd.Flags().StringVar(&opts.displayName, "display-name", "", "Human readable name")
	cmd.Flags().BoolVar(&opts.sign, "sign", false, "Embed a package signature")
	addSigningFlags(cmd)
	return cmd
}

// checkSigned verifies a freshly built package against the key that
// signed it.
func checkSigned(ctx context.Context, name string, data []byte, s *signer.GPGSigner) error {
	pkg, err := archive.Open(name, data)
	if err != nil {
		return err
	}
	defer pkg.Close()

	result, err := verify.Verify(ctx, pkg, openpgp.EntityList{s.Entity()})
	if err != nil {
		return err
	}
	if !result.IsTrusted {
		return models.NewError(models.ErrVerification, name, fmt.Errorf("package does not verify against key %s", s.Fingerprint()))
	}
	return nil
}

func validatePackOptions(opts *packOptions) error {
	if opts.output == "" {
		return models.NewError(models.ErrInvalidConfig, "output", fmt.Errorf("output is required"))
	}
	if !archive.HasSupportedExtension(opts.output) {
		return models.NewError(models.ErrUnsupportedFormat, opts.output, fmt.Errorf("unsupported package extension"))
	}
	return nil
}

// packFiles collects dir and adds generated metadata when dir has none.
func packFiles(ctx context.Context, dir string, opts packOptions) ([]archive.File, error) {
	files, err := archive.CollectDir(ctx, dir)
	if err != nil {
		return nil, models.NewError(models.ErrFileOp, dir, err)
	}
	for _, f := range files {
		if f.Path == "metadata.json" || f.Path == verify.MetaDir+"metadata.json" {
			if _, err := models.ParseMetadata(f.Path, f.Data); err != nil {
				return nil, err
			}
			return files, nil
		}
	}

	if opts.name == "" || opts.version == "" {
		return nil, models.NewError(models.ErrInvalidConfig, dir, fmt.Errorf("no metadata.json in directory: --name and --pkg-version are required"))
	}
	if _, ok := resolver.Coerce(opts.version); !ok {
		return nil, models.NewError(models.ErrInvalidConfig, "pkg-version", fmt.Errorf("invalid version %q", opts.version))
	}
	meta := &models.Metadata{
		Name:        opts.name,
		Version:     opts.version,
		Channel:     opts.channel,
		DisplayName: opts.displayName,
	}
	if meta.Channel == "" {
		meta.Channel = resolver.ChannelOf(opts.version)
	}
	data, err := meta.Marshal()
	if err != nil {
		return nil, err
	}
	return append(files, archive.File{Path: "metadata.json", Data: data, Mode: 0644}), nil
}
