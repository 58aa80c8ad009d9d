package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ralt/updatekit/internal/archive"
)

func newExtractCmd(a *app) *cobra.Command {
	var (
		dest      string
		overwrite bool
		list      bool
	)

	cmd := &cobra.Command{
		Use:   "extract <package>",
		Short: "Extract or list a package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pkg, err := archive.OpenFile(args[0])
			if err != nil {
				return err
			}
			defer pkg.Close()

			if list {
				entries, err := pkg.Entries(ctx)
				if err != nil {
					return err
				}
				for _, e := range entries {
					fmt.Fprintf(cmd.OutOrStdout(), "%-7s %10d  %s\n", e.Type, e.Size, e.RelativePath)
				}
				return nil
			}

			if dest == "" {
				dest = a.cfg.CacheDir
			}
			dir, err := pkg.Extract(ctx, dest, archive.ExtractOptions{Overwrite: overwrite})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), dir)
			return nil
		},
	}

	cmd.Flags().StringVarP(&dest, "dest", "d", "", "Destination root (default the cache directory)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace existing files")
	cmd.Flags().BoolVarP(&list, "list", "l", false, "List entries instead of extracting")
	return cmd
}
