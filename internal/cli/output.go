package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/ralt/updatekit/internal/models"
)

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, models.NewError(models.ErrFileOp, path, err)
	}
	return data, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printReleases(w io.Writer, releases []models.Release, asJSON bool) error {
	if asJSON {
		if releases == nil {
			releases = []models.Release{}
		}
		return printJSON(w, releases)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVERSION\tCHANNEL\tSOURCE\tFILE\tSTATUS")
	for _, r := range releases {
		status := "ok"
		if !r.IsValid() {
			status = "invalid: " + r.Error
		} else if r.Verification != nil && r.Verification.IsValid {
			status = "signed"
			if r.Verification.IsTrusted {
				status = "trusted"
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.Name, r.Version, r.Channel, r.Repository, r.FileName, status)
	}
	return tw.Flush()
}

func printVerification(w io.Writer, name string, result models.VerificationResult) {
	switch {
	case !result.IsValid:
		fmt.Fprintf(w, "%s: not signed or signature invalid\n", name)
	case result.IsTrusted:
		fmt.Fprintf(w, "%s: valid signature from trusted key\n", name)
	default:
		fmt.Fprintf(w, "%s: valid signature from untrusted key\n", name)
	}
	for _, s := range result.Signers {
		fmt.Fprintf(w, "  signer: %s\n", s)
	}
}
