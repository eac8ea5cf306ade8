package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"devpublish/internal/merge"
)

func newMergeCmd(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "merge",
		Short: "Rebuild the merged repository from the publication stores",
		Args:  checkArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := deps.open(nil)
			if err != nil {
				return err
			}
			report, err := a.syncer.Sync(cmd.Context(), a.runner.MergeInputs())
			if err != nil {
				return &ExitError{Code: ExitPublishFailure, Err: err}
			}
			printReport(cmd.OutOrStdout(), a.syncer.Dest, report)
			return nil
		},
	}
}

func printReport(w io.Writer, dest string, r *merge.Report) {
	fmt.Fprintf(w, "merged into %s: %d copied, %d unchanged, %d deleted, %d conflicts\n",
		dest, len(r.Copied), len(r.Unchanged), len(r.Deleted), len(r.Conflicts))
	for _, c := range r.Conflicts {
		fmt.Fprintf(w, "  conflict: %s\n", c)
	}
}
