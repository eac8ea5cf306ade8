package cli

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"devpublish/internal/publish"
)

func newStatusCmd(deps *Deps) *cobra.Command {
	var showDiff bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show which publications would be written",
		Args:  checkArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := deps.open(nil)
			if err != nil {
				return err
			}
			statuses, err := a.runner.Status(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			t := table.New().
				Border(lipgloss.NormalBorder()).
				Headers("publication", "destination", "state")
			for _, st := range statuses {
				t.Row(st.Name, st.Destination.String(), statusLabel(st))
			}
			fmt.Fprintln(out, t.String())

			// Stores left by publications no longer configured still feed
			// the merged repository.
			stores, err := a.staging.Publications()
			if err != nil {
				return err
			}
			for _, name := range stores {
				if _, ok := a.runner.Publication(name); !ok {
					fmt.Fprintf(out, "unconfigured publication store: %s\n", a.staging.StorePath(name))
				}
			}

			last, err := a.history.Latest()
			if err != nil {
				a.logger.Warn("reading pass history", "error", err)
			}
			if last != nil {
				fmt.Fprintf(out, "last pass %s: %s\n", last.ID, last.Status)
				for _, f := range last.Failures {
					fmt.Fprintf(out, "  %s (%s): %s\n", f.Step, f.Class, firstLine(f.Message))
				}
			}

			if showDiff {
				for _, st := range statuses {
					if st.UpToDate || st.Destination == publish.External {
						continue
					}
					fmt.Fprintf(out, "%s\n%s\n", st.Name, st.Diff)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showDiff, "diff", false, "print the fingerprint diff of every stale publication")
	return cmd
}

func statusLabel(st publish.Status) string {
	switch {
	case st.Destination == publish.External:
		return "always written"
	case st.UpToDate:
		return "up to date"
	case !st.HasStored:
		return "never published"
	case st.Current != st.Stored:
		return "stale"
	default:
		return "store missing"
	}
}
